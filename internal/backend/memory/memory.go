// Package memory is an in-process authoritative backend. Several sessions can
// share one Backend; snapshots reach every watcher over the pub/sub bus.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/nfrund/roomsync/internal/backend"
	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/pubsub"
)

// Snapshot is the wire form of the authoritative collection.
type Snapshot struct {
	Version  uint64           `json:"version"`
	Messages []domain.Message `json:"messages"`
}

// RejectFunc decides whether op is refused. A nil return accepts it.
type RejectFunc func(op domain.Operation) error

type ledgerKey struct {
	session string
	seq     uint64
}

var _ backend.Backend = (*Backend)(nil)

// Backend holds the collection in memory.
type Backend struct {
	bus     pubsub.Bus
	ownsBus bool
	topic   pubsub.Event[Snapshot]
	logger  *slog.Logger

	mu      sync.Mutex
	records map[string]domain.Message
	ledger  map[ledgerKey]backend.Result
	version uint64

	faultMu   sync.Mutex
	failNext  int
	reject    RejectFunc
	hold      chan struct{}
	commitLog [][]domain.Operation
}

// Option is a function that configures a Backend.
type Option func(*Backend)

// WithBus publishes snapshots on bus instead of a private bridge.
func WithBus(bus pubsub.Bus) Option {
	return func(b *Backend) { b.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates an empty collection.
func New(opts ...Option) *Backend {
	b := &Backend{
		topic:   pubsub.NewEvent[Snapshot]("backend." + backend.Collection + ".snapshot"),
		logger:  slog.Default().With("backend", "memory"),
		records: make(map[string]domain.Message),
		ledger:  make(map[ledgerKey]backend.Result),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.bus == nil {
		b.bus = pubsub.NewWatermillBridge()
		b.ownsBus = true
	}
	return b
}

// Commit applies batch in order. A replayed (session, seq) gets its original
// result back without being applied again.
func (b *Backend) Commit(ctx context.Context, batch []domain.Operation) ([]backend.Result, error) {
	if err := b.admit(ctx, batch); err != nil {
		return nil, err
	}

	b.mu.Lock()
	results := make([]backend.Result, 0, len(batch))
	changed := false
	for _, op := range batch {
		key := ledgerKey{op.Session, op.Seq}
		if prev, ok := b.ledger[key]; ok {
			results = append(results, prev)
			continue
		}
		res, applied := b.applyLocked(op)
		if res.Err != nil && domain.IsTransient(res.Err) {
			results = append(results, res)
			continue
		}
		b.ledger[key] = res
		results = append(results, res)
		changed = changed || applied
	}
	var snap Snapshot
	if changed {
		b.version++
		snap = b.snapshotLocked()
	}
	b.mu.Unlock()

	if changed {
		if err := pubsub.Publish(ctx, b.bus, b.topic, "", snap); err != nil {
			b.logger.Warn("Failed to publish snapshot", "version", snap.Version, "error", err)
		}
	}
	return results, nil
}

func (b *Backend) applyLocked(op domain.Operation) (backend.Result, bool) {
	if rejectErr := b.rejection(op); rejectErr != nil {
		return backend.Reject(op.Seq, rejectErr), false
	}

	prev, present := b.records[op.ID]
	switch op.Kind {
	case domain.OpCreate:
		if present {
			return backend.Reject(op.Seq, fmt.Errorf("record %s already exists: %w", op.ID, domain.ErrRejected)), false
		}
	case domain.OpUpdate:
		if !present {
			return backend.Reject(op.Seq, fmt.Errorf("record %s: %w", op.ID, domain.ErrNotFound)), false
		}
	case domain.OpDelete:
		if !present {
			return backend.Ack(op.Seq, nil), false
		}
	}

	next, ok := op.Apply(prev, present)
	if !ok {
		delete(b.records, op.ID)
		return backend.Ack(op.Seq, nil), true
	}
	b.records[op.ID] = next
	return backend.Ack(op.Seq, &next), true
}

// Watch delivers the current snapshot, then every newer one until ctx is
// done. Snapshots older than one already delivered are dropped.
func (b *Backend) Watch(ctx context.Context, fn backend.SnapshotHandler) error {
	var mu sync.Mutex
	var last uint64
	delivered := false
	deliver := func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if delivered && s.Version <= last {
			return
		}
		delivered = true
		last = s.Version
		fn(s.Messages)
	}

	err := pubsub.Subscribe(ctx, b.bus, b.topic, func(_ context.Context, _ string, s Snapshot) error {
		deliver(s)
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", backend.Collection, err)
	}

	b.mu.Lock()
	snap := b.snapshotLocked()
	b.mu.Unlock()
	deliver(snap)
	return nil
}

// Records returns the authoritative collection ordered by id.
func (b *Backend) Records() []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked().Messages
}

// Close releases the bus when the backend created it.
func (b *Backend) Close() error {
	if b.ownsBus {
		return b.bus.Close()
	}
	return nil
}

func (b *Backend) snapshotLocked() Snapshot {
	msgs := slices.SortedFunc(maps.Values(b.records), func(x, y domain.Message) int {
		return cmp.Compare(x.ID, y.ID)
	})
	return Snapshot{Version: b.version, Messages: msgs}
}

// FailNext makes the next n commits fail as transport errors.
func (b *Backend) FailNext(n int) {
	b.faultMu.Lock()
	defer b.faultMu.Unlock()
	b.failNext = n
}

// RejectWith installs fn to refuse individual operations. A nil fn accepts
// everything again.
func (b *Backend) RejectWith(fn RejectFunc) {
	b.faultMu.Lock()
	defer b.faultMu.Unlock()
	b.reject = fn
}

// Hold blocks every commit until the returned release function is called or
// the commit's context ends.
func (b *Backend) Hold() (release func()) {
	gate := make(chan struct{})
	b.faultMu.Lock()
	b.hold = gate
	b.faultMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.faultMu.Lock()
			if b.hold == gate {
				b.hold = nil
			}
			b.faultMu.Unlock()
			close(gate)
		})
	}
}

// Commits returns every batch received so far, including failed ones.
func (b *Backend) Commits() [][]domain.Operation {
	b.faultMu.Lock()
	defer b.faultMu.Unlock()
	return slices.Clone(b.commitLog)
}

func (b *Backend) admit(ctx context.Context, batch []domain.Operation) error {
	b.faultMu.Lock()
	b.commitLog = append(b.commitLog, slices.Clone(batch))
	gate := b.hold
	fail := b.failNext > 0
	if fail {
		b.failNext--
	}
	b.faultMu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return fmt.Errorf("injected fault: %w", domain.ErrTransport)
	}
	return ctx.Err()
}

func (b *Backend) rejection(op domain.Operation) error {
	b.faultMu.Lock()
	fn := b.reject
	b.faultMu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(op)
}
