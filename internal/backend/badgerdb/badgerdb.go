// Package badgerdb stores the collection in an embedded BadgerDB. Every write
// runs in its own transaction together with its replay ledger entry, and
// snapshots are pushed from BadgerDB's key subscription.
package badgerdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"

	"github.com/nfrund/roomsync/internal/backend"
	"github.com/nfrund/roomsync/internal/domain"
)

const (
	messagePrefix = "msg:"
	ledgerPrefix  = "seq:"
)

// DefaultLedgerTTL bounds how long a (session, seq) result is remembered for
// replays.
const DefaultLedgerTTL = 24 * time.Hour

// ledgerEntry is the persisted result of one applied operation.
type ledgerEntry struct {
	Code    string          `json:"code,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Record  *domain.Message `json:"record,omitempty"`
	Applied time.Time       `json:"applied"`
}

const (
	codeNotFound = "not_found"
	codeRejected = "rejected"
)

var _ backend.Backend = (*Backend)(nil)

// Backend is a BadgerDB-backed collection.
type Backend struct {
	db        *badger.DB
	ledgerTTL time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a function that configures a Backend.
type Option func(*Backend)

// WithLedgerTTL sets how long replay results are kept.
func WithLedgerTTL(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.ledgerTTL = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// Open opens the database in dir. An empty dir keeps everything in memory.
func Open(dir string, opts ...Option) (*Backend, error) {
	options := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	if dir == "" {
		options = options.WithInMemory(true)
	}
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return New(db, opts...), nil
}

// New wraps an open database. Close closes db.
func New(db *badger.DB, opts ...Option) *Backend {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		db:        db,
		ledgerTTL: DefaultLedgerTTL,
		logger:    slog.Default().With("backend", "badger"),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Commit applies each operation in its own transaction. Transaction conflicts
// are reported per operation as transport errors so the caller resends them.
func (b *Backend) Commit(ctx context.Context, batch []domain.Operation) ([]backend.Result, error) {
	results := make([]backend.Result, 0, len(batch))
	for _, op := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := b.commitOne(op)
		if err != nil {
			if errors.Is(err, badger.ErrConflict) {
				results = append(results, backend.Reject(op.Seq, fmt.Errorf("%w: %w", domain.ErrTransport, err)))
				continue
			}
			return nil, fmt.Errorf("commit seq %d: %w: %w", op.Seq, domain.ErrTransport, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (b *Backend) commitOne(op domain.Operation) (backend.Result, error) {
	var entry ledgerEntry
	err := b.db.Update(func(txn *badger.Txn) error {
		lk := ledgerKey(op.Session, op.Seq)
		item, err := txn.Get(lk)
		switch {
		case err == nil:
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		entry, err = b.applyTxn(txn, op)
		if err != nil {
			return err
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal ledger entry: %w", err)
		}
		return txn.SetEntry(badger.NewEntry(lk, data).WithTTL(b.ledgerTTL))
	})
	if err != nil {
		return backend.Result{}, err
	}
	return entry.result(op.Seq), nil
}

func (b *Backend) applyTxn(txn *badger.Txn, op domain.Operation) (ledgerEntry, error) {
	entry := ledgerEntry{Applied: time.Now().UTC()}
	key := messageKey(op.ID)

	prev, present, err := readMessage(txn, key)
	if err != nil {
		return entry, err
	}

	switch op.Kind {
	case domain.OpCreate:
		if present {
			entry.Code, entry.Reason = codeRejected, "record already exists"
			return entry, nil
		}
	case domain.OpUpdate:
		if !present {
			entry.Code, entry.Reason = codeNotFound, "record does not exist"
			return entry, nil
		}
	case domain.OpDelete:
		if !present {
			return entry, nil
		}
	}

	next, ok := op.Apply(prev, present)
	if !ok {
		return entry, txn.Delete(key)
	}
	data, err := json.Marshal(next)
	if err != nil {
		return entry, fmt.Errorf("marshal message: %w", err)
	}
	entry.Record = &next
	return entry, txn.Set(key, data)
}

func (e ledgerEntry) result(seq uint64) backend.Result {
	switch e.Code {
	case codeNotFound:
		return backend.Reject(seq, fmt.Errorf("%s: %w", e.Reason, domain.ErrNotFound))
	case codeRejected:
		return backend.Reject(seq, fmt.Errorf("%s: %w", e.Reason, domain.ErrRejected))
	}
	return backend.Ack(seq, e.Record)
}

// Watch delivers the current collection, then a fresh read after every
// change under the message prefix, until ctx or the backend is done.
func (b *Backend) Watch(ctx context.Context, fn backend.SnapshotHandler) error {
	msgs, err := b.Records()
	if err != nil {
		return fmt.Errorf("watch %s: %w", backend.Collection, err)
	}
	fn(msgs)

	watchCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.ctx, cancel)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer stop()
		defer cancel()

		matches := []pb.Match{{Prefix: []byte(messagePrefix)}}
		err := b.db.Subscribe(watchCtx, func(*badger.KVList) error {
			msgs, err := b.Records()
			if err != nil {
				b.logger.Warn("Failed to read snapshot", "error", err)
				return nil
			}
			fn(msgs)
			return nil
		}, matches)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn("Subscription ended", "error", err)
		}
	}()
	return nil
}

// Records reads the whole collection ordered by id.
func (b *Backend) Records() ([]domain.Message, error) {
	var msgs []domain.Message
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(messagePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var m domain.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	return msgs, err
}

// Close stops every watch and closes the database.
func (b *Backend) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.db.Close()
}

func readMessage(txn *badger.Txn, key []byte) (domain.Message, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, err
	}
	var m domain.Message
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &m)
	})
	return m, err == nil, err
}

func messageKey(id string) []byte {
	return []byte(messagePrefix + id)
}

func ledgerKey(session string, seq uint64) []byte {
	return fmt.Appendf(nil, "%s%s:%d", ledgerPrefix, session, seq)
}
