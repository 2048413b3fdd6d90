// Package mutation sequences local writes, applies them optimistically to the
// record store and reconciles them against the backend's acknowledgements.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nfrund/roomsync/internal/backend"
	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/retry"
	"github.com/nfrund/roomsync/internal/store"
)

// DefaultConfirmTimeout bounds how long a write may stay unconfirmed before it
// is rolled back.
const DefaultConfirmTimeout = 5 * time.Second

// ResolveFunc observes every resolved write. err is nil on confirmation.
type ResolveFunc func(op domain.Operation, err error)

// submission is one Commit's worth of writes waiting for the sender.
type submission struct {
	batch    []*Pending
	deadline time.Time
}

// Queue is the only local writer of the record store. Writes reach the
// backend in sequence order: a single sender commits one submission at a time
// and starts the next only once every write of the previous one resolved.
type Queue struct {
	session   string
	store     *store.Store
	committer backend.Committer
	retryer   *retry.ExponentialBackoffRetryer
	timeout   time.Duration
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger

	seq      atomic.Uint64
	mu       sync.Mutex
	inflight map[uint64]*Pending
	outbox   []submission
	wake     chan struct{}

	observerMu sync.RWMutex
	observers  map[int]ResolveFunc
	nextObs    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Option is a function that configures a Queue.
type Option func(*Queue)

// WithSession tags every write with the issuing session, which the backend
// uses to deduplicate replays.
func WithSession(id string) Option {
	return func(q *Queue) { q.session = id }
}

// WithConfirmTimeout sets how long a write may wait for confirmation.
func WithConfirmTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithRetryer replaces the resend policy for transport failures.
func WithRetryer(r *retry.ExponentialBackoffRetryer) Option {
	return func(q *Queue) { q.retryer = r }
}

// WithClock overrides the clock used to stamp createdAt.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) { q.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a queue writing to s and committing through c.
func New(s *store.Store, c backend.Committer, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		session:   domain.NewID(),
		store:     s,
		committer: c,
		retryer:   retry.NewExponentialBackoffRetryer(),
		timeout:   DefaultConfirmTimeout,
		now:       time.Now,
		newID:     domain.NewID,
		logger:    slog.Default().With("component", "mutation"),
		inflight:  make(map[uint64]*Pending),
		wake:      make(chan struct{}, 1),
		observers: make(map[int]ResolveFunc),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.wg.Add(1)
	go q.send()
	return q
}

// Session returns the session id stamped on every write.
func (q *Queue) Session() string {
	return q.session
}

// Create issues a new record and returns its id without waiting for the
// backend. Validation errors are returned before anything is queued.
func (q *Queue) Create(fields domain.Fields) (string, *Pending, error) {
	if fields.CreatedAt == nil {
		fields.CreatedAt = domain.Ptr(q.now().UnixMilli())
	}
	if err := domain.ValidateCreate(fields); err != nil {
		return "", nil, err
	}
	if q.closed.Load() {
		return "", nil, domain.ErrClosed
	}

	id := q.newID()
	p := q.enqueue(domain.OpCreate, id, fields)
	q.submit([]*Pending{p})
	return id, p, nil
}

// Update edits a record in place. When id has no visible record the write is
// still queued, so races with a concurrent delete resolve by sequence order,
// and domain.ErrNotFound is returned alongside the handle.
func (q *Queue) Update(id string, fields domain.Fields) (*Pending, error) {
	if err := domain.ValidateUpdate(id, fields); err != nil {
		return nil, err
	}
	if q.closed.Load() {
		return nil, domain.ErrClosed
	}

	_, visible := q.store.Get(id)
	p := q.enqueue(domain.OpUpdate, id, fields)
	q.submit([]*Pending{p})
	if !visible {
		return p, fmt.Errorf("update %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// Delete removes a record. It never fails synchronously; deleting a record
// that is already gone is a no-op.
func (q *Queue) Delete(id string) *Pending {
	return q.DeleteMany([]string{id})[0]
}

// DeleteMany issues one delete per id and submits them together. Each delete
// resolves on its own; the batch is not atomic.
func (q *Queue) DeleteMany(ids []string) []*Pending {
	out := make([]*Pending, len(ids))
	var fresh []*Pending

	q.store.Batch(func() {
		for i, id := range ids {
			op := domain.Operation{Session: q.session, Kind: domain.OpDelete, ID: id}
			switch {
			case domain.ValidateID(id) != nil:
				out[i] = resolved(op, domain.StatusConfirmed, nil)
			case q.closed.Load():
				out[i] = resolved(op, domain.StatusFailed, &domain.OperationError{Kind: domain.OpDelete, ID: id, Cause: domain.ErrClosed})
			default:
				if p := q.pendingDelete(id); p != nil {
					out[i] = p
					continue
				}
				p := q.enqueue(domain.OpDelete, id, domain.Fields{})
				out[i] = p
				fresh = append(fresh, p)
			}
		}
	})

	if len(fresh) > 0 {
		q.submit(fresh)
	}
	return out
}

// OnResolved registers fn for every resolved write and returns a function
// that removes it.
func (q *Queue) OnResolved(fn ResolveFunc) func() {
	q.observerMu.Lock()
	defer q.observerMu.Unlock()
	id := q.nextObs
	q.nextObs++
	q.observers[id] = fn
	return func() {
		q.observerMu.Lock()
		defer q.observerMu.Unlock()
		delete(q.observers, id)
	}
}

// Inflight is the number of unresolved writes.
func (q *Queue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Close stops resending. Unresolved writes, including those still waiting
// for the sender, fail with domain.ErrClosed and are rolled back.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed.Load() {
		q.mu.Unlock()
		return
	}
	q.closed.Store(true)
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) enqueue(kind domain.OpKind, id string, fields domain.Fields) *Pending {
	op := domain.Operation{
		Seq:      q.seq.Add(1),
		Session:  q.session,
		Kind:     kind,
		ID:       id,
		Fields:   fields,
		Status:   domain.StatusPending,
		IssuedAt: q.now(),
	}
	p := newPending(op)

	q.mu.Lock()
	q.inflight[op.Seq] = p
	q.mu.Unlock()

	q.store.ApplyPending(op)
	q.logger.Debug("Operation queued", "seq", op.Seq, "kind", op.Kind, "id", op.ID)
	return p
}

func (q *Queue) pendingDelete(id string) *Pending {
	if !q.store.HasPendingDelete(id) {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.inflight {
		if p.op.Kind == domain.OpDelete && p.op.ID == id {
			return p
		}
	}
	return nil
}

// submit hands batch to the sender. The confirmation deadline starts now, so
// time spent waiting behind earlier submissions counts against it.
func (q *Queue) submit(batch []*Pending) {
	q.mu.Lock()
	if q.closed.Load() {
		q.mu.Unlock()
		for _, p := range batch {
			q.fail(p, 0, domain.ErrClosed)
		}
		return
	}
	q.outbox = append(q.outbox, submission{batch: batch, deadline: time.Now().Add(q.timeout)})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// send commits submissions in FIFO order. After Close it keeps draining so
// every queued write is failed with domain.ErrClosed.
func (q *Queue) send() {
	defer q.wg.Done()
	for {
		if next, ok := q.dequeue(); ok {
			q.run(next)
			continue
		}
		select {
		case <-q.ctx.Done():
			if next, ok := q.dequeue(); ok {
				q.run(next)
				continue
			}
			return
		case <-q.wake:
		}
	}
}

func (q *Queue) dequeue() (submission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.outbox) == 0 {
		return submission{}, false
	}
	next := q.outbox[0]
	q.outbox[0] = submission{}
	q.outbox = q.outbox[1:]
	return next, true
}

// run delivers one submission until every write is acknowledged, rejected,
// out of attempts or out of time. Resends reuse the original sequence
// numbers.
func (q *Queue) run(sub submission) {
	ctx, cancel := context.WithDeadline(q.ctx, sub.deadline)
	defer cancel()

	batch := sub.batch

	remaining := make(map[uint64]*Pending, len(batch))
	for _, p := range batch {
		remaining[p.op.Seq] = p
	}

	attempts := 0
	err := q.retryer.Retry(ctx, func(attempt int) error {
		attempts = attempt
		ops := make([]domain.Operation, 0, len(remaining))
		for _, seq := range slices.Sorted(maps.Keys(remaining)) {
			ops = append(ops, remaining[seq].op)
		}

		results, err := q.committer.Commit(ctx, ops)
		if err != nil {
			q.logger.Warn("Commit failed", "attempt", attempt, "operations", len(ops), "error", err)
			return fmt.Errorf("commit: %w: %w", domain.ErrTransport, err)
		}

		for _, r := range results {
			p, ok := remaining[r.Seq]
			if !ok {
				continue
			}
			switch {
			case r.Err == nil:
				delete(remaining, r.Seq)
				q.confirm(p, r.Record)
			case domain.IsTransient(r.Err):
				q.logger.Debug("Operation will be resent", "seq", r.Seq, "error", r.Err)
			default:
				delete(remaining, r.Seq)
				q.fail(p, attempt, rejection(r.Err))
			}
		}

		if len(remaining) > 0 {
			return fmt.Errorf("%d operations unconfirmed: %w", len(remaining), domain.ErrTransport)
		}
		return nil
	})
	if err == nil {
		return
	}

	var cause error
	switch {
	case q.ctx.Err() != nil:
		cause = domain.ErrClosed
	case ctx.Err() != nil:
		cause = domain.ErrTimeout
	default:
		cause = err
	}
	for _, seq := range slices.Sorted(maps.Keys(remaining)) {
		q.fail(remaining[seq], attempts, cause)
	}
}

func (q *Queue) confirm(p *Pending, record *domain.Message) {
	q.store.Confirm(p.op.Seq, record)
	q.finish(p, domain.StatusConfirmed, nil)
}

func (q *Queue) fail(p *Pending, attempts int, cause error) {
	q.store.Revert(p.op.Seq)
	err := &domain.OperationError{
		Seq:      p.op.Seq,
		Kind:     p.op.Kind,
		ID:       p.op.ID,
		Attempts: attempts,
		Cause:    cause,
	}
	q.logger.Warn("Operation failed and was rolled back",
		"seq", p.op.Seq, "kind", p.op.Kind, "id", p.op.ID, "attempts", attempts, "error", cause)
	q.finish(p, domain.StatusFailed, err)
}

func (q *Queue) finish(p *Pending, status domain.OpStatus, err error) {
	q.mu.Lock()
	delete(q.inflight, p.op.Seq)
	q.mu.Unlock()

	if !p.resolve(status, err) {
		return
	}

	q.observerMu.RLock()
	fns := slices.Collect(maps.Values(q.observers))
	q.observerMu.RUnlock()
	op := p.Operation()
	for _, fn := range fns {
		fn(op, err)
	}
}

func rejection(err error) error {
	if errors.Is(err, domain.ErrRejected) || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrRejected, err)
}

func resolved(op domain.Operation, status domain.OpStatus, err error) *Pending {
	p := newPending(op)
	p.resolve(status, err)
	return p
}
