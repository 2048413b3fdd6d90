package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nfrund/roomsync/internal/backend"
	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/retry"
	"github.com/nfrund/roomsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// commitFunc adapts a function to backend.Committer.
type commitFunc func(ctx context.Context, batch []domain.Operation) ([]backend.Result, error)

func (f commitFunc) Commit(ctx context.Context, batch []domain.Operation) ([]backend.Result, error) {
	return f(ctx, batch)
}

func ackAll(_ context.Context, batch []domain.Operation) ([]backend.Result, error) {
	out := make([]backend.Result, 0, len(batch))
	for _, op := range batch {
		out = append(out, backend.Ack(op.Seq, nil))
	}
	return out, nil
}

// gate hands every commit call to the test, which decides when and how it
// is answered.
type gate struct {
	calls chan gateCall
}

type gateCall struct {
	ops   []domain.Operation
	reply chan []backend.Result
}

func newGate() *gate {
	return &gate{calls: make(chan gateCall, 16)}
}

func (g *gate) Commit(ctx context.Context, batch []domain.Operation) ([]backend.Result, error) {
	c := gateCall{ops: batch, reply: make(chan []backend.Result, 1)}
	g.calls <- c
	select {
	case r := <-c.reply:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gate) next(t *testing.T) gateCall {
	t.Helper()
	select {
	case c := <-g.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for commit")
		return gateCall{}
	}
}

// idle fails the test if a commit arrives within d.
func (g *gate) idle(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case c := <-g.calls:
		t.Fatalf("unexpected commit of %d operations (first seq %d)", len(c.ops), c.ops[0].Seq)
	case <-time.After(d):
	}
}

func (c gateCall) ack() {
	res, _ := ackAll(context.Background(), c.ops)
	c.reply <- res
}

func fastRetryer(attempts int) *retry.ExponentialBackoffRetryer {
	return retry.NewExponentialBackoffRetryer(
		retry.WithMaxAttempts(attempts),
		retry.WithBaseDelay(time.Millisecond),
		retry.WithoutJitter(),
	)
}

func newQueue(t *testing.T, c backend.Committer, opts ...Option) (*Queue, *store.Store) {
	t.Helper()
	s := store.New()
	opts = append([]Option{WithRetryer(fastRetryer(3)), WithSession("session-a")}, opts...)
	q := New(s, c, opts...)
	t.Cleanup(q.Close)
	return q, s
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func text(s string) domain.Fields {
	return domain.Fields{Text: domain.Ptr(s), Handle: domain.Ptr("ann")}
}

func TestQueue_CreateIsVisibleImmediately(t *testing.T) {
	g := newGate()
	now := time.UnixMilli(1_700_000_000_000)
	q, s := newQueue(t, g, WithClock(func() time.Time { return now }))

	id, p, err := q.Create(text("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, domain.StatusPending, p.Status())

	got, ok := s.Get(id)
	require.True(t, ok, "visible before any confirmation")
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, now.UnixMilli(), got.CreatedAt)

	call := g.next(t)
	require.Len(t, call.ops, 1)
	assert.Equal(t, "session-a", call.ops[0].Session)
	call.ack()

	require.NoError(t, p.Wait(waitCtx(t)))
	assert.Equal(t, domain.StatusConfirmed, p.Status())
	assert.Zero(t, s.PendingCount())
	assert.Zero(t, q.Inflight())
}

func TestQueue_CreateValidation(t *testing.T) {
	q, s := newQueue(t, commitFunc(ackAll))

	_, p, err := q.Create(domain.Fields{Handle: domain.Ptr("ann")})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Nil(t, p)
	assert.Zero(t, s.PendingCount())
}

func TestQueue_CommitsOneSubmissionAtATime(t *testing.T) {
	g := newGate()
	q, s := newQueue(t, g)

	id, created, err := q.Create(text("original"))
	require.NoError(t, err)
	updated, err := q.Update(id, domain.Fields{Text: domain.Ptr("edited")})
	require.NoError(t, err)

	got, _ := s.Get(id)
	assert.Equal(t, "edited", got.Text)

	first := g.next(t)
	require.Len(t, first.ops, 1)
	assert.Equal(t, domain.OpCreate, first.ops[0].Kind)
	g.idle(t, 30*time.Millisecond)

	first.ack()
	second := g.next(t)
	require.Len(t, second.ops, 1)
	assert.Equal(t, domain.OpUpdate, second.ops[0].Kind)
	assert.Greater(t, second.ops[0].Seq, first.ops[0].Seq)
	second.ack()

	require.NoError(t, created.Wait(waitCtx(t)))
	require.NoError(t, updated.Wait(waitCtx(t)))
	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, "edited", got.Text)
	assert.Zero(t, s.PendingCount())
}

func TestQueue_DeleteWhileUpdatePending(t *testing.T) {
	g := newGate()
	q, s := newQueue(t, g)
	s.Upsert("m1", text("original"))

	updated, err := q.Update("m1", domain.Fields{Text: domain.Ptr("edited")})
	require.NoError(t, err)
	deleted := q.Delete("m1")

	_, visible := s.Get("m1")
	assert.False(t, visible, "delete supersedes the pending update")

	c := g.next(t)
	assert.Equal(t, domain.OpUpdate, c.ops[0].Kind)
	g.idle(t, 30*time.Millisecond)
	c.ack()

	_, visible = s.Get("m1")
	assert.False(t, visible, "confirmed update stays hidden behind the pending delete")

	c = g.next(t)
	assert.Equal(t, domain.OpDelete, c.ops[0].Kind)
	c.ack()

	require.NoError(t, updated.Wait(waitCtx(t)))
	require.NoError(t, deleted.Wait(waitCtx(t)))
	_, visible = s.Get("m1")
	assert.False(t, visible)
}

func TestQueue_UpdateMissingRecordIsQueued(t *testing.T) {
	q, _ := newQueue(t, commitFunc(func(_ context.Context, batch []domain.Operation) ([]backend.Result, error) {
		return []backend.Result{backend.Reject(batch[0].Seq, domain.ErrNotFound)}, nil
	}))

	p, err := q.Update("ghost", domain.Fields{Text: domain.Ptr("x")})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NotNil(t, p, "the write is queued anyway")

	err = p.Wait(waitCtx(t))
	assert.ErrorIs(t, err, domain.ErrOperationFailed)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueue_DeleteIsIdempotent(t *testing.T) {
	g := newGate()
	q, s := newQueue(t, g)

	first := q.Delete("never-existed")
	second := q.Delete("never-existed")
	assert.Same(t, first, second, "a pending delete is reused")
	assert.Empty(t, collectIDs(s))

	g.next(t).ack()
	require.NoError(t, first.Wait(waitCtx(t)))

	blank := q.Delete("")
	assert.Equal(t, domain.StatusConfirmed, blank.Status())
	assert.NoError(t, blank.Err())
}

func TestQueue_TransportFailureResendsSameSeq(t *testing.T) {
	var mu sync.Mutex
	var seen []uint64
	failures := 2
	q, s := newQueue(t, commitFunc(func(ctx context.Context, batch []domain.Operation) ([]backend.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, batch[0].Seq)
		if failures > 0 {
			failures--
			return nil, errors.New("connection reset")
		}
		return ackAll(ctx, batch)
	}))

	id, p, err := q.Create(text("retry me"))
	require.NoError(t, err)
	require.NoError(t, p.Wait(waitCtx(t)))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{p.Seq(), p.Seq(), p.Seq()}, seen)
	_, ok := s.Get(id)
	assert.True(t, ok)
}

func TestQueue_ExhaustionRollsBack(t *testing.T) {
	q, s := newQueue(t, commitFunc(func(context.Context, []domain.Operation) ([]backend.Result, error) {
		return nil, errors.New("network down")
	}))

	resolvedCh := make(chan error, 1)
	q.OnResolved(func(op domain.Operation, err error) { resolvedCh <- err })

	id, p, err := q.Create(text("doomed"))
	require.NoError(t, err, "transport failures never surface synchronously")

	err = p.Wait(waitCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOperationFailed)
	assert.ErrorIs(t, err, domain.ErrTransport)
	var opErr *domain.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, 3, opErr.Attempts)
	assert.Equal(t, domain.StatusFailed, p.Status())

	_, ok := s.Get(id)
	assert.False(t, ok, "optimistic create rolled back")

	select {
	case observed := <-resolvedCh:
		assert.ErrorIs(t, observed, domain.ErrTransport)
	case <-time.After(time.Second):
		t.Fatal("observer not called")
	}
}

func TestQueue_RejectionRollsBackToRemainingPending(t *testing.T) {
	g := newGate()
	q, s := newQueue(t, g)
	s.Upsert("m1", text("base"))

	first, err := q.Update("m1", domain.Fields{Text: domain.Ptr("one")})
	require.NoError(t, err)
	second, err := q.Update("m1", domain.Fields{Text: domain.Ptr("two")})
	require.NoError(t, err)

	c := g.next(t)
	require.Equal(t, first.Seq(), c.ops[0].Seq)
	c.reply <- []backend.Result{backend.Reject(first.Seq(), fmt.Errorf("text too spicy"))}
	err = first.Wait(waitCtx(t))
	assert.ErrorIs(t, err, domain.ErrRejected)

	got, _ := s.Get("m1")
	assert.Equal(t, "two", got.Text, "visible value recomputed from base plus remaining writes")

	c = g.next(t)
	require.Equal(t, second.Seq(), c.ops[0].Seq)
	c.ack()
	require.NoError(t, second.Wait(waitCtx(t)))
	got, _ = s.Get("m1")
	assert.Equal(t, "two", got.Text)
}

func TestQueue_Timeout(t *testing.T) {
	g := newGate()
	q, s := newQueue(t, g, WithConfirmTimeout(30*time.Millisecond), WithRetryer(fastRetryer(1)))

	id, p, err := q.Create(text("slow"))
	require.NoError(t, err)
	g.next(t) // never answered

	err = p.Wait(waitCtx(t))
	assert.ErrorIs(t, err, domain.ErrTimeout)
	_, ok := s.Get(id)
	assert.False(t, ok)
}

func TestQueue_QueuedWriteTimesOutBehindStuckOne(t *testing.T) {
	g := newGate()
	q, _ := newQueue(t, g, WithConfirmTimeout(40*time.Millisecond), WithRetryer(fastRetryer(1)))

	_, stuck, err := q.Create(text("stuck"))
	require.NoError(t, err)
	_, behind, err := q.Create(text("behind"))
	require.NoError(t, err)
	g.next(t) // never answered

	assert.ErrorIs(t, stuck.Wait(waitCtx(t)), domain.ErrTimeout)
	assert.ErrorIs(t, behind.Wait(waitCtx(t)), domain.ErrTimeout)
}

func TestQueue_DeleteManySubmitsOneBatch(t *testing.T) {
	var mu sync.Mutex
	var batches [][]domain.Operation
	release := make(chan struct{})
	flaky := true
	q, s := newQueue(t, commitFunc(func(ctx context.Context, batch []domain.Operation) ([]backend.Result, error) {
		<-release
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, batch)
		out := make([]backend.Result, 0, len(batch))
		for _, op := range batch {
			if op.ID == "b" && flaky {
				flaky = false
				out = append(out, backend.Reject(op.Seq, domain.ErrTransport))
				continue
			}
			out = append(out, backend.Ack(op.Seq, nil))
		}
		return out, nil
	}))
	for _, id := range []string{"a", "b", "c"} {
		s.Upsert(id, text(id))
	}

	var notifications atomic.Int32
	s.OnChange(func(uint64) { notifications.Add(1) })

	pending := q.DeleteMany([]string{"a", "b", "c"})
	require.Len(t, pending, 3)
	assert.Equal(t, int32(1), notifications.Load(), "one store notification for the whole batch")
	assert.Empty(t, collectIDs(s))
	close(release)

	for _, p := range pending {
		require.NoError(t, p.Wait(waitCtx(t)))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 3, "first submission carries the whole batch")
	require.Len(t, batches[1], 1, "only the transient failure is resent")
	assert.Equal(t, "b", batches[1][0].ID)
	assert.Empty(t, collectIDs(s))
}

func TestQueue_AbandonedWaitStillResolves(t *testing.T) {
	g := newGate()
	q, s := newQueue(t, g)

	id, p, err := q.Create(text("unmounted"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.Canceled)

	g.next(t).ack()
	<-p.Done()
	assert.Equal(t, domain.StatusConfirmed, p.Status())
	_, ok := s.Get(id)
	assert.True(t, ok)
	assert.Zero(t, s.PendingCount())
}

func TestQueue_CloseFailsInflight(t *testing.T) {
	g := newGate()
	s := store.New()
	q := New(s, g, WithRetryer(fastRetryer(3)))

	id, p, err := q.Create(text("bye"))
	require.NoError(t, err)
	g.next(t)

	q.Close()
	assert.ErrorIs(t, p.Err(), domain.ErrClosed)
	_, ok := s.Get(id)
	assert.False(t, ok)

	_, _, err = q.Create(text("late"))
	assert.ErrorIs(t, err, domain.ErrClosed)
	assert.ErrorIs(t, q.Delete("x").Err(), domain.ErrClosed)
}

func collectIDs(s *store.Store) []string {
	var ids []string
	for m := range s.All() {
		ids = append(ids, m.ID)
	}
	return ids
}
