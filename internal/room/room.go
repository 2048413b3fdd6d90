// Package room is the client context of one session in one chat room. It
// owns the record store, mutation queue, live queries, presence and typing
// state, plus the heartbeat task, and tears all of them down on Close.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nfrund/roomsync/internal/backend"
	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/handle"
	"github.com/nfrund/roomsync/internal/mutation"
	"github.com/nfrund/roomsync/internal/presence"
	"github.com/nfrund/roomsync/internal/pubsub"
	"github.com/nfrund/roomsync/internal/query"
	"github.com/nfrund/roomsync/internal/retry"
	"github.com/nfrund/roomsync/internal/store"
	"github.com/nfrund/roomsync/internal/typing"
)

// MessageField is the typing key of the message input.
const MessageField = "messageBar"

// DefaultHeartbeatInterval is how often presence is re-published.
const DefaultHeartbeatInterval = 2 * time.Second

// Options configures a Room. Backend and Bus are required and are not closed
// by the Room.
type Options struct {
	Name      string
	Handle    string
	SessionID string

	Backend backend.Backend
	Bus     pubsub.Bus

	PresenceTTL       time.Duration
	TypingTTL         time.Duration
	HeartbeatInterval time.Duration
	ConfirmTimeout    time.Duration
	MaxAttempts       int
	RetryBaseDelay    time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

// FailureFunc observes writes that were rolled back.
type FailureFunc func(op domain.Operation, err error)

// Room is one session's view of a room.
type Room struct {
	name    string
	session string
	handle  string

	store    *store.Store
	queue    *mutation.Queue
	queries  *query.Manager
	presence *presence.Channel
	typing   *typing.Aggregator
	logger   *slog.Logger

	cancel    context.CancelFunc
	ctx       context.Context
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New joins the room and starts syncing. The room runs until Close is called
// or ctx is done.
func New(ctx context.Context, opts Options) (*Room, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	logger := opts.Logger.With("room", opts.Name, "session_id", opts.SessionID)
	st := store.New()
	retryer := retry.NewExponentialBackoffRetryer(
		retry.WithMaxAttempts(opts.MaxAttempts),
		retry.WithBaseDelay(opts.RetryBaseDelay),
	)
	queueOpts := []mutation.Option{
		mutation.WithSession(opts.SessionID),
		mutation.WithConfirmTimeout(opts.ConfirmTimeout),
		mutation.WithRetryer(retryer),
		mutation.WithLogger(logger.With("component", "mutation")),
	}
	presenceOpts := []presence.Option{
		presence.WithTTL(opts.PresenceTTL),
		presence.WithLogger(logger.With("service", "presence")),
	}
	typingOpts := []typing.Option{
		typing.WithTTL(opts.TypingTTL),
		typing.WithLogger(logger.With("service", "typing")),
	}
	if opts.Clock != nil {
		queueOpts = append(queueOpts, mutation.WithClock(opts.Clock))
		presenceOpts = append(presenceOpts, presence.WithClock(opts.Clock))
		typingOpts = append(typingOpts, typing.WithClock(opts.Clock))
	}

	pres := presence.New(opts.Name, opts.SessionID, opts.Bus, presenceOpts...)
	runCtx, cancel := context.WithCancel(ctx)
	r := &Room{
		name:     opts.Name,
		session:  opts.SessionID,
		handle:   opts.Handle,
		store:    st,
		queue:    mutation.New(st, opts.Backend, queueOpts...),
		queries:  query.NewManager(st, query.WithLogger(logger.With("component", "query"))),
		presence: pres,
		typing:   typing.New(opts.Name, opts.SessionID, pres, opts.Bus, typingOpts...),
		logger:   logger,
		ctx:      runCtx,
		cancel:   cancel,
	}

	if err := opts.Backend.Watch(runCtx, st.ReplaceBase); err != nil {
		r.teardown()
		return nil, fmt.Errorf("watch room %s: %w", opts.Name, err)
	}
	if err := r.presence.Start(runCtx, opts.Bus); err != nil {
		r.teardown()
		return nil, fmt.Errorf("start presence: %w", err)
	}
	if err := r.typing.Start(runCtx, opts.Bus); err != nil {
		r.teardown()
		return nil, fmt.Errorf("start typing: %w", err)
	}

	r.presence.Join(runCtx, r.session, map[string]string{presence.HandleAttr: r.handle})
	r.wg.Add(1)
	go r.heartbeat(opts.HeartbeatInterval)

	logger.Info("Joined room", "handle", r.handle)
	return r, nil
}

func (o *Options) normalize() error {
	if o.Backend == nil {
		return errors.New("room: backend is required")
	}
	if o.Bus == nil {
		return errors.New("room: bus is required")
	}
	if o.Name == "" {
		o.Name = "main"
	}
	if o.Handle == "" {
		o.Handle = handle.Random()
	}
	if !handle.Valid(o.Handle) {
		return &domain.ValidationError{Field: "handle", Reason: "must be alphanumeric and at most 64 characters"}
	}
	if o.SessionID == "" {
		o.SessionID = domain.NewID()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// heartbeat re-publishes presence on a fixed interval until the room closes.
func (r *Room) heartbeat(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("Heartbeat stopped")
			return
		case <-ticker.C:
			r.presence.Heartbeat(r.ctx, r.session, nil)
		}
	}
}

// Name is the room name.
func (r *Room) Name() string { return r.name }

// Session is this client's session id.
func (r *Room) Session() string { return r.session }

// Handle is this client's display handle.
func (r *Room) Handle() string { return r.handle }

// Send posts a message. It is visible locally before the backend confirms it.
func (r *Room) Send(text string) (string, *mutation.Pending, error) {
	return r.queue.Create(domain.Fields{Text: domain.Ptr(text), Handle: domain.Ptr(r.handle)})
}

// Edit replaces the text of message id.
func (r *Room) Edit(id, text string) (*mutation.Pending, error) {
	return r.queue.Update(id, domain.Fields{Text: domain.Ptr(text)})
}

// Delete removes message id. Deleting a missing message is a no-op.
func (r *Room) Delete(id string) *mutation.Pending {
	return r.queue.Delete(id)
}

// DeleteAll removes every visible message in one batch.
func (r *Room) DeleteAll() []*mutation.Pending {
	msgs := r.Messages()
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return r.queue.DeleteMany(ids)
}

// Messages returns the visible messages, oldest first.
func (r *Room) Messages() []domain.Message {
	return r.queries.Current(query.All()).Messages
}

// Get returns one visible message.
func (r *Room) Get(id string) (domain.Message, bool) {
	return r.store.Get(id)
}

// Subscribe calls fn with the visible messages, oldest first, now and after
// every change. The returned function unsubscribes.
func (r *Room) Subscribe(fn func([]domain.Message)) (func(), error) {
	sub, err := r.queries.Subscribe(query.All(), func(s query.Snapshot) { fn(s.Messages) })
	if err != nil {
		return nil, err
	}
	return func() { _ = r.queries.Unsubscribe(sub.ID) }, nil
}

// Watch subscribes a custom view.
func (r *Room) Watch(q query.Query, handler query.Handler) (*query.Subscription, error) {
	return r.queries.Subscribe(q, handler)
}

// Unwatch removes a view added with Watch.
func (r *Room) Unwatch(subID string) error {
	return r.queries.Unsubscribe(subID)
}

// Typing signals that this session is typing in fieldKey.
func (r *Room) Typing(fieldKey string) {
	r.typing.NotifyTyping(r.ctx, r.session, fieldKey)
}

// Typers lists the other sessions typing in fieldKey.
func (r *Room) Typers(fieldKey string) []typing.Typer {
	return r.typing.ActiveTypers(fieldKey)
}

// TypingSummary renders the typers of fieldKey, e.g. "ann is typing…".
func (r *Room) TypingSummary(fieldKey string) string {
	return typing.Summary(r.typing.ActiveTypers(fieldKey))
}

// Online lists this session first, then every other live session.
func (r *Room) Online() []presence.Entry {
	self, ok := r.presence.Self()
	if !ok {
		self = presence.Entry{SessionID: r.session, Handle: r.handle}
	}
	return append([]presence.Entry{self}, r.presence.OnlineMembers()...)
}

// OnFailure registers fn for every write that was rolled back. The returned
// function removes it.
func (r *Room) OnFailure(fn FailureFunc) func() {
	return r.queue.OnResolved(func(op domain.Operation, err error) {
		if err != nil {
			fn(op, err)
		}
	})
}

// Inflight is the number of unconfirmed writes.
func (r *Room) Inflight() int {
	return r.queue.Inflight()
}

// Close leaves the room and stops every background task. Unconfirmed writes
// fail with domain.ErrClosed.
func (r *Room) Close() error {
	r.closeOnce.Do(func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.presence.Leave(leaveCtx, r.session)
		r.teardown()
		r.logger.Info("Left room")
	})
	return nil
}

func (r *Room) teardown() {
	r.queue.Close()
	r.cancel()
	r.wg.Wait()
	r.queries.Close()
}
