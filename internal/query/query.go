// Package query maintains live, ordered views over the record store and
// notifies subscribers once per store mutation batch.
package query

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/store"
)

// Query selects and orders the records of a view. A nil Filter keeps every
// record; a nil Compare orders by creation time.
type Query struct {
	Filter  func(domain.Message) bool
	Compare func(a, b domain.Message) int
}

// All is the "every message, oldest first" view.
func All() Query {
	return Query{Compare: ByCreatedAt}
}

// ByCreatedAt orders by creation time, then id.
func ByCreatedAt(a, b domain.Message) int {
	if c := cmp.Compare(a.CreatedAt, b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Apply evaluates q over msgs.
func (q Query) Apply(msgs []domain.Message) []domain.Message {
	out := msgs
	if q.Filter != nil {
		out = lo.Filter(msgs, func(m domain.Message, _ int) bool { return q.Filter(m) })
	} else {
		out = slices.Clone(msgs)
	}
	compare := q.Compare
	if compare == nil {
		compare = ByCreatedAt
	}
	slices.SortStableFunc(out, compare)
	return out
}

// Snapshot is one emitted state of a view.
type Snapshot struct {
	Version  uint64
	Messages []domain.Message
}

// Handler receives snapshots on the manager's dispatch goroutine.
type Handler func(Snapshot)

// Subscription represents an active view subscription.
type Subscription struct {
	ID    string
	Query Query
}

type subscriptionState struct {
	id        string
	query     Query
	handler   Handler
	delivered bool
	version   uint64
}

// Manager owns every view over one store.
type Manager struct {
	store  *store.Store
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscriptionState

	signal   chan struct{}
	detach   func()
	cancel   context.CancelFunc
	finished chan struct{}
}

// Option is a function that configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager starts a dispatch loop fed by s's change notifications.
func NewManager(s *store.Store, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    s,
		logger:   slog.Default().With("component", "query"),
		subs:     make(map[string]*subscriptionState),
		signal:   make(chan struct{}, 1),
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.detach = s.OnChange(func(uint64) { m.poke() })
	go m.run(ctx)
	return m
}

// Subscribe registers a live view. The current state is delivered shortly
// after subscribing, then once per store change.
func (m *Manager) Subscribe(q Query, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	state := &subscriptionState{
		id:      uuid.NewString(),
		query:   q,
		handler: handler,
	}

	m.mu.Lock()
	m.subs[state.id] = state
	m.mu.Unlock()

	m.logger.Debug("Query subscription added", "subID", state.id)
	m.poke()
	return &Subscription{ID: state.id, Query: q}, nil
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (m *Manager) Unsubscribe(subID string) error {
	m.mu.Lock()
	_, ok := m.subs[subID]
	delete(m.subs, subID)
	m.mu.Unlock()

	if ok {
		m.logger.Debug("Query subscription removed", "subID", subID)
	}
	return nil
}

// Current evaluates q against the store right now.
func (m *Manager) Current(q Query) Snapshot {
	v, msgs := m.store.Snapshot()
	return Snapshot{Version: v, Messages: q.Apply(msgs)}
}

// Close stops the dispatch loop and detaches from the store.
func (m *Manager) Close() {
	m.detach()
	m.cancel()
	<-m.finished
}

// poke wakes the dispatcher. Pokes that arrive while one is already queued
// collapse into it.
func (m *Manager) poke() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.finished)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.signal:
			m.dispatch()
		}
	}
}

func (m *Manager) dispatch() {
	version, msgs := m.store.Snapshot()

	m.mu.Lock()
	due := make([]*subscriptionState, 0, len(m.subs))
	for _, s := range m.subs {
		if !s.delivered || s.version < version {
			s.delivered = true
			s.version = version
			due = append(due, s)
		}
	}
	m.mu.Unlock()

	for _, s := range due {
		m.deliver(s, Snapshot{Version: version, Messages: s.query.Apply(msgs)})
	}
}

func (m *Manager) deliver(s *subscriptionState, snap Snapshot) {
	m.mu.Lock()
	_, active := m.subs[s.id]
	m.mu.Unlock()
	if !active {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic in query handler", "subID", s.id, "panic", r)
		}
	}()
	s.handler(snap)
}
