// Package typing derives "who is typing" from short-lived per-session typing
// signals. A signal is never ended explicitly: it expires unless refreshed.
package typing

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nfrund/roomsync/internal/presence"
	"github.com/nfrund/roomsync/internal/pubsub"
)

// DefaultTTL is how long a typing signal stays visible.
const DefaultTTL = 3 * time.Second

// Event is one session's typing state for one input field.
type Event struct {
	SessionID  string
	FieldKey   string
	ExpiresAt  time.Time
	BurstStart time.Time
}

// Typer is one entry of the active typers view.
type Typer struct {
	SessionID string
	Handle    string
}

// Signal is the wire form of a typing notification.
type Signal struct {
	SessionID string `json:"sessionId"`
	FieldKey  string `json:"fieldKey"`
	TTLMillis int64  `json:"ttlMillis"`
}

// SignalTopic is the per-room typing topic.
func SignalTopic(room string) pubsub.Event[Signal] {
	return pubsub.NewEvent[Signal](fmt.Sprintf("typing.%s.signal", room))
}

// Roster resolves a session to its live presence entry.
type Roster interface {
	Lookup(sessionID string) (presence.Entry, bool)
}

// Aggregator collects typing events of a room.
type Aggregator struct {
	self      string
	roster    Roster
	publisher pubsub.Publisher
	signals   pubsub.Event[Signal]
	ttl       time.Duration
	prune     time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	events map[string]map[string]Event // fieldKey -> sessionID -> event
}

// Option is a function that configures an Aggregator.
type Option func(*Aggregator)

// WithTTL sets how long a signal stays visible.
func WithTTL(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.ttl = d
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// New creates the aggregator of session self in room. Handles are resolved
// through roster; sessions without a live entry are not shown.
func New(room, self string, roster Roster, publisher pubsub.Publisher, opts ...Option) *Aggregator {
	a := &Aggregator{
		self:      self,
		roster:    roster,
		publisher: publisher,
		signals:   SignalTopic(room),
		ttl:       DefaultTTL,
		now:       time.Now,
		logger:    slog.Default().With("service", "typing", "room", room),
		events:    make(map[string]map[string]Event),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.prune = a.ttl
	return a
}

// NotifyTyping records or refreshes sessionID's typing event on fieldKey and
// broadcasts it.
func (a *Aggregator) NotifyTyping(ctx context.Context, sessionID, fieldKey string) {
	a.record(sessionID, fieldKey, a.ttl)
	if a.publisher == nil {
		return
	}
	sig := Signal{SessionID: sessionID, FieldKey: fieldKey, TTLMillis: a.ttl.Milliseconds()}
	if err := pubsub.Publish(ctx, a.publisher, a.signals, sessionID, sig); err != nil {
		a.logger.Warn("Failed to publish typing signal", "session_id", sessionID, "field", fieldKey, "error", err)
	}
}

// ActiveTypers lists the sessions typing in fieldKey, oldest burst first.
// Self, expired events and sessions that are not present are left out.
func (a *Aggregator) ActiveTypers(fieldKey string) []Typer {
	now := a.now()

	a.mu.Lock()
	live := make([]Event, 0, len(a.events[fieldKey]))
	for _, ev := range a.events[fieldKey] {
		if ev.SessionID != a.self && now.Before(ev.ExpiresAt) {
			live = append(live, ev)
		}
	}
	a.mu.Unlock()

	slices.SortFunc(live, func(x, y Event) int {
		if n := x.BurstStart.Compare(y.BurstStart); n != 0 {
			return n
		}
		return cmp.Compare(x.SessionID, y.SessionID)
	})

	typers := make([]Typer, 0, len(live))
	for _, ev := range live {
		entry, ok := a.roster.Lookup(ev.SessionID)
		if !ok {
			continue
		}
		typers = append(typers, Typer{SessionID: ev.SessionID, Handle: entry.Handle})
	}
	return typers
}

// Prune drops expired events.
func (a *Aggregator) Prune() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for key, bySession := range a.events {
		for id, ev := range bySession {
			if !now.Before(ev.ExpiresAt) {
				delete(bySession, id)
				removed++
			}
		}
		if len(bySession) == 0 {
			delete(a.events, key)
		}
	}
	return removed
}

// Start ingests typing signals from every session in the room and drops
// expired events once per TTL until ctx is done.
func (a *Aggregator) Start(ctx context.Context, subscriber pubsub.Subscriber) error {
	if err := pubsub.Subscribe(ctx, subscriber, a.signals, a.receive); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(a.prune)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.Prune(); n > 0 {
					a.logger.Debug("Pruned expired typing events", "count", n)
				}
			}
		}
	}()
	return nil
}

func (a *Aggregator) receive(_ context.Context, _ string, sig Signal) error {
	if sig.SessionID == "" || sig.FieldKey == "" {
		a.logger.Warn("Ignoring incomplete typing signal", "session_id", sig.SessionID, "field", sig.FieldKey)
		return nil
	}
	ttl := time.Duration(sig.TTLMillis) * time.Millisecond
	if ttl <= 0 {
		ttl = a.ttl
	}
	a.record(sig.SessionID, sig.FieldKey, ttl)
	return nil
}

// record refreshes an event. A refresh after expiry starts a new burst.
func (a *Aggregator) record(sessionID, fieldKey string, ttl time.Duration) {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	bySession, ok := a.events[fieldKey]
	if !ok {
		bySession = make(map[string]Event)
		a.events[fieldKey] = bySession
	}
	ev, ok := bySession[sessionID]
	if !ok || !now.Before(ev.ExpiresAt) {
		ev = Event{SessionID: sessionID, FieldKey: fieldKey, BurstStart: now}
	}
	if expires := now.Add(ttl); expires.After(ev.ExpiresAt) {
		ev.ExpiresAt = expires
	}
	bySession[sessionID] = ev
}
