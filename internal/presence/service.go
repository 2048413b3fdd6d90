// Package presence tracks which sessions are currently in a room. Liveness is
// derived at read time from the last heartbeat, so sessions that vanish
// without leaving simply expire.
package presence

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/nfrund/roomsync/internal/pubsub"
)

// DefaultTTL is how long an entry stays live after its last heartbeat.
const DefaultTTL = 10 * time.Second

// HandleAttr is the attribute carrying a session's display handle.
const HandleAttr = "handle"

// Entry is one session's liveness record.
type Entry struct {
	SessionID  string
	Handle     string
	Attrs      map[string]string
	LastSeenAt time.Time
}

// Channel is one session's view of a room's presence.
type Channel struct {
	room      string
	self      string
	publisher pubsub.Publisher
	beats     pubsub.Event[Beat]
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

// Option is a function that configures a Channel.
type Option func(*Channel)

// WithTTL sets how long an entry stays live without a heartbeat.
func WithTTL(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock overrides the clock used for lastSeenAt and expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// New creates the presence channel of session self in room.
func New(room, self string, publisher pubsub.Publisher, opts ...Option) *Channel {
	c := &Channel{
		room:      room,
		self:      self,
		publisher: publisher,
		beats:     BeatTopic(room),
		ttl:       DefaultTTL,
		now:       time.Now,
		logger:    slog.Default().With("service", "presence", "room", room),
		entries:   make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL is the liveness window.
func (c *Channel) TTL() time.Duration {
	return c.ttl
}

// Join announces sessionID with its initial attributes.
func (c *Channel) Join(ctx context.Context, sessionID string, attrs map[string]string) {
	c.logger.Info("Session joined", "session_id", sessionID, "handle", attrs[HandleAttr])
	c.beat(ctx, sessionID, attrs)
}

// Heartbeat re-publishes attrs and resets lastSeenAt. A nil attrs keeps the
// previously published attributes.
func (c *Channel) Heartbeat(ctx context.Context, sessionID string, attrs map[string]string) {
	if attrs == nil {
		c.mu.RLock()
		attrs = c.entries[sessionID].Attrs
		c.mu.RUnlock()
	}
	c.beat(ctx, sessionID, attrs)
}

// Leave removes sessionID right away. It is best-effort: peers that miss it
// expire the entry after the TTL.
func (c *Channel) Leave(ctx context.Context, sessionID string) {
	c.mu.Lock()
	prev := c.entries[sessionID]
	delete(c.entries, sessionID)
	c.mu.Unlock()

	c.logger.Info("Session left", "session_id", sessionID)
	c.publish(ctx, Beat{
		SessionID: sessionID,
		Handle:    prev.Handle,
		Timestamp: c.now().UTC(),
		Left:      true,
	})
}

// OnlineMembers lists live sessions other than self, ordered by handle then
// session id.
func (c *Channel) OnlineMembers() []Entry {
	now := c.now()
	c.mu.RLock()
	live := lo.Filter(slices.Collect(maps.Values(c.entries)), func(e Entry, _ int) bool {
		return e.SessionID != c.self && c.alive(e, now)
	})
	c.mu.RUnlock()

	slices.SortFunc(live, func(a, b Entry) int {
		if n := strings.Compare(a.Handle, b.Handle); n != 0 {
			return n
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return live
}

// Self returns this session's own entry while it is live.
func (c *Channel) Self() (Entry, bool) {
	return c.Lookup(c.self)
}

// Lookup returns the live entry of sessionID.
func (c *Channel) Lookup(sessionID string) (Entry, bool) {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[sessionID]
	if !ok || !c.alive(e, now) {
		return Entry{}, false
	}
	return e, true
}

// Prune drops expired entries and reports how many were removed. Reads never
// depend on it.
func (c *Channel) Prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.entries {
		if !c.alive(e, now) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Start ingests heartbeats from every session in the room and prunes expired
// entries once per TTL until ctx is done.
func (c *Channel) Start(ctx context.Context, subscriber pubsub.Subscriber) error {
	if err := pubsub.Subscribe(ctx, subscriber, c.beats, c.receive); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(c.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Prune(); n > 0 {
					c.logger.Debug("Pruned stale presence entries", "count", n)
				}
			}
		}
	}()
	return nil
}

func (c *Channel) receive(_ context.Context, _ string, b Beat) error {
	if b.SessionID == "" {
		c.logger.Warn("Ignoring heartbeat without session id")
		return nil
	}
	if b.Left {
		c.mu.Lock()
		delete(c.entries, b.SessionID)
		c.mu.Unlock()
		return nil
	}
	// Local receipt time, not the sender's timestamp: clocks across sessions
	// are not comparable.
	c.store(Entry{
		SessionID:  b.SessionID,
		Handle:     b.Handle,
		Attrs:      b.Attrs,
		LastSeenAt: c.now(),
	})
	return nil
}

func (c *Channel) beat(ctx context.Context, sessionID string, attrs map[string]string) {
	attrs = maps.Clone(attrs)
	e := Entry{
		SessionID:  sessionID,
		Handle:     attrs[HandleAttr],
		Attrs:      attrs,
		LastSeenAt: c.now(),
	}
	c.store(e)
	c.publish(ctx, Beat{
		SessionID: e.SessionID,
		Handle:    e.Handle,
		Attrs:     e.Attrs,
		Timestamp: e.LastSeenAt.UTC(),
	})
}

func (c *Channel) store(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.entries[e.SessionID]; ok && prev.LastSeenAt.After(e.LastSeenAt) {
		return
	}
	c.entries[e.SessionID] = e
}

func (c *Channel) publish(ctx context.Context, b Beat) {
	if c.publisher == nil {
		return
	}
	if err := pubsub.Publish(ctx, c.publisher, c.beats, b.SessionID, b); err != nil {
		c.logger.Warn("Failed to publish heartbeat", "session_id", b.SessionID, "error", err)
	}
}

// alive reports whether e is within the TTL at now. An entry exactly TTL old
// is still live.
func (c *Channel) alive(e Entry, now time.Time) bool {
	return now.Sub(e.LastSeenAt) <= c.ttl
}
