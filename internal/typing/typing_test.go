package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/roomsync/internal/presence"
	"github.com/nfrund/roomsync/internal/pubsub"
)

type fakeRoster map[string]string

func (r fakeRoster) Lookup(sessionID string) (presence.Entry, bool) {
	h, ok := r[sessionID]
	if !ok {
		return presence.Entry{}, false
	}
	return presence.Entry{SessionID: sessionID, Handle: h}, true
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newAggregator(roster Roster) (*Aggregator, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New("main", "self", roster, nil, WithClock(clock.Now), WithTTL(3*time.Second)), clock
}

func handles(typers []Typer) []string {
	out := make([]string, len(typers))
	for i, t := range typers {
		out[i] = t.Handle
	}
	return out
}

func TestSummary(t *testing.T) {
	tests := []struct {
		name   string
		typers []Typer
		want   string
	}{
		{"none", nil, ""},
		{"one", []Typer{{Handle: "ann"}}, "ann is typing…"},
		{"two", []Typer{{Handle: "ann"}, {Handle: "bo"}}, "ann and bo are typing…"},
		{"three", []Typer{{Handle: "ann"}, {Handle: "bo"}, {Handle: "cy"}}, "ann and 2 others are typing…"},
		{"five", []Typer{{Handle: "ann"}, {Handle: "bo"}, {Handle: "cy"}, {Handle: "di"}, {Handle: "ed"}}, "ann and 4 others are typing…"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summary(tt.typers))
		})
	}
}

func TestAggregator_OrderedByBurstStart(t *testing.T) {
	a, clock := newAggregator(fakeRoster{"s1": "ann", "s2": "bo", "s3": "cy"})
	ctx := context.Background()

	a.NotifyTyping(ctx, "s2", "messageBar")
	clock.Advance(100 * time.Millisecond)
	a.NotifyTyping(ctx, "s1", "messageBar")
	clock.Advance(100 * time.Millisecond)
	a.NotifyTyping(ctx, "s3", "messageBar")
	clock.Advance(100 * time.Millisecond)
	a.NotifyTyping(ctx, "s2", "messageBar")

	assert.Equal(t, []string{"bo", "ann", "cy"}, handles(a.ActiveTypers("messageBar")),
		"refreshing within a burst keeps the original position")
	assert.Empty(t, a.ActiveTypers("otherField"))
}

func TestAggregator_ExpiresAtIsExclusive(t *testing.T) {
	a, clock := newAggregator(fakeRoster{"s1": "ann"})
	a.NotifyTyping(context.Background(), "s1", "messageBar")

	clock.Advance(3*time.Second - time.Millisecond)
	assert.Len(t, a.ActiveTypers("messageBar"), 1)

	clock.Advance(time.Millisecond)
	assert.Empty(t, a.ActiveTypers("messageBar"), "expiresAt <= now is never active")
}

func TestAggregator_RefreshAfterExpiryStartsNewBurst(t *testing.T) {
	a, clock := newAggregator(fakeRoster{"s1": "ann", "s2": "bo"})
	ctx := context.Background()

	a.NotifyTyping(ctx, "s1", "messageBar")
	clock.Advance(time.Second)
	a.NotifyTyping(ctx, "s2", "messageBar")
	clock.Advance(2500 * time.Millisecond)
	a.NotifyTyping(ctx, "s1", "messageBar")

	assert.Equal(t, []string{"bo", "ann"}, handles(a.ActiveTypers("messageBar")))
}

func TestAggregator_ExcludesSelfAndAbsentSessions(t *testing.T) {
	a, _ := newAggregator(fakeRoster{"self": "me", "s1": "ann"})
	ctx := context.Background()

	a.NotifyTyping(ctx, "self", "messageBar")
	a.NotifyTyping(ctx, "s1", "messageBar")
	a.NotifyTyping(ctx, "ghost", "messageBar")

	typers := a.ActiveTypers("messageBar")
	require.Len(t, typers, 1)
	assert.Equal(t, Typer{SessionID: "s1", Handle: "ann"}, typers[0])
}

func TestAggregator_ReceiveHonoursSenderTTL(t *testing.T) {
	a, clock := newAggregator(fakeRoster{"s1": "ann"})
	ctx := context.Background()

	require.NoError(t, a.receive(ctx, "s1", Signal{SessionID: "s1", FieldKey: "messageBar", TTLMillis: 500}))
	clock.Advance(499 * time.Millisecond)
	assert.Len(t, a.ActiveTypers("messageBar"), 1)
	clock.Advance(time.Millisecond)
	assert.Empty(t, a.ActiveTypers("messageBar"))

	require.NoError(t, a.receive(ctx, "", Signal{FieldKey: "messageBar"}))
	assert.Empty(t, a.ActiveTypers("messageBar"))
}

func TestAggregator_Prune(t *testing.T) {
	a, clock := newAggregator(fakeRoster{})
	ctx := context.Background()
	a.NotifyTyping(ctx, "s1", "a")
	a.NotifyTyping(ctx, "s2", "b")
	clock.Advance(3 * time.Second)

	assert.Equal(t, 2, a.Prune())
	assert.Empty(t, a.events)
}

func TestAggregator_StartPrunesExpiredEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := pubsub.NewWatermillBridge()
	defer bus.Close()

	a, clock := newAggregator(fakeRoster{"s1": "ann"})
	a.prune = 5 * time.Millisecond
	a.NotifyTyping(ctx, "s1", "messageBar")
	a.NotifyTyping(ctx, "s2", "title")
	require.NoError(t, a.Start(ctx, bus))

	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.events) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestAggregator_SignalsCrossSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := pubsub.NewWatermillBridge()
	defer bus.Close()

	roster := fakeRoster{"alice": "ann", "bob": "bo"}
	alice := New("main", "alice", roster, bus)
	bob := New("main", "bob", roster, bus)
	require.NoError(t, alice.Start(ctx, bus))
	require.NoError(t, bob.Start(ctx, bus))

	bob.NotifyTyping(ctx, "bob", "messageBar")

	require.Eventually(t, func() bool {
		return Summary(alice.ActiveTypers("messageBar")) == "bo is typing…"
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, bob.ActiveTypers("messageBar"))
}
