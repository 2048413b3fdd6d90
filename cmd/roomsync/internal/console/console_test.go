package console

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gookit/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/roomsync/internal/backend/memory"
	"github.com/nfrund/roomsync/internal/pubsub"
	"github.com/nfrund/roomsync/internal/room"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newRoom(t *testing.T, bus *pubsub.WatermillBridge, be *memory.Backend, h string) *room.Room {
	t.Helper()
	r, err := room.New(context.Background(), room.Options{
		Name:              "main",
		Handle:            h,
		Backend:           be,
		Bus:               bus,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func setup(t *testing.T) (*pubsub.WatermillBridge, *memory.Backend) {
	t.Helper()
	color.Disable()
	bus := pubsub.NewWatermillBridge()
	be := memory.New(memory.WithBus(bus))
	t.Cleanup(func() {
		_ = be.Close()
		_ = bus.Close()
	})
	return bus, be
}

func TestConsole_SendEditDelete(t *testing.T) {
	bus, be := setup(t)
	r := newRoom(t, bus, be, "ann")

	in, feed := io.Pipe()
	out := &syncBuffer{}
	c := New(r, in, out)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	write := func(line string) {
		_, err := io.WriteString(feed, line+"\n")
		require.NoError(t, err)
	}
	waitFor := func(s string) {
		require.Eventually(t, func() bool { return strings.Contains(out.String(), s) }, time.Second, 5*time.Millisecond, "waiting for %q in %q", s, out.String())
	}

	waitFor("Joined main as ann")

	write("hello there")
	waitFor("ann: hello there")

	write("/edit 1 hello everyone")
	waitFor("ann: hello everyone (edited)")

	write("/list")
	waitFor("  1 ann: hello everyone")

	write("/delete 1")
	waitFor("ann deleted: hello everyone")
	assert.Empty(t, r.Messages())

	write("/delete 7")
	waitFor("no message 7")

	write("/bogus")
	waitFor("unknown command /bogus")

	write("/quit")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("console did not quit")
	}
}

func TestConsole_ShowsPeers(t *testing.T) {
	bus, be := setup(t)
	ann := newRoom(t, bus, be, "ann")
	bo := newRoom(t, bus, be, "bo")

	out := &syncBuffer{}
	c := New(ann, strings.NewReader(""), out)
	c.poll = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in, feed := io.Pipe()
	defer feed.Close()
	c.in = in
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(ann.Online()) == 2 }, time.Second, 5*time.Millisecond)

	bo.Typing(room.MessageField)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "bo is typing…") }, time.Second, 5*time.Millisecond)

	_, _, err := bo.Send("hi ann")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "bo: hi ann") }, time.Second, 5*time.Millisecond)

	_, err = io.WriteString(feed, "/who\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "ann (you)") && strings.Contains(s, "  bo\n")
	}, time.Second, 5*time.Millisecond)
}

func TestConsole_EndOfInputStops(t *testing.T) {
	bus, be := setup(t)
	r := newRoom(t, bus, be, "ann")

	err := New(r, strings.NewReader("first\n"), io.Discard).Run(context.Background())
	assert.NoError(t, err)
	require.Eventually(t, func() bool { return len(r.Messages()) == 1 }, time.Second, 5*time.Millisecond)
}
