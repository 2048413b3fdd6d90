package query

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nfrund/roomsync/internal/domain"
	"github.com/nfrund/roomsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) handle(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func seed(s *store.Store, id, text string, createdAt int64) {
	s.Upsert(id, domain.Fields{Text: domain.Ptr(text), Handle: domain.Ptr("ann"), CreatedAt: domain.Ptr(createdAt)})
}

func texts(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestManager_InitialSnapshot(t *testing.T) {
	s := store.New()
	seed(s, "b", "second", 20)
	seed(s, "a", "first", 10)

	m := NewManager(s)
	defer m.Close()

	rec := &recorder{}
	sub, err := m.Subscribe(All(), rec.handle)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, texts(rec.last().Messages))
	assert.Equal(t, s.Version(), rec.last().Version)
}

func TestManager_OneSnapshotPerBatch(t *testing.T) {
	s := store.New()
	m := NewManager(s)
	defer m.Close()

	rec := &recorder{}
	_, err := m.Subscribe(All(), rec.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	s.Batch(func() {
		seed(s, "a", "one", 1)
		seed(s, "b", "two", 2)
		seed(s, "c", "three", 3)
	})

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, []string{"one", "two", "three"}, texts(rec.last().Messages))
}

func TestManager_VersionsAreMonotonic(t *testing.T) {
	s := store.New()
	m := NewManager(s)
	defer m.Close()

	rec := &recorder{}
	_, err := m.Subscribe(All(), rec.handle)
	require.NoError(t, err)

	for i := range 50 {
		seed(s, string(rune('a'+i%26))+strings.Repeat("x", i/26), "msg", int64(i))
	}

	require.Eventually(t, func() bool { return rec.last().Version == s.Version() }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.snaps); i++ {
		assert.Greater(t, rec.snaps[i].Version, rec.snaps[i-1].Version)
	}
	assert.Len(t, rec.snaps[len(rec.snaps)-1].Messages, 50)
}

func TestManager_FilterAndCompare(t *testing.T) {
	s := store.New()
	seed(s, "a", "keep one", 1)
	seed(s, "b", "drop", 2)
	seed(s, "c", "keep two", 3)

	m := NewManager(s)
	defer m.Close()

	q := Query{
		Filter:  func(msg domain.Message) bool { return strings.HasPrefix(msg.Text, "keep") },
		Compare: func(a, b domain.Message) int { return -ByCreatedAt(a, b) },
	}
	snap := m.Current(q)
	assert.Equal(t, []string{"keep two", "keep one"}, texts(snap.Messages))
}

func TestManager_Unsubscribe(t *testing.T) {
	s := store.New()
	m := NewManager(s)
	defer m.Close()

	rec := &recorder{}
	sub, err := m.Subscribe(All(), rec.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Unsubscribe(sub.ID))
	require.NoError(t, m.Unsubscribe("unknown"))

	seed(s, "a", "after", 1)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestManager_HandlerPanicIsContained(t *testing.T) {
	s := store.New()
	m := NewManager(s)
	defer m.Close()

	_, err := m.Subscribe(All(), func(Snapshot) { panic("boom") })
	require.NoError(t, err)

	rec := &recorder{}
	_, err = m.Subscribe(All(), rec.handle)
	require.NoError(t, err)

	seed(s, "a", "still delivered", 1)
	require.Eventually(t, func() bool {
		return rec.count() > 0 && len(rec.last().Messages) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestManager_NilHandler(t *testing.T) {
	m := NewManager(store.New())
	defer m.Close()

	_, err := m.Subscribe(All(), nil)
	assert.Error(t, err)
}

func TestByCreatedAt_TieBreaksOnID(t *testing.T) {
	a := domain.Message{ID: "a", CreatedAt: 5}
	b := domain.Message{ID: "b", CreatedAt: 5}
	assert.Negative(t, ByCreatedAt(a, b))
	assert.Positive(t, ByCreatedAt(b, a))
	assert.Zero(t, ByCreatedAt(a, a))
}
