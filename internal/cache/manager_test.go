package cache

import (
	"context"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shiftsync/internal/store"
)

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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, opts ...Option) (*Manager, *fakeClock, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	m, err := New(context.Background(), st, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Close()
		_ = st.Close()
	})
	return m, clock, st
}

func TestKey_Normalises(t *testing.T) {
	a := Key("get", "HTTPS://API.Example.com/api//shifts/?b=2&a=1", nil, nil)
	b := Key("GET", "https://api.example.com/api/shifts/?a=1", url.Values{"b": {"2"}}, nil)
	assert.Equal(t, a, b)
	assert.Equal(t, "GET https://api.example.com/api/shifts/?a=1&b=2", a)

	j1 := Key("POST", "/api/search", nil, []byte(`{"b":1,"a":{"y":2,"x":1}}`))
	j2 := Key("POST", "/api/search", nil, []byte(`{"a":{"x":1,"y":2},"b":1}`))
	assert.Equal(t, j1, j2)
	assert.NotEqual(t, j1, Key("POST", "/api/search", nil, []byte(`{"b":2}`)))
	assert.NotEqual(t, Key("GET", "/api/a", nil, nil), Key("HEAD", "/api/a", nil, nil))
}

func TestManager_Freshness(t *testing.T) {
	m, clock, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "fresh", []byte("f"), SetOptions{TTL: time.Minute, Endpoint: "/api/shifts"}))
	require.NoError(t, m.Set(ctx, "old", []byte("o"), SetOptions{TTL: time.Second}))
	clock.Advance(10 * time.Second)

	hit, ok, err := m.Get(ctx, "fresh", GetOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, hit.IsStale)
	assert.Equal(t, []byte("f"), hit.Data)
	assert.Equal(t, 10*time.Second, hit.Age)

	hit, ok, err = m.Get(ctx, "old", GetOptions{AllowStale: true})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, hit.IsStale)

	_, ok, err = m.Get(ctx, "old", GetOptions{})
	require.NoError(t, err)
	assert.False(t, ok)
	// deleted, not merely hidden
	_, ok, _ = m.Get(ctx, "old", GetOptions{AllowStale: true})
	assert.False(t, ok)
	assert.Equal(t, 1, m.Stats().Entries)
}

func TestManager_MaxAge(t *testing.T) {
	m, clock, _ := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), SetOptions{TTL: time.Hour}))
	clock.Advance(2 * time.Minute)

	hit, ok, err := m.Get(ctx, "k", GetOptions{MaxAge: time.Minute, AllowStale: true})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, hit.IsStale)

	_, ok, err = m.Get(ctx, "k", GetOptions{MaxAge: time.Minute})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_CleanupBySizeEvictsLRU(t *testing.T) {
	m, clock, _ := newManager(t)
	ctx := context.Background()
	payload := make([]byte, 100)

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, m.Set(ctx, k, payload, SetOptions{TTL: time.Hour}))
		clock.Advance(time.Second)
	}
	// b and a become the most recently used, c the least
	for _, k := range []string{"d", "b", "a"} {
		_, ok, err := m.Get(ctx, k, GetOptions{})
		require.NoError(t, err)
		require.True(t, ok)
		clock.Advance(time.Second)
	}

	per := m.Stats().Bytes / 4
	m.maxBytes = per*3 - 1

	n, err := m.CleanupBySize(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "c"}, m.Keys())
	assert.LessOrEqual(t, m.Stats().Bytes, m.maxBytes*3/4+per)
}

func TestManager_SetNeverEvictsItself(t *testing.T) {
	m, clock, _ := newManager(t, WithMaxBytes(1))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("first"), SetOptions{TTL: time.Hour}))
	clock.Advance(time.Second)
	require.NoError(t, m.Set(ctx, "b", []byte("second"), SetOptions{TTL: time.Hour}))

	assert.Equal(t, []string{"b"}, m.Keys())
}

func TestManager_InvalidateAndCleanup(t *testing.T) {
	m, clock, _ := newManager(t, WithCleanupInterval(0))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "GET /api/tasks?page=1", []byte("1"), SetOptions{TTL: time.Hour, Endpoint: "/api/tasks"}))
	require.NoError(t, m.Set(ctx, "GET /api/planner", []byte("2"), SetOptions{TTL: time.Hour, Endpoint: "/api/tasks"}))
	require.NoError(t, m.Set(ctx, "GET /api/leave", []byte("3"), SetOptions{TTL: time.Second, Endpoint: "/api/leave"}))

	n, err := m.Invalidate(ctx, "/api/tasks")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = m.Invalidate(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Minute)
	n, err = m.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, m.Stats().Entries)
	assert.Zero(t, m.Stats().Bytes)
}

func TestManager_IndexSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	st, err := store.Open(path)
	require.NoError(t, err)
	m, err := New(ctx, st)
	require.NoError(t, err)
	require.NoError(t, m.Set(ctx, "k", []byte("v"), SetOptions{TTL: time.Hour}))
	_, ok, err := m.Get(ctx, "k", GetOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	want := m.Stats()
	m.Close()
	require.NoError(t, st.Close())

	st, err = store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	m, err = New(ctx, st)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, want, m.Stats())
	hit, ok, err := m.Get(ctx, "k", GetOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), hit.Data)
}

func TestManager_ConcurrentSetsKeepSizeInStep(t *testing.T) {
	m, _, st := newManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				data := make([]byte, 1+(n*37+j*11)%500)
				assert.NoError(t, m.Set(ctx, "shared", data, SetOptions{TTL: time.Hour}))
			}
		}(i)
	}
	wg.Wait()

	var onDisk int64
	require.NoError(t, st.Collection(Collection).Scan(ctx, func(_ string, v []byte) error {
		onDisk += int64(len(v))
		return nil
	}))
	stats := m.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, onDisk, stats.Bytes)
}
