package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taskcore/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	m, err := New(cfg, logx.Nop(), WithClock(clk.Now))
	require.NoError(t, err)
	return m, clk
}

func TestKeyIsOrderIndependent(t *testing.T) {
	t.Parallel()
	a := Params{"status": "pending", "limit": 10, "filter": map[string]any{"b": 1, "a": 2}}
	b := Params{"filter": map[string]any{"a": 2, "b": 1}, "limit": 10, "status": "pending"}

	ka, err := Key("list_pending", a)
	require.NoError(t, err)
	kb, err := Key("list_pending", b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)

	kc, err := Key("priority_inputs", a)
	require.NoError(t, err)
	assert.NotEqual(t, ka, kc)

	_, err = Key("", a)
	require.Error(t, err)
	_, err = Key("bad", Params{"ch": make(chan int)})
	require.Error(t, err)
}

func TestEvictsExactlyOldestInserted(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{TTL: time.Hour, MaxSize: 3})

	for i := 0; i < 4; i++ {
		m.Set("op", Params{"i": i}, i)
		clk.Advance(time.Second)
	}

	_, ok := m.Get("op", Params{"i": 0})
	assert.False(t, ok, "oldest entry should be evicted")
	for i := 1; i < 4; i++ {
		v, ok := m.Get("op", Params{"i": i})
		require.True(t, ok, "entry %d", i)
		assert.Equal(t, i, v)
	}
	st := m.Stats()
	assert.Equal(t, 3, st.Size)
	assert.Equal(t, uint64(1), st.Evictions)
}

func TestOverwriteRefreshesInsertionOrder(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{TTL: time.Hour, MaxSize: 2})

	m.Set("op", Params{"k": "a"}, 1)
	clk.Advance(time.Second)
	m.Set("op", Params{"k": "b"}, 2)
	clk.Advance(time.Second)
	m.Set("op", Params{"k": "a"}, 3) // a is now newest
	clk.Advance(time.Second)
	m.Set("op", Params{"k": "c"}, 4)

	_, ok := m.Get("op", Params{"k": "b"})
	assert.False(t, ok)
	v, ok := m.Get("op", Params{"k": "a"})
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestExpiredEntryIsMiss(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{TTL: time.Minute, MaxSize: 10})

	m.Set("op", nil, "v")
	clk.Advance(59 * time.Second)
	_, ok := m.Get("op", nil)
	require.True(t, ok)

	clk.Advance(time.Second)
	_, ok = m.Get("op", nil)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), m.Stats().Expirations)
	assert.Equal(t, 0, m.Stats().Size)
}

func TestSetPurgesExpiredFirst(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{TTL: time.Minute, MaxSize: 2})

	m.Set("op", Params{"i": 1}, 1)
	m.Set("op", Params{"i": 2}, 2)
	clk.Advance(2 * time.Minute)
	m.Set("op", Params{"i": 3}, 3)

	st := m.Stats()
	assert.Equal(t, 1, st.Size)
	assert.Equal(t, uint64(2), st.Expirations)
	assert.Equal(t, uint64(0), st.Evictions)
}

func TestHitRate(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{TTL: time.Hour, MaxSize: 10})
	assert.Equal(t, 0.0, m.Stats().HitRate)

	m.Set("op", nil, 1)
	for i := 0; i < 3; i++ {
		_, ok := m.Get("op", nil)
		require.True(t, ok)
	}
	_, ok := m.Get("other", nil)
	require.False(t, ok)

	st := m.Stats()
	assert.Equal(t, uint64(3), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 0.75, st.HitRate, 1e-9)

	m.ResetStats()
	st = m.Stats()
	assert.Equal(t, uint64(0), st.Hits)
	assert.Equal(t, 1, st.Size, "reset must not touch entries")
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{TTL: time.Hour, MaxSize: 10})
	m.Set("a", Params{"x": 1}, 1)
	m.Set("b", Params{"x": 1}, 2)

	assert.Equal(t, 1, m.Invalidate("a", Params{"x": 1}))
	assert.Equal(t, 0, m.Invalidate("a", Params{"x": 1}))
	_, ok := m.Get("b", Params{"x": 1})
	assert.True(t, ok)

	assert.Equal(t, 1, m.Invalidate("", nil))
	assert.Equal(t, 0, m.Stats().Size)
}

func TestInvalidateByTaskIsExact(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{TTL: time.Hour, MaxSize: 10})
	m.Set("status", Params{ParamTaskID: "t1"}, "pending")
	m.Set("priority", Params{ParamTaskID: "t1", "w": 2}, 3.5)
	// Substring-alike ids must not be touched.
	m.Set("status", Params{ParamTaskID: "t10"}, "running")
	m.Set("summary", Params{"note": "t1"}, "x")

	assert.Equal(t, 2, m.InvalidateByTask("t1"))
	_, ok := m.Get("status", Params{ParamTaskID: "t10"})
	assert.True(t, ok)
	_, ok = m.Get("summary", Params{"note": "t1"})
	assert.True(t, ok)
	assert.Equal(t, 0, m.InvalidateByTask("t1"))
}

func TestInvalidateByUser(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{TTL: time.Hour, MaxSize: 10})
	m.Set("list", Params{ParamUserID: "u1"}, 1)
	m.Set("list", Params{ParamUserID: "u2"}, 2)
	m.Set("list", Params{ParamUserID: 7}, 3)

	assert.Equal(t, 1, m.InvalidateByUser("u1"))
	assert.Equal(t, 1, m.InvalidateByUser("7"))
	assert.Equal(t, 1, m.Stats().Size)
}

func TestEvictionDropsIndexes(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{TTL: time.Hour, MaxSize: 1})
	m.Set("status", Params{ParamTaskID: "t1"}, 1)
	m.Set("status", Params{ParamTaskID: "t2"}, 2)
	assert.Equal(t, 0, m.InvalidateByTask("t1"))
	assert.Empty(t, m.byTask["t1"])
}

func TestConfigureShrinkEvictsImmediately(t *testing.T) {
	t.Parallel()
	m, clk := newTestManager(t, Config{TTL: time.Hour, MaxSize: 5})
	for i := 0; i < 5; i++ {
		m.Set("op", Params{"i": i}, i)
		clk.Advance(time.Second)
	}
	size := 2
	require.NoError(t, m.Configure(nil, &size))
	assert.Equal(t, 2, m.Stats().Size)
	_, ok := m.Get("op", Params{"i": 4})
	assert.True(t, ok)
	_, ok = m.Get("op", Params{"i": 2})
	assert.False(t, ok)

	bad := 0
	err := m.Configure(nil, &bad)
	require.ErrorIs(t, err, ErrInvalidConfig)
	neg := -time.Second
	require.ErrorIs(t, m.Configure(&neg, nil), ErrInvalidConfig)
	assert.Equal(t, 2, m.Stats().MaxSize, "rejected config must not be applied")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	_, err := New(Config{TTL: -time.Second}, logx.Nop())
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{MaxSize: -1}, logx.Nop())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCachedCall(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{TTL: time.Hour, MaxSize: 10})
	calls := 0
	fn := func() ([]string, error) {
		calls++
		return []string{"t1", "t2"}, nil
	}

	v, err := CachedCall(m, "list_pending", Params{"limit": 5}, true, fn)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, v)
	v, err = CachedCall(m, "list_pending", Params{"limit": 5}, true, fn)
	require.NoError(t, err)
	assert.Len(t, v, 2)
	assert.Equal(t, 1, calls)

	_, err = CachedCall(m, "list_pending", Params{"limit": 5}, false, fn)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	boom := errors.New("store down")
	_, err = CachedCall(m, "other", nil, true, func() (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	_, ok := m.Get("other", nil)
	assert.False(t, ok, "errors are not cached")

	var nilMgr *Manager
	got, err := CachedCall(nilMgr, "x", nil, true, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestSweepLoop(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	m, err := New(Config{TTL: time.Minute, MaxSize: 10, CleanupInterval: 5 * time.Millisecond}, logx.Nop(), WithClock(clk.Now))
	require.NoError(t, err)

	m.Set("op", nil, 1)
	clk.Advance(time.Hour)
	m.Start(context.Background())
	m.Start(context.Background())

	require.Eventually(t, func() bool { return m.Stats().Size == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
}

func TestInvalidateOperationIgnoresSurroundingSpace(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, Config{TTL: time.Hour, MaxSize: 10})
	m.Set(" list_pending ", Params{"limit": 1}, 1)
	m.Set("list_pending", Params{"limit": 2}, 2)
	m.Set("task_status", Params{"task_id": "t1"}, "pending")

	_, ok := m.Get("list_pending", Params{"limit": 1})
	require.True(t, ok, "keys are built from the trimmed name")

	assert.Equal(t, 2, m.InvalidateOperation(" list_pending"))
	assert.Equal(t, 1, m.Stats().Size)
	assert.Zero(t, m.InvalidateOperation("list_pending"))
}
