package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcore/internal/eventbus"
	logx "taskcore/pkg/logx"
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

func fixedConfig() Config {
	return Config{
		Strategy:     StrategyFixedDelay,
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   1,
		Triggers:     []Trigger{TriggerTaskFailed, TriggerTimeout},
	}
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeClock, eventbus.Bus) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	bus := eventbus.New()
	opts = append([]Option{WithClock(clk.Now), WithBus(bus), WithRand(rand.New(rand.NewSource(7)))}, opts...)
	m, err := New(ManagerConfig{Default: fixedConfig()}, logx.Nop(), opts...)
	require.NoError(t, err)
	return m, clk, bus
}

func drain(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func countType(evs []eventbus.Event, typ string) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestScheduleRetryAcceptsUpToMaxAttempts(t *testing.T) {
	t.Parallel()
	m, clk, _ := newTestManager(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, m.ScheduleRetry("t1", TriggerTaskFailed, WithError("boom")), "attempt %d", i)
		clk.Advance(2 * time.Second)
	}
	err := m.ScheduleRetry("t1", TriggerTaskFailed)
	assert.ErrorIs(t, err, ErrExhausted)

	// The rejected request leaves the queued attempts alone.
	st, ok := m.RetryStatus("t1")
	require.True(t, ok)
	assert.Equal(t, 3, st.TotalAttempts)
	assert.True(t, st.Active)
	assert.Empty(t, st.EndReason)
	assert.Equal(t, "boom", st.LastError)
	assert.Len(t, st.Attempts, 3)
	assert.Equal(t, 3, m.Statistics().QueueLength)
	assert.Zero(t, m.Statistics().Exhausted)

	// The last attempt failing is what ends the context.
	require.NoError(t, m.MarkResult("t1", false, "boom"))
	st, _ = m.RetryStatus("t1")
	assert.False(t, st.Active)
	assert.Equal(t, EndExhausted, st.EndReason)
	assert.Zero(t, m.Statistics().QueueLength)

	clk.Advance(time.Hour)
	assert.ErrorIs(t, m.ScheduleRetry("t1", TriggerTaskFailed), ErrExhausted)
}

func TestRejectedRequestPublishesNothing(t *testing.T) {
	t.Parallel()
	m, clk, bus := newTestManager(t)
	ch, cancel := bus.SubscribePrefix(64, "retry.")
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.ScheduleRetry("t1", TriggerTaskFailed))
		clk.Advance(2 * time.Second)
	}
	drain(ch)
	assert.ErrorIs(t, m.ScheduleRetry("t1", TriggerTaskFailed), ErrExhausted)
	assert.ErrorIs(t, m.ScheduleRetry("t1", TriggerManual), ErrExhausted)
	assert.Empty(t, drain(ch))
	assert.True(t, m.IsActive("t1"))
}

func TestExhaustedFiresOnceAfterFailedResults(t *testing.T) {
	t.Parallel()
	m, clk, bus := newTestManager(t)
	ch, cancel := bus.SubscribePrefix(64, "retry.")
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.ScheduleRetry("t1", TriggerTaskFailed))
		require.NoError(t, m.MarkResult("t1", false, "still failing"))
		clk.Advance(2 * time.Second)
	}
	assert.ErrorIs(t, m.ScheduleRetry("t1", TriggerTaskFailed), ErrExhausted)
	require.NoError(t, m.MarkResult("t1", false, "late"))

	evs := drain(ch)
	assert.Equal(t, 3, countType(evs, EventRetryScheduled))
	assert.Equal(t, 1, countType(evs, EventRetryExhausted))
	assert.Equal(t, 4, countType(evs, EventRetryCompleted))

	st := m.Statistics()
	assert.EqualValues(t, 1, st.Exhausted)
	assert.EqualValues(t, 4, st.Failed)
	assert.Zero(t, st.QueueLength)
}

func TestScheduleRetryRejectsTriggerOutsideSet(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	assert.ErrorIs(t, m.ScheduleRetry("t1", TriggerManual), ErrTriggerNotAllowed)
	assert.ErrorIs(t, m.ScheduleRetry("t1", TriggerResourceUnavailable), ErrTriggerNotAllowed)
	assert.False(t, m.IsActive("t1"))
	require.NoError(t, m.ScheduleRetry("t1", TriggerTimeout))
	assert.EqualValues(t, 2, m.Statistics().Rejected)
}

func TestScheduleRetryCooldown(t *testing.T) {
	t.Parallel()
	m, clk, _ := newTestManager(t)

	require.NoError(t, m.ScheduleRetry("t1", TriggerTaskFailed))
	clk.Advance(500 * time.Millisecond)
	assert.ErrorIs(t, m.ScheduleRetry("t1", TriggerTaskFailed), ErrCooldown)

	clk.Advance(600 * time.Millisecond)
	require.NoError(t, m.ScheduleRetry("t1", TriggerTaskFailed))

	// A failed result does not lift the cooldown of the attempt it ends.
	require.NoError(t, m.MarkResult("t1", false, "x"))
	assert.ErrorIs(t, m.ScheduleRetry("t1", TriggerTaskFailed), ErrCooldown)
	assert.Equal(t, time.Second, m.CooldownRemaining("t1"))

	clk.Advance(400 * time.Millisecond)
	assert.Equal(t, 600*time.Millisecond, m.CooldownRemaining("t1"))
	clk.Advance(600 * time.Millisecond)
	assert.Zero(t, m.CooldownRemaining("t1"))
	require.NoError(t, m.ScheduleRetry("t1", TriggerTaskFailed))
	assert.Zero(t, m.CooldownRemaining("unknown"))
}

func TestScheduleRetryUsesCallConfig(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	cfg := fixedConfig()
	cfg.Strategy = StrategyExponential
	cfg.Multiplier = 3
	cfg.InitialDelay = 0
	cfg.MaxAttempts = 5
	require.NoError(t, m.ScheduleRetry("t1", TriggerTaskFailed, WithConfig(cfg)))

	st, ok := m.RetryStatus("t1")
	require.True(t, ok)
	assert.Equal(t, StrategyExponential, st.Strategy)
	assert.Equal(t, 5, st.MaxAttempts)

	bad := cfg
	bad.MaxAttempts = 0
	assert.ErrorIs(t, m.ScheduleRetry("t2", TriggerTaskFailed, WithConfig(bad)), ErrInvalidConfig)
	_, ok = m.RetryStatus("t2")
	assert.False(t, ok)
}

func TestTaskConfigOverridesDefault(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	cfg := fixedConfig()
	cfg.MaxAttempts = 1
	cfg.InitialDelay = 0
	require.NoError(t, m.SetTaskConfig("t1", cfg))
	require.NoError(t, m.ScheduleRetry("t1", TriggerTaskFailed))
	assert.ErrorIs(t, m.ScheduleRetry("t1", TriggerTaskFailed), ErrExhausted)

	def := fixedConfig()
	def.Triggers = []Trigger{TriggerManual}
	require.NoError(t, m.SetDefaultConfig(def))
	assert.ErrorIs(t, m.ScheduleRetry("t2", TriggerTaskFailed), ErrTriggerNotAllowed)
	require.NoError(t, m.ScheduleRetry("t3", TriggerManual))

	assert.ErrorIs(t, m.SetDefaultConfig(Config{}), ErrInvalidConfig)
}

func TestSuccessEndsContext(t *testing.T) {
	t.Parallel()
	m, clk, _ := newTestManager(t)

	require.NoError(t, m.ScheduleRetry("t1", TriggerTaskFailed))
	require.NoError(t, m.MarkResult("t1", true, ""))
	clk.Advance(time.Minute)
	assert.ErrorIs(t, m.ScheduleRetry("t1", TriggerTaskFailed), ErrInactive)

	st := m.Statistics()
	assert.EqualValues(t, 1, st.Successful)
	assert.Equal(t, 1.0, st.SuccessRate)
	assert.Zero(t, st.QueueLength)

	assert.ErrorIs(t, m.MarkResult("nope", true, ""), ErrUnknownTask)
}

func TestCancelRetryDropsQueuedEntries(t *testing.T) {
	t.Parallel()
	m, clk, bus := newTestManager(t)
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	require.NoError(t, m.ScheduleRetry("t1", TriggerTaskFailed))
	require.NoError(t, m.ScheduleRetry("t2", TriggerTaskFailed))
	assert.Equal(t, 2, m.Statistics().QueueLength)

	assert.True(t, m.CancelRetry("t1", "operator"))
	assert.False(t, m.CancelRetry("t1", "again"))
	assert.Equal(t, 1, m.Statistics().QueueLength)

	clk.Advance(time.Minute)
	assert.ErrorIs(t, m.ScheduleRetry("t1", TriggerTaskFailed), ErrInactive)
	assert.Equal(t, 1, countType(drain(ch), EventRetryCancelled))
}

func TestTickDispatchesDueEntries(t *testing.T) {
	t.Parallel()
	var (
		mu  sync.Mutex
		got []string
	)
	m, clk, bus := newTestManager(t, WithOnDue(func(_ context.Context, id string, attempt int) error {
		mu.Lock()
		got = append(got, id)
		mu.Unlock()
		assert.Equal(t, 1, attempt)
		return nil
	}))
	ch, cancel := bus.SubscribePrefix(16, EventRetryStarted)
	defer cancel()

	require.NoError(t, m.ScheduleRetry("a", TriggerTaskFailed))
	clk.Advance(100 * time.Millisecond)
	require.NoError(t, m.ScheduleRetry("b", TriggerTaskFailed))

	require.NoError(t, m.Tick(context.Background()))
	assert.Empty(t, got, "nothing is due yet")

	clk.Advance(950 * time.Millisecond)
	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, []string{"a"}, got)

	clk.Advance(time.Second)
	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 2, countType(drain(ch), EventRetryStarted))

	st, ok := m.RetryStatus("a")
	require.True(t, ok)
	assert.True(t, st.Attempts[0].Dispatched)
	assert.True(t, st.NextRetryAt.IsZero())
}

func TestTickRequeuesWhenDispatchFails(t *testing.T) {
	t.Parallel()
	var calls int
	m, clk, bus := newTestManager(t, WithOnDue(func(context.Context, string, int) error {
		calls++
		if calls == 1 {
			return errors.New("store timeout")
		}
		return nil
	}))
	ch, cancel := bus.SubscribePrefix(16, EventRetryStarted)
	defer cancel()

	require.NoError(t, m.ScheduleRetry("t1", TriggerTaskFailed))
	clk.Advance(time.Second)
	assert.Error(t, m.Tick(context.Background()))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, m.Statistics().QueueLength, "failed dispatch is queued again")
	st, _ := m.RetryStatus("t1")
	assert.True(t, st.Active)
	assert.False(t, st.Attempts[0].Dispatched)
	assert.Empty(t, drain(ch))

	// Not due again before the redelivery wait.
	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, 1, calls)

	clk.Advance(minRedeliver)
	require.NoError(t, m.Tick(context.Background()))
	assert.Equal(t, 2, calls)
	assert.Zero(t, m.Statistics().QueueLength)
	st, _ = m.RetryStatus("t1")
	assert.True(t, st.Attempts[0].Dispatched)
	assert.Equal(t, 1, countType(drain(ch), EventRetryStarted))
	assert.EqualValues(t, 1, m.Statistics().Dispatched)
}

func TestTickDropsFailedDispatchOfCancelledRetry(t *testing.T) {
	t.Parallel()
	var m *Manager
	m, clk, _ := newTestManager(t, WithOnDue(func(_ context.Context, id string, _ int) error {
		m.CancelRetry(id, "gone")
		return errors.New("late failure")
	}))

	require.NoError(t, m.ScheduleRetry("t1", TriggerTaskFailed))
	clk.Advance(time.Second)
	assert.Error(t, m.Tick(context.Background()))
	assert.Zero(t, m.Statistics().QueueLength)
}

func TestCleanupCompleted(t *testing.T) {
	t.Parallel()
	m, clk, _ := newTestManager(t)

	require.NoError(t, m.ScheduleRetry("done", TriggerTaskFailed))
	require.NoError(t, m.MarkResult("done", true, ""))
	require.NoError(t, m.ScheduleRetry("live", TriggerTaskFailed))

	assert.Zero(t, m.CleanupCompleted(time.Hour))
	clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, m.CleanupCompleted(time.Hour))

	all := m.AllRetryStatuses()
	require.Len(t, all, 1)
	assert.Equal(t, "live", all[0].TaskID)
	assert.EqualValues(t, 1, m.Statistics().CleanedContexts)
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	m, err := New(ManagerConfig{Tick: 10 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)

	m.Start(context.Background())
	m.Start(context.Background())
	assert.True(t, m.Running())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
	assert.False(t, m.Running())
	require.NoError(t, m.Stop(ctx))
}
