package retry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialDelayIsClamped(t *testing.T) {
	t.Parallel()
	cfg := Config{Strategy: StrategyExponential, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	want := []time.Duration{1, 2, 4, 8, 10, 10}
	for i, w := range want {
		assert.Equal(t, w*time.Second, BaseDelay(cfg, i+1), "attempt %d", i+1)
	}
}

func TestFibonacciMultipliers(t *testing.T) {
	t.Parallel()
	cfg := Config{Strategy: StrategyFibonacci, InitialDelay: time.Second, MaxDelay: time.Hour}
	for i, m := range []int{1, 1, 2, 3, 5, 8} {
		assert.Equal(t, time.Duration(m)*time.Second, BaseDelay(cfg, i+1))
	}
}

func TestOtherStrategies(t *testing.T) {
	t.Parallel()
	base := Config{InitialDelay: 2 * time.Second, MaxDelay: time.Minute, Multiplier: 1}

	c := base
	c.Strategy = StrategyImmediate
	assert.Zero(t, BaseDelay(c, 3))

	c.Strategy = StrategyFixedDelay
	assert.Equal(t, 2*time.Second, BaseDelay(c, 3))

	c.Strategy = StrategyLinear
	assert.Equal(t, 6*time.Second, BaseDelay(c, 3))

	c.Strategy = StrategyCustom
	c.Custom = func(n int) time.Duration { return time.Duration(n) * time.Hour }
	assert.Equal(t, time.Minute, BaseDelay(c, 1), "custom delays are clamped too")
}

func TestFibSaturates(t *testing.T) {
	t.Parallel()
	cfg := Config{Strategy: StrategyFibonacci, InitialDelay: time.Second, MaxDelay: time.Hour}
	assert.Equal(t, time.Hour, BaseDelay(cfg, 500))
}

func TestJitterBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{Strategy: StrategyFixedDelay, InitialDelay: 10 * time.Second, MaxDelay: time.Minute, Jitter: true}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		d := Delay(cfg, 1, rng)
		require.GreaterOrEqual(t, d, 8*time.Second)
		require.LessOrEqual(t, d, 12*time.Second)
	}

	cfg.Jitter = false
	assert.Equal(t, 10*time.Second, Delay(cfg, 1, rng))
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxAttempts = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = DefaultConfig()
	bad.MaxDelay = time.Millisecond
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = DefaultConfig()
	bad.Triggers = []Trigger{"meteor"}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = DefaultConfig()
	bad.Strategy = StrategyCustom
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}
