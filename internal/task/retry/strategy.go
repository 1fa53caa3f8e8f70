package retry

import (
	"math"
	"math/rand"
	"time"
)

const (
	jitterLow  = 0.8
	jitterHigh = 1.2
)

// BaseDelay is the delay for attempt n (1-indexed) before jitter, clamped to MaxDelay.
func BaseDelay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.InitialDelay)
	var v float64
	switch cfg.Strategy {
	case StrategyImmediate:
		v = 0
	case StrategyFixedDelay:
		v = d
	case StrategyLinear:
		v = d * float64(attempt)
	case StrategyExponential:
		m := cfg.Multiplier
		if m <= 0 {
			m = 1
		}
		v = d * math.Pow(m, float64(attempt-1))
	case StrategyFibonacci:
		v = d * float64(fib(attempt))
	case StrategyCustom:
		if cfg.Custom != nil {
			v = float64(cfg.Custom(attempt))
		}
	default:
		v = d
	}
	if ceil := float64(cfg.MaxDelay); v > ceil || math.IsInf(v, 1) || math.IsNaN(v) {
		v = ceil
	}
	if v < 0 {
		v = 0
	}
	return time.Duration(v)
}

// Delay is BaseDelay with jitter applied when enabled. The jitter factor is
// uniform in [0.8, 1.2]; the result is never negative.
func Delay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	d := BaseDelay(cfg, attempt)
	if cfg.Jitter && d > 0 && rng != nil {
		f := jitterLow + rng.Float64()*(jitterHigh-jitterLow)
		d = time.Duration(float64(d) * f)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// fib returns the n-th Fibonacci number with fib(1) = fib(2) = 1.
// Large n saturate instead of overflowing; the caller clamps anyway.
func fib(n int) uint64 {
	if n <= 2 {
		return 1
	}
	a, b := uint64(1), uint64(1)
	for i := 3; i <= n; i++ {
		a, b = b, a+b
		if b < a {
			return math.MaxUint64
		}
	}
	return b
}
