package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"taskcore/internal/eventbus"
	logx "taskcore/pkg/logx"
)

const (
	EventHealthDegraded  = "health.degraded"
	EventHealthRecovered = "health.recovered"
)

// HealthEvent is the payload of health.* events.
type HealthEvent struct {
	Loop     string `json:"loop"`
	Failures int    `json:"failures"`
	Err      string `json:"err,omitempty"`
}

// TickFunc is one iteration of a periodic loop.
type TickFunc func(ctx context.Context) error

type TickerOption func(*tickerCfg)

type tickerCfg struct {
	immediate     bool
	degradedAfter int
	backoff       time.Duration
	health        eventbus.Publisher
	onTick        func(err error)
}

// WithImmediate runs the first tick right away instead of after one interval.
func WithImmediate(enabled bool) TickerOption {
	return func(c *tickerCfg) { c.immediate = enabled }
}

// WithDegradedAfter sets how many consecutive failed ticks publish a
// health.degraded event. n <= 0 disables escalation.
func WithDegradedAfter(n int) TickerOption {
	return func(c *tickerCfg) { c.degradedAfter = n }
}

// WithFailureBackoff sets the extra pause after a failed tick.
func WithFailureBackoff(d time.Duration) TickerOption {
	return func(c *tickerCfg) { c.backoff = d }
}

// WithHealth sets where health events are published.
func WithHealth(p eventbus.Publisher) TickerOption {
	return func(c *tickerCfg) { c.health = p }
}

// WithTickHook is called after every tick with its result. Tests use it to
// observe loop progress.
func WithTickHook(fn func(err error)) TickerOption {
	return func(c *tickerCfg) { c.onTick = fn }
}

// Ticker runs fn every interval until the supervisor is canceled.
//
// Errors and panics inside a tick never end the loop: they are logged, the
// loop pauses for the failure backoff and continues. Stop() waits for the
// in-flight tick to return because the loop is tracked like any Go goroutine.
func (s *Supervisor) Ticker(name string, interval time.Duration, fn TickFunc, opts ...TickerOption) {
	if fn == nil || interval <= 0 {
		return
	}
	cfg := tickerCfg{degradedAfter: 3, backoff: 500 * time.Millisecond}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.health == nil {
		cfg.health = eventbus.Nop()
	}

	s.Go0(name, func(ctx context.Context) {
		consecutive := 0
		degraded := false

		tick := func() {
			err, pan := runGuarded(ctx, func(c context.Context) error { return fn(c) })
			if pan != nil {
				err = fmt.Errorf("panic: %v", pan)
				s.notePanic(name)
				if !s.log.IsZero() {
					s.log.Error("tick panicked", logx.String("loop", name), logx.Any("panic", pan), logx.String("stack", string(debug.Stack())))
				}
			}
			if ctx.Err() != nil {
				return
			}
			if cfg.onTick != nil {
				cfg.onTick(err)
			}
			if err == nil {
				if degraded {
					degraded = false
					cfg.health.Publish(eventbus.Event{Type: EventHealthRecovered, Data: HealthEvent{Loop: name}})
					if !s.log.IsZero() {
						s.log.Info("loop recovered", logx.String("loop", name), logx.Int("after_failures", consecutive))
					}
				}
				consecutive = 0
				return
			}

			consecutive++
			if !s.log.IsZero() {
				s.log.Warn("tick failed", logx.String("loop", name), logx.Int("consecutive", consecutive), logx.Err(err))
			}
			if cfg.degradedAfter > 0 && consecutive >= cfg.degradedAfter && !degraded {
				degraded = true
				cfg.health.Publish(eventbus.Event{Type: EventHealthDegraded, Data: HealthEvent{Loop: name, Failures: consecutive, Err: err.Error()}})
				if !s.log.IsZero() {
					s.log.Error("loop degraded", logx.String("loop", name), logx.Int("consecutive", consecutive))
				}
			}
			sleepCtx(ctx, cfg.backoff)
		}

		if cfg.immediate {
			tick()
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				tick()
			}
		}
	})
}
