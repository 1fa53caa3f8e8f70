package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskcore/internal/task"
)

// Cache operation names used by the scheduler.
const (
	OpListPending = "list_pending"
	OpTaskStatus  = "task_status"
)

type Config struct {
	// Interval is the tick period used by the orchestrator when starting the loop.
	Interval time.Duration
	// MaxConcurrency caps tasks dispatched and not yet finished.
	MaxConcurrency int
	// StoreTimeout bounds each store read made from a tick.
	StoreTimeout time.Duration
	// DispatchTimeout bounds the running-status update made before execution.
	DispatchTimeout time.Duration
	// ExecTimeout bounds one execution. 0 means no limit beyond shutdown.
	ExecTimeout time.Duration
	// UseCache routes store reads through the cache manager when one is set.
	UseCache bool
	// ListLimit caps descriptors fetched per tick. 0 means no cap. Stores
	// return the highest priorities first, so the cap cuts the least urgent
	// tasks; the age bonus of scoring only ranks what was fetched.
	ListLimit int
	// Types restricts the task types fetched. Empty means all.
	Types []task.Type
	// Timezone is the IANA zone cron schedules are evaluated in. Empty means local.
	Timezone string
	// Weights override DefaultWeights per type.
	Weights Weights
	// DegradedAfter consecutive failed ticks publish health.degraded.
	DegradedAfter int
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 5 * time.Second
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 4
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.DispatchTimeout == 0 {
		c.DispatchTimeout = 5 * time.Second
	}
	if c.DegradedAfter == 0 {
		c.DegradedAfter = 3
	}
	return c
}

func (c Config) validate() error {
	var problems []string
	if c.Interval < 0 {
		problems = append(problems, "interval must be > 0")
	}
	if c.MaxConcurrency < 1 {
		problems = append(problems, "max_concurrency must be >= 1")
	}
	if c.StoreTimeout < 0 || c.DispatchTimeout < 0 || c.ExecTimeout < 0 {
		problems = append(problems, "timeouts must be >= 0")
	}
	if c.ListLimit < 0 {
		problems = append(problems, "list_limit must be >= 0")
	}
	if c.DegradedAfter < 0 {
		problems = append(problems, "degraded_after must be >= 0")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if _, err := loadLocation(c.Timezone); err != nil {
		return err
	}
	return nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, name, err)
	}
	return loc, nil
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Active              bool          `json:"active"`
	Interval            time.Duration `json:"interval"`
	MaxConcurrency      int           `json:"max_concurrency"`
	ScheduledCount      uint64        `json:"scheduled_count"`
	FailedScheduleCount uint64        `json:"failed_schedule_count"`
	Running             int           `json:"running"`
	LastTick            time.Time     `json:"last_tick,omitempty"`
}

// ResultFunc receives the outcome of one execution. err is nil on success.
type ResultFunc func(ctx context.Context, d task.Descriptor, err error)
