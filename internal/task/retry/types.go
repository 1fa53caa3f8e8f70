package retry

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Strategy string

const (
	StrategyImmediate   Strategy = "immediate"
	StrategyFixedDelay  Strategy = "fixed_delay"
	StrategyLinear      Strategy = "linear_backoff"
	StrategyExponential Strategy = "exponential_backoff"
	StrategyFibonacci   Strategy = "fibonacci"
	StrategyCustom      Strategy = "custom"
)

// Trigger is the reason a retry is requested.
type Trigger string

const (
	TriggerTaskFailed          Trigger = "task_failed"
	TriggerTimeout             Trigger = "timeout"
	TriggerException           Trigger = "exception"
	TriggerResourceUnavailable Trigger = "resource_unavailable"
	TriggerManual              Trigger = "manual"
)

// DelayFunc computes the delay for attempt n (1-indexed) under StrategyCustom.
type DelayFunc func(attempt int) time.Duration

// Config is the retry policy in force for one task.
type Config struct {
	Strategy     Strategy      `json:"strategy" validate:"required,oneof=immediate fixed_delay linear_backoff exponential_backoff fibonacci custom"`
	MaxAttempts  int           `json:"max_attempts" validate:"gte=1"`
	InitialDelay time.Duration `json:"initial_delay" validate:"gte=0"`
	MaxDelay     time.Duration `json:"max_delay" validate:"gte=0,gtefield=InitialDelay"`
	Multiplier   float64       `json:"multiplier" validate:"gte=1"`
	Jitter       bool          `json:"jitter"`
	Triggers     []Trigger     `json:"triggers" validate:"min=1,dive,oneof=task_failed timeout exception resource_unavailable manual"`
	Custom       DelayFunc     `json:"-"`
}

// DefaultConfig is exponential backoff starting at 1s, capped at 5m, three
// attempts, jitter on, retrying failures, timeouts and exceptions.
func DefaultConfig() Config {
	return Config{
		Strategy:     StrategyExponential,
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2,
		Jitter:       true,
		Triggers:     []Trigger{TriggerTaskFailed, TriggerTimeout, TriggerException},
	}
}

var validate = validator.New()

// Validate reports a descriptive ErrInvalidConfig for unusable policies.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var msgs []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			msgs = append(msgs, err.Error())
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
	}
	if c.Strategy == StrategyCustom && c.Custom == nil {
		return fmt.Errorf("%w: custom strategy requires a delay function", ErrInvalidConfig)
	}
	return nil
}

func (c Config) allows(t Trigger) bool {
	for _, x := range c.Triggers {
		if x == t {
			return true
		}
	}
	return false
}

func (c Config) clone() Config {
	c.Triggers = append([]Trigger(nil), c.Triggers...)
	return c
}

// Attempt records one scheduled retry and, once known, its outcome.
type Attempt struct {
	Number    int       `json:"number"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Finished  bool      `json:"finished"`
	// Dispatched is set once the due loop has handed the attempt out.
	Dispatched bool          `json:"dispatched"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Delay      time.Duration `json:"delay"`
	Trigger    Trigger       `json:"trigger"`
}

// EndReason says why a context became inactive.
type EndReason string

const (
	EndNone      EndReason = ""
	EndSucceeded EndReason = "succeeded"
	EndExhausted EndReason = "exhausted"
	EndCancelled EndReason = "cancelled"
)

// Status is a read-only view of a task's retry context.
type Status struct {
	TaskID        string    `json:"task_id"`
	Active        bool      `json:"active"`
	EndReason     EndReason `json:"end_reason,omitempty"`
	TotalAttempts int       `json:"total_attempts"`
	MaxAttempts   int       `json:"max_attempts"`
	Strategy      Strategy  `json:"strategy"`
	NextRetryAt   time.Time `json:"next_retry_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Attempts      []Attempt `json:"attempts"`
}

// Statistics aggregates retry activity since the manager was created.
type Statistics struct {
	TotalScheduled  uint64           `json:"total_scheduled"`
	Rejected        uint64           `json:"rejected"`
	Successful      uint64           `json:"successful"`
	Failed          uint64           `json:"failed"`
	Exhausted       uint64           `json:"exhausted"`
	Cancelled       uint64           `json:"cancelled"`
	Dispatched      uint64           `json:"dispatched"`
	ActiveContexts  int              `json:"active_contexts"`
	TotalContexts   int              `json:"total_contexts"`
	QueueLength     int              `json:"queue_length"`
	SuccessRate     float64          `json:"success_rate"`
	ByStrategy      map[Strategy]int `json:"by_strategy"`
	CleanedContexts uint64           `json:"cleaned_contexts"`
}

const (
	EventRetryScheduled = "retry.scheduled"
	EventRetryStarted   = "retry.started"
	EventRetryCompleted = "retry.completed"
	EventRetryExhausted = "retry.exhausted"
	EventRetryCancelled = "retry.cancelled"
)

// Event is the payload of retry.* events.
type Event struct {
	TaskID        string        `json:"task_id"`
	Attempt       int           `json:"attempt,omitempty"`
	Delay         time.Duration `json:"delay,omitempty"`
	DueAt         time.Time     `json:"due_at,omitempty"`
	Success       bool          `json:"success,omitempty"`
	TotalAttempts int           `json:"total_attempts,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Error         string        `json:"error,omitempty"`
}
