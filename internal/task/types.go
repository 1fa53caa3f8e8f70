package task

import (
	"fmt"
	"strings"
	"time"
)

// Priority is an ordered enumeration; higher values run first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityMedium: "medium",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

func (p Priority) String() string {
	if n, ok := priorityNames[p]; ok {
		return n
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority parses a priority name (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	n := strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == n {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further forward transition is expected.
// Failed is terminal unless the task is re-admitted by a retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Type tags the kind of work. It selects the priority weight.
type Type string

const (
	TypeSystem      Type = "system"
	TypeUser        Type = "user"
	TypeBackground  Type = "background"
	TypeMaintenance Type = "maintenance"
)

// KnownTypes lists the task types with a built-in priority weight.
func KnownTypes() []Type {
	return []Type{TypeSystem, TypeUser, TypeBackground, TypeMaintenance}
}

// ScheduleKind selects how a task's own schedule gates dispatch.
type ScheduleKind string

const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// Schedule is the free-form schedule configuration of a descriptor.
//
// Expr holds the interval ("55m", "02:30") or cron expression.
// At optionally delays a once schedule.
type Schedule struct {
	Kind ScheduleKind `json:"kind,omitempty"`
	Expr string       `json:"expr,omitempty"`
	At   time.Time    `json:"at,omitempty"`
}

// Descriptor is the store's record of one unit of schedulable work.
type Descriptor struct {
	ID         string    `json:"id"`
	Priority   Priority  `json:"priority"`
	Status     Status    `json:"status"`
	Type       Type      `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
	RetryCount int       `json:"retry_count"`
	Schedule   Schedule  `json:"schedule"`
	// UserID is optional ownership metadata used for cache invalidation.
	UserID string `json:"user_id,omitempty"`
}

// Filter narrows ListPending results. Zero value lists everything pending.
// Results come highest priority first, then oldest, then by id; Limit keeps
// the head of that order.
type Filter struct {
	Types []Type `json:"types,omitempty"`
	Limit int    `json:"limit,omitempty"`
}
