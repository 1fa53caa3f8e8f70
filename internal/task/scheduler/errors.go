package scheduler

import "errors"

var (
	ErrInvalidConfig  = errors.New("scheduler: invalid config")
	ErrCycle          = errors.New("scheduler: dependency would create a cycle")
	ErrSelfDependency = errors.New("scheduler: task cannot depend on itself")
	ErrInvalidEdge    = errors.New("scheduler: task and dependency ids required")
	ErrStopped        = errors.New("scheduler: not running")
	ErrInvalidSpec    = errors.New("scheduler: invalid schedule")
	ErrExecutorPanic  = errors.New("scheduler: executor panic")
)
