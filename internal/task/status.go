package task

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// forward lists the allowed transitions. Status moves forward only, except
// failed -> pending (re-admission after retry) and running -> pending
// (requeue on cancellation).
var forward = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusPending},
	StatusFailed:  {StatusPending},
}

// CanTransition reports whether a descriptor may move from one status to another.
// Writing the same status again is allowed.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a wrapped ErrInvalidTransition when the move is not allowed.
func CheckTransition(id string, from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("task %s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
}

// IsReadmission reports whether the transition puts a failed task back in line.
func IsReadmission(from, to Status) bool {
	return from == StatusFailed && to == StatusPending
}
