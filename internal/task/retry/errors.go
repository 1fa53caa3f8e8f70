package retry

import "errors"

var (
	ErrInvalidConfig     = errors.New("retry: invalid config")
	ErrInactive          = errors.New("retry: context inactive")
	ErrExhausted         = errors.New("retry: attempts exhausted")
	ErrTriggerNotAllowed = errors.New("retry: trigger not allowed")
	ErrCooldown          = errors.New("retry: cooldown not elapsed")
	ErrUnknownTask       = errors.New("retry: no retry context for task")
)
