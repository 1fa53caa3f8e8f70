package task

import "context"

// Store is the persistent task repository. It is the source of truth for
// descriptors; the core never persists its own state.
type Store interface {
	ListPending(ctx context.Context, f Filter) ([]Descriptor, error)
	GetStatus(ctx context.Context, id string) (Status, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
}

// Executor runs a task. Execute blocks until the outcome is known; the
// scheduler always calls it off its tick path, so from the scheduler's point
// of view the outcome is asynchronous.
type Executor interface {
	Execute(ctx context.Context, d Descriptor) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, d Descriptor) error

func (f ExecutorFunc) Execute(ctx context.Context, d Descriptor) error { return f(ctx, d) }
