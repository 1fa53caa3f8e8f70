package storage

import (
	"context"
	"errors"
	"time"

	"taskcore/internal/task"
)

var ErrUnknownDriver = errors.New("storage: unknown driver")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the task repository used by the orchestrator. It satisfies
// task.Store for the scheduler and adds the management calls the daemon
// needs.
type Store interface {
	task.Store

	// Create inserts d. An empty ID gets a random UUID, an empty status
	// becomes pending and a zero CreatedAt becomes now.
	Create(ctx context.Context, d task.Descriptor) (task.Descriptor, error)
	Get(ctx context.Context, id string) (task.Descriptor, error)
	Delete(ctx context.Context, id string) error
	// Counts returns the number of tasks per status.
	Counts(ctx context.Context) (map[task.Status]int, error)
	Close() error
}
