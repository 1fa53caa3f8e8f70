package app

import (
	"context"
	"time"

	"taskcore/internal/cache"
	"taskcore/internal/runtime/supervisor"
	"taskcore/internal/task"
	"taskcore/internal/task/retry"
	"taskcore/internal/task/scheduler"
)

// Snapshot is a point-in-time view of the whole core.
type Snapshot struct {
	Time       time.Time            `json:"time"`
	Scheduler  scheduler.Status     `json:"scheduler"`
	Retry      retry.Statistics     `json:"retry"`
	Cache      cache.Stats          `json:"cache"`
	Tasks      map[task.Status]int  `json:"tasks,omitempty"`
	TasksErr   string               `json:"tasks_err,omitempty"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
	Running    []string             `json:"running,omitempty"`
	Deps       map[string][]string  `json:"dependencies,omitempty"`
	BusDropped uint64               `json:"bus_dropped"`
}

// Snapshot collects component status. The store is queried with the
// configured store timeout; its failure is reported, not returned.
func (a *App) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{
		Time:       time.Now(),
		Scheduler:  a.sched.Status(),
		Retry:      a.retry.Statistics(),
		Cache:      a.cache.Stats(),
		Running:    a.sched.Running(),
		Deps:       a.sched.DependencyGraph(),
		BusDropped: a.bus.Dropped(),
	}
	sctx, cancel := a.storeCtx(ctx)
	defer cancel()
	if counts, err := a.store.Counts(sctx); err != nil {
		s.TasksErr = err.Error()
	} else {
		s.Tasks = counts
	}
	if a.sup != nil {
		ss := a.sup.Snapshot()
		s.Supervisor = &ss
	}
	return s
}
