package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskcore/internal/executor"
	"taskcore/internal/task"
	"taskcore/internal/task/retry"
	"taskcore/internal/task/scheduler"
	logx "taskcore/pkg/logx"
)

// Submit stores d and records its dependencies. If a dependency is rejected
// the task is removed again and the error returned.
func (a *App) Submit(ctx context.Context, d task.Descriptor, dependsOn ...string) (task.Descriptor, error) {
	if d.Schedule != (task.Schedule{}) {
		if _, err := scheduler.ParseSchedule(d.Schedule); err != nil {
			return task.Descriptor{}, err
		}
	}
	sctx, cancel := a.storeCtx(ctx)
	defer cancel()
	created, err := a.store.Create(sctx, d)
	if err != nil {
		return task.Descriptor{}, err
	}
	for _, dep := range dependsOn {
		if err := a.sched.AddDependency(created.ID, dep); err != nil {
			for _, added := range a.sched.Dependencies(created.ID) {
				a.sched.RemoveDependency(created.ID, added)
			}
			if derr := a.store.Delete(sctx, created.ID); derr != nil {
				a.log.Warn("rollback of rejected task failed", logx.String("task", created.ID), logx.Err(derr))
			}
			return task.Descriptor{}, err
		}
	}
	a.cache.InvalidateOperation(scheduler.OpListPending)
	if created.UserID != "" {
		a.cache.InvalidateByUser(created.UserID)
	}
	a.log.Debug("task submitted",
		logx.String("task", created.ID),
		logx.String("priority", created.Priority.String()),
		logx.String("type", string(created.Type)),
	)
	return created, nil
}

// Cancel stops a task from running again. Pending and running tasks move to
// cancelled; a failed task keeps its status but loses any queued retry.
func (a *App) Cancel(ctx context.Context, id, reason string) error {
	sctx, cancel := a.storeCtx(ctx)
	defer cancel()
	st, err := a.store.GetStatus(sctx, id)
	if err != nil {
		return err
	}
	a.retry.CancelRetry(id, reason)
	if st == task.StatusPending || st == task.StatusRunning {
		if err := a.setStatus(ctx, id, task.StatusCancelled); err != nil {
			return err
		}
	}
	a.sched.Forget(id)
	return nil
}

// RetryNow requests a manual retry of a failed task. It follows the task's
// retry policy, so the manual trigger has to be allowed there.
func (a *App) RetryNow(ctx context.Context, id string) error {
	sctx, cancel := a.storeCtx(ctx)
	defer cancel()
	st, err := a.store.GetStatus(sctx, id)
	if err != nil {
		return err
	}
	if st != task.StatusFailed {
		return fmt.Errorf("task %s is %s: %w", id, st, task.ErrInvalidTransition)
	}
	return a.retry.ScheduleRetry(id, retry.TriggerManual)
}

// onResult records an execution outcome and decides about a retry.
func (a *App) onResult(ctx context.Context, d task.Descriptor, err error) {
	log := a.log.With(logx.String("task", d.ID))
	if err == nil {
		if serr := a.setStatus(ctx, d.ID, task.StatusCompleted); serr != nil {
			log.Warn("recording completion failed", logx.Err(serr))
		}
		if a.retry.IsActive(d.ID) {
			_ = a.retry.MarkResult(d.ID, true, "")
		}
		a.sched.Forget(d.ID)
		return
	}

	if serr := a.setStatus(ctx, d.ID, task.StatusFailed); serr != nil {
		// Cancelled while running, or gone.
		log.Warn("recording failure failed; not retrying", logx.Err(serr))
		return
	}
	msg := err.Error()
	if a.retry.IsActive(d.ID) {
		_ = a.retry.MarkResult(d.ID, false, msg)
	}
	trigger := triggerFor(err)
	rerr := a.retry.ScheduleRetry(d.ID, trigger, retry.WithError(msg))
	if errors.Is(rerr, retry.ErrCooldown) && a.deferRetry(d.ID, trigger, msg) {
		return
	}
	if rerr != nil {
		log.Info("task left failed", logx.String("trigger", string(trigger)), logx.String("reason", rerr.Error()))
		a.sched.Forget(d.ID)
	}
}

// deferRetry repeats a retry request rejected by the cooldown once the
// cooldown has elapsed. It reports false when the app is not running.
func (a *App) deferRetry(id string, trigger retry.Trigger, msg string) bool {
	if a.sup == nil {
		return false
	}
	wait := a.retry.CooldownRemaining(id)
	a.log.Debug("retry deferred until cooldown ends", logx.String("task", id), logx.Duration("wait", wait))
	a.sup.Go0("retry.cooldown", func(ctx context.Context) {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := a.retry.ScheduleRetry(id, trigger, retry.WithError(msg)); err != nil {
			a.log.Info("task left failed", logx.String("task", id), logx.String("trigger", string(trigger)), logx.String("reason", err.Error()))
			a.sched.Forget(id)
		}
	})
	return true
}

// onRetryDue puts a failed task back in line when its retry delay elapsed.
// A task that is no longer failed (cancelled, deleted, re-run by hand) loses
// its retry instead.
func (a *App) onRetryDue(ctx context.Context, id string, attempt int) error {
	sctx, cancel := a.storeCtx(ctx)
	st, err := a.store.GetStatus(sctx, id)
	cancel()
	switch {
	case errors.Is(err, task.ErrNotFound):
		a.retry.CancelRetry(id, "task removed")
		return nil
	case err != nil:
		return err
	case st != task.StatusFailed:
		a.retry.CancelRetry(id, "task is "+string(st))
		return nil
	}

	if err := a.setStatus(ctx, id, task.StatusPending); err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			a.retry.CancelRetry(id, "task no longer failed")
			return nil
		}
		return err
	}
	a.sched.ResetSchedule(id)
	a.log.Info("task re-admitted", logx.String("task", id), logx.Int("attempt", attempt))
	return nil
}

// setStatus writes through to the store and evicts every cached read that
// could observe the old status.
func (a *App) setStatus(ctx context.Context, id string, st task.Status) error {
	sctx, cancel := a.storeCtx(ctx)
	defer cancel()
	if err := a.store.UpdateStatus(sctx, id, st); err != nil {
		return err
	}
	a.cache.InvalidateByTask(id)
	a.cache.InvalidateOperation(scheduler.OpListPending)
	return nil
}

func (a *App) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.storeTimeout)
}

func triggerFor(err error) retry.Trigger {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return retry.TriggerTimeout
	case errors.Is(err, scheduler.ErrExecutorPanic):
		return retry.TriggerException
	case errors.Is(err, executor.ErrNoRunner):
		return retry.TriggerResourceUnavailable
	}
	return retry.TriggerTaskFailed
}
