package app

import (
	"context"
	"slices"
	"strings"

	"taskcore/internal/config"
	logx "taskcore/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the reloadable settings of newCfg into the running
// components. Invalid sections keep their previous values.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("fields", strings.Join(restart, ",")))
	}

	for _, s := range sections {
		if !slices.Contains(config.Reloadable, s) {
			continue
		}
		switch s {
		case "logging":
			a.logs.Apply(mapLoggingConfig(newCfg))
		case "scheduler":
			a.applyScheduler(newCfg)
		case "retry":
			if rc, err := mapRetryConfig(newCfg); err != nil {
				a.log.Warn("invalid retry config; keeping previous", logx.Err(err))
			} else if err := a.retry.SetDefaultConfig(rc.Default); err != nil {
				a.log.Warn("retry policy rejected; keeping previous", logx.Err(err))
			}
		case "debug":
			if dc, err := mapDebugConfig(newCfg); err != nil {
				a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
			} else if err := a.debug.Reconfigure(a.sup.Context(), dc); err != nil {
				a.log.Warn("debug server reconfigure failed", logx.Err(err))
			}
		case "cache":
			if cc, err := mapCacheConfig(newCfg); err != nil {
				a.log.Warn("invalid cache config; keeping previous", logx.Err(err))
			} else if err := a.cache.Configure(&cc.TTL, &cc.MaxSize); err != nil {
				a.log.Warn("cache config rejected; keeping previous", logx.Err(err))
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyScheduler(cfg *config.Config) {
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	if err := a.sched.SetMaxConcurrency(sc.MaxConcurrency); err != nil {
		a.log.Warn("scheduler.max_concurrency rejected", logx.Err(err))
	}
	if err := a.sched.SetTimezone(sc.Timezone); err != nil {
		a.log.Warn("scheduler.timezone rejected", logx.Err(err))
	}
	if len(sc.Weights) > 0 {
		if err := a.sched.SetPriorityWeights(sc.Weights); err != nil {
			a.log.Warn("scheduler.priority_weights rejected", logx.Err(err))
		}
	}
}
