package config

import (
	"reflect"
	"strings"

	logx "taskcore/pkg/logx"
)

// Reloadable lists the sections applied at runtime. Changes to the others
// (storage, executor and parts of scheduler, retry and cache) need a restart.
var Reloadable = []string{"logging", "scheduler", "retry", "cache", "debug"}

// SummarizeChange returns the changed top-level sections, structured fields
// for a log line, and the changed sections that only take effect on restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.bus", newCfg.Logging.Bus.Enabled),
		)
	}

	so, sn := oldCfg.Scheduler, newCfg.Scheduler
	if !reflect.DeepEqual(so, sn) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.max_concurrency", sn.MaxConcurrency),
			logx.String("scheduler.interval", sn.Interval),
			logx.String("scheduler.timezone", strings.TrimSpace(sn.Timezone)),
			logx.Any("scheduler.priority_weights", sn.PriorityWeights),
		)
		if so.Enabled != sn.Enabled {
			restart = append(restart, "scheduler.enabled")
		}
		if so.Interval != sn.Interval {
			restart = append(restart, "scheduler.interval")
		}
		if so.StoreTimeout != sn.StoreTimeout || so.DispatchTimeout != sn.DispatchTimeout || so.ExecTimeout != sn.ExecTimeout {
			restart = append(restart, "scheduler.timeouts")
		}
		if so.UseCache != sn.UseCache || so.ListLimit != sn.ListLimit || !reflect.DeepEqual(so.Types, sn.Types) {
			restart = append(restart, "scheduler.fetch")
		}
	}

	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		d := newCfg.Retry.Default
		attrs = append(attrs,
			logx.String("retry.strategy", d.Strategy),
			logx.Int("retry.max_attempts", d.MaxAttempts),
			logx.String("retry.initial_delay", d.InitialDelay),
			logx.String("retry.max_delay", d.MaxDelay),
		)
		if oldCfg.Retry.Tick != newCfg.Retry.Tick {
			restart = append(restart, "retry.tick")
		}
	}

	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.String("cache.ttl", newCfg.Cache.TTL),
			logx.Int("cache.max_size", newCfg.Cache.MaxSize),
		)
		if oldCfg.Cache.CleanupInterval != newCfg.Cache.CleanupInterval {
			restart = append(restart, "cache.cleanup_interval")
		}
	}

	// Paths and argv may carry secrets; only note that they changed.
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		restart = append(restart, "executor")
		attrs = append(attrs,
			logx.Int("executor.commands", len(newCfg.Executor.Commands)),
			logx.Int("executor.units", len(newCfg.Executor.Units)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}
	return changed, attrs, restart
}
