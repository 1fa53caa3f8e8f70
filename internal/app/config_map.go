package app

import (
	"strings"
	"time"

	"taskcore/internal/cache"
	"taskcore/internal/config"
	"taskcore/internal/executor"
	"taskcore/internal/observability/debug"
	"taskcore/internal/storage"
	"taskcore/internal/task"
	"taskcore/internal/task/retry"
	"taskcore/internal/task/scheduler"
	logx "taskcore/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Bus: logx.BusConfig{
			Enabled:    lc.Bus.Enabled,
			MinLevel:   lc.Bus.MinLevel,
			RatePerSec: lc.Bus.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

// OpenStore opens the store selected by cfg.Storage.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		MaxConcurrency: sc.MaxConcurrency,
		UseCache:       sc.UseCache,
		ListLimit:      sc.ListLimit,
		Timezone:       strings.TrimSpace(sc.Timezone),
		DegradedAfter:  sc.DegradedAfter,
	}
	var err error
	if out.Interval, err = config.ParseDurationOrDefault("scheduler.interval", sc.Interval, 5*time.Second); err != nil {
		return scheduler.Config{}, err
	}
	if out.StoreTimeout, err = config.ParseDurationOrDefault("scheduler.store_timeout", sc.StoreTimeout, 5*time.Second); err != nil {
		return scheduler.Config{}, err
	}
	if out.DispatchTimeout, err = config.ParseDurationOrDefault("scheduler.dispatch_timeout", sc.DispatchTimeout, 5*time.Second); err != nil {
		return scheduler.Config{}, err
	}
	if out.ExecTimeout, err = config.ParseDurationField("scheduler.exec_timeout", sc.ExecTimeout); err != nil {
		return scheduler.Config{}, err
	}
	for _, t := range sc.Types {
		out.Types = append(out.Types, task.Type(t))
	}
	if len(sc.PriorityWeights) > 0 {
		out.Weights = scheduler.Weights{}
		for t, w := range sc.PriorityWeights {
			out.Weights[task.Type(t)] = w
		}
	}
	return out, nil
}

func mapRetryPolicy(rc config.RetryPolicyConfig) (retry.Config, error) {
	out := retry.Config{
		Strategy:    retry.Strategy(rc.Strategy),
		MaxAttempts: rc.MaxAttempts,
		Multiplier:  rc.Multiplier,
		Jitter:      rc.Jitter,
	}
	var err error
	if out.InitialDelay, err = config.ParseDurationField("retry.default.initial_delay", rc.InitialDelay); err != nil {
		return retry.Config{}, err
	}
	if out.MaxDelay, err = config.ParseDurationField("retry.default.max_delay", rc.MaxDelay); err != nil {
		return retry.Config{}, err
	}
	for _, t := range rc.Triggers {
		out.Triggers = append(out.Triggers, retry.Trigger(t))
	}
	return out, out.Validate()
}

func mapRetryConfig(cfg *config.Config) (retry.ManagerConfig, error) {
	rc := cfg.Retry
	def, err := mapRetryPolicy(rc.Default)
	if err != nil {
		return retry.ManagerConfig{}, err
	}
	out := retry.ManagerConfig{Default: def, DegradedAfter: cfg.Scheduler.DegradedAfter}
	if out.Tick, err = config.ParseDurationOrDefault("retry.tick", rc.Tick, time.Second); err != nil {
		return retry.ManagerConfig{}, err
	}
	if out.Retention, err = config.ParseDurationField("retry.retention", rc.Retention); err != nil {
		return retry.ManagerConfig{}, err
	}
	return out, nil
}

func mapCacheConfig(cfg *config.Config) (cache.Config, error) {
	cc := cfg.Cache
	out := cache.Config{MaxSize: cc.MaxSize}
	var err error
	if out.TTL, err = config.ParseDurationOrDefault("cache.ttl", cc.TTL, 5*time.Minute); err != nil {
		return cache.Config{}, err
	}
	if out.CleanupInterval, err = config.ParseDurationField("cache.cleanup_interval", cc.CleanupInterval); err != nil {
		return cache.Config{}, err
	}
	return out, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	ec := cfg.Executor
	timeout, err := config.ParseDurationField("executor.timeout", ec.Timeout)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Timeout:   timeout,
		Commands:  ec.Commands,
		Units:     ec.Units,
		MaxOutput: ec.MaxOutput,
	}, nil
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	dc := cfg.Debug
	out := debug.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("debug.read_timeout", dc.ReadTimeout); err != nil {
		return debug.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("debug.write_timeout", dc.WriteTimeout); err != nil {
		return debug.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("debug.idle_timeout", dc.IdleTimeout); err != nil {
		return debug.Config{}, err
	}
	return out, nil
}
