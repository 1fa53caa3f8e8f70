package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskcore/internal/cache"
	"taskcore/internal/config"
	"taskcore/internal/eventbus"
	"taskcore/internal/executor"
	"taskcore/internal/observability/debug"
	"taskcore/internal/runtime/supervisor"
	"taskcore/internal/storage"
	"taskcore/internal/task"
	"taskcore/internal/task/retry"
	"taskcore/internal/task/scheduler"
	logx "taskcore/pkg/logx"
)

// App wires the store, executor, cache, scheduler and retry manager together
// and owns their lifecycle.
type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	exec   task.Executor
	router *executor.Router
	cache  *cache.Manager
	sched  *scheduler.Scheduler
	retry  *retry.Manager
	debug  *debug.Server

	storeTimeout  time.Duration
	schedInterval time.Duration
	schedEnabled  bool

	sup *supervisor.Supervisor
}

type options struct {
	store storage.Store
	exec  task.Executor
}

type Option func(*options)

// WithStore replaces the configured store. The app takes ownership and
// closes it on Stop.
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithExecutor replaces the configured command/unit router.
func WithExecutor(e task.Executor) Option {
	return func(o *options) { o.exec = e }
}

// New loads cfgPath and builds the app. The file is watched for changes
// once the app is started.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, opts)
}

// NewWithConfig builds the app from an already validated config. Nothing is
// watched or reloaded.
func NewWithConfig(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return build(nil, cfg, opts)
}

func build(cfgm *config.Manager, cfg *config.Config, opts []Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	bus := eventbus.New()
	logSvc, log := logx.New(mapLoggingConfig(cfg), bus)

	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  bus,
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	retryCfg, err := mapRetryConfig(cfg)
	if err != nil {
		return nil, err
	}
	cacheCfg, err := mapCacheConfig(cfg)
	if err != nil {
		return nil, err
	}
	debugCfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.storeTimeout = schedCfg.StoreTimeout
	a.schedInterval = schedCfg.Interval
	a.schedEnabled = cfg.Scheduler.Enabled

	a.store = o.store
	if a.store == nil {
		st, err := OpenStore(cfg, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("storage opened", logx.String("driver", cfg.Storage.Driver))
	}
	fail := func(err error) (*App, error) {
		if a.router != nil {
			a.router.Close()
		}
		_ = a.store.Close()
		return nil, err
	}

	a.exec = o.exec
	if a.exec == nil {
		ec, err := mapExecutorConfig(cfg)
		if err != nil {
			return fail(err)
		}
		r, err := executor.New(context.Background(), ec, log.With(logx.String("comp", "executor")))
		if err != nil {
			return fail(err)
		}
		if len(ec.Commands) == 0 && len(ec.Units) == 0 {
			a.log.Warn("no executor commands or units configured; every task will fail")
		}
		a.router, a.exec = r, r
	}

	a.cache, err = cache.New(cacheCfg, log.With(logx.String("comp", "cache")), cache.WithHealth(bus))
	if err != nil {
		return fail(err)
	}
	a.retry, err = retry.New(retryCfg, log.With(logx.String("comp", "retry")),
		retry.WithBus(bus), retry.WithOnDue(a.onRetryDue))
	if err != nil {
		return fail(err)
	}
	a.sched, err = scheduler.New(schedCfg, a.store, a.exec, log.With(logx.String("comp", "scheduler")),
		scheduler.WithCache(a.cache), scheduler.WithHealth(bus), scheduler.WithOnResult(a.onResult))
	if err != nil {
		return fail(err)
	}
	a.debug = debug.New(debugCfg, log.With(logx.String("comp", "debug")), func(ctx context.Context) any {
		return a.Snapshot(ctx)
	})
	return a, nil
}

func (a *App) Bus() eventbus.Bus               { return a.bus }
func (a *App) Logger() logx.Logger             { return a.log }
func (a *App) Store() storage.Store            { return a.store }
func (a *App) Cache() *cache.Manager           { return a.cache }
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Retry() *retry.Manager           { return a.retry }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app: already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	rctx := a.sup.Context()

	a.cache.Start(rctx)
	a.retry.Start(rctx)
	if a.schedEnabled {
		if err := a.sched.Start(rctx, a.schedInterval); err != nil {
			a.sup.Cancel()
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		a.log.Info("scheduler disabled by config")
	}

	if err := a.debug.Start(rctx); err != nil {
		// Diagnostics are optional; keep running without them.
		a.log.Warn("debug server not started", logx.Err(err))
	}

	// Health transitions are rare and worth a warning; the rest stays at debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started",
		logx.Bool("scheduler", a.schedEnabled),
		logx.Duration("interval", a.schedInterval),
	)
	return nil
}

func (a *App) logEvent(e eventbus.Event) {
	switch e.Type {
	case supervisor.EventHealthDegraded:
		if h, ok := e.Data.(supervisor.HealthEvent); ok {
			a.log.Warn("loop degraded", logx.String("loop", h.Loop), logx.Int("failures", h.Failures), logx.String("err", h.Err))
			return
		}
	case supervisor.EventHealthRecovered:
		if h, ok := e.Data.(supervisor.HealthEvent); ok {
			a.log.Info("loop recovered", logx.String("loop", h.Loop))
			return
		}
	case retry.EventRetryExhausted:
		if ev, ok := e.Data.(retry.Event); ok {
			a.log.Warn("retries exhausted", logx.String("task", ev.TaskID), logx.Int("attempts", ev.TotalAttempts), logx.String("last_err", ev.Error))
			return
		}
	case logx.EventLogEntry:
		// Forwarded log lines; logging them again would loop.
		return
	}
	a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Scheduler first: in-flight executions still report into retry and storage.
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("retry", 2*time.Second, a.retry.Stop)
	step("cache", time.Second, a.cache.Stop)
	step("debug", 2*time.Second, a.debug.Stop)
	step("executor", time.Second, func(context.Context) error {
		if a.router != nil {
			a.router.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
