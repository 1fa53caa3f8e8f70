package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskcore/internal/cache"
	"taskcore/internal/eventbus"
	"taskcore/internal/runtime/supervisor"
	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

type Scheduler struct {
	mu        sync.Mutex
	cfg       Config
	weights   Weights
	inflight  map[string]struct{}
	scheduled uint64
	failed    uint64
	lastTick  time.Time

	graph *Graph
	gate  *gate

	store    task.Store
	executor task.Executor
	cache    *cache.Manager
	log      logx.Logger
	bus      eventbus.Publisher
	now      func() time.Time

	resMu    sync.RWMutex
	onResult ResultFunc

	// tickMu serializes ticks between the loop and TriggerNow.
	tickMu sync.Mutex

	lmu      sync.Mutex
	loop     *supervisor.Supervisor
	interval time.Duration
	runs     *supervisor.Supervisor
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCache routes store reads through m when Config.UseCache is set.
func WithCache(m *cache.Manager) Option {
	return func(s *Scheduler) { s.cache = m }
}

// WithHealth sets where health.degraded / health.recovered are published.
func WithHealth(p eventbus.Publisher) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.bus = p
		}
	}
}

func WithOnResult(fn ResultFunc) Option {
	return func(s *Scheduler) { s.onResult = fn }
}

func New(cfg Config, store task.Store, exec task.Executor, log logx.Logger, opts ...Option) (*Scheduler, error) {
	if store == nil || exec == nil {
		return nil, fmt.Errorf("%w: store and executor required", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	loc, _ := loadLocation(cfg.Timezone)
	if log.IsZero() {
		log = logx.Nop()
	}

	weights := DefaultWeights()
	for t, w := range cfg.Weights {
		weights[t] = w
	}

	s := &Scheduler{
		cfg:      cfg,
		weights:  weights,
		inflight: map[string]struct{}{},
		graph:    NewGraph(),
		gate:     newGate(loc),
		store:    store,
		executor: exec,
		log:      log,
		bus:      eventbus.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.runs = supervisor.New(context.Background(), supervisor.WithLogger(log))
	return s, nil
}

// SetOnResult replaces the execution outcome callback.
func (s *Scheduler) SetOnResult(fn ResultFunc) {
	s.resMu.Lock()
	s.onResult = fn
	s.resMu.Unlock()
}

// AddDependency records that taskID must wait for dependsOn to complete.
// It returns ErrCycle (graph unchanged) when the edge would close a cycle.
func (s *Scheduler) AddDependency(taskID, dependsOn string) error {
	if err := s.graph.Add(taskID, dependsOn); err != nil {
		s.log.Debug("dependency rejected", logx.String("task", taskID), logx.String("depends_on", dependsOn), logx.Err(err))
		return err
	}
	return nil
}

func (s *Scheduler) RemoveDependency(taskID, dependsOn string) bool {
	return s.graph.Remove(taskID, dependsOn)
}

func (s *Scheduler) Dependencies(taskID string) []string { return s.graph.Dependencies(taskID) }

func (s *Scheduler) DependencyGraph() map[string][]string { return s.graph.Snapshot() }

func (s *Scheduler) WouldCreateCycle(taskID, dependsOn string) bool {
	return s.graph.WouldCreateCycle(taskID, dependsOn)
}

// SetPriorityWeights replaces the weights of the given types. The whole map
// is validated first; on error nothing changes.
func (s *Scheduler) SetPriorityWeights(w Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	next := s.weights.clone()
	for t, v := range w {
		next[t] = v
	}
	s.weights = next
	s.mu.Unlock()
	return nil
}

// PriorityWeights returns a copy of the weights in force.
func (s *Scheduler) PriorityWeights() Weights {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weights.clone()
}

func (s *Scheduler) SetMaxConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: max concurrency must be >= 1 (got %d)", ErrInvalidConfig, n)
	}
	s.mu.Lock()
	s.cfg.MaxConcurrency = n
	s.mu.Unlock()
	return nil
}

// SetTimezone changes the zone cron schedules are evaluated in.
func (s *Scheduler) SetTimezone(name string) error {
	loc, err := loadLocation(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg.Timezone = name
	s.mu.Unlock()
	s.gate.setLocation(loc)
	return nil
}

// ResetSchedule forgets when taskID was last dispatched, making its schedule
// due again. Used when a failed task is re-admitted for a retry.
func (s *Scheduler) ResetSchedule(taskID string) {
	s.gate.reset(taskID)
}

// Forget drops what the scheduler remembers about taskID: its last dispatch
// time and the edges to the tasks it depends on. Call it once the task is
// done for good. Edges of tasks depending on taskID are kept.
func (s *Scheduler) Forget(taskID string) {
	s.gate.reset(taskID)
	s.graph.RemoveTask(taskID)
}

// LastDispatch reports when taskID was last handed to the executor.
func (s *Scheduler) LastDispatch(taskID string) (time.Time, bool) {
	return s.gate.lastDispatch(taskID)
}

func (s *Scheduler) Status() Status {
	s.lmu.Lock()
	active := s.loopAliveLocked()
	interval := s.interval
	s.lmu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Active:              active,
		Interval:            interval,
		MaxConcurrency:      s.cfg.MaxConcurrency,
		ScheduledCount:      s.scheduled,
		FailedScheduleCount: s.failed,
		Running:             len(s.inflight),
		LastTick:            s.lastTick,
	}
}

// loopAliveLocked reports whether the tick loop runs. A loop whose parent
// context was cancelled is dead even before Stop clears it.
func (s *Scheduler) loopAliveLocked() bool {
	return s.loop != nil && s.loop.Context().Err() == nil
}

// Start begins the periodic loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be > 0 (got %s)", ErrInvalidConfig, interval)
	}
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.loop != nil {
		return nil
	}
	s.mu.Lock()
	degradedAfter := s.cfg.DegradedAfter
	s.mu.Unlock()

	s.interval = interval
	s.loop = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.loop.Ticker("scheduler.tick", interval, s.Tick,
		supervisor.WithImmediate(true),
		supervisor.WithHealth(s.bus),
		supervisor.WithDegradedAfter(degradedAfter),
	)
	s.log.Info("scheduler started", logx.Duration("interval", interval))
	return nil
}

// Stop ends the loop, waits for the current tick, then waits for running
// executions until ctx is done. Executions still running at that point are
// cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lmu.Lock()
	loop := s.loop
	runs := s.runs
	s.loop = nil
	s.lmu.Unlock()
	if loop == nil {
		return nil
	}

	err := loop.Stop(ctx)
	if werr := runs.Wait(ctx); werr != nil {
		runs.Cancel()
		s.log.Warn("executions still running at shutdown were cancelled", logx.Err(werr))
		if err == nil {
			err = werr
		}
	}

	s.lmu.Lock()
	s.runs = supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	s.lmu.Unlock()
	s.log.Info("scheduler stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// TriggerNow runs one tick immediately. The loop must be running.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	s.lmu.Lock()
	running := s.loopAliveLocked()
	s.lmu.Unlock()
	if !running {
		return ErrStopped
	}
	return s.Tick(ctx)
}

// Tick runs one scheduling pass. A store failure on listing aborts only this
// pass and is returned so consecutive failures surface as degraded health.
// Failures on single tasks are logged and skipped.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.now()
	s.mu.Lock()
	s.lastTick = now
	cfg := s.cfg
	weights := s.weights
	s.mu.Unlock()

	pending, err := s.fetchPending(ctx, cfg)
	if err != nil {
		s.log.Warn("fetch pending failed", logx.Err(err))
		return fmt.Errorf("fetch pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	dispatched := 0
	for _, r := range Rank(pending, now, weights) {
		if ctx.Err() != nil {
			break
		}
		if s.running() >= cfg.MaxConcurrency {
			break
		}
		if r.Status != "" && r.Status != task.StatusPending {
			continue
		}
		if s.isInflight(r.ID) {
			continue
		}
		if !s.dependenciesMet(ctx, cfg, r.ID) {
			continue
		}
		ok, err := s.gate.due(r.Descriptor, now)
		if err != nil {
			s.log.Warn("skipping task with invalid schedule", logx.String("task", r.ID), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		if s.dispatch(ctx, cfg, r.Descriptor, now) {
			dispatched++
		}
	}

	if dispatched > 0 && s.cache != nil {
		s.cache.InvalidateOperation(OpListPending)
	}
	if dispatched > 0 {
		s.log.Debug("tick dispatched", logx.Int("count", dispatched), logx.Int("pending", len(pending)))
	}
	return nil
}

func (s *Scheduler) fetchPending(ctx context.Context, cfg Config) ([]task.Descriptor, error) {
	types := make([]string, 0, len(cfg.Types))
	for _, t := range cfg.Types {
		types = append(types, string(t))
	}
	params := cache.Params{"limit": cfg.ListLimit, "types": types}
	return cache.CachedCall(s.cache, OpListPending, params, cfg.UseCache, func() ([]task.Descriptor, error) {
		cctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		return s.store.ListPending(cctx, task.Filter{Types: cfg.Types, Limit: cfg.ListLimit})
	})
}

// dependenciesMet reports whether every dependency of id is completed. Any
// error reading a status counts as not met.
func (s *Scheduler) dependenciesMet(ctx context.Context, cfg Config, id string) bool {
	for _, dep := range s.graph.Dependencies(id) {
		st, err := cache.CachedCall(s.cache, OpTaskStatus, cache.Params{cache.ParamTaskID: dep}, cfg.UseCache, func() (task.Status, error) {
			cctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
			defer cancel()
			return s.store.GetStatus(cctx, dep)
		})
		if err != nil {
			s.log.Warn("dependency status unavailable", logx.String("task", id), logx.String("depends_on", dep), logx.Err(err))
			return false
		}
		if st != task.StatusCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) dispatch(ctx context.Context, cfg Config, d task.Descriptor, now time.Time) bool {
	s.mu.Lock()
	if _, busy := s.inflight[d.ID]; busy || len(s.inflight) >= cfg.MaxConcurrency {
		s.mu.Unlock()
		return false
	}
	s.inflight[d.ID] = struct{}{}
	s.mu.Unlock()

	uctx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
	err := s.store.UpdateStatus(uctx, d.ID, task.StatusRunning)
	cancel()
	if err != nil {
		s.release(d.ID)
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		s.log.Warn("dispatch failed", logx.String("task", d.ID), logx.Err(err))
		return false
	}
	if s.cache != nil {
		s.cache.InvalidateByTask(d.ID)
	}

	d.Status = task.StatusRunning
	s.gate.mark(d.ID, now)
	s.mu.Lock()
	s.scheduled++
	s.mu.Unlock()
	s.log.Info("task dispatched",
		logx.String("task", d.ID),
		logx.String("type", string(d.Type)),
		logx.String("priority", d.Priority.String()),
	)

	s.lmu.Lock()
	runs := s.runs
	s.lmu.Unlock()
	runs.Go0("exec:"+d.ID, func(rctx context.Context) {
		s.execute(rctx, cfg.ExecTimeout, d)
	})
	return true
}

func (s *Scheduler) execute(ctx context.Context, timeout time.Duration, d task.Descriptor) {
	ectx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := s.now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrExecutorPanic, r)
			}
		}()
		err = s.executor.Execute(ectx, d)
	}()
	s.release(d.ID)

	took := s.now().Sub(start)
	if err != nil {
		s.log.Warn("task failed", logx.String("task", d.ID), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Info("task completed", logx.String("task", d.ID), logx.Duration("took", took))
	}

	s.resMu.RLock()
	fn := s.onResult
	s.resMu.RUnlock()
	if fn != nil {
		fn(context.WithoutCancel(ctx), d, err)
	}
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Scheduler) running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Scheduler) isInflight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// Running returns the ids currently executing.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.inflight)
}
