package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"taskcore/internal/eventbus"
	"taskcore/internal/runtime/supervisor"
	logx "taskcore/pkg/logx"
)

// minRedeliver is the shortest wait before a due entry whose OnDue failed is
// handed out again.
const minRedeliver = time.Second

// ManagerConfig controls the manager's loop and its defaults.
type ManagerConfig struct {
	// Tick is how often due entries are dispatched. Default 1s.
	Tick time.Duration
	// Retention is how long inactive contexts are kept before the loop drops
	// them. 0 keeps them until CleanupCompleted is called.
	Retention time.Duration
	// DegradedAfter consecutive failed ticks publish health.degraded. Default 3.
	DegradedAfter int
	// Default is the policy for tasks without an explicit config.
	Default Config
}

// DueFunc is called from the tick loop when a retry attempt may run. An
// error puts the entry back in the queue for a later tick.
type DueFunc func(ctx context.Context, taskID string, attempt int) error

type retryContext struct {
	taskID    string
	cfg       Config
	attempts  []Attempt
	total     int
	active    bool
	reason    EndReason
	exhausted bool // the exhausted event has fired
	createdAt time.Time
	updatedAt time.Time
}

func (c *retryContext) last() *Attempt {
	if len(c.attempts) == 0 {
		return nil
	}
	return &c.attempts[len(c.attempts)-1]
}

type Manager struct {
	mu         sync.Mutex
	cfg        ManagerConfig
	taskCfgs   map[string]Config
	contexts   map[string]*retryContext
	stats      Statistics
	byStrategy map[Strategy]int

	q queue

	log logx.Logger
	bus eventbus.Publisher
	now func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	dueMu sync.RWMutex
	onDue DueFunc

	lmu sync.Mutex
	sup *supervisor.Supervisor
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRand sets the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) {
		if r != nil {
			m.rng = r
		}
	}
}

// WithBus sets where retry and health events are published.
func WithBus(p eventbus.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.bus = p
		}
	}
}

// WithOnDue sets the re-admission callback.
func WithOnDue(fn DueFunc) Option {
	return func(m *Manager) { m.onDue = fn }
}

func New(cfg ManagerConfig, log logx.Logger, opts ...Option) (*Manager, error) {
	if cfg.Tick == 0 {
		cfg.Tick = time.Second
	}
	if cfg.Tick < 0 || cfg.Retention < 0 {
		return nil, fmt.Errorf("%w: tick and retention must be >= 0", ErrInvalidConfig)
	}
	if cfg.DegradedAfter == 0 {
		cfg.DegradedAfter = 3
	}
	if cfg.Default.Strategy == "" {
		cfg.Default = DefaultConfig()
	}
	if err := cfg.Default.Validate(); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:        cfg,
		taskCfgs:   map[string]Config{},
		contexts:   map[string]*retryContext{},
		byStrategy: map[Strategy]int{},
		log:        log,
		bus:        eventbus.Nop(),
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// SetOnDue replaces the re-admission callback.
func (m *Manager) SetOnDue(fn DueFunc) {
	m.dueMu.Lock()
	m.onDue = fn
	m.dueMu.Unlock()
}

// SetDefaultConfig replaces the policy used by tasks without their own.
func (m *Manager) SetDefaultConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg.Default = cfg.clone()
	m.mu.Unlock()
	return nil
}

// SetTaskConfig installs a per-task policy. An existing active context picks
// it up for its next attempt.
func (m *Manager) SetTaskConfig(taskID string, cfg Config) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("%w: task id required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskCfgs[taskID] = cfg.clone()
	if rc := m.contexts[taskID]; rc != nil && rc.active {
		rc.cfg = cfg.clone()
	}
	return nil
}

// ScheduleOption customizes one ScheduleRetry call.
type ScheduleOption func(*scheduleReq)

type scheduleReq struct {
	errMsg string
	cfg    *Config
}

// WithError records the failure message on the new attempt.
func WithError(msg string) ScheduleOption {
	return func(r *scheduleReq) { r.errMsg = msg }
}

// WithConfig sets the policy in force for this task's context.
func WithConfig(cfg Config) ScheduleOption {
	return func(r *scheduleReq) {
		c := cfg.clone()
		r.cfg = &c
	}
}

// ScheduleRetry requests another attempt for taskID. A nil error means the
// retry was accepted and queued; otherwise the error says why it was rejected
// (ErrInactive, ErrExhausted, ErrTriggerNotAllowed, ErrCooldown, ErrInvalidConfig).
func (m *Manager) ScheduleRetry(taskID string, trigger Trigger, opts ...ScheduleOption) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("%w: task id required", ErrInvalidConfig)
	}
	var req scheduleReq
	for _, o := range opts {
		o(&req)
	}
	if req.cfg != nil {
		if err := req.cfg.Validate(); err != nil {
			m.reject(taskID, trigger, err)
			return err
		}
	}

	now := m.now()
	m.mu.Lock()
	rc := m.contexts[taskID]
	created := rc == nil
	if created {
		cfg := m.cfg.Default
		if tc, ok := m.taskCfgs[taskID]; ok {
			cfg = tc
		}
		rc = &retryContext{taskID: taskID, cfg: cfg.clone(), active: true, createdAt: now, updatedAt: now}
		m.contexts[taskID] = rc
	}
	if req.cfg != nil && rc.active {
		rc.cfg = *req.cfg
	}

	// A rejection leaves the context and the queue as they were; exhaustion
	// is only ever declared by MarkResult.
	if err := m.admitLocked(rc, trigger, now); err != nil {
		if created {
			delete(m.contexts, taskID)
		}
		m.mu.Unlock()
		m.reject(taskID, trigger, err)
		return err
	}

	rc.total++
	n := rc.total
	delay := m.delay(rc.cfg, n)
	dueAt := now.Add(delay)
	rc.attempts = append(rc.attempts, Attempt{
		Number:    n,
		StartedAt: now,
		Error:     req.errMsg,
		Delay:     delay,
		Trigger:   trigger,
	})
	rc.updatedAt = now
	m.stats.TotalScheduled++
	m.byStrategy[rc.cfg.Strategy]++
	m.mu.Unlock()

	m.q.push(taskID, n, dueAt)
	m.log.Info("retry scheduled",
		logx.String("task", taskID),
		logx.Int("attempt", n),
		logx.Duration("delay", delay),
		logx.String("trigger", string(trigger)),
	)
	m.publish(EventRetryScheduled, Event{TaskID: taskID, Attempt: n, Delay: delay, DueAt: dueAt, Error: req.errMsg})
	return nil
}

func (m *Manager) admitLocked(rc *retryContext, trigger Trigger, now time.Time) error {
	if !rc.active {
		if rc.reason == EndExhausted {
			return ErrExhausted
		}
		return ErrInactive
	}
	if rc.total >= rc.cfg.MaxAttempts {
		return ErrExhausted
	}
	if !rc.cfg.allows(trigger) {
		return ErrTriggerNotAllowed
	}
	if last := rc.last(); last != nil && now.Sub(last.StartedAt) < rc.cfg.InitialDelay {
		return ErrCooldown
	}
	return nil
}

// CooldownRemaining reports how long taskID must wait before ScheduleRetry
// stops failing with ErrCooldown. It is 0 when there is no active context or
// the cooldown already elapsed.
func (m *Manager) CooldownRemaining(taskID string) time.Duration {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rc := m.contexts[taskID]
	if rc == nil || !rc.active {
		return 0
	}
	last := rc.last()
	if last == nil {
		return 0
	}
	return max(0, last.StartedAt.Add(rc.cfg.InitialDelay).Sub(now))
}

func (m *Manager) reject(taskID string, trigger Trigger, err error) {
	m.mu.Lock()
	m.stats.Rejected++
	m.mu.Unlock()
	m.log.Debug("retry rejected", logx.String("task", taskID), logx.String("trigger", string(trigger)), logx.Err(err))
}

func (m *Manager) delay(cfg Config, attempt int) time.Duration {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return Delay(cfg, attempt, m.rng)
}

// MarkResult records the outcome of the latest attempt.
//
// Success ends the context. A failure with attempts left keeps it active so
// the execution flow can call ScheduleRetry again; a failure on the last
// attempt ends it and publishes retry.exhausted.
func (m *Manager) MarkResult(taskID string, success bool, message string) error {
	now := m.now()
	m.mu.Lock()
	rc := m.contexts[taskID]
	if rc == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	attempt := 0
	if last := rc.last(); last != nil {
		last.Finished = true
		last.Success = success
		last.EndedAt = now
		if message != "" {
			last.Error = message
		}
		attempt = last.Number
	}
	rc.updatedAt = now

	var exhausted bool
	ended := false
	switch {
	case success:
		rc.active = false
		rc.reason = EndSucceeded
		m.stats.Successful++
		ended = true
	default:
		m.stats.Failed++
		if rc.total >= rc.cfg.MaxAttempts && rc.active {
			rc.active = false
			rc.reason = EndExhausted
			ended = true
			if !rc.exhausted {
				rc.exhausted = true
				exhausted = true
				m.stats.Exhausted++
			}
		}
	}
	total := rc.total
	m.mu.Unlock()

	if ended {
		m.q.remove(taskID)
	}
	m.publish(EventRetryCompleted, Event{TaskID: taskID, Attempt: attempt, Success: success, Error: message})
	if exhausted {
		m.log.Warn("retry exhausted", logx.String("task", taskID), logx.Int("attempts", total))
		m.publish(EventRetryExhausted, Event{TaskID: taskID, TotalAttempts: total})
	}
	return nil
}

// CancelRetry drops queued attempts and ends the context regardless of
// attempts left. It reports whether there was an active context.
func (m *Manager) CancelRetry(taskID, reason string) bool {
	now := m.now()
	m.mu.Lock()
	rc := m.contexts[taskID]
	wasActive := rc != nil && rc.active
	if wasActive {
		rc.active = false
		rc.reason = EndCancelled
		rc.updatedAt = now
		m.stats.Cancelled++
	}
	m.mu.Unlock()

	removed := m.q.remove(taskID)
	if wasActive {
		m.log.Info("retry cancelled", logx.String("task", taskID), logx.String("reason", reason), logx.Int("dequeued", removed))
		m.publish(EventRetryCancelled, Event{TaskID: taskID, Reason: reason})
	}
	return wasActive
}

// IsActive reports whether taskID has a retry in progress.
func (m *Manager) IsActive(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc := m.contexts[taskID]
	return rc != nil && rc.active
}

// RetryStatus returns a copy of the task's retry context.
func (m *Manager) RetryStatus(taskID string) (Status, bool) {
	m.mu.Lock()
	rc := m.contexts[taskID]
	if rc == nil {
		m.mu.Unlock()
		return Status{}, false
	}
	st := statusOf(rc)
	m.mu.Unlock()

	if next, ok := m.q.next(taskID); ok {
		st.NextRetryAt = next
	}
	return st, true
}

// AllRetryStatuses returns every known context sorted by task id.
func (m *Manager) AllRetryStatuses() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.contexts))
	for _, rc := range m.contexts {
		out = append(out, statusOf(rc))
	}
	m.mu.Unlock()

	for i := range out {
		if next, ok := m.q.next(out[i].TaskID); ok {
			out[i].NextRetryAt = next
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func statusOf(rc *retryContext) Status {
	st := Status{
		TaskID:        rc.taskID,
		Active:        rc.active,
		EndReason:     rc.reason,
		TotalAttempts: rc.total,
		MaxAttempts:   rc.cfg.MaxAttempts,
		Strategy:      rc.cfg.Strategy,
		CreatedAt:     rc.createdAt,
		UpdatedAt:     rc.updatedAt,
		Attempts:      append([]Attempt(nil), rc.attempts...),
	}
	for i := len(rc.attempts) - 1; i >= 0; i-- {
		if rc.attempts[i].Error != "" {
			st.LastError = rc.attempts[i].Error
			break
		}
	}
	return st
}

func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	st := m.stats
	st.TotalContexts = len(m.contexts)
	for _, rc := range m.contexts {
		if rc.active {
			st.ActiveContexts++
		}
	}
	st.ByStrategy = make(map[Strategy]int, len(m.byStrategy))
	for k, v := range m.byStrategy {
		st.ByStrategy[k] = v
	}
	m.mu.Unlock()

	st.QueueLength = m.q.len()
	if finished := st.Successful + st.Exhausted; finished > 0 {
		st.SuccessRate = float64(st.Successful) / float64(finished)
	}
	return st
}

// CleanupCompleted drops inactive contexts untouched for at least maxAge and
// returns how many were dropped. Per-task configs are kept.
func (m *Manager) CleanupCompleted(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rc := range m.contexts {
		if !rc.active && !rc.updatedAt.After(cutoff) {
			delete(m.contexts, id)
			n++
		}
	}
	m.stats.CleanedContexts += uint64(n)
	return n
}

// Tick dispatches every due entry. It is what the background loop runs; it is
// exported so callers (and tests) can drive the manager without the loop.
func (m *Manager) Tick(ctx context.Context) error {
	due := m.q.popDue(m.now())

	m.dueMu.RLock()
	onDue := m.onDue
	m.dueMu.RUnlock()

	m.mu.Lock()
	retention := m.cfg.Retention
	redeliver := max(m.cfg.Tick, minRedeliver)
	m.mu.Unlock()

	var firstErr error
	for _, it := range due {
		if !m.IsActive(it.taskID) {
			continue
		}
		if onDue != nil {
			if err := onDue(ctx, it.taskID, it.attempt); err != nil {
				m.log.Warn("retry dispatch failed; requeued",
					logx.String("task", it.taskID),
					logx.Int("attempt", it.attempt),
					logx.Duration("after", redeliver),
					logx.Err(err),
				)
				if firstErr == nil {
					firstErr = fmt.Errorf("dispatch %s: %w", it.taskID, err)
				}
				// CancelRetry may have run meanwhile; only requeue a live context.
				if m.IsActive(it.taskID) {
					m.q.push(it.taskID, it.attempt, m.now().Add(redeliver))
				}
				continue
			}
		}

		m.mu.Lock()
		if rc := m.contexts[it.taskID]; rc != nil {
			if last := rc.last(); last != nil && last.Number == it.attempt {
				last.Dispatched = true
			}
		}
		m.stats.Dispatched++
		m.mu.Unlock()
		m.publish(EventRetryStarted, Event{TaskID: it.taskID, Attempt: it.attempt})
	}

	if retention > 0 {
		if n := m.CleanupCompleted(retention); n > 0 {
			m.log.Debug("retry contexts cleaned", logx.Int("count", n))
		}
	}
	return firstErr
}

// Start begins the tick loop. It is idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	if m.sup != nil {
		return
	}
	m.mu.Lock()
	tick := m.cfg.Tick
	degradedAfter := m.cfg.DegradedAfter
	m.mu.Unlock()

	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.sup.Ticker("retry.tick", tick, m.Tick,
		supervisor.WithHealth(m.bus),
		supervisor.WithDegradedAfter(degradedAfter),
	)
	m.log.Info("retry manager started", logx.Duration("tick", tick))
}

// Stop cancels the tick loop and waits for the current tick to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.lmu.Lock()
	sup := m.sup
	m.sup = nil
	m.lmu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	m.log.Info("retry manager stopped")
	return err
}

// Running reports whether the tick loop is active.
func (m *Manager) Running() bool {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	return m.sup != nil
}

func (m *Manager) publish(typ string, ev Event) {
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.now(), Data: ev})
}
