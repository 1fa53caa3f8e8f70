package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskcore/internal/eventbus"
	"taskcore/internal/runtime/supervisor"
	logx "taskcore/pkg/logx"
)

var ErrInvalidConfig = errors.New("cache: invalid config")

const (
	defaultTTL     = 5 * time.Minute
	defaultMaxSize = 1000
)

// Config controls the cache. Zero TTL/MaxSize take defaults; a zero
// CleanupInterval disables the periodic sweep (expired entries are still
// purged on every Set).
type Config struct {
	TTL             time.Duration
	MaxSize         int
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL == 0 {
		c.TTL = defaultTTL
	}
	if c.MaxSize == 0 {
		c.MaxSize = defaultMaxSize
	}
	return c
}

func (c Config) validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("%w: ttl must be > 0, got %s", ErrInvalidConfig, c.TTL)
	}
	if c.MaxSize < 1 {
		return fmt.Errorf("%w: max_size must be >= 1, got %d", ErrInvalidConfig, c.MaxSize)
	}
	if c.CleanupInterval < 0 {
		return fmt.Errorf("%w: cleanup_interval must be >= 0", ErrInvalidConfig)
	}
	return nil
}

type entry struct {
	key        string
	op         string
	value      any
	insertedAt time.Time
	taskID     string
	userID     string
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Size        int           `json:"size"`
	MaxSize     int           `json:"max_size"`
	TTL         time.Duration `json:"ttl"`
	Hits        uint64        `json:"hits"`
	Misses      uint64        `json:"misses"`
	HitRate     float64       `json:"hit_rate"`
	Evictions   uint64        `json:"evictions"`
	Expirations uint64        `json:"expirations"`
}

type Manager struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Publisher
	now func() time.Time

	// order is insertion order; Front is the oldest entry.
	order   *list.List
	entries map[string]*list.Element
	byTask  map[string]map[string]struct{}
	byUser  map[string]map[string]struct{}

	hits, misses, evictions, expirations uint64

	lmu sync.Mutex
	sup *supervisor.Supervisor
}

type Option func(*Manager)

// WithClock replaces time.Now. Tests use it to age entries.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithHealth sets where the sweep loop reports degraded health.
func WithHealth(p eventbus.Publisher) Option {
	return func(m *Manager) { m.bus = p }
}

func New(cfg Config, log logx.Logger, opts ...Option) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:     cfg,
		log:     log,
		bus:     eventbus.Nop(),
		now:     time.Now,
		order:   list.New(),
		entries: map[string]*list.Element{},
		byTask:  map[string]map[string]struct{}{},
		byUser:  map[string]map[string]struct{}{},
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Get returns the cached value if present and younger than the TTL.
func (m *Manager) Get(operation string, params Params) (any, bool) {
	key, err := Key(operation, params)
	if err != nil {
		m.log.Debug("cache key failed", logx.String("op", operation), logx.Err(err))
		m.mu.Lock()
		m.misses++
		m.mu.Unlock()
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if m.expiredLocked(e, m.now()) {
		m.removeLocked(el)
		m.expirations++
		m.misses++
		return nil, false
	}
	m.hits++
	return e.value, true
}

// Set inserts or overwrites an entry. Expired entries are purged first, then
// the oldest-inserted entries are evicted until the size bound holds.
func (m *Manager) Set(operation string, params Params, value any) {
	key, err := Key(operation, params)
	if err != nil {
		m.log.Warn("cache set skipped", logx.String("op", operation), logx.Err(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.purgeExpiredLocked(now)

	if el, ok := m.entries[key]; ok {
		m.removeLocked(el)
	}
	e := &entry{
		key:        key,
		op:         strings.TrimSpace(operation),
		value:      value,
		insertedAt: now,
		taskID:     indexValue(params, ParamTaskID),
		userID:     indexValue(params, ParamUserID),
	}
	m.entries[key] = m.order.PushBack(e)
	addIndex(m.byTask, e.taskID, key)
	addIndex(m.byUser, e.userID, key)

	m.evictLocked()
}

// Invalidate removes the entry for (operation, params). An empty operation
// clears the whole cache. It returns how many entries were removed.
func (m *Manager) Invalidate(operation string, params Params) int {
	if operation == "" {
		m.mu.Lock()
		n := m.order.Len()
		m.order.Init()
		m.entries = map[string]*list.Element{}
		m.byTask = map[string]map[string]struct{}{}
		m.byUser = map[string]map[string]struct{}{}
		m.mu.Unlock()
		return n
	}
	key, err := Key(operation, params)
	if err != nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		m.removeLocked(el)
		return 1
	}
	return 0
}

// InvalidateByTask removes every entry whose parameters carried task_id == id.
func (m *Manager) InvalidateByTask(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidateIndexLocked(m.byTask, id)
}

// InvalidateByUser removes every entry whose parameters carried user_id == id.
func (m *Manager) InvalidateByUser(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidateIndexLocked(m.byUser, id)
}

// InvalidateOperation removes all entries of one operation, whatever their parameters.
func (m *Manager) InvalidateOperation(operation string) int {
	operation = strings.TrimSpace(operation)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*entry).op == operation {
			m.removeLocked(el)
			n++
		}
		el = next
	}
	return n
}

func (m *Manager) invalidateIndexLocked(idx map[string]map[string]struct{}, id string) int {
	keys := idx[id]
	n := 0
	for key := range keys {
		if el, ok := m.entries[key]; ok {
			m.removeLocked(el)
			n++
		}
	}
	delete(idx, id)
	return n
}

// Sweep removes expired entries and returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeExpiredLocked(m.now())
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Size:        m.order.Len(),
		MaxSize:     m.cfg.MaxSize,
		TTL:         m.cfg.TTL,
		Hits:        m.hits,
		Misses:      m.misses,
		Evictions:   m.evictions,
		Expirations: m.expirations,
	}
	if total := m.hits + m.misses; total > 0 {
		st.HitRate = float64(m.hits) / float64(total)
	}
	return st
}

// ResetStats zeroes the counters; entries are untouched.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	m.hits, m.misses, m.evictions, m.expirations = 0, 0, 0, 0
	m.mu.Unlock()
}

// Configure changes ttl and/or maxSize at runtime. Nil leaves a setting as is.
// Shrinking maxSize below the current occupancy evicts immediately.
func (m *Manager) Configure(ttl *time.Duration, maxSize *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.cfg
	if ttl != nil {
		next.TTL = *ttl
	}
	if maxSize != nil {
		next.MaxSize = *maxSize
	}
	if err := next.validate(); err != nil {
		return err
	}
	m.cfg = next
	if n := m.evictLocked(); n > 0 {
		m.log.Info("cache shrunk", logx.Int("evicted", n), logx.Int("max_size", next.MaxSize))
	}
	return nil
}

// Keys lists live entry keys, oldest first. Intended for diagnostics.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).key)
	}
	return out
}

// Start runs the periodic sweep when CleanupInterval > 0. It is idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	interval := m.cfg.CleanupInterval
	m.mu.Unlock()
	if interval <= 0 {
		return
	}

	m.lmu.Lock()
	defer m.lmu.Unlock()
	if m.sup != nil {
		return
	}
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.sup.Ticker("cache.sweep", interval, func(context.Context) error {
		if n := m.Sweep(); n > 0 {
			m.log.Debug("cache swept", logx.Int("expired", n))
		}
		return nil
	}, supervisor.WithHealth(m.bus))
	m.log.Info("cache sweep started", logx.Duration("interval", interval))
}

// Stop cancels the sweep loop and waits for it to exit.
func (m *Manager) Stop(ctx context.Context) error {
	m.lmu.Lock()
	sup := m.sup
	m.sup = nil
	m.lmu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (m *Manager) expiredLocked(e *entry, now time.Time) bool {
	return now.Sub(e.insertedAt) >= m.cfg.TTL
}

func (m *Manager) purgeExpiredLocked(now time.Time) int {
	n := 0
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if m.expiredLocked(el.Value.(*entry), now) {
			m.removeLocked(el)
			m.expirations++
			n++
		}
		el = next
	}
	return n
}

func (m *Manager) evictLocked() int {
	n := 0
	for m.order.Len() > m.cfg.MaxSize {
		m.removeLocked(m.order.Front())
		m.evictions++
		n++
	}
	return n
}

func (m *Manager) removeLocked(el *list.Element) {
	e := m.order.Remove(el).(*entry)
	delete(m.entries, e.key)
	dropIndex(m.byTask, e.taskID, e.key)
	dropIndex(m.byUser, e.userID, e.key)
}

func addIndex(idx map[string]map[string]struct{}, id, key string) {
	if id == "" {
		return
	}
	set := idx[id]
	if set == nil {
		set = map[string]struct{}{}
		idx[id] = set
	}
	set[key] = struct{}{}
}

func dropIndex(idx map[string]map[string]struct{}, id, key string) {
	if id == "" {
		return
	}
	set := idx[id]
	delete(set, key)
	if len(set) == 0 {
		delete(idx, id)
	}
}

// CachedCall wraps a read-through call. On a hit fn is not invoked. On a miss
// fn runs and a successful result is stored. With useCache false (or a nil
// Manager) fn always runs and nothing is stored.
func CachedCall[T any](m *Manager, operation string, params Params, useCache bool, fn func() (T, error)) (T, error) {
	if m == nil || !useCache {
		return fn()
	}
	if v, ok := m.Get(operation, params); ok {
		if tv, ok := v.(T); ok {
			return tv, nil
		}
	}
	v, err := fn()
	if err != nil {
		return v, err
	}
	m.Set(operation, params, v)
	return v, nil
}
