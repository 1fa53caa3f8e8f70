package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskcore/internal/task"
)

// prepare fills defaults for a new descriptor and rejects bad values.
func prepare(d task.Descriptor, now time.Time) (task.Descriptor, error) {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = task.StatusPending
	}
	if !d.Status.Valid() {
		return d, fmt.Errorf("task %s: invalid status %q", d.ID, d.Status)
	}
	if d.Priority == 0 {
		d.Priority = task.PriorityMedium
	}
	if !d.Priority.Valid() {
		return d, fmt.Errorf("task %s: invalid priority %d", d.ID, int(d.Priority))
	}
	if d.Type == "" {
		d.Type = task.TypeUser
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.RetryCount < 0 {
		return d, fmt.Errorf("task %s: negative retry count", d.ID)
	}
	return d, nil
}

func matches(d task.Descriptor, f task.Filter) bool {
	if d.Status != task.StatusPending {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if d.Type == t {
			return true
		}
	}
	return false
}

// sortPending orders by priority (highest first), then creation time, then
// id, the same order the SQL store uses.
func sortPending(out []task.Descriptor) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

type memoryStore struct {
	mu    sync.RWMutex
	tasks map[string]task.Descriptor
	now   func() time.Time
}

// NewMemory returns an empty process-local store.
func NewMemory() Store {
	return newMemory()
}

func newMemory() *memoryStore {
	return &memoryStore{tasks: map[string]task.Descriptor{}, now: time.Now}
}

func (s *memoryStore) Create(_ context.Context, d task.Descriptor) (task.Descriptor, error) {
	d, err := prepare(d, s.now())
	if err != nil {
		return task.Descriptor{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[d.ID]; exists {
		return task.Descriptor{}, fmt.Errorf("task %s already exists", d.ID)
	}
	s.tasks[d.ID] = d
	return d, nil
}

func (s *memoryStore) Get(_ context.Context, id string) (task.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.tasks[id]
	if !ok {
		return task.Descriptor{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return d, nil
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	delete(s.tasks, id)
	return nil
}

func (s *memoryStore) ListPending(_ context.Context, f task.Filter) ([]task.Descriptor, error) {
	s.mu.RLock()
	out := make([]task.Descriptor, 0, len(s.tasks))
	for _, d := range s.tasks {
		if matches(d, f) {
			out = append(out, d)
		}
	}
	s.mu.RUnlock()

	sortPending(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memoryStore) GetStatus(ctx context.Context, id string) (task.Status, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return d.Status, nil
}

func (s *memoryStore) UpdateStatus(_ context.Context, id string, status task.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err := task.CheckTransition(id, d.Status, status); err != nil {
		return err
	}
	if task.IsReadmission(d.Status, status) {
		d.RetryCount++
	}
	d.Status = status
	s.tasks[id] = d
	return nil
}

func (s *memoryStore) Counts(context.Context) (map[task.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[task.Status]int{}
	for _, d := range s.tasks {
		out[d.Status]++
	}
	return out, nil
}

// snapshot returns every descriptor sorted by id.
func (s *memoryStore) snapshot() []task.Descriptor {
	s.mu.RLock()
	out := make([]task.Descriptor, 0, len(s.tasks))
	for _, d := range s.tasks {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memoryStore) Close() error { return nil }
