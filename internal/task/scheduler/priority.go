package scheduler

import (
	"fmt"
	"sort"
	"time"

	"taskcore/internal/task"
)

const (
	ageBonusPerHour = 0.1
	retryPenalty    = 0.2
	minScore        = 0.1
	defaultWeight   = 1.0
)

// Weights maps a task type to its score multiplier. Types without an entry
// use 1.0.
type Weights map[task.Type]float64

// DefaultWeights favours system work and defers maintenance.
func DefaultWeights() Weights {
	return Weights{
		task.TypeSystem:      1.5,
		task.TypeUser:        1.0,
		task.TypeBackground:  0.8,
		task.TypeMaintenance: 0.6,
	}
}

// Validate rejects unknown types and non-positive weights.
func (w Weights) Validate() error {
	known := map[task.Type]bool{}
	for _, t := range task.KnownTypes() {
		known[t] = true
	}
	for t, v := range w {
		if !known[t] {
			return fmt.Errorf("%w: unknown task type %q in priority weights", ErrInvalidConfig, t)
		}
		if !(v > 0) {
			return fmt.Errorf("%w: priority weight for %q must be > 0 (got %v)", ErrInvalidConfig, t, v)
		}
	}
	return nil
}

func (w Weights) weight(t task.Type) float64 {
	if v, ok := w[t]; ok {
		return v
	}
	return defaultWeight
}

func (w Weights) clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Score computes the dispatch priority of d at now:
//
//	(priority + 0.1*ageHours) * typeWeight - 0.2*retryCount, floored at 0.1
func Score(d task.Descriptor, now time.Time, w Weights) float64 {
	base := float64(d.Priority)
	if !d.Priority.Valid() {
		base = float64(task.PriorityLow)
	}
	age := 0.0
	if !d.CreatedAt.IsZero() && now.After(d.CreatedAt) {
		age = now.Sub(d.CreatedAt).Hours()
	}
	s := (base+ageBonusPerHour*age)*w.weight(d.Type) - retryPenalty*float64(d.RetryCount)
	if s < minScore {
		s = minScore
	}
	return s
}

// Ranked is a descriptor with its score.
type Ranked struct {
	task.Descriptor
	Score float64
}

// Rank scores descs and orders them by score descending, then id ascending.
// descs is not modified.
func Rank(descs []task.Descriptor, now time.Time, w Weights) []Ranked {
	out := make([]Ranked, len(descs))
	for i, d := range descs {
		out[i] = Ranked{Descriptor: d, Score: Score(d, now, w)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}
