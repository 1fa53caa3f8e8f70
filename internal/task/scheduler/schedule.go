package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskcore/internal/task"
)

// Spec is a parsed task schedule.
type Spec struct {
	Kind  task.ScheduleKind
	At    time.Time
	Every time.Duration
	Cron  cron.Schedule
	// Source records which form the expression used: "cron", "duration" or "hhmm".
	Source string
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// cronParser accepts 5-field and 6-field (leading seconds) specs plus
// descriptors like "@hourly" and "@every 55m".
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a descriptor's schedule. A zero Schedule parses to
// a zero Spec, meaning "always due".
//
// With an empty Kind the expression is classified the usual way: whitespace
// or a leading '@' means cron, "HH:MM" or a Go duration means interval.
// Explicit "cron:", "interval:" and "every:" prefixes are honoured.
func ParseSchedule(s task.Schedule) (Spec, error) {
	expr := strings.TrimSpace(s.Expr)
	kind := s.Kind
	low := strings.ToLower(expr)
	switch {
	case strings.HasPrefix(low, "cron:"):
		kind, expr = task.ScheduleCron, strings.TrimSpace(expr[len("cron:"):])
	case strings.HasPrefix(low, "interval:"):
		kind, expr = task.ScheduleInterval, strings.TrimSpace(expr[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		kind, expr = task.ScheduleInterval, strings.TrimSpace(expr[len("every:"):])
	}
	if kind == "" {
		switch {
		case expr == "" && s.At.IsZero():
			return Spec{}, nil
		case expr == "":
			kind = task.ScheduleOnce
		case strings.ContainsAny(expr, " \t\n\r") || strings.HasPrefix(expr, "@"):
			kind = task.ScheduleCron
		default:
			kind = task.ScheduleInterval
		}
	}

	switch kind {
	case task.ScheduleOnce:
		return Spec{Kind: kind, At: s.At}, nil
	case task.ScheduleInterval:
		d, src, err := parseInterval(expr)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: kind, Every: d, Source: src}, nil
	case task.ScheduleCron:
		if expr == "" {
			return Spec{}, fmt.Errorf("%w: cron expression required", ErrInvalidSpec)
		}
		cs, err := cronParser.Parse(expr)
		if err != nil {
			return Spec{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSpec, expr, err)
		}
		return Spec{Kind: kind, Cron: cs, Source: "cron"}, nil
	default:
		return Spec{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, kind)
	}
}

func parseInterval(v string) (time.Duration, string, error) {
	if v == "" {
		return 0, "", fmt.Errorf("%w: interval required", ErrInvalidSpec)
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMM(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("%w: interval %q (use HH:MM or a duration like 55m)", ErrInvalidSpec, v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
	}
	return d, "duration", nil
}

// parseHHMM reads "HH:MM" as a duration; hours go up to 999.
func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: HH:MM %q", ErrInvalidSpec, v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("%w: minutes out of range in %q", ErrInvalidSpec, v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidSpec)
	}
	return d, nil
}

// gate remembers when each task was last dispatched and answers whether its
// schedule is due.
type gate struct {
	mu   sync.Mutex
	loc  *time.Location
	last map[string]time.Time
}

func newGate(loc *time.Location) *gate {
	if loc == nil {
		loc = time.Local
	}
	return &gate{loc: loc, last: map[string]time.Time{}}
}

func (g *gate) setLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	g.mu.Lock()
	g.loc = loc
	g.mu.Unlock()
}

// due reports whether d may be dispatched at now.
//
//   - no schedule: always
//   - once: never dispatched and At (if set) has passed
//   - interval: never dispatched or at least Every since the last dispatch
//   - cron: the next activation after the last dispatch (or creation) has passed
func (g *gate) due(d task.Descriptor, now time.Time) (bool, error) {
	spec, err := ParseSchedule(d.Schedule)
	if err != nil {
		return false, err
	}
	g.mu.Lock()
	last, dispatched := g.last[d.ID]
	loc := g.loc
	g.mu.Unlock()

	switch spec.Kind {
	case "":
		return true, nil
	case task.ScheduleOnce:
		return !dispatched && (spec.At.IsZero() || !now.Before(spec.At)), nil
	case task.ScheduleInterval:
		return !dispatched || now.Sub(last) >= spec.Every, nil
	case task.ScheduleCron:
		base := d.CreatedAt
		if dispatched {
			base = last
		}
		if base.IsZero() {
			base = now.Add(-time.Minute)
		}
		next := spec.Cron.Next(base.In(loc))
		return !next.IsZero() && !next.After(now), nil
	}
	return false, nil
}

func (g *gate) mark(id string, at time.Time) {
	g.mu.Lock()
	g.last[id] = at
	g.mu.Unlock()
}

// reset forgets the last dispatch so the task is due again immediately.
func (g *gate) reset(id string) {
	g.mu.Lock()
	delete(g.last, id)
	g.mu.Unlock()
}

func (g *gate) lastDispatch(id string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.last[id]
	return t, ok
}
