package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

// DefaultKey selects the runner used for task types without their own entry.
const DefaultKey = "default"

var (
	ErrNoRunner    = errors.New("executor: no runner for task type")
	ErrInvalidArgv = errors.New("executor: empty command")
)

type Config struct {
	// Timeout bounds a single run. 0 leaves it to the caller's context.
	Timeout time.Duration
	// Commands maps a task type (or DefaultKey) to an argv.
	Commands map[string][]string
	// Units maps a task type (or DefaultKey) to a systemd unit name. The
	// placeholder {id} is replaced by the escaped task id.
	Units map[string]string
	// MaxOutput caps the command output kept for error messages. Default 4 KiB.
	MaxOutput int
}

// Runner executes one task.
type Runner interface {
	Run(ctx context.Context, d task.Descriptor) error
}

// Router implements task.Executor by dispatching on task type.
type Router struct {
	timeout time.Duration
	runners map[string]Runner
	units   *UnitRunner
	log     logx.Logger
}

// New builds a Router from cfg. Unit runners need a systemd bus; when it
// can't be reached New fails.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Router, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{timeout: cfg.Timeout, runners: map[string]Runner{}, log: log}
	for typ, argv := range cfg.Commands {
		if len(argv) == 0 || argv[0] == "" {
			return nil, fmt.Errorf("%w for %q", ErrInvalidArgv, typ)
		}
		r.runners[typ] = &Command{Argv: argv, MaxOutput: cfg.MaxOutput, Log: log}
	}
	if len(cfg.Units) > 0 {
		ur, err := NewUnitRunner(ctx, log)
		if err != nil {
			return nil, err
		}
		r.units = ur
		for typ, unit := range cfg.Units {
			if _, dup := r.runners[typ]; dup {
				ur.Close()
				return nil, fmt.Errorf("executor: task type %q has both a command and a unit", typ)
			}
			r.runners[typ] = ur.For(unit)
		}
	}
	return r, nil
}

// Handle installs a runner for a task type, replacing any existing one.
func (r *Router) Handle(typ string, rn Runner) {
	r.runners[typ] = rn
}

func (r *Router) Execute(ctx context.Context, d task.Descriptor) error {
	rn, ok := r.runners[string(d.Type)]
	if !ok {
		rn, ok = r.runners[DefaultKey]
	}
	if !ok {
		return fmt.Errorf("%w %q", ErrNoRunner, d.Type)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return rn.Run(ctx, d)
}

// Close releases the systemd bus connection, if any.
func (r *Router) Close() {
	if r.units != nil {
		r.units.Close()
		r.units = nil
	}
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, d task.Descriptor) error

func (f RunnerFunc) Run(ctx context.Context, d task.Descriptor) error { return f(ctx, d) }
