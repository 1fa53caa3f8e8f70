package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	logx "taskcore/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the things tags can't express: durations,
// log levels, time zones and delay ordering. All problems are reported at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil", ErrInvalid)
	}
	var problems []string
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	check := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}
	_, err := mustPositive("scheduler.interval", cfg.Scheduler.Interval)
	check(err)
	_, err = ParseDurationField("scheduler.store_timeout", cfg.Scheduler.StoreTimeout)
	check(err)
	_, err = ParseDurationField("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout)
	check(err)
	_, err = ParseDurationField("scheduler.exec_timeout", cfg.Scheduler.ExecTimeout)
	check(err)
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			problems = append(problems, fmt.Sprintf("scheduler.timezone: %v", err))
		}
	}

	_, err = mustPositive("retry.tick", cfg.Retry.Tick)
	check(err)
	_, err = ParseDurationField("retry.retention", cfg.Retry.Retention)
	check(err)
	initial, err := ParseDurationField("retry.default.initial_delay", cfg.Retry.Default.InitialDelay)
	check(err)
	maxDelay, err := ParseDurationField("retry.default.max_delay", cfg.Retry.Default.MaxDelay)
	check(err)
	if maxDelay < initial {
		problems = append(problems, "retry.default.max_delay: must be >= initial_delay")
	}

	_, err = mustPositive("cache.ttl", cfg.Cache.TTL)
	check(err)
	_, err = ParseDurationField("cache.cleanup_interval", cfg.Cache.CleanupInterval)
	check(err)
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			problems = append(problems, fmt.Sprintf("storage.path: required for driver %s", cfg.Storage.Driver))
		}
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	check(err)
	_, err = ParseDurationField("executor.timeout", cfg.Executor.Timeout)
	check(err)
	for typ, argv := range cfg.Executor.Commands {
		if len(argv) > 0 && strings.TrimSpace(argv[0]) == "" {
			problems = append(problems, fmt.Sprintf("executor.commands.%s: empty program", typ))
		}
		if _, dup := cfg.Executor.Units[typ]; dup {
			problems = append(problems, fmt.Sprintf("executor: %s has both a command and a unit", typ))
		}
	}

	for name, v := range map[string]string{
		"debug.read_timeout":  cfg.Debug.ReadTimeout,
		"debug.write_timeout": cfg.Debug.WriteTimeout,
		"debug.idle_timeout":  cfg.Debug.IdleTimeout,
	} {
		_, err = ParseDurationField(name, v)
		check(err)
	}
	if cfg.Debug.Enabled {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.Debug.Addr)); err != nil {
			problems = append(problems, fmt.Sprintf("debug.addr: %v", err))
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		problems = append(problems, fmt.Sprintf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.Bus.Enabled && !logx.ValidLevel(cfg.Logging.Bus.MinLevel) {
		problems = append(problems, fmt.Sprintf("logging.bus.min_level: unknown level %q", cfg.Logging.Bus.MinLevel))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
