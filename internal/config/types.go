package config

// Config is the daemon configuration. Files may be JSON or YAML; durations
// are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Retry     RetryConfig     `json:"retry"`
	Cache     CacheConfig     `json:"cache"`
	Storage   StorageConfig   `json:"storage"`
	Executor  ExecutorConfig  `json:"executor"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Bus     LoggingBusSink `json:"bus"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingBusSink forwards log entries to the event bus as log.entry events.
type LoggingBusSink struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

type SchedulerConfig struct {
	Enabled         bool   `json:"enabled"`
	Interval        string `json:"interval"`
	MaxConcurrency  int    `json:"max_concurrency" validate:"gte=1"`
	StoreTimeout    string `json:"store_timeout"`
	DispatchTimeout string `json:"dispatch_timeout"`
	// ExecTimeout bounds one execution. "0s" disables it.
	ExecTimeout string   `json:"exec_timeout"`
	UseCache    bool     `json:"use_cache"`
	ListLimit   int      `json:"list_limit" validate:"gte=0"`
	Types       []string `json:"types,omitempty" validate:"omitempty,dive,oneof=system user background maintenance"`
	// Timezone is the IANA zone cron schedules are evaluated in, e.g. "Asia/Jakarta".
	Timezone        string             `json:"timezone,omitempty"`
	PriorityWeights map[string]float64 `json:"priority_weights,omitempty" validate:"omitempty,dive,keys,oneof=system user background maintenance,endkeys,gt=0"`
	DegradedAfter   int                `json:"degraded_after" validate:"gte=0"`
}

type RetryConfig struct {
	Tick string `json:"tick"`
	// Retention drops inactive retry contexts after this long. "0s" keeps them.
	Retention string            `json:"retention"`
	Default   RetryPolicyConfig `json:"default"`
}

type RetryPolicyConfig struct {
	Strategy     string   `json:"strategy" validate:"oneof=immediate fixed_delay linear_backoff exponential_backoff fibonacci"`
	MaxAttempts  int      `json:"max_attempts" validate:"gte=1"`
	InitialDelay string   `json:"initial_delay"`
	MaxDelay     string   `json:"max_delay"`
	Multiplier   float64  `json:"multiplier" validate:"gte=1"`
	Jitter       bool     `json:"jitter"`
	Triggers     []string `json:"triggers" validate:"min=1,dive,oneof=task_failed timeout exception resource_unavailable manual"`
}

type CacheConfig struct {
	TTL     string `json:"ttl"`
	MaxSize int    `json:"max_size" validate:"gte=1"`
	// CleanupInterval enables the periodic sweep. "0s" disables it.
	CleanupInterval string `json:"cleanup_interval"`
}

// StorageConfig selects the task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tasks.db", "busy_timeout": "2s" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=memory file sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ExecutorConfig struct {
	Timeout string `json:"timeout"`
	// Commands maps a task type (or "default") to an argv.
	Commands map[string][]string `json:"commands,omitempty" validate:"omitempty,dive,keys,oneof=system user background maintenance default,endkeys,min=1"`
	// Units maps a task type (or "default") to a systemd unit; "{id}" expands to the task id.
	Units     map[string]string `json:"units,omitempty" validate:"omitempty,dive,keys,oneof=system user background maintenance default,endkeys,required"`
	MaxOutput int               `json:"max_output,omitempty" validate:"gte=0"`
}

// DebugConfig enables the diagnostics HTTP server (/healthz, /status,
// /debug/pprof). A non-loopback addr needs a token or allow_insecure.
type DebugConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr"`
	Token                string `json:"token,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	ReadTimeout          string `json:"read_timeout,omitempty"`
	WriteTimeout         string `json:"write_timeout,omitempty"`
	IdleTimeout          string `json:"idle_timeout,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty" validate:"gte=0"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty" validate:"gte=0"`
}

// Default returns the configuration used for omitted fields.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Bus:     LoggingBusSink{MinLevel: "warn", RatePerSec: 5},
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			Interval:        "5s",
			MaxConcurrency:  4,
			StoreTimeout:    "5s",
			DispatchTimeout: "5s",
			ExecTimeout:     "10m",
			UseCache:        true,
			DegradedAfter:   3,
		},
		Retry: RetryConfig{
			Tick:      "1s",
			Retention: "24h",
			Default: RetryPolicyConfig{
				Strategy:     "exponential_backoff",
				MaxAttempts:  3,
				InitialDelay: "1s",
				MaxDelay:     "5m",
				Multiplier:   2,
				Jitter:       true,
				Triggers:     []string{"task_failed", "timeout", "exception"},
			},
		},
		Cache: CacheConfig{
			TTL:             "5m",
			MaxSize:         1000,
			CleanupInterval: "1m",
		},
		Storage: StorageConfig{Driver: "memory"},
		Debug:   DebugConfig{Addr: "127.0.0.1:6060", ReadTimeout: "10s", WriteTimeout: "60s", IdleTimeout: "60s"},
	}
}
