package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
scheduler:
  interval: 2s
  max_concurrency: 8
  timezone: UTC
  priority_weights:
    system: 2.0
retry:
  default:
    strategy: fibonacci
    max_attempts: 5
    initial_delay: 2s
    max_delay: 1m
    multiplier: 1
    triggers: [task_failed, manual]
storage:
  driver: sqlite
  path: ./data/tasks.db
executor:
  commands:
    default: ["/usr/local/bin/run-task"]
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	require.NoError(t, Validate(Default()))
}

func TestDecodeYAMLOverDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("cfg.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, 2.0, cfg.Scheduler.PriorityWeights["system"])
	assert.Equal(t, "fibonacci", cfg.Retry.Default.Strategy)
	assert.Equal(t, []string{"task_failed", "manual"}, cfg.Retry.Default.Triggers)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	// Untouched fields keep their defaults.
	assert.Equal(t, "5m", cfg.Cache.TTL)
	assert.Equal(t, "1s", cfg.Retry.Tick)
}

func TestDecodeIsStrict(t *testing.T) {
	t.Parallel()
	_, err := Decode("cfg.yaml", []byte("scheduler:\n  workers: 3\n"))
	assert.ErrorContains(t, err, "unknown field")

	_, err = Decode("cfg.json", []byte(`{"cache":{"ttl":"1m"}} {}`))
	assert.ErrorContains(t, err, "trailing data")

	cfg, err := Decode("empty.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Scheduler.MaxConcurrency = 0
	cfg.Scheduler.Interval = "-1s"
	cfg.Scheduler.PriorityWeights = map[string]float64{"robot": 1}
	cfg.Retry.Default.MaxAttempts = 0
	cfg.Retry.Default.InitialDelay = "10s"
	cfg.Retry.Default.MaxDelay = "1s"
	cfg.Cache.TTL = "soon"
	cfg.Storage = StorageConfig{Driver: "sqlite"}
	cfg.Logging.Level = "loud"

	err := Validate(cfg)
	require.ErrorIs(t, err, ErrInvalid)
	for _, want := range []string{
		"MaxConcurrency",
		"scheduler.interval",
		"PriorityWeights",
		"MaxAttempts",
		"max_delay: must be >= initial_delay",
		"cache.ttl",
		"storage.path",
		"logging.level",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateRejectsUnknownNames(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Retry.Default.Strategy = "quadratic"
	assert.ErrorIs(t, Validate(cfg), ErrInvalid)

	cfg = Default()
	cfg.Retry.Default.Triggers = []string{"cosmic_ray"}
	assert.ErrorIs(t, Validate(cfg), ErrInvalid)

	cfg = Default()
	cfg.Executor.Commands = map[string][]string{"user": {"a"}}
	cfg.Executor.Units = map[string]string{"user": "b"}
	assert.ErrorIs(t, Validate(cfg), ErrInvalid)

	cfg = Default()
	cfg.Scheduler.Timezone = "Mars/Olympus"
	assert.ErrorIs(t, Validate(cfg), ErrInvalid)

	cfg = Default()
	cfg.Debug.Enabled = true
	cfg.Debug.Addr = "6060"
	assert.ErrorIs(t, Validate(cfg), ErrInvalid)

	// A disabled debug section is not checked for an address.
	cfg.Debug.Enabled = false
	assert.NoError(t, Validate(cfg))
}

func TestManagerLoadAndReload(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "taskcore.yaml", sampleYAML)
	m := NewManager(path)

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	sub := m.Subscribe(1)
	changed, err := m.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "same content is not republished")

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"cache:\n  max_size: 10\n"), 0o644))
	changed, err = m.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	got := <-sub
	assert.Equal(t, 10, got.Cache.MaxSize)

	require.NoError(t, os.WriteFile(path, []byte("cache:\n  max_size: 0\n"), 0o644))
	_, err = m.Reload()
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, 10, m.Get().Cache.MaxSize, "invalid config is not committed")

	m.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
}

func TestManagerWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "taskcore.json", `{"cache":{"max_size":5}}`)
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"cache":{"max_size":7}}`), 0o644))

	select {
	case cfg := <-sub:
		assert.Equal(t, 7, cfg.Cache.MaxSize)
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
	cancel()
	<-done
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Scheduler.MaxConcurrency = 9
	b.Storage = StorageConfig{Driver: "sqlite", Path: "x.db"}
	b.Retry.Tick = "2s"

	changed, attrs, restart := SummarizeChange(a, b)
	assert.Equal(t, []string{"scheduler", "retry", "storage"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"retry.tick", "storage"}, restart)

	changed, _, restart = SummarizeChange(a, Default())
	assert.Empty(t, changed)
	assert.Empty(t, restart)
}
