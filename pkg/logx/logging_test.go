package logx

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcore/internal/eventbus"
)

func busOnly(level, minLevel string, rps int) Config {
	return Config{Level: level, Bus: BusConfig{Enabled: true, MinLevel: minLevel, RatePerSec: rps}}
}

func recv(t *testing.T, ch <-chan eventbus.Event) LogEntry {
	t.Helper()
	select {
	case e := <-ch:
		require.Equal(t, EventLogEntry, e.Type)
		ent, ok := e.Data.(LogEntry)
		require.True(t, ok)
		return ent
	case <-time.After(time.Second):
		t.Fatal("no log entry published")
	}
	return LogEntry{}
}

func assertQuiet(t *testing.T, ch <-chan eventbus.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %v", e.Data)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBusSinkForwardsAboveMinLevel(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	svc, log := New(busOnly("debug", "warn", 100), bus)
	defer svc.Close()

	log.Info("routine")
	assertQuiet(t, ch)

	log.With(String("comp", "retry")).Warn("slow", Int("n", 3))
	ent := recv(t, ch)
	assert.Equal(t, "warn", ent.Level)
	assert.Equal(t, "slow", ent.Message)
	assert.Equal(t, "retry", ent.Fields["comp"])
	assert.Equal(t, "3", ent.Fields["n"])
	assert.Contains(t, ent.Fields["caller"], "logging_test.go")
}

func TestBusSinkRateLimited(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	svc, log := New(busOnly("info", "warn", 1), bus)
	defer svc.Close()

	for range 5 {
		log.Error("flood")
	}
	recv(t, ch)
	assertQuiet(t, ch)
}

func TestApplyReachesExistingLoggers(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	svc, log := New(busOnly("info", "warn", 100), bus)
	defer svc.Close()
	derived := log.With(String("comp", "cache"))

	svc.Apply(busOnly("error", "warn", 100))
	derived.Warn("below level")
	assertQuiet(t, ch)

	derived.Error("kept")
	assert.Equal(t, "kept", recv(t, ch).Message)
}

func TestNewWriterWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "app"))
	l.Debug("hello", Bool("ok", true), Err(nil))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "hello", m["message"])
	assert.Equal(t, "app", m["comp"])
	assert.Equal(t, true, m["ok"])
	assert.NotContains(t, m, "err")
}

func TestZeroAndNopLoggers(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	assert.NotPanics(t, func() { zero.Error("dropped", String("k", "v")) })
	assert.False(t, Nop().IsZero())
	assert.False(t, zero.With(String("k", "v")).IsZero())
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "INFO", " warning ", "error", "trace"} {
		assert.True(t, ValidLevel(s), s)
	}
	assert.False(t, ValidLevel("verbose"))
}
