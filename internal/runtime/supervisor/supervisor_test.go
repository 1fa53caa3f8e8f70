package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcore/internal/eventbus"
)

func TestStopWaitsForGoroutines(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var exited atomic.Bool
	s.Go0("loop", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		exited.Store(true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, exited.Load())
	assert.Equal(t, int64(0), s.Counters().Active)
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("boom", func(context.Context) error { panic("bad") })

	err := s.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in boom")
}

func TestGoRestartRestartsOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	require.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	var restarts uint64
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "flaky" {
			restarts = g.Restarts
		}
	}
	assert.Equal(t, uint64(2), restarts)
}

func TestTickerEscalatesAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	health, unsub := bus.SubscribePrefix(8, "health.")
	defer unsub()

	s := New(context.Background())
	var n atomic.Int32
	s.Ticker("scheduler", 5*time.Millisecond, func(context.Context) error {
		c := n.Add(1)
		switch {
		case c <= 2:
			return errors.New("store down")
		case c == 3:
			panic("tick exploded")
		default:
			return nil
		}
	}, WithHealth(bus), WithDegradedAfter(3), WithFailureBackoff(time.Millisecond))

	select {
	case e := <-health:
		require.Equal(t, EventHealthDegraded, e.Type)
		he := e.Data.(HealthEvent)
		assert.Equal(t, "scheduler", he.Loop)
		assert.Equal(t, 3, he.Failures)
	case <-time.After(2 * time.Second):
		t.Fatal("no degraded event")
	}
	select {
	case e := <-health:
		assert.Equal(t, EventHealthRecovered, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no recovered event")
	}
	require.NoError(t, s.Stop(context.Background()))
}

func TestTickerImmediate(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	ran := make(chan struct{}, 1)
	s.Ticker("cache", time.Hour, func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}, WithImmediate(true))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("immediate tick did not run")
	}
	require.NoError(t, s.Stop(context.Background()))
}
