package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePing flips between healthy and failing under test control.
type fakePing struct {
	failing atomic.Bool
	calls   atomic.Int32
}

func (f *fakePing) ping(context.Context) error {
	f.calls.Add(1)
	if f.failing.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestProberReportsToBreaker(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{WindowSize: 4, MinCalls: 2, OpenDuration: time.Hour}, nil)
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	ping := &fakePing{}
	p := NewProber(ping.ping, b, 10*time.Millisecond, time.Second, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// Two consecutive healthy probes walk the breaker out of OPEN well
	// before the hour-long cooldown would.
	assert.Eventually(t, func() bool {
		return b.State() == StateHalfOpen
	}, time.Second, 5*time.Millisecond)
}

func TestProberTracksHealth(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{}, nil)
	ping := &fakePing{}
	ping.failing.Store(true)

	var results atomic.Int32
	p := NewProber(ping.ping, b, 10*time.Millisecond, time.Second, func(ok bool) {
		if !ok {
			results.Add(1)
		}
	}, zerolog.Nop())

	require.True(t, p.Healthy(), "optimistic before the first probe")
	require.True(t, p.LastProbe().IsZero())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	assert.Eventually(t, func() bool { return !p.Healthy() }, time.Second, 5*time.Millisecond)
	assert.False(t, p.LastProbe().IsZero())
	assert.Positive(t, results.Load())

	ping.failing.Store(false)
	assert.Eventually(t, func() bool { return p.Healthy() }, time.Second, 5*time.Millisecond)
}

func TestProberStopsOnCancel(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{}, nil)
	ping := &fakePing{}
	p := NewProber(ping.ping, b, 5*time.Millisecond, time.Second, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return ping.calls.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("prober did not stop after cancellation")
	}

	settled := ping.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, ping.calls.Load(), "no probes after shutdown")
}
