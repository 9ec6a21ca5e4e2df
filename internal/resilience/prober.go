package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Prober pings the shared backend on a fixed cadence and reports results to
// the breaker, independently of the call window. It is one of the two
// long-running tasks the process parks on timers (the other is the session
// sweep) and stops when its context is cancelled.
type Prober struct {
	ping     func(ctx context.Context) error
	breaker  *Breaker
	interval time.Duration
	timeout  time.Duration
	onResult func(ok bool)
	log      zerolog.Logger

	healthy   atomic.Bool
	lastProbe atomic.Int64 // unix nanos, 0 until the first probe
}

// NewProber wires a liveness probe to a breaker. ping is typically the
// Redis PING wrapped by the caller; onResult may be nil.
func NewProber(ping func(ctx context.Context) error, breaker *Breaker, interval, timeout time.Duration, onResult func(ok bool), log zerolog.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	p := &Prober{
		ping:     ping,
		breaker:  breaker,
		interval: interval,
		timeout:  timeout,
		onResult: onResult,
		log:      log,
	}
	p.healthy.Store(true)
	return p
}

// Run probes immediately and then on every tick until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

// Healthy reports the latest probe result. Optimistically true before the
// first probe completes.
func (p *Prober) Healthy() bool {
	return p.healthy.Load()
}

// LastProbe returns when the backend was last probed; zero before the first
// probe.
func (p *Prober) LastProbe() time.Time {
	n := p.lastProbe.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (p *Prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.ping(probeCtx)
	cancel()

	if ctx.Err() != nil {
		return
	}

	ok := err == nil
	p.lastProbe.Store(time.Now().UnixNano())
	was := p.healthy.Swap(ok)
	if was != ok {
		if ok {
			p.log.Info().Str("breaker", p.breaker.State().String()).Msg("backend health restored")
		} else {
			p.log.Warn().Err(err).Str("breaker", p.breaker.State().String()).Msg("backend health check failed")
		}
	}

	p.breaker.NoteProbe(ok)
	if p.onResult != nil {
		p.onResult(ok)
	}
}
