// Package heartbeat tracks per-session liveness timestamps and sweeps out
// sessions that stopped beating. The sweep is one of the process's two
// timer-parked tasks; it reuses the gateway's disconnect cleanup so a stale
// session and a closed socket tear down through the same path.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quizmesh/quizmesh/internal/metrics"
)

// Monitor keeps a timestamp per session. A session is stale once its last
// beat is older than interval times multiplier.
type Monitor struct {
	threshold  time.Duration
	sweepEvery time.Duration
	evict      func(sessionID string)
	log        zerolog.Logger
	metrics    *metrics.Metrics

	mu    sync.RWMutex
	beats map[string]time.Time
	now   func() time.Time
}

// NewMonitor builds a monitor that considers a session stale after
// interval*multiplier without a beat and checks every sweepEvery. evict is
// called once per stale session, outside any monitor lock.
func NewMonitor(interval time.Duration, multiplier int, sweepEvery time.Duration, evict func(sessionID string), log zerolog.Logger, m *metrics.Metrics) *Monitor {
	return &Monitor{
		threshold:  interval * time.Duration(multiplier),
		sweepEvery: sweepEvery,
		evict:      evict,
		log:        log.With().Str("component", "heartbeat").Logger(),
		metrics:    m,
		beats:      make(map[string]time.Time),
		now:        time.Now,
	}
}

// Record stamps the session as alive right now.
func (m *Monitor) Record(sessionID string) {
	now := m.now()
	m.mu.Lock()
	m.beats[sessionID] = now
	m.mu.Unlock()
}

// Forget drops the session's timestamp. Safe to call for unknown sessions.
func (m *Monitor) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.beats, sessionID)
	m.mu.Unlock()
}

// LastBeat returns the session's most recent heartbeat.
func (m *Monitor) LastBeat(sessionID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.beats[sessionID]
	return ts, ok
}

// Tracked reports how many sessions currently have a timestamp.
func (m *Monitor) Tracked() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.beats)
}

// Run sweeps on a ticker until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce()
		}
	}
}

// SweepOnce evicts every stale session and reports how many went. The
// stale set is snapshotted under the read lock; eviction runs after the
// lock is released so cleanup can call back into Forget.
func (m *Monitor) SweepOnce() int {
	cutoff := m.now().Add(-m.threshold)

	m.mu.RLock()
	var stale []string
	for sessionID, ts := range m.beats {
		if ts.Before(cutoff) {
			stale = append(stale, sessionID)
		}
	}
	m.mu.RUnlock()

	for _, sessionID := range stale {
		m.log.Info().Str("sessionId", sessionID).Msg("sweeping stale session")
		m.evict(sessionID)
	}
	if n := len(stale); n > 0 {
		m.metrics.SessionsSwept.Add(float64(n))
		m.log.Info().Int("count", n).Msg("stale session sweep complete")
		return n
	}
	return 0
}
