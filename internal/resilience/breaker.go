// Package resilience guards calls to the shared Redis with a three-state
// circuit breaker and a liveness prober. The breaker decides per call
// whether the backend may be contacted; the prober pings on a fixed cadence
// and can reopen the half-open door early after an outage.
package resilience

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker's position.
type State int32

// Breaker states.
const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the conventional upper-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Consecutive prober successes required to force OPEN into HALF_OPEN before
// the cooldown elapses.
const probeStreakToHalfOpen = 2

// Config holds the breaker tuning knobs.
type Config struct {
	// FailureRateThreshold is the failed fraction of the window that trips
	// the breaker. Default 0.5.
	FailureRateThreshold float64

	// WindowSize is how many recent call outcomes are kept. Default 10.
	WindowSize int

	// MinCalls is the minimum number of observed calls before the failure
	// rate is evaluated. Default 5.
	MinCalls int

	// OpenDuration is the cooldown before an open breaker permits probe
	// calls again. Default 30s.
	OpenDuration time.Duration

	// HalfOpenProbes is how many trial calls HALF_OPEN admits; that many
	// successes close the circuit, any failure reopens it. Default 3.
	HalfOpenProbes int
}

func (c *Config) applyDefaults() {
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.MinCalls <= 0 {
		c.MinCalls = 5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 3
	}
}

// StateChangeFunc observes breaker transitions. It is called outside the
// breaker's lock and may safely call back into the breaker.
type StateChangeFunc func(from, to State)

// Breaker is a count-based sliding-window circuit breaker. State reads are
// lock-free; outcome recording and transitions take a mutex whose critical
// sections are O(1) and never span I/O.
type Breaker struct {
	cfg      Config
	onChange StateChangeFunc
	now      func() time.Time

	state atomic.Int32

	mu             sync.Mutex
	outcomes       []bool // ring, true = failure
	next           int
	count          int
	failures       int
	openedAt       time.Time
	probesGranted  int
	probeSuccesses int
	probeStreak    int
}

// NewBreaker builds a closed breaker. onChange may be nil.
func NewBreaker(cfg Config, onChange StateChangeFunc) *Breaker {
	cfg.applyDefaults()
	return &Breaker{
		cfg:      cfg,
		onChange: onChange,
		now:      time.Now,
		outcomes: make([]bool, cfg.WindowSize),
	}
}

// State returns the current position without locking.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Counts returns the observed calls and failures in the current window.
func (b *Breaker) Counts() (calls, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count, b.failures
}

// Allow reports whether the next backend call may proceed. CLOSED admits
// everything. OPEN admits nothing until the cooldown elapses, at which point
// the breaker moves to HALF_OPEN and admits the first probe. HALF_OPEN
// admits up to HalfOpenProbes calls.
func (b *Breaker) Allow() bool {
	if b.State() == StateClosed {
		return true
	}

	var change *transition
	b.mu.Lock()
	allowed := false
	switch State(b.state.Load()) {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
			change = b.transitionLocked(StateHalfOpen)
			b.probesGranted = 1
			allowed = true
		}
	case StateHalfOpen:
		if b.probesGranted < b.cfg.HalfOpenProbes {
			b.probesGranted++
			allowed = true
		}
	}
	b.mu.Unlock()

	b.notify(change)
	return allowed
}

// RecordSuccess feeds a successful backend call outcome back in.
func (b *Breaker) RecordSuccess() {
	var change *transition
	b.mu.Lock()
	switch State(b.state.Load()) {
	case StateClosed:
		b.recordLocked(false)
	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenProbes {
			change = b.transitionLocked(StateClosed)
		}
	case StateOpen:
		// Late result from a call admitted before the trip.
	}
	b.mu.Unlock()

	b.notify(change)
}

// RecordFailure feeds a failed backend call outcome back in. In CLOSED the
// window is evaluated against the threshold; in HALF_OPEN a single failure
// reopens the circuit with a fresh cooldown.
func (b *Breaker) RecordFailure() {
	var change *transition
	b.mu.Lock()
	switch State(b.state.Load()) {
	case StateClosed:
		b.recordLocked(true)
		if b.count >= b.cfg.MinCalls &&
			float64(b.failures)/float64(b.count) >= b.cfg.FailureRateThreshold {
			change = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		change = b.transitionLocked(StateOpen)
	case StateOpen:
	}
	b.mu.Unlock()

	b.notify(change)
}

// NoteProbe records a liveness probe result. Probe outcomes stay out of the
// sliding window; their only effect is that a sustained success streak
// while OPEN moves the breaker to HALF_OPEN before the cooldown elapses.
func (b *Breaker) NoteProbe(ok bool) {
	var change *transition
	b.mu.Lock()
	if ok {
		b.probeStreak++
		if State(b.state.Load()) == StateOpen && b.probeStreak >= probeStreakToHalfOpen {
			change = b.transitionLocked(StateHalfOpen)
		}
	} else {
		b.probeStreak = 0
	}
	b.mu.Unlock()

	b.notify(change)
}

type transition struct {
	from, to State
}

func (b *Breaker) transitionLocked(to State) *transition {
	from := State(b.state.Load())
	if from == to {
		return nil
	}

	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.probesGranted = 0
		b.probeSuccesses = 0
		b.probeStreak = 0
	case StateHalfOpen:
		b.probesGranted = 0
		b.probeSuccesses = 0
	case StateClosed:
		for i := range b.outcomes {
			b.outcomes[i] = false
		}
		b.next = 0
		b.count = 0
		b.failures = 0
	}

	b.state.Store(int32(to))
	return &transition{from: from, to: to}
}

func (b *Breaker) recordLocked(failed bool) {
	if b.count == len(b.outcomes) {
		if b.outcomes[b.next] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.outcomes[b.next] = failed
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.outcomes)
}

func (b *Breaker) notify(t *transition) {
	if t != nil && b.onChange != nil {
		b.onChange(t.from, t.to)
	}
}
