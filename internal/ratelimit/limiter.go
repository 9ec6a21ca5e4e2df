// Package ratelimit meters inbound frames with a token bucket per session.
// Buckets are instance-local; there is no cross-instance quota.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter hands out tokens per session. Buckets are allocated lazily on
// first use and must be dropped through Forget when the session dies.
// Heartbeats never reach the limiter; the gateway exempts them.
type Limiter struct {
	capacity     int
	refillTokens int
	refillPeriod time.Duration

	buckets sync.Map // session id → *bucket
	now     func() time.Time
}

// bucket holds one session's tokens. Each bucket has its own lock so
// sessions never contend with each other.
type bucket struct {
	mu     sync.Mutex
	tokens int
	last   time.Time
}

// NewLimiter builds a limiter granting capacity tokens up front and
// refillTokens more every refillPeriod, capped at capacity.
func NewLimiter(capacity, refillTokens int, refillPeriod time.Duration) *Limiter {
	if capacity <= 0 {
		capacity = 10
	}
	if refillTokens <= 0 {
		refillTokens = 5
	}
	if refillPeriod <= 0 {
		refillPeriod = time.Second
	}
	return &Limiter{
		capacity:     capacity,
		refillTokens: refillTokens,
		refillPeriod: refillPeriod,
		now:          time.Now,
	}
}

// Allow consumes one token from the session's bucket, reporting false when
// the bucket is empty. The check is O(1) and fails open: a corrupted
// bucket admits the frame rather than wedging the session.
func (l *Limiter) Allow(sessionID string) bool {
	v, _ := l.buckets.LoadOrStore(sessionID, &bucket{tokens: l.capacity, last: l.now()})
	b, ok := v.(*bucket)
	if !ok {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	if elapsed := now.Sub(b.last); elapsed >= l.refillPeriod {
		periods := int(elapsed / l.refillPeriod)
		b.tokens += periods * l.refillTokens
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		// Advance by whole periods so the fractional remainder keeps
		// counting toward the next refill.
		b.last = b.last.Add(time.Duration(periods) * l.refillPeriod)
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Forget drops the session's bucket. Safe for unknown sessions.
func (l *Limiter) Forget(sessionID string) {
	l.buckets.Delete(sessionID)
}

// Tracked reports how many sessions currently hold a bucket.
func (l *Limiter) Tracked() int {
	n := 0
	l.buckets.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
