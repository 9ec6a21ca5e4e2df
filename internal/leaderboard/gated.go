package leaderboard

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/quizmesh/quizmesh/internal/metrics"
	"github.com/quizmesh/quizmesh/internal/resilience"
)

// GatedStore routes every operation through the circuit breaker: while the
// breaker admits calls they run against the Redis backend and their outcome
// is recorded; otherwise, or when a backend call fails, the operation is
// served by the in-memory mirror. Callers never see a backend outage, only
// possibly stale local data.
type GatedStore struct {
	backend Store
	mirror  *Mirror
	breaker *resilience.Breaker
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewGatedStore composes the backend, mirror and breaker into one Store.
func NewGatedStore(backend Store, mirror *Mirror, breaker *resilience.Breaker, log zerolog.Logger, m *metrics.Metrics) *GatedStore {
	return &GatedStore{
		backend: backend,
		mirror:  mirror,
		breaker: breaker,
		log:     log.With().Str("component", "leaderboard").Logger(),
		metrics: m,
	}
}

// Mirror returns the fallback store, so recovery hooks can discard it.
func (g *GatedStore) Mirror() *Mirror { return g.mirror }

// OnBreakerChange discards the mirror once the circuit closes again. Redis
// is authoritative after recovery; outage writes are intentionally lost.
// Wire this into the breaker's state-change hook.
func (g *GatedStore) OnBreakerChange(from, to resilience.State) {
	if to == resilience.StateClosed && from != resilience.StateClosed {
		g.mirror.Reset()
		g.log.Info().Str("from", from.String()).Msg("backend recovered, fallback mirror discarded")
	}
}

// fellBack records one mirror-served operation. err is nil when the breaker
// short-circuited without contacting the backend.
func (g *GatedStore) fellBack(op, quizID string, err error) {
	g.metrics.StoreFallbacks.WithLabelValues(op).Inc()
	evt := g.log.Warn().Str("op", op).Str("quizId", quizID).Str("breaker", g.breaker.State().String())
	if err != nil {
		g.metrics.StoreErrors.WithLabelValues(op).Inc()
		evt = evt.Err(err)
	}
	evt.Msg("serving leaderboard operation from mirror")
}

// Initialize adds the user with score 0 only if absent.
func (g *GatedStore) Initialize(ctx context.Context, quizID, userID string) (bool, error) {
	if !g.breaker.Allow() {
		g.fellBack("initialize", quizID, nil)
		return g.mirror.Initialize(ctx, quizID, userID)
	}
	added, err := g.backend.Initialize(ctx, quizID, userID)
	if err != nil {
		g.breaker.RecordFailure()
		g.fellBack("initialize", quizID, err)
		return g.mirror.Initialize(ctx, quizID, userID)
	}
	g.breaker.RecordSuccess()
	return added, nil
}

// Increment atomically adds delta and returns the post-increment score.
func (g *GatedStore) Increment(ctx context.Context, quizID, userID string, delta int) (int, error) {
	if delta < 0 {
		return 0, ErrNegativeDelta
	}
	if !g.breaker.Allow() {
		g.fellBack("increment", quizID, nil)
		return g.mirror.Increment(ctx, quizID, userID, delta)
	}
	score, err := g.backend.Increment(ctx, quizID, userID, delta)
	if err != nil {
		g.breaker.RecordFailure()
		g.fellBack("increment", quizID, err)
		return g.mirror.Increment(ctx, quizID, userID, delta)
	}
	g.breaker.RecordSuccess()
	return score, nil
}

// TopN returns up to n entries ordered by descending score.
func (g *GatedStore) TopN(ctx context.Context, quizID string, n int) ([]Entry, error) {
	if !g.breaker.Allow() {
		g.fellBack("topn", quizID, nil)
		return g.mirror.TopN(ctx, quizID, n)
	}
	entries, err := g.backend.TopN(ctx, quizID, n)
	if err != nil {
		g.breaker.RecordFailure()
		g.fellBack("topn", quizID, err)
		return g.mirror.TopN(ctx, quizID, n)
	}
	g.breaker.RecordSuccess()
	return entries, nil
}

// Score returns the user's score; ok is false for absent members.
func (g *GatedStore) Score(ctx context.Context, quizID, userID string) (int, bool, error) {
	if !g.breaker.Allow() {
		g.fellBack("score", quizID, nil)
		return g.mirror.Score(ctx, quizID, userID)
	}
	score, ok, err := g.backend.Score(ctx, quizID, userID)
	if err != nil {
		g.breaker.RecordFailure()
		g.fellBack("score", quizID, err)
		return g.mirror.Score(ctx, quizID, userID)
	}
	g.breaker.RecordSuccess()
	return score, ok, nil
}

// Rank returns the user's 1-based rank; ok is false for absent members.
func (g *GatedStore) Rank(ctx context.Context, quizID, userID string) (int, bool, error) {
	if !g.breaker.Allow() {
		g.fellBack("rank", quizID, nil)
		return g.mirror.Rank(ctx, quizID, userID)
	}
	rank, ok, err := g.backend.Rank(ctx, quizID, userID)
	if err != nil {
		g.breaker.RecordFailure()
		g.fellBack("rank", quizID, err)
		return g.mirror.Rank(ctx, quizID, userID)
	}
	g.breaker.RecordSuccess()
	return rank, ok, nil
}

// Size returns the number of members on the quiz's board.
func (g *GatedStore) Size(ctx context.Context, quizID string) (int, error) {
	if !g.breaker.Allow() {
		g.fellBack("size", quizID, nil)
		return g.mirror.Size(ctx, quizID)
	}
	size, err := g.backend.Size(ctx, quizID)
	if err != nil {
		g.breaker.RecordFailure()
		g.fellBack("size", quizID, err)
		return g.mirror.Size(ctx, quizID)
	}
	g.breaker.RecordSuccess()
	return size, nil
}

// Remove deletes one member from the board.
func (g *GatedStore) Remove(ctx context.Context, quizID, userID string) error {
	if !g.breaker.Allow() {
		g.fellBack("remove", quizID, nil)
		return g.mirror.Remove(ctx, quizID, userID)
	}
	if err := g.backend.Remove(ctx, quizID, userID); err != nil {
		g.breaker.RecordFailure()
		g.fellBack("remove", quizID, err)
		return g.mirror.Remove(ctx, quizID, userID)
	}
	g.breaker.RecordSuccess()
	return nil
}

// Delete drops the whole board for a quiz.
func (g *GatedStore) Delete(ctx context.Context, quizID string) error {
	if !g.breaker.Allow() {
		g.fellBack("delete", quizID, nil)
		return g.mirror.Delete(ctx, quizID)
	}
	if err := g.backend.Delete(ctx, quizID); err != nil {
		g.breaker.RecordFailure()
		g.fellBack("delete", quizID, err)
		return g.mirror.Delete(ctx, quizID)
	}
	g.breaker.RecordSuccess()
	return nil
}
