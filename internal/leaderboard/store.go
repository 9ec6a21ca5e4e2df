// Package leaderboard implements the per-quiz ordered score sets shared by
// every instance of the fleet.
//
// The package ships three Store implementations: RedisStore runs against the
// shared Redis sorted sets, Mirror is the per-instance in-memory fallback,
// and GatedStore composes the two behind the circuit breaker so callers
// never observe a backend outage directly.
package leaderboard

import "context"

// Entry is one leaderboard row. Rank is 1-based and derived at read time.
type Entry struct {
	UserID string `json:"userId"`
	Score  int    `json:"score"`
	Rank   int    `json:"rank"`
}

// Store is the ordered-set contract for quiz leaderboards.
//
// All implementations must be safe for concurrent use. Scores are
// non-negative integers and monotonically non-decreasing for the lifetime
// of a (quiz, user) pair; only Remove and Delete make members disappear.
type Store interface {
	// Initialize adds the user with score 0 only if absent and reports
	// whether a new member was added. It never lowers an existing score,
	// regardless of concurrent calls.
	Initialize(ctx context.Context, quizID, userID string) (added bool, err error)

	// Increment atomically adds delta to the user's score and returns the
	// post-increment value. An absent member is created with score equal to
	// delta. Delta must be non-negative; zero is legal and returns the
	// current score unchanged.
	Increment(ctx context.Context, quizID, userID string, delta int) (newScore int, err error)

	// TopN returns up to n entries ordered by score descending with 1-based
	// ranks. Ties are broken in an implementation-defined but, within a
	// single call, deterministic order. An empty or unknown quiz yields an
	// empty slice.
	TopN(ctx context.Context, quizID string, n int) ([]Entry, error)

	// Score returns the user's score. ok is false when the user is not on
	// the board.
	Score(ctx context.Context, quizID, userID string) (score int, ok bool, err error)

	// Rank returns the user's 1-based rank by descending score. ok is false
	// when the user is not on the board.
	Rank(ctx context.Context, quizID, userID string) (rank int, ok bool, err error)

	// Size returns the number of members on the quiz's board.
	Size(ctx context.Context, quizID string) (int, error)

	// Remove deletes one member from the board. Removing an absent member
	// is not an error.
	Remove(ctx context.Context, quizID, userID string) error

	// Delete drops the whole board for a quiz.
	Delete(ctx context.Context, quizID string) error
}

// Key returns the datastore key holding a quiz's leaderboard.
func Key(quizID string) string {
	return "quiz:" + quizID + ":leaderboard"
}
