package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore runs leaderboard operations against the shared Redis using one
// sorted set per quiz. Every call is bounded by opTimeout so a hung backend
// surfaces as a timeout the circuit breaker can count.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisStore wraps an existing client. The client's lifecycle belongs to
// the caller.
func NewRedisStore(client *redis.Client, opTimeout time.Duration) *RedisStore {
	return &RedisStore{client: client, opTimeout: opTimeout}
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Initialize adds the user with score 0 only if absent (ZADD NX).
func (s *RedisStore) Initialize(ctx context.Context, quizID, userID string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	added, err := s.client.ZAddNX(ctx, Key(quizID), redis.Z{Score: 0, Member: userID}).Result()
	if err != nil {
		return false, fmt.Errorf("failed to initialize %s on %s: %w", userID, quizID, err)
	}
	return added == 1, nil
}

// Increment atomically adds delta to the user's score (ZINCRBY) and returns
// the post-increment value.
func (s *RedisStore) Increment(ctx context.Context, quizID, userID string, delta int) (int, error) {
	if delta < 0 {
		return 0, ErrNegativeDelta
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	score, err := s.client.ZIncrBy(ctx, Key(quizID), float64(delta), userID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s on %s: %w", userID, quizID, err)
	}
	return int(score), nil
}

// TopN reads the highest n scores (ZREVRANGE WITHSCORES). Ties are ordered
// by Redis's reverse lexicographic member order.
func (s *RedisStore) TopN(ctx context.Context, quizID string, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.client.ZRevRangeWithScores(ctx, Key(quizID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read top %d of %s: %w", n, quizID, err)
	}

	entries := make([]Entry, 0, len(rows))
	for i, row := range rows {
		user, _ := row.Member.(string)
		entries = append(entries, Entry{UserID: user, Score: int(row.Score), Rank: i + 1})
	}
	return entries, nil
}

// Score returns the user's score (ZSCORE); ok is false for absent members.
func (s *RedisStore) Score(ctx context.Context, quizID, userID string) (int, bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	score, err := s.client.ZScore(ctx, Key(quizID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read score of %s on %s: %w", userID, quizID, err)
	}
	return int(score), true, nil
}

// Rank returns the user's 1-based rank (ZREVRANK); ok is false for absent
// members.
func (s *RedisStore) Rank(ctx context.Context, quizID, userID string) (int, bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rank, err := s.client.ZRevRank(ctx, Key(quizID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read rank of %s on %s: %w", userID, quizID, err)
	}
	return int(rank) + 1, true, nil
}

// Size returns the member count (ZCARD).
func (s *RedisStore) Size(ctx context.Context, quizID string) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	size, err := s.client.ZCard(ctx, Key(quizID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read size of %s: %w", quizID, err)
	}
	return int(size), nil
}

// Remove deletes one member (ZREM). Absent members are not an error.
func (s *RedisStore) Remove(ctx context.Context, quizID, userID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.ZRem(ctx, Key(quizID), userID).Err(); err != nil {
		return fmt.Errorf("failed to remove %s from %s: %w", userID, quizID, err)
	}
	return nil
}

// Delete drops the whole board (DEL).
func (s *RedisStore) Delete(ctx context.Context, quizID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Del(ctx, Key(quizID)).Err(); err != nil {
		return fmt.Errorf("failed to delete board %s: %w", quizID, err)
	}
	return nil
}
