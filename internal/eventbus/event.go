// Package eventbus carries quiz events between instances so every node can
// keep its connected players current regardless of where a score changed.
//
// Each quiz has its own channel, quiz:{quizId}:events, and instances listen
// on the quiz:*:events pattern. Delivery is fire-and-forget pub/sub: events
// reach the instances subscribed at publish time, including the publisher
// itself, and are lost if nobody is listening. The authoritative state lives
// in the leaderboard store, so a missed event costs one refresh, not data.
package eventbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the event payloads on the wire.
type Kind string

const (
	// KindUserJoined announces a player joining a quiz. Score is null.
	KindUserJoined Kind = "USER_JOINED"
	// KindScoreUpdated announces a new total for a player.
	KindScoreUpdated Kind = "SCORE_UPDATED"
)

// Event is the cross-instance wire format. Score is a pointer so that
// USER_JOINED serializes it as null rather than 0.
type Event struct {
	Kind             Kind      `json:"type"`
	QuizID           string    `json:"quizId"`
	UserID           string    `json:"userId"`
	Score            *int      `json:"score"`
	Timestamp        time.Time `json:"timestamp"`
	SourceInstanceID string    `json:"sourceInstanceId"`
}

// NewUserJoined builds a USER_JOINED event stamped with the current time.
func NewUserJoined(quizID, userID, instanceID string) Event {
	return Event{
		Kind:             KindUserJoined,
		QuizID:           quizID,
		UserID:           userID,
		Timestamp:        time.Now().UTC(),
		SourceInstanceID: instanceID,
	}
}

// NewScoreUpdated builds a SCORE_UPDATED event carrying the player's new
// total after an increment was applied.
func NewScoreUpdated(quizID, userID string, newScore int, instanceID string) Event {
	return Event{
		Kind:             KindScoreUpdated,
		QuizID:           quizID,
		UserID:           userID,
		Score:            &newScore,
		Timestamp:        time.Now().UTC(),
		SourceInstanceID: instanceID,
	}
}

// Channel returns the pub/sub channel for one quiz's events.
func Channel(quizID string) string {
	return "quiz:" + quizID + ":events"
}

// PatternAllQuizzes matches the event channel of every quiz.
const PatternAllQuizzes = "quiz:*:events"

// DecodeEvent parses a wire payload. Unknown kinds are surfaced so callers
// can count and skip them instead of acting on garbage.
func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event payload: %w", err)
	}
	switch ev.Kind {
	case KindUserJoined, KindScoreUpdated:
		return ev, nil
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventKind, ev.Kind)
	}
}

// channelMatches reports whether a subscription pattern covers a concrete
// channel name. Patterns use a single * wildcard segment, enough for the
// quiz:*:events form; a pattern without * must match exactly.
func channelMatches(pattern, channel string) bool {
	star := strings.IndexByte(pattern, '*')
	if star < 0 {
		return pattern == channel
	}
	prefix, suffix := pattern[:star], pattern[star+1:]
	return len(channel) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(channel, prefix) &&
		strings.HasSuffix(channel, suffix)
}
