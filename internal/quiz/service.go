package quiz

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quizmesh/quizmesh/internal/eventbus"
	"github.com/quizmesh/quizmesh/internal/leaderboard"
)

// Service orchestrates joins and answer submissions. It is stateless: all
// durable state lives in the leaderboard store, and fan-out to watching
// clients happens through the event bus, never directly from here. The
// broadcast coordinator on each instance, this one included, is the only
// component that pushes leaderboard frames.
type Service struct {
	store      leaderboard.Store
	publisher  eventbus.Publisher
	instanceID string
	log        zerolog.Logger
}

// NewService wires the store and the bus publisher. instanceID is stamped
// on every event this service emits.
func NewService(store leaderboard.Store, publisher eventbus.Publisher, instanceID string, log zerolog.Logger) *Service {
	return &Service{
		store:      store,
		publisher:  publisher,
		instanceID: instanceID,
		log:        log.With().Str("component", "quiz").Logger(),
	}
}

// HandleJoin puts the player on the quiz's leaderboard at score 0 if they
// are new and announces the join on the bus.
func (s *Service) HandleJoin(ctx context.Context, quizID, userID string) error {
	if _, err := s.store.Initialize(ctx, quizID, userID); err != nil {
		return fmt.Errorf("failed to initialize %s on quiz %s: %w", userID, quizID, err)
	}
	s.publish(ctx, eventbus.NewUserJoined(quizID, userID, s.instanceID))
	return nil
}

// HandleSubmit scores one answer and returns the player's authoritative
// post-increment total. Correct answers pay the question's point value;
// incorrect answers pay zero but still bump an event so watchers redraw.
func (s *Service) HandleSubmit(ctx context.Context, quizID, userID string, questionNumber int, correct bool) (int, error) {
	if !ValidQuestion(questionNumber) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidQuestion, questionNumber)
	}

	delta := 0
	if correct {
		delta = Points(questionNumber)
	}
	newScore, err := s.store.Increment(ctx, quizID, userID, delta)
	if err != nil {
		return 0, fmt.Errorf("failed to score answer for %s on quiz %s: %w", userID, quizID, err)
	}

	s.publish(ctx, eventbus.NewScoreUpdated(quizID, userID, newScore, s.instanceID))
	return newScore, nil
}

// publish logs and drops failures. The coordinator re-reads the store on
// every event, so the next action for the quiz repairs a lost one.
func (s *Service) publish(ctx context.Context, ev eventbus.Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.log.Error().Err(err).
			Str("kind", string(ev.Kind)).
			Str("quizId", ev.QuizID).
			Str("userId", ev.UserID).
			Msg("event publish failed, dropping")
	}
}
