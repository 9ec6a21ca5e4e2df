// Package broadcast turns bus events into LEADERBOARD_UPDATE frames for the
// sessions on this instance. The coordinator is the only component allowed
// to emit broadcast frames and the only consumer registered on the bus;
// everything else holds at most a publish handle.
package broadcast

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quizmesh/quizmesh/internal/eventbus"
	"github.com/quizmesh/quizmesh/internal/frame"
	"github.com/quizmesh/quizmesh/internal/leaderboard"
	"github.com/quizmesh/quizmesh/internal/metrics"
	"github.com/quizmesh/quizmesh/internal/session"
)

// DefaultTopN bounds the broadcast payload when no size is configured.
const DefaultTopN = 10

// Coordinator subscribes to every quiz's event channel and redraws local
// rooms. It never trusts the event's score: each event triggers a fresh
// top-N read, so duplicated or stale events cost a redraw with equal or
// newer data, never a wrong one.
type Coordinator struct {
	bus     eventbus.Bus
	store   leaderboard.Store
	rooms   *session.Registry
	topN    int
	log     zerolog.Logger
	metrics *metrics.Metrics

	sub eventbus.Subscription
}

// NewCoordinator wires the single bus consumer. topN caps the entries per
// update; values below 1 fall back to DefaultTopN.
func NewCoordinator(bus eventbus.Bus, store leaderboard.Store, rooms *session.Registry, topN int, log zerolog.Logger, m *metrics.Metrics) *Coordinator {
	if topN < 1 {
		topN = DefaultTopN
	}
	return &Coordinator{
		bus:     bus,
		store:   store,
		rooms:   rooms,
		topN:    topN,
		log:     log.With().Str("component", "broadcast").Logger(),
		metrics: m,
	}
}

// Start registers the wildcard subscription. The bus must already be
// started.
func (c *Coordinator) Start(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, eventbus.PatternAllQuizzes, c.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to quiz events: %w", err)
	}
	c.sub = sub
	return nil
}

// Stop cancels the subscription.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.sub == nil {
		return nil
	}
	if err := c.bus.Unsubscribe(ctx, c.sub); err != nil {
		return fmt.Errorf("failed to unsubscribe from quiz events: %w", err)
	}
	c.sub = nil
	return nil
}

// handle redraws the event's quiz for every local room member. The room
// snapshot is taken first: an empty room means no read and no frames.
func (c *Coordinator) handle(ctx context.Context, ev eventbus.Event) error {
	pipes := c.rooms.RoomPipes(ev.QuizID)
	if len(pipes) == 0 {
		return nil
	}

	entries, err := c.store.TopN(ctx, ev.QuizID, c.topN)
	if err != nil {
		return fmt.Errorf("failed to read top-%d for quiz %s: %w", c.topN, ev.QuizID, err)
	}

	update := frame.NewLeaderboardUpdate(ev.QuizID, entries)
	dropped := 0
	for _, pipe := range pipes {
		if !pipe.Send(update) {
			dropped++
		}
	}

	c.metrics.Broadcasts.Inc()
	if dropped > 0 {
		c.metrics.BroadcastDrops.Add(float64(dropped))
		c.log.Warn().
			Str("quizId", ev.QuizID).
			Int("sessions", len(pipes)).
			Int("dropped", dropped).
			Msg("leaderboard update dropped on full session queues")
	}
	c.log.Debug().
		Str("quizId", ev.QuizID).
		Str("trigger", string(ev.Kind)).
		Int("sessions", len(pipes)).
		Int("entries", len(entries)).
		Msg("leaderboard update fanned out")
	return nil
}
