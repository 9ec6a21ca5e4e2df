// Package gateway terminates client WebSocket connections: it owns the
// session lifecycle, demultiplexes inbound frames, applies rate limiting
// and validation, and emits personal replies. Broadcast frames never
// originate here; the broadcast coordinator pushes those through the same
// per-session pipes.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/quizmesh/quizmesh/internal/frame"
	"github.com/quizmesh/quizmesh/internal/heartbeat"
	"github.com/quizmesh/quizmesh/internal/metrics"
	"github.com/quizmesh/quizmesh/internal/opsevent"
	"github.com/quizmesh/quizmesh/internal/quiz"
	"github.com/quizmesh/quizmesh/internal/ratelimit"
	"github.com/quizmesh/quizmesh/internal/session"
)

// Handler routes one decoded frame to its operation. Every path is
// panic-safe: a fault produces an ERROR reply on the caller's pipe and the
// connection stays open. Only the transport may close a session.
type Handler struct {
	registry *session.Registry
	limiter  *ratelimit.Limiter
	monitor  *heartbeat.Monitor
	svc      *quiz.Service
	notifier *opsevent.Notifier
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// NewHandler wires the demultiplexer.
func NewHandler(registry *session.Registry, limiter *ratelimit.Limiter, monitor *heartbeat.Monitor, svc *quiz.Service, notifier *opsevent.Notifier, log zerolog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		registry: registry,
		limiter:  limiter,
		monitor:  monitor,
		svc:      svc,
		notifier: notifier,
		log:      log.With().Str("component", "gateway").Logger(),
		metrics:  m,
	}
}

// HandleFrame decodes and dispatches one raw inbound frame from a session.
func (h *Handler) HandleFrame(ctx context.Context, sessionID string, pipe session.Pipe, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.HandlerErrors.WithLabelValues("internal").Inc()
			h.log.Error().
				Str("sessionId", sessionID).
				Interface("panic", r).
				Msg("frame handler panicked")
			h.reply(pipe, frame.NewError("Internal server error"))
		}
	}()

	in, err := frame.Decode(data)
	if err != nil {
		h.metrics.HandlerErrors.WithLabelValues("decode").Inc()
		h.log.Warn().Err(err).Str("sessionId", sessionID).Msg("undecodable frame")
		h.sendError(pipe, sessionID, "Invalid message format")
		return
	}
	h.metrics.MessagesIn.WithLabelValues(string(in.FrameType())).Inc()

	switch msg := in.(type) {
	case *frame.Heartbeat:
		h.monitor.Record(sessionID)
	case *frame.Join:
		h.handleJoin(ctx, sessionID, pipe, msg)
	case *frame.SubmitAnswer:
		h.handleSubmit(ctx, sessionID, pipe, msg)
	}
}

// handleJoin binds the user and session, enters the room, and kicks off
// the join flow. The resulting leaderboard redraw arrives through the
// coordinator, not from here.
func (h *Handler) handleJoin(ctx context.Context, sessionID string, pipe session.Pipe, msg *frame.Join) {
	log := h.log.With().
		Str("sessionId", sessionID).
		Str("quizId", msg.QuizID).
		Str("userId", msg.UserID).
		Logger()
	log.Info().Msg("JOIN request")

	if !h.limiter.Allow(sessionID) {
		log.Warn().Msg("rate limit exceeded for JOIN")
		h.metrics.HandlerErrors.WithLabelValues("rate_limited").Inc()
		h.sendError(pipe, sessionID, "Rate limit exceeded. Please slow down.")
		return
	}
	if isBlank(msg.QuizID) {
		h.sendError(pipe, sessionID, "Invalid quiz ID")
		return
	}
	if isBlank(msg.UserID) {
		h.sendError(pipe, sessionID, "Invalid user ID")
		return
	}

	if err := h.joinQuiz(ctx, sessionID, msg.QuizID, msg.UserID); err != nil {
		log.Error().Err(err).Msg("JOIN failed")
		h.sendError(pipe, sessionID, "Failed to join quiz: "+err.Error())
		return
	}

	h.reply(pipe, frame.NewJoinSuccess(msg.QuizID, msg.UserID))
	h.notifier.Emit(ctx, opsevent.EventTypeQuizJoined, map[string]string{
		"sessionId": sessionID,
		"quizId":    msg.QuizID,
		"userId":    msg.UserID,
	})
	log.Info().Msg("user joined quiz")
}

// joinQuiz runs the join steps in order: bind the user, enter the room,
// then initialize and announce through the service.
func (h *Handler) joinQuiz(ctx context.Context, sessionID, quizID, userID string) error {
	if err := h.registry.Associate(sessionID, userID); err != nil {
		return fmt.Errorf("failed to bind user %s to session: %w", userID, err)
	}
	if err := h.registry.JoinRoom(quizID, sessionID); err != nil {
		return fmt.Errorf("failed to enter room %s: %w", quizID, err)
	}
	return h.svc.HandleJoin(ctx, quizID, userID)
}

// handleSubmit validates a submission end to end and replies with the
// authoritative post-increment score.
func (h *Handler) handleSubmit(ctx context.Context, sessionID string, pipe session.Pipe, msg *frame.SubmitAnswer) {
	log := h.log.With().
		Str("sessionId", sessionID).
		Str("quizId", msg.QuizID).
		Str("userId", msg.UserID).
		Logger()
	log.Info().Msg("SUBMIT_ANSWER request")

	if !h.limiter.Allow(sessionID) {
		log.Warn().Msg("rate limit exceeded for SUBMIT_ANSWER")
		h.metrics.HandlerErrors.WithLabelValues("rate_limited").Inc()
		h.sendError(pipe, sessionID, "Rate limit exceeded. Please slow down.")
		return
	}
	if isBlank(msg.QuizID) {
		h.sendError(pipe, sessionID, "Invalid quiz ID")
		return
	}
	if isBlank(msg.UserID) {
		h.sendError(pipe, sessionID, "Invalid user ID")
		return
	}
	if msg.QuestionNumber == nil {
		h.sendError(pipe, sessionID, "Question number is required")
		return
	}
	if msg.Correct == nil {
		h.sendError(pipe, sessionID, "Answer correctness not specified")
		return
	}
	if !h.registry.InRoom(msg.QuizID, sessionID) {
		h.sendError(pipe, sessionID, "You are not in quiz "+msg.QuizID)
		return
	}

	questionNumber, correct := *msg.QuestionNumber, *msg.Correct
	newScore, err := h.svc.HandleSubmit(ctx, msg.QuizID, msg.UserID, questionNumber, correct)
	if err != nil {
		log.Error().Err(err).Int("questionNumber", questionNumber).Msg("SUBMIT_ANSWER failed")
		h.sendError(pipe, sessionID, "Failed to submit answer: "+submitFailureDetail(err, questionNumber))
		return
	}

	pointsEarned := 0
	if correct {
		pointsEarned = quiz.Points(questionNumber)
	}
	h.reply(pipe, frame.NewAnswerResult(msg.QuizID, msg.UserID, questionNumber, correct, pointsEarned, newScore))
	log.Info().
		Int("questionNumber", questionNumber).
		Bool("correct", correct).
		Int("newScore", newScore).
		Msg("answer scored")
}

// submitFailureDetail keeps the out-of-range message clients already parse.
func submitFailureDetail(err error, questionNumber int) string {
	if errors.Is(err, quiz.ErrInvalidQuestion) {
		return fmt.Sprintf("Invalid question number: %d. Must be between 1 and 10.", questionNumber)
	}
	return err.Error()
}

// reply enqueues a personal frame, counting the outcome.
func (h *Handler) reply(pipe session.Pipe, f any) {
	var kind frame.Type
	switch f.(type) {
	case frame.JoinSuccess:
		kind = frame.TypeJoinSuccess
	case frame.AnswerResult:
		kind = frame.TypeAnswerResult
	case frame.ErrorFrame:
		kind = frame.TypeError
	}
	if !pipe.Send(f) {
		h.log.Warn().Str("frameType", string(kind)).Msg("personal reply dropped on full queue")
		return
	}
	h.metrics.RepliesOut.WithLabelValues(string(kind)).Inc()
}

// sendError replies with an ERROR frame; the session stays open.
func (h *Handler) sendError(pipe session.Pipe, sessionID, msg string) {
	h.log.Warn().Str("sessionId", sessionID).Str("error", msg).Msg("sent error to session")
	h.reply(pipe, frame.NewError(msg))
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
