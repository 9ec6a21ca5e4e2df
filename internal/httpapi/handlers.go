package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quizmesh/quizmesh/internal/resilience"
)

const defaultLeaderboardLimit = 10

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "up",
		"instanceId": s.deps.InstanceID,
		"uptime":     time.Since(s.deps.StartedAt).Round(time.Second).String(),
	})
}

// handleReadyz reports whether this instance should receive traffic. The
// instance keeps serving through a backend outage on its fallback mirror,
// so readiness degrades rather than the process dying: an open breaker or
// a failing probe turns the endpoint 503 for the load balancer.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":     "ready",
		"instanceId": s.deps.InstanceID,
	}
	ready := true

	if s.deps.Breaker != nil {
		state := s.deps.Breaker.State()
		resp["breakerState"] = state.String()
		if state == resilience.StateOpen {
			ready = false
		}
	}
	if s.deps.Prober != nil {
		healthy := s.deps.Prober.Healthy()
		resp["backendHealthy"] = healthy
		if last := s.deps.Prober.LastProbe(); !last.IsZero() {
			resp["lastProbe"] = last.UTC().Format(time.RFC3339)
		}
		if !healthy {
			ready = false
		}
	}

	if !ready {
		resp["status"] = "degraded"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")

	limit := defaultLeaderboardLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.deps.Store.TopN(r.Context(), quizID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("quizId", quizID).Msg("failed to read leaderboard")
		s.writeError(w, http.StatusInternalServerError, "failed to read leaderboard")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"quizId":      quizID,
		"leaderboard": entries,
	})
}

func (s *Server) handleUserScore(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	userID := chi.URLParam(r, "userID")

	score, onBoard, err := s.deps.Store.Score(r.Context(), quizID, userID)
	if err != nil {
		s.log.Error().Err(err).Str("quizId", quizID).Str("userId", userID).Msg("failed to read score")
		s.writeError(w, http.StatusInternalServerError, "failed to read score")
		return
	}
	if !onBoard {
		s.writeError(w, http.StatusNotFound, "user not on leaderboard")
		return
	}

	rank, _, err := s.deps.Store.Rank(r.Context(), quizID, userID)
	if err != nil {
		s.log.Error().Err(err).Str("quizId", quizID).Str("userId", userID).Msg("failed to read rank")
		s.writeError(w, http.StatusInternalServerError, "failed to read rank")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"quizId": quizID,
		"userId": userID,
		"score":  score,
		"rank":   rank,
	})
}

func (s *Server) handleDeleteLeaderboard(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	if err := s.deps.Store.Delete(r.Context(), quizID); err != nil {
		s.log.Error().Err(err).Str("quizId", quizID).Msg("failed to delete leaderboard")
		s.writeError(w, http.StatusInternalServerError, "failed to delete leaderboard")
		return
	}
	s.log.Info().Str("quizId", quizID).Msg("leaderboard deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	userID := chi.URLParam(r, "userID")
	if err := s.deps.Store.Remove(r.Context(), quizID, userID); err != nil {
		s.log.Error().Err(err).Str("quizId", quizID).Str("userId", userID).Msg("failed to remove user")
		s.writeError(w, http.StatusInternalServerError, "failed to remove user")
		return
	}
	s.log.Info().Str("quizId", quizID).Str("userId", userID).Msg("user removed from leaderboard")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"questions": s.deps.Bank.Questions(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
