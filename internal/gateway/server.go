package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/quizmesh/quizmesh/internal/heartbeat"
	"github.com/quizmesh/quizmesh/internal/metrics"
	"github.com/quizmesh/quizmesh/internal/opsevent"
	"github.com/quizmesh/quizmesh/internal/quiz"
	"github.com/quizmesh/quizmesh/internal/ratelimit"
	"github.com/quizmesh/quizmesh/internal/session"
)

// Teardown reasons recorded when a session goes away.
const (
	reasonDisconnect = "disconnect"
	reasonSwept      = "swept"
)

// ServerConfig carries the connection-level knobs. Zero values fall back
// to the defaults below.
type ServerConfig struct {
	InstanceID        string
	SendBuffer        int
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	HeartbeatInterval time.Duration
	StaleMultiplier   int
	SweepEvery        time.Duration
}

func (c *ServerConfig) applyDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4096
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StaleMultiplier <= 0 {
		c.StaleMultiplier = 2
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Minute
	}
}

// Server accepts WebSocket connections and runs one read loop per session.
// It owns the heartbeat monitor so a stale session and a dropped socket
// tear down through the same cleanup path.
type Server struct {
	cfg      ServerConfig
	registry *session.Registry
	limiter  *ratelimit.Limiter
	monitor  *heartbeat.Monitor
	handler  *Handler
	notifier *opsevent.Notifier
	log      zerolog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*wsSession

	wg        sync.WaitGroup
	accepting atomic.Bool
}

// NewServer wires the gateway. It builds its own heartbeat monitor and
// frame handler on top of the shared registry, limiter, and quiz service.
func NewServer(cfg ServerConfig, registry *session.Registry, limiter *ratelimit.Limiter, svc *quiz.Service, notifier *opsevent.Notifier, log zerolog.Logger, m *metrics.Metrics) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:      cfg,
		registry: registry,
		limiter:  limiter,
		notifier: notifier,
		log:      log.With().Str("component", "gateway").Logger(),
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The demo page may be served from anywhere.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*wsSession),
	}
	s.monitor = heartbeat.NewMonitor(cfg.HeartbeatInterval, cfg.StaleMultiplier, cfg.SweepEvery, s.evictStale, log, m)
	s.handler = NewHandler(registry, limiter, s.monitor, svc, notifier, log, m)
	s.accepting.Store(true)
	return s
}

// Monitor exposes the heartbeat monitor so main can park its sweep loop.
func (s *Server) Monitor() *heartbeat.Monitor { return s.monitor }

// HandleWS upgrades the request and serves the connection until the client
// goes away, the sweep evicts it, or the server shuts down.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !s.accepting.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	sessionID := uuid.NewString()
	ws := newWSSession(sessionID, conn, s.cfg.SendBuffer, s.cfg.WriteTimeout, s.log)

	s.mu.Lock()
	s.sessions[sessionID] = ws
	s.mu.Unlock()

	s.registry.Register(sessionID, ws)
	// The connect itself counts as the first beat.
	s.monitor.Record(sessionID)
	s.metrics.SessionsActive.Set(float64(s.registry.SessionCount()))
	s.notifier.Emit(context.Background(), opsevent.EventTypeSessionConnected, map[string]string{
		"sessionId":  sessionID,
		"instanceId": s.cfg.InstanceID,
		"remoteAddr": r.RemoteAddr,
	})
	s.log.Info().Str("sessionId", sessionID).Str("remoteAddr", r.RemoteAddr).Msg("session connected")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		ws.writePump()
	}()

	defer s.wg.Done()
	s.readLoop(r.Context(), sessionID, ws)
	s.cleanup(sessionID, reasonDisconnect)
}

// readLoop feeds inbound frames to the handler until the socket dies.
func (s *Server) readLoop(ctx context.Context, sessionID string, ws *wsSession) {
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug().Err(err).Str("sessionId", sessionID).Msg("socket read failed")
			}
			return
		}
		s.handler.HandleFrame(ctx, sessionID, ws, data)
	}
}

// evictStale is the sweep callback. It runs the regular teardown, which
// also closes the socket and unwinds the read loop.
func (s *Server) evictStale(sessionID string) {
	s.cleanup(sessionID, reasonSwept)
}

// cleanup tears down one session exactly once: registry bindings, room
// membership, heartbeat record, limiter bucket, then the socket itself.
func (s *Server) cleanup(sessionID, reason string) {
	s.mu.Lock()
	ws, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	userID, _ := s.registry.User(sessionID)
	quizID, _ := s.registry.Quiz(sessionID)
	s.registry.Cleanup(sessionID)
	s.monitor.Forget(sessionID)
	s.limiter.Forget(sessionID)
	ws.close()

	s.metrics.SessionsActive.Set(float64(s.registry.SessionCount()))

	eventType := opsevent.EventTypeSessionClosed
	if reason == reasonSwept {
		eventType = opsevent.EventTypeSessionSwept
	}
	s.notifier.Emit(context.Background(), eventType, map[string]string{
		"sessionId":  sessionID,
		"instanceId": s.cfg.InstanceID,
		"userId":     userID,
		"quizId":     quizID,
	})
	s.log.Info().
		Str("sessionId", sessionID).
		Str("userId", userID).
		Str("quizId", quizID).
		Str("reason", reason).
		Msg("session cleaned up")
}

// Shutdown stops accepting upgrades, lets every session drain its queued
// frames, and waits for the pumps to finish until ctx expires. Sessions
// still open after that are cut.
func (s *Server) Shutdown(ctx context.Context) error {
	s.accepting.Store(false)

	s.mu.Lock()
	open := make([]*wsSession, 0, len(s.sessions))
	for _, ws := range s.sessions {
		open = append(open, ws)
	}
	s.mu.Unlock()

	s.log.Info().Int("sessions", len(open)).Msg("draining gateway sessions")
	for _, ws := range open {
		ws.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, ws := range open {
			_ = ws.conn.Close()
		}
		return fmt.Errorf("failed to drain gateway sessions: %w", ctx.Err())
	}
}
