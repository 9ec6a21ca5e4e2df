// Package httpapi serves the instance's HTTP surface on one listener: the
// WebSocket upgrade route, liveness and readiness, Prometheus metrics,
// read-side leaderboard endpoints, and the embedded demo page.
package httpapi

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/quizmesh/quizmesh/internal/leaderboard"
	"github.com/quizmesh/quizmesh/internal/metrics"
	"github.com/quizmesh/quizmesh/internal/quiz"
	"github.com/quizmesh/quizmesh/internal/resilience"
)

//go:embed static
var staticFS embed.FS

// Config holds the listener knobs. Zero values fall back to the defaults
// below. There is deliberately no write timeout: the WebSocket route holds
// its connection open indefinitely and bounds individual writes itself.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Deps are the collaborators the routes read from. Breaker and Prober are
// nil when the instance runs without a shared backend; readiness then has
// nothing to degrade on.
type Deps struct {
	InstanceID string
	StartedAt  time.Time
	Store      leaderboard.Store
	Bank       *quiz.Bank
	Breaker    *resilience.Breaker
	Prober     *resilience.Prober
	Metrics    *metrics.Metrics
	WSHandler  http.HandlerFunc
}

// Server owns the chi router and the http.Server around it.
type Server struct {
	cfg      Config
	deps     Deps
	router   chi.Router
	http     *http.Server
	listener net.Listener
	log      zerolog.Logger
}

// NewServer assembles the router. Start brings up the listener.
func NewServer(cfg Config, deps Deps, log zerolog.Logger) (*Server, error) {
	cfg.applyDefaults()
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.With().Str("component", "httpapi").Logger(),
	}
	if err := s.buildRouter(); err != nil {
		return nil, err
	}
	s.http = &http.Server{
		Handler:     s.router,
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) buildRouter() error {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", s.deps.Metrics.Handler())

	if s.deps.WSHandler != nil {
		r.Get("/ws/quiz", s.deps.WSHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/quiz/{quizID}/leaderboard", s.handleLeaderboard)
		r.Delete("/quiz/{quizID}/leaderboard", s.handleDeleteLeaderboard)
		r.Get("/quiz/{quizID}/leaderboard/{userID}", s.handleUserScore)
		r.Delete("/quiz/{quizID}/leaderboard/{userID}", s.handleRemoveUser)
		r.Get("/questions", s.handleQuestions)
	})

	static, err := fs.Sub(staticFS, "static")
	if err != nil {
		return fmt.Errorf("failed to mount demo page: %w", err)
	}
	r.Handle("/*", http.FileServer(http.FS(static)))

	s.router = r
	return nil
}

// requestLogger logs one debug line per request, mirroring the access-log
// shape the rest of the service uses.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("request")
		next.ServeHTTP(w, r)
	})
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() chi.Router { return s.router }

// Start binds the listener and serves in the background. It fails fast
// when the address cannot be bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server stopped")
		}
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("http listener up")
	return nil
}

// Addr reports the bound address, useful when Addr was ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and waits for in-flight requests
// up to the configured timeout.
func (s *Server) Shutdown() error {
	if s.listener == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop http server: %w", err)
	}
	return nil
}
