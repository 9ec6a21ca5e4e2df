// Command quizmeshd runs one quiz coordination instance. A single listener
// carries the WebSocket gateway, the REST read endpoints, the ops endpoints
// and the demo page; the leaderboard and the event bus ride the shared
// Redis so any number of instances form one fleet.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quizmesh/quizmesh/internal/broadcast"
	"github.com/quizmesh/quizmesh/internal/config"
	"github.com/quizmesh/quizmesh/internal/eventbus"
	"github.com/quizmesh/quizmesh/internal/gateway"
	"github.com/quizmesh/quizmesh/internal/httpapi"
	"github.com/quizmesh/quizmesh/internal/leaderboard"
	"github.com/quizmesh/quizmesh/internal/metrics"
	"github.com/quizmesh/quizmesh/internal/opsevent"
	"github.com/quizmesh/quizmesh/internal/quiz"
	"github.com/quizmesh/quizmesh/internal/ratelimit"
	"github.com/quizmesh/quizmesh/internal/resilience"
	"github.com/quizmesh/quizmesh/internal/session"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if config.WroteHelp(err) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	log := cfg.Log.NewLogger(os.Stderr).With().Str("instanceId", cfg.Instance.ID).Logger()
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := opsevent.NewNotifier("quizmesh/"+cfg.Instance.ID, log)
	notifier.Register(opsevent.NewLogObserver(log))

	be := buildBackend(cfg, notifier, log, m)
	defer be.close()

	if err := be.bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	bank := quiz.NewBank(log)
	if cfg.Questions.File != "" {
		if err := bank.LoadFile(cfg.Questions.File); err != nil {
			return fmt.Errorf("failed to load question file: %w", err)
		}
		go func() {
			if err := bank.Watch(ctx, cfg.Questions.File); err != nil {
				log.Error().Err(err).Msg("question file watcher stopped")
			}
		}()
	}

	registry := session.NewRegistry()
	limiter := ratelimit.NewLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillTokens, cfg.RateLimit.RefillPeriod)
	svc := quiz.NewService(be.store, be.bus, cfg.Instance.ID, log)

	coord := broadcast.NewCoordinator(be.bus, be.store, registry, cfg.Broadcast.TopN, log, m)
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broadcast coordinator: %w", err)
	}

	gw := gateway.NewServer(gateway.ServerConfig{
		InstanceID:        cfg.Instance.ID,
		SendBuffer:        cfg.Gateway.SendBuffer,
		WriteTimeout:      cfg.Gateway.WriteTimeout,
		MaxMessageBytes:   cfg.Gateway.MaxMessageBytes,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		StaleMultiplier:   cfg.Gateway.StaleMultiplier,
		SweepEvery:        cfg.Gateway.SweepInterval,
	}, registry, limiter, svc, notifier, log, m)
	go gw.Monitor().Run(ctx)
	if be.prober != nil {
		go be.prober.Run(ctx)
	}

	api, err := httpapi.NewServer(httpapi.Config{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, httpapi.Deps{
		InstanceID: cfg.Instance.ID,
		StartedAt:  time.Now(),
		Store:      be.store,
		Bank:       bank,
		Breaker:    be.breaker,
		Prober:     be.prober,
		Metrics:    m,
		WSHandler:  gw.HandleWS,
	}, log)
	if err != nil {
		return err
	}
	if err := api.Start(); err != nil {
		return err
	}

	log.Info().
		Str("addr", api.Addr().String()).
		Str("bus", cfg.Bus.Backend).
		Msg("quizmeshd up")

	<-ctx.Done()
	stop()
	log.Info().Msg("shutting down")

	// The listener goes first so nothing new arrives, then open sessions
	// drain, then the fan-out path is torn down. WebSocket connections are
	// hijacked from the HTTP server, so closing it does not cut them off.
	if err := api.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownGrace)
	defer cancelDrain()
	if err := gw.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("gateway sessions did not drain cleanly")
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelStop()
	if err := coord.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("broadcast coordinator stop failed")
	}
	if err := be.bus.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("event bus stop incomplete")
	}

	log.Info().Msg("bye")
	return nil
}

// backend bundles the pieces that differ between redis and memory mode.
// Memory mode keeps everything in-process for single-instance demos and
// leaves breaker, prober and client nil.
type backend struct {
	store   leaderboard.Store
	bus     eventbus.Bus
	breaker *resilience.Breaker
	prober  *resilience.Prober
	client  *redis.Client
}

func (b *backend) close() {
	if b.client != nil {
		_ = b.client.Close()
	}
}

func buildBackend(cfg *config.Config, notifier *opsevent.Notifier, log zerolog.Logger, m *metrics.Metrics) *backend {
	if cfg.Bus.Backend == "memory" {
		log.Warn().Msg("memory bus selected, scores and events stay on this instance")
		return &backend{
			store: leaderboard.NewMirror(),
			bus:   eventbus.NewMemoryBus(cfg.Instance.ID, log, m),
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// The gated store needs the breaker and the breaker's transition hook
	// needs the gated store, so the hook closes over the variable and the
	// store is assigned before any traffic can trip the breaker.
	var gated *leaderboard.GatedStore
	breaker := resilience.NewBreaker(resilience.Config{
		FailureRateThreshold: cfg.Breaker.FailureRateThreshold,
		WindowSize:           cfg.Breaker.WindowSize,
		MinCalls:             cfg.Breaker.MinCalls,
		OpenDuration:         cfg.Breaker.OpenDuration,
		HalfOpenProbes:       cfg.Breaker.HalfOpenProbes,
	}, func(from, to resilience.State) {
		m.BreakerState.Set(float64(to))
		log.Warn().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("breaker state changed")
		notifier.Emit(context.Background(), opsevent.EventTypeBreakerStateChanged, map[string]string{
			"from": from.String(),
			"to":   to.String(),
		})
		if gated != nil {
			gated.OnBreakerChange(from, to)
		}
	})
	gated = leaderboard.NewGatedStore(leaderboard.NewRedisStore(client, cfg.Redis.OpTimeout), leaderboard.NewMirror(), breaker, log, m)

	prober := resilience.NewProber(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, breaker, cfg.Breaker.ProbeInterval, cfg.Breaker.ProbeTimeout, func(ok bool) {
		result := "ok"
		if !ok {
			result = "fail"
		}
		m.Probes.WithLabelValues(result).Inc()
	}, log)

	return &backend{
		store:   gated,
		bus:     eventbus.NewRedisBus(client, cfg.Instance.ID, log, m),
		breaker: breaker,
		prober:  prober,
		client:  client,
	}
}
