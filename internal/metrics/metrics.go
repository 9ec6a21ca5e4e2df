// Package metrics owns the process's Prometheus collectors. Components hold
// the one Metrics value built in main and increment what they own; the ops
// HTTP listener serves the exposition endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quizmesh"

// Metrics bundles every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	// Gateway traffic.
	MessagesIn     *prometheus.CounterVec
	RepliesOut     *prometheus.CounterVec
	HandlerErrors  *prometheus.CounterVec
	SessionsActive prometheus.Gauge
	SessionsSwept  prometheus.Counter

	// Event bus.
	EventsPublished     *prometheus.CounterVec
	EventsReceived      *prometheus.CounterVec
	PublishFailures     prometheus.Counter
	EventDecodeFailures prometheus.Counter

	// Broadcast fan-out.
	Broadcasts     prometheus.Counter
	BroadcastDrops prometheus.Counter

	// Leaderboard store and its breaker.
	StoreFallbacks *prometheus.CounterVec
	StoreErrors    *prometheus.CounterVec
	BreakerState   prometheus.Gauge
	Probes         *prometheus.CounterVec
}

// New builds and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "messages_total",
			Help: "Inbound frames by type.",
		}, []string{"type"}),
		RepliesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "replies_total",
			Help: "Personal reply frames by type.",
		}, []string{"type"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "errors_total",
			Help: "Error replies by reason.",
		}, []string{"reason"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "sessions_active",
			Help: "Currently connected sessions on this instance.",
		}),
		SessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "sessions_swept_total",
			Help: "Sessions removed by the stale-heartbeat sweep.",
		}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "events_published_total",
			Help: "Quiz events published by type.",
		}, []string{"type"}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "events_received_total",
			Help: "Quiz events received by type.",
		}, []string{"type"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "publish_failures_total",
			Help: "Events dropped because publishing failed.",
		}),
		EventDecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "decode_failures_total",
			Help: "Bus payloads that failed to decode.",
		}),

		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "updates_total",
			Help: "Leaderboard updates fanned out to local rooms.",
		}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "drops_total",
			Help: "Broadcast frames dropped on full session queues.",
		}),

		StoreFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "fallbacks_total",
			Help: "Leaderboard operations served by the in-memory mirror.",
		}, []string{"op"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "backend_errors_total",
			Help: "Leaderboard operations that failed against Redis.",
		}, []string{"op"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "breaker_state",
			Help: "Breaker position: 0 closed, 1 half-open, 2 open.",
		}),
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backend", Name: "probes_total",
			Help: "Backend liveness probes by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesIn, m.RepliesOut, m.HandlerErrors, m.SessionsActive, m.SessionsSwept,
		m.EventsPublished, m.EventsReceived, m.PublishFailures, m.EventDecodeFailures,
		m.Broadcasts, m.BroadcastDrops,
		m.StoreFallbacks, m.StoreErrors, m.BreakerState, m.Probes,
	)
	return m
}

// Handler serves the Prometheus exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
