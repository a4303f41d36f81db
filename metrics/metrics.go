// Package metrics holds the Prometheus collectors, registered on a dedicated
// registry so tests can build as many instances as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

type Metrics struct {
	registry *prometheus.Registry

	Connections       prometheus.Gauge
	Rooms             prometheus.Gauge
	MessagesIngested  prometheus.Counter
	ReadsAdvanced     prometheus.Counter
	FanoutPublished   *prometheus.CounterVec
	FanoutReceived    *prometheus.CounterVec
	FanoutFailures    *prometheus.CounterVec
	AuthFailures      prometheus.Counter
	SessionsReclaimed prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "connections",
			Help: "Open websocket connections on this instance.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "room_memberships",
			Help: "Connection-to-room memberships on this instance.",
		}),
		MessagesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "messages_ingested_total",
			Help: "Messages durably persisted.",
		}),
		ReadsAdvanced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "read_watermarks_advanced_total",
			Help: "Read watermarks moved forward.",
		}),
		FanoutPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "published_total",
			Help: "Envelopes published, by event type.",
		}, []string{"type"}),
		FanoutReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "received_total",
			Help: "Envelopes received, by event type.",
		}, []string{"type"}),
		FanoutFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "publish_failures_total",
			Help: "Envelopes that could not be published, by event type.",
		}, []string{"type"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "failures_total",
			Help: "Rejected or expired session tokens.",
		}),
		SessionsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "presence", Name: "sessions_reclaimed_total",
			Help: "Sessions of dead instances closed by the sweeper.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.Rooms,
		m.MessagesIngested,
		m.ReadsAdvanced,
		m.FanoutPublished,
		m.FanoutReceived,
		m.FanoutFailures,
		m.AuthFailures,
		m.SessionsReclaimed,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
