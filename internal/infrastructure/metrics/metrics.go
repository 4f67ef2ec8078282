package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Metrics owns its registry so several instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections  prometheus.Gauge
	ConnectedUsers     prometheus.Gauge
	EnvelopesPublished *prometheus.CounterVec
	EnvelopesConsumed  *prometheus.CounterVec
	EnvelopesDropped   *prometheus.CounterVec
	BrokerReconnects   prometheus.Counter
	BrokerState        prometheus.Gauge
	SessionCache       *prometheus.CounterVec
	SessionLatency     prometheus.Histogram
	HandshakeFailures  *prometheus.CounterVec
	HTTPRequests       *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live client connections on this process",
		}),
		ConnectedUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_users",
			Help:      "Number of distinct users with at least one connection on this process",
		}),
		EnvelopesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_published_total",
			Help:      "Envelopes published to the broker by kind and result",
		}, []string{"kind", "result"}),
		EnvelopesConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_consumed_total",
			Help:      "Envelopes consumed from the broker by kind",
		}, []string{"kind"}),
		EnvelopesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes dropped by reason",
		}, []string{"reason"}),
		BrokerReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_reconnects_total",
			Help:      "Successful broker reconnections",
		}),
		BrokerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_state",
			Help:      "Broker connection state (0 disconnected, 1 connected, 2 error detected, 3 reconnecting)",
		}),
		SessionCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_cache_total",
			Help:      "Session cache lookups by result",
		}, []string{"result"}),
		SessionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_validation_seconds",
			Help:      "Latency of session validation against the backing store",
			Buckets:   prometheus.DefBuckets,
		}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Rejected websocket handshakes by reason",
		}, []string{"reason"}),
		HTTPRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry: m.registry,
		Timeout:  10 * time.Second,
	})
}
