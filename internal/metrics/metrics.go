package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector defines the interface for metrics collection
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	ConnectionEvicted()

	// Presence metrics
	UserOnline()
	UserOffline()

	// Relay metrics
	MessageRelayed(kind string)
	DeliveryDropped(reason string)

	// Call metrics
	CallStarted(kind string)
	CallEnded(outcome string)

	// Handler returns an HTTP handler for the metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements the Collector interface using Prometheus
type PrometheusCollector struct {
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	evictionsTotal    prometheus.Counter

	onlineUsers prometheus.Gauge

	messagesRelayed  *prometheus.CounterVec
	deliveriesFailed *prometheus.CounterVec

	activeCalls prometheus.Gauge
	callsTotal  *prometheus.CounterVec
	callsEnded  *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		activeConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of live device connections",
		}),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Total number of accepted device connections",
		}),

		evictionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "relay_heartbeat_evictions_total",
			Help: "Total number of connections force-closed by the heartbeat sweep",
		}),

		onlineUsers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relay_online_users",
			Help: "Number of users with at least one live connection",
		}),

		messagesRelayed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_relayed_total",
				Help: "Total number of envelopes fanned out, by kind",
			},
			[]string{"kind"},
		),

		deliveriesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_deliveries_dropped_total",
				Help: "Total number of per-connection delivery failures, by reason",
			},
			[]string{"reason"},
		),

		activeCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_calls",
			Help: "Number of call sessions in a non-terminal state",
		}),

		callsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_calls_started_total",
				Help: "Total number of call sessions created, by kind",
			},
			[]string{"kind"},
		),

		callsEnded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_calls_ended_total",
				Help: "Total number of call sessions removed, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// ConnectionOpened records an accepted connection
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.activeConnections.Inc()
}

// ConnectionClosed records a closed connection
func (c *PrometheusCollector) ConnectionClosed() {
	c.activeConnections.Dec()
}

// ConnectionEvicted records a heartbeat-driven forced close
func (c *PrometheusCollector) ConnectionEvicted() {
	c.evictionsTotal.Inc()
}

// UserOnline records a 0→1 presence edge
func (c *PrometheusCollector) UserOnline() {
	c.onlineUsers.Inc()
}

// UserOffline records a 1→0 presence edge
func (c *PrometheusCollector) UserOffline() {
	c.onlineUsers.Dec()
}

// MessageRelayed records a fanned-out envelope
func (c *PrometheusCollector) MessageRelayed(kind string) {
	c.messagesRelayed.WithLabelValues(kind).Inc()
}

// DeliveryDropped records a per-connection delivery failure
func (c *PrometheusCollector) DeliveryDropped(reason string) {
	c.deliveriesFailed.WithLabelValues(reason).Inc()
}

// CallStarted records a new call session
func (c *PrometheusCollector) CallStarted(kind string) {
	c.callsTotal.WithLabelValues(kind).Inc()
	c.activeCalls.Inc()
}

// CallEnded records a removed call session
func (c *PrometheusCollector) CallEnded(outcome string) {
	c.callsEnded.WithLabelValues(outcome).Inc()
	c.activeCalls.Dec()
}

// Handler returns an HTTP handler for the metrics endpoint
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.Handler()
}

// Noop is a Collector that records nothing, used in tests.
type Noop struct{}

func (Noop) ConnectionOpened()            {}
func (Noop) ConnectionClosed()            {}
func (Noop) ConnectionEvicted()           {}
func (Noop) UserOnline()                  {}
func (Noop) UserOffline()                 {}
func (Noop) MessageRelayed(string)        {}
func (Noop) DeliveryDropped(string)       {}
func (Noop) CallStarted(string)           {}
func (Noop) CallEnded(string)             {}
func (Noop) Handler() http.Handler        { return promhttp.Handler() }
