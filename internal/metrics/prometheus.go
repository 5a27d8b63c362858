// Package metrics defines the Prometheus metrics exported by the discodo node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the discodo node
type Metrics struct {
	// Connection protocol metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	HandshakeFailures prometheus.Counter
	ReadTimeouts      prometheus.Counter

	// Frame metrics
	FramesReceived   prometheus.Counter
	FramesDispatched prometheus.Counter
	FramesDropped    prometheus.Counter
	FramesSent       prometheus.Counter
	HandlerErrors    prometheus.Counter

	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsResumed   prometheus.Counter
	SessionsDestroyed prometheus.Counter

	// Stream proxy metrics
	ProxyRequests       prometheus.Counter
	ProxyRejected       prometheus.Counter
	ProxyUpstreamErrors prometheus.Counter
	ProxyBytesRelayed   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics on the default registerer
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates all Prometheus metrics registered on the given registerer.
// Tests use a fresh registry to avoid duplicate registration panics.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Connection protocol metrics
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "discodo_connections_active",
			Help: "Current number of open websocket connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_connections_total",
			Help: "Total number of websocket connections accepted",
		}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_handshake_failures_total",
			Help: "Total number of connections rejected at handshake",
		}),
		ReadTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_read_timeouts_total",
			Help: "Total number of connections closed by heartbeat timeout",
		}),

		// Frame metrics
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_frames_received_total",
			Help: "Total number of inbound frames read from connections",
		}),
		FramesDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_frames_dispatched_total",
			Help: "Total number of frames dispatched to operation handlers",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_frames_dropped_total",
			Help: "Total number of unparsable or unknown-operation frames dropped",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_frames_sent_total",
			Help: "Total number of outbound frames written to connections",
		}),
		HandlerErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_handler_errors_total",
			Help: "Total number of operation handler errors echoed to clients",
		}),

		// Session metrics
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "discodo_sessions_active",
			Help: "Current number of registered playback sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_sessions_created_total",
			Help: "Total number of playback sessions created",
		}),
		SessionsResumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_sessions_resumed_total",
			Help: "Total number of sessions rebound within the grace period",
		}),
		SessionsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_sessions_destroyed_total",
			Help: "Total number of sessions destroyed after grace period expiry",
		}),

		// Stream proxy metrics
		ProxyRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_proxy_requests_total",
			Help: "Total number of stream proxy requests accepted",
		}),
		ProxyRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_proxy_rejected_total",
			Help: "Total number of stream proxy requests rejected before upstream I/O",
		}),
		ProxyUpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_proxy_upstream_errors_total",
			Help: "Total number of upstream connection failures",
		}),
		ProxyBytesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "discodo_proxy_bytes_relayed_total",
			Help: "Total number of upstream body bytes relayed to callers",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discodo_http_requests_total",
			Help: "Total number of HTTP API requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discodo_http_request_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discodo_http_errors_total",
			Help: "Total number of HTTP API error responses",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordHTTPError records an HTTP error response
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
