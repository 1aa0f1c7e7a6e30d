// Package metrics exposes Prometheus counters/gauges for the MCP
// subprocess manager.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests served by the thin adapter.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpmgr_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks HTTP request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpmgr_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ConnectedServers tracks the number of live child connections.
	ConnectedServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpmgr_connected_servers",
			Help: "Number of currently connected MCP child servers",
		},
	)

	// ConnectEvents counts connect attempts by server, connection
	// generation (instance), and outcome.
	ConnectEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpmgr_connect_events_total",
			Help: "Connect attempts by server, instance, and outcome",
		},
		[]string{"server", "instance", "outcome"},
	)

	// DisconnectEvents counts disconnects by server and connection
	// generation (instance), including disconnects caused by unexpected
	// child exit.
	DisconnectEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpmgr_disconnect_events_total",
			Help: "Disconnect/teardown events by server and instance",
		},
		[]string{"server", "instance"},
	)

	// ToolCalls tracks MCP tool invocations by server, connection
	// generation (instance), and outcome.
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpmgr_tool_calls_total",
			Help: "Total number of MCP tool calls fanned out to children",
		},
		[]string{"server", "instance", "status"},
	)

	// RequestTimeouts counts per-request timeouts by server and
	// connection generation (instance).
	RequestTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpmgr_request_timeouts_total",
			Help: "Requests to a child that hit the 30s per-request deadline",
		},
		[]string{"server", "instance"},
	)

	// ProtocolErrors counts JSON-RPC error responses by server and
	// connection generation (instance).
	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpmgr_protocol_errors_total",
			Help: "JSON-RPC error responses returned by a child",
		},
		[]string{"server", "instance"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records HTTP request count/duration metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath collapses per-server paths to avoid high cardinality.
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/mcp", "/mcp/", "/metrics":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordToolCall records an MCP tool invocation outcome.
func RecordToolCall(server, instanceID, status string) {
	ToolCalls.WithLabelValues(server, instanceID, status).Inc()
}

// RecordConnect records a connect attempt outcome.
func RecordConnect(server, instanceID, outcome string) {
	ConnectEvents.WithLabelValues(server, instanceID, outcome).Inc()
}

// RecordDisconnect records a disconnect/teardown event.
func RecordDisconnect(server, instanceID string) {
	DisconnectEvents.WithLabelValues(server, instanceID).Inc()
}

// RecordTimeout records a per-request timeout.
func RecordTimeout(server, instanceID string) {
	RequestTimeouts.WithLabelValues(server, instanceID).Inc()
}

// RecordProtocolError records a JSON-RPC error response from a child.
func RecordProtocolError(server, instanceID string) {
	ProtocolErrors.WithLabelValues(server, instanceID).Inc()
}

// SetConnectedServers sets the current connected-server gauge.
func SetConnectedServers(count int) {
	ConnectedServers.Set(float64(count))
}
