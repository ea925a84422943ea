// Package metrics tracks delivery-fabric performance and usage.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for tracking stream and fan-out behavior
var (
	// Connection metrics
	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parley_active_streams",
		Help: "The number of open push connections by stream type",
	}, []string{"stream"}) // "messages", "presence", "notifications", "calls"

	RegistryKeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parley_registry_keys",
		Help: "The number of routing keys with at least one subscriber",
	}, []string{"registry"})

	// Fan-out metrics
	FanOutDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_fanout_deliveries_total",
		Help: "The total number of events delivered to push connections",
	}, []string{"registry"})

	FanOutEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_fanout_evictions_total",
		Help: "The total number of connections evicted after a failed delivery",
	}, []string{"registry"})

	// Bus metrics
	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_bus_published_total",
		Help: "The total number of events published by topic",
	}, []string{"topic"})

	BusRedelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_bus_redelivered_total",
		Help: "The total number of redeliveries by topic",
	}, []string{"topic"})

	// Call signaling metrics
	CallSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_call_signals_total",
		Help: "The total number of call signals relayed by type",
	}, []string{"type"}) // "offer", "answer", "ice-candidate", "call-ended"

	// Write endpoint metrics
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_messages_sent_total",
		Help: "The total number of chat messages accepted",
	})

	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_send_duration_seconds",
		Help:    "Time to persist and dispatch a chat message",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5),
	})

	// HTTP metrics
	HTTPRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_http_requests_total",
		Help: "The total number of HTTP requests",
	})

	HTTPRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 10, 5),
	})

	// Database metrics
	DBConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_db_connections_total",
		Help: "The total number of database connection attempts by result",
	}, []string{"status"}) // "success", "failure", "closed"

	DBOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_db_operations_total",
		Help: "The total number of database operations by kind",
	}, []string{"operation"})

	DBErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_db_errors_total",
		Help: "The total number of database errors by kind",
	}, []string{"kind"})

	// Error metrics
	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_errors_total",
		Help: "The total number of errors by type",
	}, []string{"type"})
)

// Local counters for the health endpoint, since prometheus metrics
// cannot be read back directly.
var (
	activeConnectionsCount int64
	totalConnectionsCount  int64
	messagesSentCount      int64
	errorCount             int64
)

// IncrementActiveConnections tracks one opened push connection.
func IncrementActiveConnections(stream string) {
	ActiveStreams.WithLabelValues(stream).Inc()
	atomic.AddInt64(&activeConnectionsCount, 1)
	atomic.AddInt64(&totalConnectionsCount, 1)
}

// DecrementActiveConnections tracks one closed push connection.
func DecrementActiveConnections(stream string) {
	ActiveStreams.WithLabelValues(stream).Dec()
	atomic.AddInt64(&activeConnectionsCount, -1)
}

// GetActiveConnectionsCount returns the current number of open push connections.
func GetActiveConnectionsCount() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

// GetTotalConnectionsCount returns the number of push connections opened
// since start.
func GetTotalConnectionsCount() int64 {
	return atomic.LoadInt64(&totalConnectionsCount)
}

// IncrementMessagesSent records one chat message pushed through the fabric.
func IncrementMessagesSent() {
	MessagesSent.Inc()
	atomic.AddInt64(&messagesSentCount, 1)
}

// GetMessagesSentCount returns the number of chat messages sent since start.
func GetMessagesSentCount() int64 {
	return atomic.LoadInt64(&messagesSentCount)
}

// IncrementErrorCount records one error of the given type.
func IncrementErrorCount(errType string) {
	ErrorsCount.WithLabelValues(errType).Inc()
	atomic.AddInt64(&errorCount, 1)
}

// GetErrorCount returns the total error count since start.
func GetErrorCount() int64 {
	return atomic.LoadInt64(&errorCount)
}

// RegisterMetrics pre-registers the label values the dashboards expect.
func RegisterMetrics() {
	for _, stream := range []string{"messages", "presence", "notifications", "calls"} {
		ActiveStreams.WithLabelValues(stream)
	}
	for _, registry := range []string{"messages", "presence", "notifications", "calls"} {
		RegistryKeys.WithLabelValues(registry)
		FanOutDeliveries.WithLabelValues(registry)
		FanOutEvictions.WithLabelValues(registry)
	}
	for _, topic := range []string{"chat.message", "chat.presence", "user.notification", "call.signal"} {
		BusPublished.WithLabelValues(topic)
		BusRedelivered.WithLabelValues(topic)
	}
	for _, sig := range []string{"offer", "answer", "ice-candidate", "call-ended"} {
		CallSignals.WithLabelValues(sig)
	}
	for _, errType := range []string{"validation", "database", "websocket", "rate_limit", "auth", "timeout"} {
		ErrorsCount.WithLabelValues(errType)
	}
}
