package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the per-process HTTP and WebSocket metrics of the control API.
// Call, signaling and quality metrics are package-level collectors registered
// on the default registry; Gatherer exposes both.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Event stream Metrics
	eventStreamConnections prometheus.Gauge
	eventStreamMessages    *prometheus.CounterVec
	eventStreamErrors      *prometheus.CounterVec
}

// NewMetrics creates and registers the control API metrics on a private registry
func NewMetrics(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: registry,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		eventStreamConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "event_stream_connections",
				Help:        "Number of active call event stream WebSocket connections",
				ConstLabels: labels,
			},
		),
		eventStreamMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "event_stream_messages_total",
				Help:        "Total number of call events written to WebSocket subscribers",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		eventStreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "event_stream_errors_total",
				Help:        "Total number of call event stream errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),
	}
}

// GetRegistry returns the private registry
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// Gatherer returns a gatherer over the private and default registries
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return prometheus.Gatherers{m.registry, prometheus.DefaultGatherer}
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// Event stream Metrics Methods

// SetEventStreamConnections sets the number of connected event stream subscribers
func (m *Metrics) SetEventStreamConnections(count int) {
	m.eventStreamConnections.Set(float64(count))
}

// RecordEventStreamMessage records an event written to a subscriber
func (m *Metrics) RecordEventStreamMessage(eventType string) {
	m.eventStreamMessages.WithLabelValues(eventType).Inc()
}

// RecordEventStreamError records an event stream error
func (m *Metrics) RecordEventStreamError(err string) {
	m.eventStreamErrors.WithLabelValues(err).Inc()
}
