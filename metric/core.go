package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the series shared by every gateway component.
type Metrics struct {
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesPublished  *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
	BridgeState        prometheus.Gauge

	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the core series, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Messages received by source (http, batch, mqtt) and message type",
		}, []string{"source", "msg_type"}),

		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "messages",
			Name:      "processed_total",
			Help:      "Messages processed by source and result reason",
		}, []string{"source", "result"}),

		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "messages",
			Name:      "published_total",
			Help:      "Messages published to the bus by subject prefix",
		}, []string{"prefix"}),

		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "processing",
			Name:      "duration_seconds",
			Help:      "Processing duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Errors by component and class",
		}, []string{"component", "class"}),

		BridgeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "bridge",
			Name:      "state",
			Help:      "Broker bridge state (0=disconnected, 1=connecting, 2=subscribed)",
		}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),

		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "NATS circuit breaker status (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesProcessed,
		m.MessagesPublished,
		m.ProcessingDuration,
		m.ErrorsTotal,
		m.BridgeState,
		m.NATSConnected,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	}
}

// The Record helpers below accept a nil receiver so components can run
// without a registry.

// RecordMessageReceived increments the received counter.
func (m *Metrics) RecordMessageReceived(source, msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(source, msgType).Inc()
}

// RecordMessageProcessed increments the processed counter for a result reason.
func (m *Metrics) RecordMessageProcessed(source, result string) {
	if m == nil {
		return
	}
	m.MessagesProcessed.WithLabelValues(source, result).Inc()
}

// RecordMessagePublished increments the published counter.
func (m *Metrics) RecordMessagePublished(prefix string) {
	if m == nil {
		return
	}
	m.MessagesPublished.WithLabelValues(prefix).Inc()
}

// RecordProcessingDuration records processing time
func (m *Metrics) RecordProcessingDuration(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProcessingDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordError increments error counter
func (m *Metrics) RecordError(component, class string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordBridgeState sets the bridge state gauge.
func (m *Metrics) RecordBridgeState(state int) {
	if m == nil {
		return
	}
	m.BridgeState.Set(float64(state))
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	m.NATSConnected.Set(boolToFloat(connected))
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (m *Metrics) RecordCircuitBreakerState(open bool) {
	if m == nil {
		return
	}
	m.NATSCircuitBreaker.Set(boolToFloat(open))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
