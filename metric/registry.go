// Package metric owns the gateway's Prometheus registry and core series.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
)

// Namespace prefixes every series the gateway exports.
const Namespace = "gateway"

// MetricsRegistrar is the narrow interface components use to add their own series.
type MetricsRegistrar interface {
	RegisterCounter(owner, name string, counter prometheus.Counter) error
	RegisterGauge(owner, name string, gauge prometheus.Gauge) error
	RegisterCounterVec(owner, name string, vec *prometheus.CounterVec) error
	RegisterGaugeVec(owner, name string, vec *prometheus.GaugeVec) error
	RegisterHistogramVec(owner, name string, vec *prometheus.HistogramVec) error
	Unregister(owner, name string) bool
}

// MetricsRegistry wraps a Prometheus registry and tracks collectors by owner.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registered         map[string]prometheus.Collector
	mu                 sync.RWMutex
}

var _ MetricsRegistrar = (*MetricsRegistry)(nil)

// NewMetricsRegistry creates a registry with the core gateway metrics and
// the Go runtime and process collectors.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		registered:         make(map[string]prometheus.Collector),
		Metrics:            NewMetrics(),
	}

	r.prometheusRegistry.MustRegister(r.Metrics.collectors()...)
	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core gateway metrics
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

func (r *MetricsRegistry) register(method, owner, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := owner + "." + name
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for %s", name, owner),
			"MetricsRegistry", method, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "MetricsRegistry", method,
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "MetricsRegistry", method, "register collector")
	}

	r.registered[key] = c
	return nil
}

// RegisterCounter registers a counter owned by a component.
func (r *MetricsRegistry) RegisterCounter(owner, name string, counter prometheus.Counter) error {
	return r.register("RegisterCounter", owner, name, counter)
}

// RegisterGauge registers a gauge owned by a component.
func (r *MetricsRegistry) RegisterGauge(owner, name string, gauge prometheus.Gauge) error {
	return r.register("RegisterGauge", owner, name, gauge)
}

// RegisterCounterVec registers a counter vector owned by a component.
func (r *MetricsRegistry) RegisterCounterVec(owner, name string, vec *prometheus.CounterVec) error {
	return r.register("RegisterCounterVec", owner, name, vec)
}

// RegisterGaugeVec registers a gauge vector owned by a component.
func (r *MetricsRegistry) RegisterGaugeVec(owner, name string, vec *prometheus.GaugeVec) error {
	return r.register("RegisterGaugeVec", owner, name, vec)
}

// RegisterHistogramVec registers a histogram vector owned by a component.
func (r *MetricsRegistry) RegisterHistogramVec(owner, name string, vec *prometheus.HistogramVec) error {
	return r.register("RegisterHistogramVec", owner, name, vec)
}

// Unregister removes a metric from the registry
func (r *MetricsRegistry) Unregister(owner, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := owner + "." + name
	c, exists := r.registered[key]
	if !exists {
		return false
	}
	if !r.prometheusRegistry.Unregister(c) {
		return false
	}
	delete(r.registered, key)
	return true
}
