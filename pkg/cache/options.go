package cache

import (
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/metric"
)

// Option configures a cache.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
	evictCallback EvictCallback[V]
	clock         Clock
}

// WithMetrics exports cache statistics to registry under the given component
// label. A nil registry or empty component is ignored.
func WithMetrics[V any](registry *metric.MetricsRegistry, component string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && component != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = component
		}
	}
}

// WithEvictionCallback sets a callback function that is called when items are evicted.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

// WithClock replaces time.Now for insertion and expiry checks.
func WithClock[V any](clock Clock) Option[V] {
	return func(opts *cacheOptions[V]) {
		if clock != nil {
			opts.clock = clock
		}
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{clock: time.Now}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
