package buffer

import (
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/metric"
)

// Option configures a buffer.
type Option[T any] func(*bufferOptions[T])

type bufferOptions[T any] struct {
	overflowPolicy OverflowPolicy
	dropCallback   DropCallback[T]
	metricsReg     *metric.MetricsRegistry
	component      string
}

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.overflowPolicy = policy
	}
}

// WithMetrics exports buffer statistics labelled with component. It is
// ignored when registry is nil or component is empty.
func WithMetrics[T any](registry *metric.MetricsRegistry, component string) Option[T] {
	return func(opts *bufferOptions[T]) {
		if registry != nil && component != "" {
			opts.metricsReg = registry
			opts.component = component
		}
	}
}

// WithDropCallback sets a callback for items dropped on overflow.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *bufferOptions[T]) {
		opts.dropCallback = callback
	}
}

func applyOptions[T any](options ...Option[T]) *bufferOptions[T] {
	opts := &bufferOptions[T]{overflowPolicy: DropOldest}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
