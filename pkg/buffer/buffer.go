// Package buffer provides a bounded, thread-safe circular buffer with a
// configurable overflow policy. Statistics are always collected; Prometheus
// metrics are optional via WithMetrics.
package buffer

// Buffer is a bounded FIFO queue of T.
type Buffer[T any] interface {
	// Write adds an item. When the buffer is full the overflow policy
	// decides whether the oldest item or the new one is dropped.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// ReadBatch removes and returns up to max items, oldest first.
	ReadBatch(max int) []T

	Size() int
	Capacity() int
	Stats() *Statistics

	// Close rejects further writes. Buffered items stay readable.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item dropped by the overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer. A non-positive capacity is
// treated as 1. It fails only if metrics registration fails.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	return newCircularBuffer(capacity, applyOptions(options...))
}
