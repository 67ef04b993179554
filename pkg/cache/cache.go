// Package cache provides a generic, thread-safe insertion-ordered cache with
// a size bound and read-time expiry. Statistics are always collected;
// Prometheus export is optional.
package cache

import (
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
)

// Cache is the interface the gateway's caches satisfy.
type Cache[V any] interface {
	// Get returns the value and true if the key is present and not expired.
	Get(key string) (V, bool)

	// Set stores value under key. It returns true when a new key was created.
	Set(key string, value V) (bool, error)

	// Delete removes key and reports whether it existed.
	Delete(key string) (bool, error)

	// Size returns the number of stored entries, expired ones included.
	Size() int

	// Stats returns the live statistics tracker.
	Stats() *Statistics
}

// EvictCallback is called, outside the cache lock, for every entry removed by
// eviction or Delete.
type EvictCallback[V any] func(key string, value V)

// Clock returns the current time. Tests replace it to move time forward.
type Clock func() time.Time

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
