package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/errors"
)

type fifoEntry[V any] struct {
	key        string
	value      V
	insertedAt time.Time
}

// FIFO is a size-bounded cache that evicts the oldest inserted entry when a
// new key arrives at capacity. Entries older than the TTL read as misses but
// stay stored until evicted, overwritten or deleted; nothing purges them on a
// timer.
type FIFO[V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	now     Clock
	items   map[string]*list.Element
	order   *list.List // front is oldest
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

var _ Cache[int] = (*FIFO[int])(nil)

// NewFIFO creates a FIFO cache. maxSize must be positive; a ttl <= 0 disables expiry.
func NewFIFO[V any](maxSize int, ttl time.Duration, options ...Option[V]) (*FIFO[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewFIFO", "maxSize must be positive")
	}
	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewFIFO", "metrics registration")
		}
	}

	return &FIFO[V]{
		maxSize: maxSize,
		ttl:     ttl,
		now:     opts.clock,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stats:   NewStatistics(),
		metrics: metrics,
		evictFn: opts.evictCallback,
	}, nil
}

// Get returns the value stored under key if it has not outlived the TTL.
func (c *FIFO[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*fifoEntry[V])
		if c.ttl <= 0 || c.now().Sub(entry.insertedAt) <= c.ttl {
			c.stats.Hit()
			c.metrics.recordHit()
			return entry.value, true
		}
	}

	c.stats.Miss()
	c.metrics.recordMiss()
	var zero V
	return zero, false
}

// Set stores value under key with a fresh insertion time. Overwriting an
// existing key moves it to the newest position. Inserting a new key at
// capacity first evicts the oldest entry; both steps happen under one lock.
func (c *FIFO[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	var evicted *fifoEntry[V]

	c.mu.Lock()
	created := true
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
		created = false
	} else if len(c.items) >= c.maxSize {
		evicted = c.removeOldestLocked()
	}

	c.items[key] = c.order.PushBack(&fifoEntry[V]{key: key, value: value, insertedAt: c.now()})
	size := len(c.items)

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordSet()
	c.metrics.updateSize(size)
	c.mu.Unlock()

	if evicted != nil && c.evictFn != nil {
		c.evictFn(evicted.key, evicted.value)
	}
	return created, nil
}

func (c *FIFO[V]) removeOldestLocked() *fifoEntry[V] {
	front := c.order.Front()
	if front == nil {
		return nil
	}
	entry := c.order.Remove(front).(*fifoEntry[V])
	delete(c.items, entry.key)
	c.stats.Eviction()
	c.metrics.recordEviction()
	return entry
}

// Delete removes key and reports whether it existed.
func (c *FIFO[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	entry := c.order.Remove(el).(*fifoEntry[V])
	delete(c.items, key)
	size := len(c.items)

	c.stats.Delete()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordDelete()
	c.metrics.updateSize(size)
	c.mu.Unlock()

	if c.evictFn != nil {
		c.evictFn(entry.key, entry.value)
	}
	return true, nil
}

// Size returns the number of stored entries, expired ones included.
func (c *FIFO[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns the live statistics tracker.
func (c *FIFO[V]) Stats() *Statistics {
	return c.stats
}

// MaxSize returns the configured capacity.
func (c *FIFO[V]) MaxSize() int {
	return c.maxSize
}
