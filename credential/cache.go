package credential

import (
	"time"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/metric"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/pkg/cache"
)

const (
	DefaultTTL     = 300 * time.Second
	DefaultMaxSize = 10000
)

// CacheStats is the view served by the observability endpoint.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Size    int   `json:"size"`
	MaxSize int   `json:"max_size"`
}

// Cache maps (tenant, device) to the last known credential.
type Cache struct {
	entries *cache.FIFO[Entry]
	now     func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	clock    func() time.Time
	registry *metric.MetricsRegistry
}

// WithCacheClock replaces time.Now. Used by tests.
func WithCacheClock(clock func() time.Time) CacheOption {
	return func(c *cacheConfig) { c.clock = clock }
}

// WithCacheMetrics exports cache counters under component "credentials".
func WithCacheMetrics(registry *metric.MetricsRegistry) CacheOption {
	return func(c *cacheConfig) { c.registry = registry }
}

// NewCache creates a credential cache. Non-positive arguments fall back to
// DefaultTTL and DefaultMaxSize.
func NewCache(ttl time.Duration, maxSize int, opts ...CacheOption) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	cfg := cacheConfig{clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}

	entries, err := cache.NewFIFO[Entry](maxSize, ttl,
		cache.WithClock[Entry](cfg.clock),
		cache.WithMetrics[Entry](cfg.registry, "credentials"),
	)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries, now: cfg.clock}, nil
}

func cacheKey(tenantID, deviceID string) string {
	// \x1f cannot appear in a URL path segment or an MQTT topic level we accept.
	return tenantID + "\x1f" + deviceID
}

// Get returns the cached entry if present and younger than the TTL.
func (c *Cache) Get(tenantID, deviceID string) (Entry, bool) {
	return c.entries.Get(cacheKey(tenantID, deviceID))
}

// Put stores or replaces the entry for (tenant, device).
func (c *Cache) Put(tenantID, deviceID, tokenHash, siteID string, status Status) {
	_, _ = c.entries.Set(cacheKey(tenantID, deviceID), Entry{
		TenantID:   tenantID,
		DeviceID:   deviceID,
		TokenHash:  tokenHash,
		SiteID:     siteID,
		Status:     status,
		InsertedAt: c.now(),
	})
}

// PutDeleted caches the absence of (tenant, device) so repeated messages
// from an unknown or deleted device do not reach the store until the TTL
// passes.
func (c *Cache) PutDeleted(tenantID, deviceID string) {
	c.Put(tenantID, deviceID, "", "", StatusDeleted)
}

// Invalidate drops the entry for (tenant, device) if present.
func (c *Cache) Invalidate(tenantID, deviceID string) {
	_, _ = c.entries.Delete(cacheKey(tenantID, deviceID))
}

// Stats returns hit, miss and size counters.
func (c *Cache) Stats() CacheStats {
	s := c.entries.Stats()
	return CacheStats{
		Hits:    s.Hits(),
		Misses:  s.Misses(),
		Size:    c.entries.Size(),
		MaxSize: c.entries.MaxSize(),
	}
}
