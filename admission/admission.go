// Package admission enforces per-device, per-tenant and global request rates
// with lazily refilled token buckets.
package admission

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/metric"
)

// Scope identifies which bucket family rejected a request.
type Scope string

const (
	ScopeDevice Scope = "device"
	ScopeTenant Scope = "tenant"
	ScopeGlobal Scope = "global"
)

// Key identifies one bucket.
type Key struct {
	Scope Scope
	ID    string
}

// DeviceKey returns the bucket key of a device within a tenant.
func DeviceKey(tenantID, deviceID string) Key {
	return Key{Scope: ScopeDevice, ID: tenantID + "/" + deviceID}
}

const (
	ReasonDeviceLimit = "device rate limit exceeded"
	ReasonTenantLimit = "tenant rate limit exceeded"
	ReasonGlobalLimit = "service temporarily unavailable"
)

// Limits configures the three scopes. A non-positive RPS disables the scope.
type Limits struct {
	DeviceRPS   float64 `json:"device_rps" yaml:"device_rps"`
	DeviceBurst int     `json:"device_burst" yaml:"device_burst"`
	TenantRPS   float64 `json:"tenant_rps" yaml:"tenant_rps"`
	TenantBurst int     `json:"tenant_burst" yaml:"tenant_burst"`
	GlobalRPS   float64 `json:"global_rps" yaml:"global_rps"`
	GlobalBurst int     `json:"global_burst" yaml:"global_burst"`
}

// DefaultLimits returns 5 rps / burst 20 per device, 100 / 500 per tenant
// and 5000 / 10000 globally.
func DefaultLimits() Limits {
	return Limits{
		DeviceRPS: 5, DeviceBurst: 20,
		TenantRPS: 100, TenantBurst: 500,
		GlobalRPS: 5000, GlobalBurst: 10000,
	}
}

// Decision is the outcome of CheckAll.
type Decision struct {
	Allowed    bool
	Reason     string
	StatusCode int
	Scope      Scope
}

// Stats is a snapshot of admission counters.
type Stats struct {
	Allowed       int64   `json:"allowed"`
	DeniedDevice  int64   `json:"denied_device"`
	DeniedTenant  int64   `json:"denied_tenant"`
	DeniedGlobal  int64   `json:"denied_global"`
	DeviceBuckets int     `json:"device_buckets"`
	TenantBuckets int     `json:"tenant_buckets"`
	GlobalTokens  float64 `json:"global_tokens"`
	Limits        Limits  `json:"limits"`
}

// Controller holds the buckets. Buckets are created on first use and are
// never evicted.
type Controller struct {
	limits Limits

	mu      sync.Mutex
	devices map[string]*rate.Limiter
	tenants map[string]*rate.Limiter
	global  *rate.Limiter

	allowed      atomic.Int64
	deniedDevice atomic.Int64
	deniedTenant atomic.Int64
	deniedGlobal atomic.Int64

	decisions *prometheus.CounterVec
}

// Option configures a Controller.
type Option func(*Controller) error

// WithMetrics registers an admission decision counter.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Controller) error {
		if registry == nil {
			return nil
		}
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by result (allowed, device, tenant, global)",
		}, []string{"result"})
		if err := registry.RegisterCounterVec("admission", "decisions_total", vec); err != nil {
			return err
		}
		c.decisions = vec
		return nil
	}
}

// New creates a Controller.
func New(limits Limits, opts ...Option) (*Controller, error) {
	c := &Controller{
		limits:  limits,
		devices: make(map[string]*rate.Limiter),
		tenants: make(map[string]*rate.Limiter),
		global:  newBucket(limits.GlobalRPS, limits.GlobalBurst),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func newBucket(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = max(1, int(rps))
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// bucket returns the limiter for id, creating it on first use. Callers hold c.mu.
func (c *Controller) bucket(m map[string]*rate.Limiter, id string, rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	b, ok := m[id]
	if !ok {
		b = newBucket(rps, burst)
		m[id] = b
	}
	return b
}

// CheckAll admits one request for (tenant, device) at time now. Scopes are
// checked device, tenant, global; the first empty bucket decides and later
// scopes are not charged. Tokens already taken at earlier scopes are kept.
func (c *Controller) CheckAll(tenantID, deviceID string, now time.Time) Decision {
	c.mu.Lock()
	device := c.bucket(c.devices, DeviceKey(tenantID, deviceID).ID, c.limits.DeviceRPS, c.limits.DeviceBurst)
	tenant := c.bucket(c.tenants, tenantID, c.limits.TenantRPS, c.limits.TenantBurst)
	c.mu.Unlock()

	switch {
	case device != nil && !device.AllowN(now, 1):
		c.deniedDevice.Add(1)
		c.record("device")
		return Decision{Reason: ReasonDeviceLimit, StatusCode: 429, Scope: ScopeDevice}
	case tenant != nil && !tenant.AllowN(now, 1):
		c.deniedTenant.Add(1)
		c.record("tenant")
		return Decision{Reason: ReasonTenantLimit, StatusCode: 429, Scope: ScopeTenant}
	case c.global != nil && !c.global.AllowN(now, 1):
		c.deniedGlobal.Add(1)
		c.record("global")
		return Decision{Reason: ReasonGlobalLimit, StatusCode: 503, Scope: ScopeGlobal}
	}

	c.allowed.Add(1)
	c.record("allowed")
	return Decision{Allowed: true, StatusCode: 200}
}

func (c *Controller) record(result string) {
	if c.decisions != nil {
		c.decisions.WithLabelValues(result).Inc()
	}
}

// Tokens returns the tokens available in the bucket for key at now, or -1
// if the bucket does not exist or its scope is disabled.
func (c *Controller) Tokens(key Key, now time.Time) float64 {
	c.mu.Lock()
	var b *rate.Limiter
	switch key.Scope {
	case ScopeDevice:
		b = c.devices[key.ID]
	case ScopeTenant:
		b = c.tenants[key.ID]
	case ScopeGlobal:
		b = c.global
	}
	c.mu.Unlock()

	if b == nil {
		return -1
	}
	return b.TokensAt(now)
}

// Stats returns aggregate counters and bucket counts as of the wall clock.
func (c *Controller) Stats() Stats {
	return c.StatsAt(time.Now())
}

// StatsAt is Stats with the global bucket read at now, the same clock
// CheckAll decides on.
func (c *Controller) StatsAt(now time.Time) Stats {
	c.mu.Lock()
	devices, tenants := len(c.devices), len(c.tenants)
	c.mu.Unlock()

	globalTokens := -1.0
	if c.global != nil {
		globalTokens = c.global.TokensAt(now)
	}

	return Stats{
		Allowed:       c.allowed.Load(),
		DeniedDevice:  c.deniedDevice.Load(),
		DeniedTenant:  c.deniedTenant.Load(),
		DeniedGlobal:  c.deniedGlobal.Load(),
		DeviceBuckets: devices,
		TenantBuckets: tenants,
		GlobalTokens:  globalTokens,
		Limits:        c.limits,
	}
}
