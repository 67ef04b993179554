package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) Status

// Monitor tracks the health of gateway dependencies. A dependency is either
// probed on demand through a registered CheckFunc or pushed with Update.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]CheckFunc
	timeout  time.Duration
}

// NewMonitor creates a monitor whose probes are bounded by timeout.
func NewMonitor(timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]CheckFunc),
		timeout:  timeout,
	}
}

// Register adds a probe for name, replacing any previous one.
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Update records a pushed status for name.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Get returns the last pushed status for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Remove forgets name, both its pushed status and its probe.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checks, name)
}

// Check runs every probe and aggregates the results with the pushed
// statuses. A probe overrides a pushed status of the same name.
func (m *Monitor) Check(ctx context.Context, system string) Status {
	m.mu.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	results := make(map[string]Status, len(m.statuses)+len(checks))
	for name, status := range m.statuses {
		results[name] = status
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()
			status := check(ctx)
			status.Component = name
			if status.Timestamp.IsZero() {
				status.Timestamp = time.Now()
			}
			rmu.Lock()
			results[name] = status
			rmu.Unlock()
		}(name, check)
	}
	wg.Wait()

	subs := make([]Status, 0, len(results))
	for _, status := range results {
		subs = append(subs, status)
	}
	return Aggregate(system, subs)
}

// Handler serves the aggregated status as JSON: 200 when healthy or
// degraded, 503 when unhealthy.
func (m *Monitor) Handler(system string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := m.Check(r.Context(), system)
		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
