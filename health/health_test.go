package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"unix path", "failed to open /etc/pulse/credentials.yaml", "failed to open [PATH]"},
		{"nats url", "cannot connect to nats://localhost:4222", "cannot connect to [URL]"},
		{"mqtt url", "dial ssl://broker.example.com:8883 refused", "dial [URL] refused"},
		{"postgres url", "connect postgres://user:pw@db:5432/pulse failed", "connect [URL] failed"},
		{"ip address", "timeout connecting to 192.168.1.100", "timeout connecting to [IP]"},
		{"port", "failed to bind to :8080", "failed to bind to [PORT]"},
		{"credential", "auth failed with password:secretpass123", "auth failed with [REDACTED]"},
		{"mixed", "failed https://10.0.0.1:8086/api/v2/write with token=abc123", "failed [URL] with [REDACTED]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeErrorMessage(tt.input))
		})
	}
}

func TestFromError(t *testing.T) {
	ok := FromError("nats", nil)
	assert.True(t, ok.Healthy)
	assert.True(t, ok.IsHealthy())

	bad := FromError("nats", errors.New("dial nats://10.0.0.5:4222: refused"))
	assert.False(t, bad.Healthy)
	assert.True(t, bad.IsUnhealthy())
	assert.Equal(t, "dial [URL] refused", bad.Message)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name   string
		subs   []Status
		expect string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"degraded wins over healthy", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("gateway", tt.subs)
			assert.Equal(t, tt.expect, got.Status)
			assert.Equal(t, "gateway", got.Component)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestAggregate_SortsAndCopies(t *testing.T) {
	subs := []Status{NewHealthy("sink", ""), NewHealthy("bridge", "")}
	got := Aggregate("gateway", subs)
	assert.Equal(t, "bridge", got.SubStatuses[0].Component)
	assert.Equal(t, "sink", subs[0].Component)
}

func TestMonitor_UpdateGetRemove(t *testing.T) {
	m := NewMonitor(time.Second)
	m.Update("sink", Status{Status: StatusDegraded})

	got, ok := m.Get("sink")
	require.True(t, ok)
	assert.Equal(t, "sink", got.Component)
	assert.False(t, got.Timestamp.IsZero())

	m.Remove("sink")
	_, ok = m.Get("sink")
	assert.False(t, ok)
}

func TestMonitor_CheckRunsProbes(t *testing.T) {
	m := NewMonitor(time.Second)
	m.Update("sink", NewHealthy("", "flushing"))
	m.Register("nats", func(context.Context) Status { return NewHealthy("", "connected") })
	m.Register("bridge", func(context.Context) Status { return NewDegraded("", "connecting") })

	got := m.Check(context.Background(), "gateway")
	assert.Equal(t, StatusDegraded, got.Status)
	require.Len(t, got.SubStatuses, 3)
	assert.Equal(t, "bridge", got.SubStatuses[0].Component)
	assert.Equal(t, "nats", got.SubStatuses[1].Component)
}

func TestMonitor_ProbeTimeout(t *testing.T) {
	m := NewMonitor(20 * time.Millisecond)
	m.Register("store", func(ctx context.Context) Status {
		<-ctx.Done()
		return FromError("", ctx.Err())
	})

	got := m.Check(context.Background(), "gateway")
	assert.Equal(t, StatusUnhealthy, got.Status)
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor(time.Second)
	m.Register("nats", func(context.Context) Status { return NewHealthy("", "connected") })

	rec := httptest.NewRecorder()
	m.Handler("gateway").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Healthy)

	m.Register("nats", func(context.Context) Status { return NewUnhealthy("", "disconnected") })
	rec = httptest.NewRecorder()
	m.Handler("gateway").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
