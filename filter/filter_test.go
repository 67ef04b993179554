package filter

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/metric"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"tenant/+/device/+/telemetry", "tenant/T1/device/D1/telemetry", true},
		{"tenant/+/device/#", "tenant/T1/device/D1/telemetry", true},
		{"tenant/+/device/+/#", "tenant/T1/device/D1/ota/status", true},
		{"tenant/+/device/+/telemetry", "tenant/T1/device/D1/heartbeat", false},
		{"tenant/+/device/+/telemetry", "tenants/T1/device/D1/telemetry", false},
		{"tenant/+/device/+/telemetry", "tenant/T1/x/device/D1/telemetry", false},
		{"tenant/+/device", "tenant//device", false},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"a/#", "ab", false},
		{"#", "anything/at/all", true},
		{"a/b", "a/b", true},
		{"a/b", "a/b/c", false},
		{"a.b/+", "a.b/c", true},
		{"a.b/+", "axb/c", false},
		{"a/#/b", "a/x/b", false},
		{"a/b+/c", "a/b+/c", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s|%s", tt.filter, tt.topic), func(t *testing.T) {
			assert.Equal(t, tt.want, TopicMatches(tt.filter, tt.topic))
		})
	}
}

func TestMatcher_CacheIsBounded(t *testing.T) {
	m, err := NewMatcher(4, nil)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		assert.True(t, m.TopicMatches(fmt.Sprintf("site/%d/+", i), fmt.Sprintf("site/%d/x", i)))
	}
	assert.Equal(t, 4, m.CacheSize())

	// Cached and recompiled filters give the same answer.
	assert.True(t, m.TopicMatches("site/19/+", "site/19/y"))
	assert.True(t, m.TopicMatches("site/0/+", "site/0/y"))
}

func TestMatcher_Metrics(t *testing.T) {
	m, err := NewMatcher(8, metric.NewMetricsRegistry())
	require.NoError(t, err)
	m.TopicMatches("a/+", "a/b")
	m.TopicMatches("a/+", "a/c")
	assert.Equal(t, int64(1), m.filters.Stats().Hits())
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestMatchesPayload(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		payload string
		want    bool
	}{
		{"gt matches", `{"temperature": {"$gt": 80}}`, `{"metrics": {"temperature": 90}}`, true},
		{"gt rejects", `{"temperature": {"$gt": 80}}`, `{"metrics": {"temperature": 70}}`, false},
		{"missing key", `{"temperature": {"$gt": 80}}`, `{"metrics": {"humidity": 90}}`, false},
		{"null value", `{"temperature": {"$gt": 80}}`, `{"metrics": {"temperature": null}}`, false},
		{"empty spec", `{}`, `{"metrics": {}}`, true},
		{"top level fallback", `{"site_id": "lab-1"}`, `{"site_id": "lab-1", "metrics": {}}`, true},
		{"metrics first", `{"site_id": "inner"}`, `{"site_id": "outer", "metrics": {"site_id": "inner"}}`, true},
		{"plain string mismatch", `{"site_id": "lab-2"}`, `{"site_id": "lab-1"}`, false},
		{"plain number equality", `{"mode": 3}`, `{"metrics": {"mode": 3}}`, true},
		{"plain bool equality", `{"door": true}`, `{"metrics": {"door": true}}`, true},
		{"range", `{"t": {"$gte": 10, "$lt": 20}}`, `{"metrics": {"t": 10}}`, true},
		{"range upper", `{"t": {"$gte": 10, "$lt": 20}}`, `{"metrics": {"t": 20}}`, false},
		{"lte", `{"t": {"$lte": 5}}`, `{"metrics": {"t": 5}}`, true},
		{"eq", `{"t": {"$eq": 5}}`, `{"metrics": {"t": 5.0}}`, true},
		{"ne", `{"t": {"$ne": 5}}`, `{"metrics": {"t": 6}}`, true},
		{"non numeric value", `{"t": {"$gt": 5}}`, `{"metrics": {"t": "hot"}}`, false},
		{"non numeric operand", `{"t": {"$gt": "x"}}`, `{"metrics": {"t": 6}}`, false},
		{"numeric string value", `{"t": {"$gt": 5}}`, `{"metrics": {"t": "6.5"}}`, true},
		{"bool is not a number", `{"t": {"$gt": 0}}`, `{"metrics": {"t": true}}`, false},
		{"unknown operator", `{"t": {"$in": 5}}`, `{"metrics": {"t": 5}}`, false},
		{"conjunction fails", `{"a": 1, "b": 2}`, `{"metrics": {"a": 1, "b": 3}}`, false},
		{"conjunction holds", `{"a": 1, "b": 2}`, `{"metrics": {"a": 1, "b": 2}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesPayload(Spec(decode(t, tt.spec)), decode(t, tt.payload)))
		})
	}
}

func TestMatchesPayload_NilSpec(t *testing.T) {
	assert.True(t, MatchesPayload(nil, map[string]any{}))
	assert.False(t, MatchesPayload(Spec{"x": 1}, nil))
}
