// Package filter matches broker topics against wildcard subscription filters
// and payloads against predicate specs.
package filter

import (
	"regexp"
	"strings"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/metric"
	"github.com/andrewcho-dev/opsconductor-pulse-sub002/pkg/cache"
)

// DefaultCacheSize bounds the number of compiled topic filters kept.
const DefaultCacheSize = 1024

// compiled is immutable once stored. A nil re marks a malformed filter.
type compiled struct {
	re *regexp.Regexp
}

// Matcher compiles topic filters to regular expressions and caches them by
// source string.
type Matcher struct {
	filters *cache.FIFO[compiled]
}

// NewMatcher creates a Matcher caching up to size compiled filters. A nil
// registry disables Prometheus export.
func NewMatcher(size int, registry *metric.MetricsRegistry) (*Matcher, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	filters, err := cache.NewFIFO[compiled](size, 0, cache.WithMetrics[compiled](registry, "topic_filters"))
	if err != nil {
		return nil, err
	}
	return &Matcher{filters: filters}, nil
}

var defaultMatcher = func() *Matcher {
	m, err := NewMatcher(DefaultCacheSize, nil)
	if err != nil {
		panic(err)
	}
	return m
}()

// TopicMatches reports whether topic matches filter using the default matcher.
func TopicMatches(filter, topic string) bool {
	return defaultMatcher.TopicMatches(filter, topic)
}

// TopicMatches reports whether topic matches filter. "+" matches exactly one
// non-empty level. "#" must be the final level and matches the rest of the
// topic, zero levels included. Malformed filters match nothing.
func (m *Matcher) TopicMatches(filter, topic string) bool {
	if filter == "" {
		return false
	}
	c, ok := m.filters.Get(filter)
	if !ok {
		c = compiled{re: compileTopicFilter(filter)}
		_, _ = m.filters.Set(filter, c)
	}
	return c.re != nil && c.re.MatchString(topic)
}

// CacheSize returns the number of compiled filters held.
func (m *Matcher) CacheSize() int {
	return m.filters.Size()
}

func compileTopicFilter(filter string) *regexp.Regexp {
	levels := strings.Split(filter, "/")
	last := len(levels) - 1
	multi := levels[last] == "#"
	if multi {
		levels = levels[:last]
	}

	parts := make([]string, 0, len(levels))
	for _, level := range levels {
		switch {
		case level == "+":
			parts = append(parts, `[^/]+`)
		case strings.ContainsAny(level, "+#"):
			return nil
		default:
			parts = append(parts, regexp.QuoteMeta(level))
		}
	}

	var expr string
	switch {
	case multi && len(parts) == 0:
		expr = `^.*$`
	case multi:
		expr = "^" + strings.Join(parts, "/") + `(/.*)?$`
	default:
		expr = "^" + strings.Join(parts, "/") + "$"
	}
	return regexp.MustCompile(expr)
}
