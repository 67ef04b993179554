package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/andrewcho-dev/opsconductor-pulse-sub002/lineproto"
)

// Spec is a payload predicate: every key must match its condition. A
// condition is either a plain value compared as a string, or an object of
// comparison operators ($gt, $gte, $lt, $lte, $eq, $ne) compared as numbers.
type Spec map[string]any

// MatchesPayload reports whether payload satisfies every condition in spec.
// Each key is looked up in payload["metrics"] first, then at the top level.
// An absent or null value never matches. An empty spec matches everything.
func MatchesPayload(spec Spec, payload map[string]any) bool {
	for key, cond := range spec {
		value, ok := lookup(payload, key)
		if !ok {
			return false
		}
		if !matchesCondition(value, cond) {
			return false
		}
	}
	return true
}

func lookup(payload map[string]any, key string) (any, bool) {
	if metrics, ok := payload["metrics"].(map[string]any); ok {
		if v, ok := metrics[key]; ok && v != nil {
			return v, true
		}
	}
	v, ok := payload[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func matchesCondition(value, cond any) bool {
	ops, ok := cond.(map[string]any)
	if !ok || !isOperatorObject(ops) {
		return stringify(value) == stringify(cond)
	}

	actual, ok := toFloat64(value)
	if !ok {
		return false
	}
	for op, operand := range ops {
		expected, ok := toFloat64(operand)
		if !ok || !compare(op, actual, expected) {
			return false
		}
	}
	return true
}

func isOperatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func compare(op string, a, b float64) bool {
	switch op {
	case "$gt":
		return a > b
	case "$gte":
		return a >= b
	case "$lt":
		return a < b
	case "$lte":
		return a <= b
	case "$eq":
		return a == b
	case "$ne":
		return a != b
	default:
		return false
	}
}

// toFloat64 parses numbers and numeric strings. Booleans are not numbers.
func toFloat64(v any) (float64, bool) {
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return lineproto.ValueOf(v).AsFloat()
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
