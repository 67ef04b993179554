// Package timestamp normalizes device-declared timestamps.
//
// Devices send RFC 3339 strings or epoch numbers in seconds, milliseconds,
// microseconds or nanoseconds. Epoch units are inferred from magnitude.
// Values that cannot be parsed, or that fall outside 1970..3000, are
// rejected so the caller can substitute the arrival time.
package timestamp

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Upper bound on accepted timestamps (year 3000).
var maxTime = time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC)

// ToUnixMs converts a time.Time to Unix milliseconds. A zero time is 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Parse converts a declared timestamp to a time. It reports false for nil,
// zero, unparseable or out-of-range input.
func Parse(input any) (time.Time, bool) {
	var t time.Time
	switch v := input.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		t = v
	case string:
		return parseString(v)
	case json.Number:
		return parseString(v.String())
	case int:
		t = fromEpoch(float64(v))
	case int64:
		t = fromEpochInt(v)
	case float64:
		t = fromEpoch(v)
	default:
		return time.Time{}, false
	}
	return t, valid(t)
}

// Normalize returns the declared time when it parses, otherwise received.
func Normalize(declared any, received time.Time) time.Time {
	if t, ok := Parse(declared); ok {
		return t
	}
	return received
}

func parseString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, valid(t)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := fromEpochInt(i)
		return t, valid(t)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		t := fromEpoch(f)
		return t, valid(t)
	}
	return time.Time{}, false
}

// fromEpochInt keeps full precision for integer nanosecond inputs.
func fromEpochInt(v int64) time.Time {
	switch {
	case v <= 0:
		return time.Time{}
	case v > 1e17:
		return time.Unix(0, v)
	case v > 1e14:
		return time.UnixMicro(v)
	case v > 1e11:
		return time.UnixMilli(v)
	default:
		return time.Unix(v, 0)
	}
}

func fromEpoch(v float64) time.Time {
	if v <= 0 || math.IsNaN(v) || v >= math.MaxInt64 {
		return time.Time{}
	}
	whole, frac := math.Modf(v)
	switch {
	case v > 1e17:
		return time.Unix(0, int64(v))
	case v > 1e14:
		return time.UnixMicro(int64(whole)).Add(time.Duration(math.Round(frac * 1e3)))
	case v > 1e11:
		return time.UnixMilli(int64(whole)).Add(time.Duration(math.Round(frac * 1e6)))
	default:
		return time.Unix(int64(whole), int64(math.Round(frac*1e9)))
	}
}

func valid(t time.Time) bool {
	return !t.IsZero() && t.Unix() > 0 && t.Before(maxTime)
}
