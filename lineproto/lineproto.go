// Package lineproto encodes validated device messages as line protocol
// records for the time-series sink.
//
// A record is a measurement, an escaped tag set, an escaped and type-tagged
// field set and a nanosecond timestamp:
//
//	heartbeat,device_id=dev-0001,site_id=lab-1 seq=120i 1700000000000000000
//
// Booleans encode as true/false, integers carry an i suffix and floats are
// written in plain decimal. String and null metric values are dropped.
package lineproto

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Recognized measurements.
const (
	MeasurementTelemetry   = "telemetry"
	MeasurementHeartbeat   = "heartbeat"
	MeasurementIngestError = "ingest_error"
)

// Tag is one key=value pair of the tag set.
type Tag struct {
	Key   string
	Value string
}

// Field is one key=value pair of the field set.
type Field struct {
	Key   string
	Value Value
}

// Point is a record before encoding.
type Point struct {
	Measurement string
	Tags        []Tag
	Fields      []Field
	Time        time.Time
}

var (
	escaper            = strings.NewReplacer(`\`, `\\`, ",", `\,`, "=", `\=`, " ", `\ `)
	measurementEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`, " ", `\ `)
)

// Escape backslash-prefixes backslash, comma, equals sign and space. The
// input is scanned once, so an inserted backslash is never escaped again.
func Escape(s string) string {
	return escaper.Replace(s)
}

// IsRecognized reports whether msgType has a measurement.
func IsRecognized(msgType string) bool {
	return msgType == MeasurementTelemetry || msgType == MeasurementHeartbeat
}

// BuildLineRecord encodes one device message. It returns "" for an
// unrecognized msgType. payload may carry "seq" and, for telemetry, a
// "metrics" object. A zero declaredTS is replaced by the current time.
func BuildLineRecord(msgType, deviceID, siteID string, payload map[string]any, declaredTS time.Time) string {
	if !IsRecognized(msgType) {
		return ""
	}

	p := Point{
		Measurement: msgType,
		Tags:        []Tag{{Key: "device_id", Value: deviceID}, {Key: "site_id", Value: siteID}},
		Time:        declaredTS,
	}

	if seq, ok := SeqValue(payload["seq"]); ok {
		p.Fields = append(p.Fields, Field{Key: "seq", Value: Int(seq)})
	}
	if msgType == MeasurementTelemetry {
		p.Fields = append(p.Fields, metricFields(payload["metrics"])...)
	}
	return p.Encode()
}

// SeqValue coerces a decoded sequence number to an integer. Floats are
// truncated; numeric strings are parsed.
func SeqValue(x any) (int64, bool) {
	if s, ok := x.(string); ok {
		if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return i, true
		}
		return 0, false
	}
	v := ValueOf(x)
	switch v.Kind() {
	case KindInt:
		return v.Int(), true
	case KindFloat:
		return int64(v.Float()), true
	default:
		return 0, false
	}
}

func metricFields(raw any) []Field {
	var fields []Field
	switch m := raw.(type) {
	case map[string]any:
		fields = make([]Field, 0, len(m))
		for k, x := range m {
			fields = append(fields, Field{Key: k, Value: ValueOf(x)})
		}
	case map[string]Value:
		fields = make([]Field, 0, len(m))
		for k, v := range m {
			fields = append(fields, Field{Key: k, Value: v})
		}
	default:
		return nil
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })
	return fields
}

// Encode renders the point. Tags with empty values are skipped, as are
// fields whose value has no field encoding and fields repeating an earlier
// key. A point left without fields is still emitted as measurement, tags
// and timestamp.
func (p Point) Encode() string {
	var b strings.Builder
	b.WriteString(measurementEscaper.Replace(p.Measurement))

	for _, t := range p.Tags {
		if t.Key == "" || t.Value == "" {
			continue
		}
		b.WriteByte(',')
		b.WriteString(Escape(t.Key))
		b.WriteByte('=')
		b.WriteString(Escape(t.Value))
	}
	b.WriteByte(' ')

	seen := make(map[string]struct{}, len(p.Fields))
	n := 0
	for _, f := range p.Fields {
		if _, dup := seen[f.Key]; dup || f.Key == "" {
			continue
		}
		rendered, ok := f.Value.fieldValue()
		if !ok {
			continue
		}
		seen[f.Key] = struct{}{}
		if n > 0 {
			b.WriteByte(',')
		}
		b.WriteString(Escape(f.Key))
		b.WriteByte('=')
		b.WriteString(rendered)
		n++
	}
	if n > 0 {
		b.WriteByte(' ')
	}

	ts := p.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(strconv.FormatInt(ts.UnixNano(), 10))
	return b.String()
}
