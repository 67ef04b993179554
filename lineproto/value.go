package lineproto

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Kind is the type tag of a metric Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindFloat
	KindInt
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Value is a metric scalar as it arrives from a device payload.
type Value struct {
	kind Kind
	f    float64
	i    int64
	b    bool
	s    string
}

// Null returns the null Value.
func Null() Value { return Value{kind: KindNull} }

// Float returns a float Value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Int returns an integer Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Kind returns the type tag.
func (v Value) Kind() Kind { return v.kind }

// Float returns the float payload. It is zero unless Kind is KindFloat.
func (v Value) Float() float64 { return v.f }

// Int returns the integer payload. It is zero unless Kind is KindInt.
func (v Value) Int() int64 { return v.i }

// Bool returns the boolean payload. It is false unless Kind is KindBool.
func (v Value) Bool() bool { return v.b }

// Str returns the string payload. It is empty unless Kind is KindString.
func (v Value) Str() string { return v.s }

// ValueOf classifies a decoded JSON value. json.Number literals without a
// fraction or exponent are integers; all other numbers are floats. Objects
// and arrays are not scalars and classify as null.
func ValueOf(x any) Value {
	switch v := x.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(v)
	case string:
		return String(v)
	case json.Number:
		return numberValue(string(v))
	case int:
		return Int(int64(v))
	case int32:
		return Int(int64(v))
	case int64:
		return Int(v)
	case uint32:
		return Int(int64(v))
	case float32:
		return Float(float64(v))
	case float64:
		return Float(v)
	case Value:
		return v
	default:
		return Null()
	}
}

func numberValue(s string) Value {
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i)
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Null()
	}
	return Float(f)
}

// AsFloat returns the numeric value of v and whether v is a number.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

// fieldValue renders v as a line protocol field value. Strings and nulls
// are not encoded and report false.
func (v Value) fieldValue() (string, bool) {
	switch v.kind {
	case KindBool:
		if v.b {
			return "true", true
		}
		return "false", true
	case KindInt:
		return strconv.FormatInt(v.i, 10) + "i", true
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return "", false
		}
		return strconv.FormatFloat(v.f, 'f', -1, 64), true
	case KindString, KindNull:
		return "", false
	default:
		return "", false
	}
}
