// Package fieldvalue implements the heterogeneous, totally-ordered value
// type stored in document fields and compared in range queries.
//
// The total order is fixed by the spec:
//
//	min_sentinel < null < boolean < number < timestamp < string < bytes < reference < max_sentinel
//
// Number unifies integer and double storage: a value carries both an int64
// and a float64 form whenever the stored number is exactly representable in
// both, so an integer column compares correctly against a double operand
// (and vice versa) without a separate code path per storage type.
package fieldvalue

import (
	"bytes"
	"fmt"
	"math"
	"time"
)

// Kind tags the case of a Value. The numeric values of the constants below
// are exactly the total order the spec requires, so Kind comparison alone
// orders values across kinds.
type Kind int

const (
	KindMinSentinel Kind = iota
	KindNull
	KindBool
	KindNumber
	KindTimestamp
	KindString
	KindBytes
	KindReference
	KindMaxSentinel
)

func (k Kind) String() string {
	switch k {
	case KindMinSentinel:
		return "min"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindTimestamp:
		return "timestamp"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindReference:
		return "reference"
	case KindMaxSentinel:
		return "max"
	default:
		return "unknown"
	}
}

// Value is a single tagged field value. The zero Value is not meaningful;
// always construct through one of the constructors below.
type Value struct {
	kind Kind

	boolValue bool

	// Number storage: hasInt/hasFloat record which forms are populated.
	// numeric_dual requires both be set whenever the underlying number is
	// exactly representable as both an i64 and an f64.
	hasInt     bool
	intValue   int64
	hasFloat   bool
	floatValue float64

	tsSeconds int64
	tsNanos   int32

	stringValue    string
	bytesValue     []byte
	referenceValue string
}

// Min returns the sentinel that orders strictly below every real value.
func Min() Value { return Value{kind: KindMinSentinel} }

// Max returns the sentinel that orders strictly above every real value.
func Max() Value { return Value{kind: KindMaxSentinel} }

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool constructs a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, boolValue: b} }

// Int constructs a number value carried as an integer, with its exact
// double form attached whenever the integer is representable in a float64
// without loss (see exactFloatForInt).
func Int(i int64) Value {
	v := Value{kind: KindNumber, hasInt: true, intValue: i}
	if f, ok := exactFloatForInt(i); ok {
		v.hasFloat = true
		v.floatValue = f
	}
	return v
}

// Float constructs a number value carried as a double. NaN is not a legal
// stored value (spec §3); callers must reject it before calling Float — use
// Of for a validating constructor. The exact integer form is attached when
// f is finite, integral, and within int64 range.
func Float(f float64) Value {
	v := Value{kind: KindNumber, hasFloat: true, floatValue: f}
	if i, ok := exactIntForFloat(f); ok {
		v.hasInt = true
		v.intValue = i
	}
	return v
}

// Timestamp constructs a timestamp value from seconds and nanoseconds.
func Timestamp(seconds int64, nanos int32) Value {
	return Value{kind: KindTimestamp, tsSeconds: seconds, tsNanos: nanos}
}

// TimestampFromTime constructs a timestamp value from a time.Time.
func TimestampFromTime(t time.Time) Value {
	return Timestamp(t.Unix(), int32(t.Nanosecond()))
}

// String constructs a string value.
func String(s string) Value { return Value{kind: KindString, stringValue: s} }

// Bytes constructs a bytes value.
func Bytes(b []byte) Value {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Value{kind: KindBytes, bytesValue: cp}
}

// Reference constructs a document-reference value (a fully qualified
// document path rendered as a string).
func Reference(path string) Value { return Value{kind: KindReference, referenceValue: path} }

// Of constructs a Value from a native Go type, the way the HTTP layer
// builds field values out of decoded JSON. It rejects NaN per the
// spec's "NaN is not a legal stored value."
func Of(native interface{}) (Value, error) {
	switch v := native.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case float32:
		return Of(float64(v))
	case float64:
		if math.IsNaN(v) {
			return Value{}, fmt.Errorf("fieldvalue: NaN is not a legal stored value")
		}
		return Float(v), nil
	case time.Time:
		return TimestampFromTime(v), nil
	case string:
		return String(v), nil
	case []byte:
		return Bytes(v), nil
	default:
		return Value{}, fmt.Errorf("fieldvalue: unsupported native type %T", native)
	}
}

// Kind returns the tag of the value.
func (v Value) Kind() Kind { return v.kind }

// IsSentinel reports whether v is the min or max bound marker. Sentinels
// are never legal inside a stored document (invariant I5).
func (v Value) IsSentinel() bool {
	return v.kind == KindMinSentinel || v.kind == KindMaxSentinel
}

// BoolValue returns the boolean payload; only meaningful when Kind() == KindBool.
func (v Value) BoolValue() bool { return v.boolValue }

// StringValue returns the string payload; only meaningful when Kind() == KindString.
func (v Value) StringValue() string { return v.stringValue }

// BytesValue returns the bytes payload; only meaningful when Kind() == KindBytes.
func (v Value) BytesValue() []byte { return v.bytesValue }

// ReferenceValue returns the reference payload; only meaningful when
// Kind() == KindReference.
func (v Value) ReferenceValue() string { return v.referenceValue }

// TimestampValue returns (seconds, nanos); only meaningful when
// Kind() == KindTimestamp.
func (v Value) TimestampValue() (int64, int32) { return v.tsSeconds, v.tsNanos }

// NumericDual returns the double and integer forms of a number value. Either
// return may be nil: the double form is nil when an integer isn't exactly
// representable as a float64 (e.g. Int(1<<53 + 1)); the integer form is
// nil when the number isn't exactly representable as an int64 (e.g. 3.5, or
// a double outside int64 range).
func (v Value) NumericDual() (doubleForm *float64, integerForm *int64) {
	if v.kind != KindNumber {
		return nil, nil
	}
	if v.hasFloat {
		f := v.floatValue
		doubleForm = &f
	}
	if v.hasInt {
		i := v.intValue
		integerForm = &i
	}
	return
}

func exactFloatForInt(i int64) (float64, bool) {
	f := float64(i)
	// Representable iff converting back recovers i exactly.
	if int64(f) == i {
		return f, true
	}
	return 0, false
}

func exactIntForFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		// math.MaxInt64 itself isn't exactly representable as float64
		// (rounds up past the real max), so use a strict upper bound.
		return 0, false
	}
	i := int64(f)
	if float64(i) != f {
		return 0, false
	}
	return i, true
}

// Equal reports whether v and other are the same value under the spec's
// equality rule: numbers compare equal across int/double representation,
// everything else compares by kind and payload.
func (v Value) Equal(other Value) bool {
	return v.Compare(other) == 0
}

// Compare implements the total order:
//
//	min < null < boolean < number < timestamp < string < bytes < reference < max
//
// Within a kind, values compare by their natural order; numbers compare
// numerically regardless of which storage form backs either side.
func (v Value) Compare(other Value) int {
	if v.kind != other.kind {
		if v.kind < other.kind {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindMinSentinel, KindMaxSentinel, KindNull:
		return 0
	case KindBool:
		return compareBool(v.boolValue, other.boolValue)
	case KindNumber:
		return compareNumber(v, other)
	case KindTimestamp:
		if v.tsSeconds != other.tsSeconds {
			return compareInt64(v.tsSeconds, other.tsSeconds)
		}
		return compareInt64(int64(v.tsNanos), int64(other.tsNanos))
	case KindString:
		switch {
		case v.stringValue < other.stringValue:
			return -1
		case v.stringValue > other.stringValue:
			return 1
		default:
			return 0
		}
	case KindBytes:
		return bytes.Compare(v.bytesValue, other.bytesValue)
	case KindReference:
		switch {
		case v.referenceValue < other.referenceValue:
			return -1
		case v.referenceValue > other.referenceValue:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareNumber compares two number values numerically. When both sides
// have an integer form, compare as integers (avoids float rounding for huge
// values). Otherwise compare as doubles, using float64(intValue) for a side
// that has no exact double form.
func compareNumber(a, b Value) int {
	if a.hasInt && b.hasInt {
		return compareInt64(a.intValue, b.intValue)
	}
	af, bf := a.floatValue, b.floatValue
	if !a.hasFloat {
		af = float64(a.intValue)
	}
	if !b.hasFloat {
		bf = float64(b.intValue)
	}
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

// Less is a convenience wrapper for sort.Slice-style callers.
func Less(a, b Value) bool { return a.Compare(b) < 0 }
