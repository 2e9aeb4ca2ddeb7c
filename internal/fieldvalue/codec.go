package fieldvalue

import (
	"encoding/json"
	"fmt"
)

// wireValue is the on-the-wire shape of a Value: one tagged case per kind
// in §3, with every other field omitted. Used both by the document codec
// (one per field) and by the index packages that persist a bare field
// value as part of a lookup or subscription row.
type wireValue struct {
	Kind      string   `json:"kind"`
	Bool      *bool    `json:"bool,omitempty"`
	Int       *int64   `json:"int,omitempty"`
	Float     *float64 `json:"float,omitempty"`
	TSSeconds *int64   `json:"ts_seconds,omitempty"`
	TSNanos   *int32   `json:"ts_nanos,omitempty"`
	String    *string  `json:"string,omitempty"`
	Bytes     []byte   `json:"bytes,omitempty"`
	Reference *string  `json:"reference,omitempty"`
}

func toWire(v Value) (wireValue, error) {
	switch v.Kind() {
	case KindNull:
		return wireValue{Kind: "null"}, nil
	case KindBool:
		b := v.BoolValue()
		return wireValue{Kind: "bool", Bool: &b}, nil
	case KindNumber:
		w := wireValue{Kind: "number"}
		d, i := v.NumericDual()
		w.Float = d
		w.Int = i
		return w, nil
	case KindTimestamp:
		sec, nanos := v.TimestampValue()
		return wireValue{Kind: "timestamp", TSSeconds: &sec, TSNanos: &nanos}, nil
	case KindString:
		s := v.StringValue()
		return wireValue{Kind: "string", String: &s}, nil
	case KindBytes:
		return wireValue{Kind: "bytes", Bytes: v.BytesValue()}, nil
	case KindReference:
		r := v.ReferenceValue()
		return wireValue{Kind: "reference", Reference: &r}, nil
	default:
		return wireValue{}, fmt.Errorf("fieldvalue: cannot encode sentinel value of kind %s", v.Kind())
	}
}

func fromWire(w wireValue) (Value, error) {
	switch w.Kind {
	case "null":
		return Null(), nil
	case "bool":
		if w.Bool == nil {
			return Value{}, fmt.Errorf("fieldvalue: bool value missing payload")
		}
		return Bool(*w.Bool), nil
	case "number":
		switch {
		case w.Int != nil:
			return Int(*w.Int), nil
		case w.Float != nil:
			return Float(*w.Float), nil
		default:
			return Value{}, fmt.Errorf("fieldvalue: number value missing payload")
		}
	case "timestamp":
		if w.TSSeconds == nil || w.TSNanos == nil {
			return Value{}, fmt.Errorf("fieldvalue: timestamp value missing payload")
		}
		return Timestamp(*w.TSSeconds, *w.TSNanos), nil
	case "string":
		if w.String == nil {
			return Value{}, fmt.Errorf("fieldvalue: string value missing payload")
		}
		return String(*w.String), nil
	case "bytes":
		return Bytes(w.Bytes), nil
	case "reference":
		if w.Reference == nil {
			return Value{}, fmt.Errorf("fieldvalue: reference value missing payload")
		}
		return Reference(*w.Reference), nil
	default:
		return Value{}, fmt.Errorf("fieldvalue: unknown value kind %q", w.Kind)
	}
}

// Encode produces deterministic wire bytes for a single field value.
func Encode(v Value) ([]byte, error) {
	w, err := toWire(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Decode is the inverse of Encode.
func Decode(b []byte) (Value, error) {
	var w wireValue
	if err := json.Unmarshal(b, &w); err != nil {
		return Value{}, fmt.Errorf("fieldvalue: decode: %w", err)
	}
	return fromWire(w)
}
