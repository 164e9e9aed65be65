package ebus

import (
	"fmt"
	"math"
	"strconv"
)

// Kind identifies which variant a FieldValue holds.
type Kind uint8

const (
	// KindAbsent means the decoder produced no value (replacement value,
	// out of range, or field not present). The zero FieldValue is absent.
	KindAbsent Kind = iota

	// KindNumber is a numeric reading.
	KindNumber

	// KindBoolean is an on/off flag.
	KindBoolean

	// KindText is a textual value.
	KindText
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindText:
		return "text"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// FieldValue is one decoded field: a number, a boolean, text, or absent.
type FieldValue struct {
	kind Kind
	num  float64
	flag bool
	text string
}

// Number returns a numeric FieldValue.
func Number(v float64) FieldValue { return FieldValue{kind: KindNumber, num: v} }

// Boolean returns a boolean FieldValue.
func Boolean(v bool) FieldValue { return FieldValue{kind: KindBoolean, flag: v} }

// Text returns a textual FieldValue.
func Text(v string) FieldValue { return FieldValue{kind: KindText, text: v} }

// Absent returns the absent FieldValue.
func Absent() FieldValue { return FieldValue{} }

// Kind returns the variant held.
func (v FieldValue) Kind() Kind { return v.kind }

// IsAbsent reports whether the value is absent.
func (v FieldValue) IsAbsent() bool { return v.kind == KindAbsent }

// Float returns the number and true for KindNumber.
func (v FieldValue) Float() (float64, bool) { return v.num, v.kind == KindNumber }

// Bool returns the flag and true for KindBoolean.
func (v FieldValue) Bool() (bool, bool) { return v.flag, v.kind == KindBoolean }

// Str returns the text and true for KindText.
func (v FieldValue) Str() (string, bool) { return v.text, v.kind == KindText }

// String formats the value for logs.
func (v FieldValue) String() string {
	switch v.kind {
	case KindAbsent:
		return "<absent>"
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.flag)
	case KindText:
		return strconv.Quote(v.text)
	default:
		return v.kind.String()
	}
}

// FieldValueOf converts a raw decoder output into a FieldValue.
// Supported inputs are nil, bool, string, and all integer and float kinds.
// NaN floats are treated as absent.
func FieldValueOf(raw any) (FieldValue, error) {
	switch x := raw.(type) {
	case nil:
		return Absent(), nil
	case FieldValue:
		return x, nil
	case bool:
		return Boolean(x), nil
	case string:
		return Text(x), nil
	case float64:
		return numberOrAbsent(x), nil
	case float32:
		return numberOrAbsent(float64(x)), nil
	case int:
		return Number(float64(x)), nil
	case int8:
		return Number(float64(x)), nil
	case int16:
		return Number(float64(x)), nil
	case int32:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case uint:
		return Number(float64(x)), nil
	case uint8:
		return Number(float64(x)), nil
	case uint16:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	default:
		return Absent(), fmt.Errorf("%w: %T", ErrDecodeType, raw)
	}
}

func numberOrAbsent(f float64) FieldValue {
	if math.IsNaN(f) {
		return Absent()
	}
	return Number(f)
}

// State is a typed value ready for publishing. The set of implementations
// is closed: DecimalState, OnOffState and StringState.
type State interface {
	// String renders the state the way home automation front ends expect,
	// e.g. "21.5", "ON" or "auto".
	String() string

	// Value returns the state as a JSON-friendly Go value.
	Value() any

	isState()
}

// DecimalState is a numeric state.
type DecimalState float64

// String formats the number without trailing zeros.
func (s DecimalState) String() string { return strconv.FormatFloat(float64(s), 'f', -1, 64) }

// Value returns the number as float64.
func (s DecimalState) Value() any { return float64(s) }

func (DecimalState) isState() {}

// OnOffState is a switch state.
type OnOffState bool

// On and Off are the two OnOffState values.
const (
	On  OnOffState = true
	Off OnOffState = false
)

// String returns "ON" or "OFF".
func (s OnOffState) String() string {
	if s {
		return "ON"
	}
	return "OFF"
}

// Value returns the state as bool.
func (s OnOffState) Value() any { return bool(s) }

func (OnOffState) isState() {}

// StringState is a textual state.
type StringState string

// String returns the text unchanged.
func (s StringState) String() string { return string(s) }

// Value returns the text.
func (s StringState) Value() any { return string(s) }

func (StringState) isState() {}

// ToState converts a decoded field into its published state.
// Absent values return false and must not be published; so does any kind
// outside the known set.
func ToState(v FieldValue) (State, bool) {
	switch v.kind {
	case KindNumber:
		return DecimalState(v.num), true
	case KindBoolean:
		return OnOffState(v.flag), true
	case KindText:
		return StringState(v.text), true
	case KindAbsent:
		return nil, false
	default:
		return nil, false
	}
}
