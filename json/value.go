package json

import (
	"encoding/json"
	"fmt"
)

// JsonValue is a JSON scalar: integer, float, string, bool, or null.
type JsonValue struct {
	v interface{}
}

// NewJsonValue wraps a Go scalar. Unsupported types become null.
func NewJsonValue(v interface{}) *JsonValue {
	switch val := v.(type) {
	case int:
		return &JsonValue{v: int64(val)}
	case int8:
		return &JsonValue{v: int64(val)}
	case int16:
		return &JsonValue{v: int64(val)}
	case int32:
		return &JsonValue{v: int64(val)}
	case int64:
		return &JsonValue{v: val}
	case uint:
		return &JsonValue{v: int64(val)}
	case uint8:
		return &JsonValue{v: int64(val)}
	case uint16:
		return &JsonValue{v: int64(val)}
	case uint32:
		return &JsonValue{v: int64(val)}
	case uint64:
		return &JsonValue{v: int64(val)}
	case float32:
		return &JsonValue{v: float64(val)}
	case float64, string, bool:
		return &JsonValue{v: val}
	default:
		return &JsonValue{v: nil}
	}
}

// Type returns the string "value".
func (jv *JsonValue) Type() string {
	return "value"
}

// MarshalJSON implements json.Marshaler.
func (jv *JsonValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(jv.v)
}

// GetInt returns the integer value and true if the value is an integer.
func (jv *JsonValue) GetInt() (int64, bool) {
	i, ok := jv.v.(int64)
	return i, ok
}

// GetFloat returns the float value and true if the value is a float.
func (jv *JsonValue) GetFloat() (float64, bool) {
	f, ok := jv.v.(float64)
	return f, ok
}

// GetString returns the string value and true if the value is a string.
func (jv *JsonValue) GetString() (string, bool) {
	s, ok := jv.v.(string)
	return s, ok
}

// GetBool returns the bool value and true if the value is a bool.
func (jv *JsonValue) GetBool() (bool, bool) {
	b, ok := jv.v.(bool)
	return b, ok
}

// IsNull returns true if the value is null.
func (jv *JsonValue) IsNull() bool {
	return jv.v == nil
}

// ToInterface returns the underlying Go value.
func (jv *JsonValue) ToInterface() interface{} {
	return jv.v
}

// String returns a human-readable representation of the value.
func (jv *JsonValue) String() string {
	if jv.v == nil {
		return "null"
	}
	if s, ok := jv.v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", jv.v)
}
