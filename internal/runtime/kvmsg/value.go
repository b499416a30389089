package kvmsg

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	errspkg "github.com/drblury/momflow/internal/runtime/errors"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt32
	KindInt64
	KindFloat64
	KindString
	KindBool
	KindBytes
	KindMessage
	KindList
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindFloat64: "float64",
	KindString:  "string",
	KindBool:    "bool",
	KindBytes:   "bytes",
	KindMessage: "message",
	KindList:    "list",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name && Kind(k) != KindInvalid {
			return Kind(k), true
		}
	}
	return KindInvalid, false
}

// Value is a tagged message value. The zero Value is invalid.
type Value struct {
	kind Kind
	num  int64
	f    float64
	s    string
	b    bool
	raw  []byte
	msg  Message
	list []Value
}

func Int32(v int32) Value     { return Value{kind: KindInt32, num: int64(v)} }
func Int64(v int64) Value     { return Value{kind: KindInt64, num: v} }
func Float64(v float64) Value { return Value{kind: KindFloat64, f: v} }
func String(v string) Value   { return Value{kind: KindString, s: v} }
func Bool(v bool) Value       { return Value{kind: KindBool, b: v} }
func Bytes(v []byte) Value    { return Value{kind: KindBytes, raw: v} }
func Nested(v Message) Value  { return Value{kind: KindMessage, msg: v} }
func List(vs ...Value) Value  { return Value{kind: KindList, list: vs} }

// Of converts a plain Go value into a Value. Integers of type int become
// Int64; use Int32 explicitly for 32-bit fields.
func Of(v any) (Value, error) {
	switch t := v.(type) {
	case Value:
		return t, nil
	case int32:
		return Int32(t), nil
	case int:
		return Int64(int64(t)), nil
	case int64:
		return Int64(t), nil
	case float32:
		return Float64(float64(t)), nil
	case float64:
		return Float64(t), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case []byte:
		return Bytes(t), nil
	case Message:
		return Nested(t), nil
	case map[string]any:
		m, err := FromMap(t)
		if err != nil {
			return Value{}, err
		}
		return Nested(m), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			iv, err := Of(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, iv)
		}
		return List(items...), nil
	case []Value:
		return List(t...), nil
	default:
		return Value{}, fmt.Errorf("kvmsg: unsupported value type %T", v)
	}
}

// MustOf is Of for literals known to be convertible.
func MustOf(v any) Value {
	out, err := Of(v)
	if err != nil {
		panic(err)
	}
	return out
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Int64 returns the integer held by an Int32 or Int64 value.
func (v Value) Int64() (int64, bool) {
	if v.kind == KindInt32 || v.kind == KindInt64 {
		return v.num, true
	}
	return 0, false
}

// AsInt32 narrows an integer value to 32 bits. A 64-bit value that does not
// fit, or a non-integer value, yields a FormatError; nothing is truncated.
func (v Value) AsInt32() (int32, error) {
	switch v.kind {
	case KindInt32:
		return int32(v.num), nil
	case KindInt64:
		if v.num < math.MinInt32 || v.num > math.MaxInt32 {
			return 0, &errspkg.FormatError{Value: v.num}
		}
		return int32(v.num), nil
	default:
		return 0, &errspkg.FormatError{Value: v.Interface()}
	}
}

func (v Value) Float64() (float64, bool) { return v.f, v.kind == KindFloat64 }
func (v Value) Text() (string, bool)     { return v.s, v.kind == KindString }
func (v Value) Bool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) Bytes() ([]byte, bool)    { return v.raw, v.kind == KindBytes }
func (v Value) Message() (Message, bool) { return v.msg, v.kind == KindMessage }
func (v Value) List() ([]Value, bool)    { return v.list, v.kind == KindList }

// Interface returns the plain Go representation of v.
func (v Value) Interface() any {
	switch v.kind {
	case KindInt32:
		return int32(v.num)
	case KindInt64:
		return v.num
	case KindFloat64:
		return v.f
	case KindString:
		return v.s
	case KindBool:
		return v.b
	case KindBytes:
		return v.raw
	case KindMessage:
		return v.msg.ToMap()
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindBytes:
		return fmt.Sprintf("<%d bytes>", len(v.raw))
	case KindInvalid:
		return "<invalid>"
	default:
		return fmt.Sprint(v.Interface())
	}
}

// Equal reports whether both values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInt32, KindInt64:
		return v.num == o.num
	case KindFloat64:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindMessage:
		return v.msg.Equal(o.msg)
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindBytes:
		if v.raw != nil {
			v.raw = append([]byte(nil), v.raw...)
		}
	case KindMessage:
		v.msg = v.msg.Clone()
	case KindList:
		if v.list != nil {
			items := make([]Value, len(v.list))
			for i, item := range v.list {
				items[i] = item.Clone()
			}
			v.list = items
		}
	}
	return v
}
