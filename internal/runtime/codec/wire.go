package codec

import (
	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/internal/runtime/kvmsg"
)

// wireValue is the self-describing value shape shared by the JSON and CBOR
// codecs. The kind tag keeps Int32 and Int64 apart across the wire.
type wireValue struct {
	Kind  string               `json:"k" cbor:"k"`
	Int   int64                `json:"i,omitempty" cbor:"i,omitempty"`
	Float float64              `json:"f,omitempty" cbor:"f,omitempty"`
	Str   string               `json:"s,omitempty" cbor:"s,omitempty"`
	Bool  bool                 `json:"b,omitempty" cbor:"b,omitempty"`
	Raw   []byte               `json:"r,omitempty" cbor:"r,omitempty"`
	Msg   map[string]wireValue `json:"m,omitempty" cbor:"m,omitempty"`
	List  []wireValue          `json:"l,omitempty" cbor:"l,omitempty"`
}

func toWireMessage(m kvmsg.Message) map[string]wireValue {
	out := make(map[string]wireValue, len(m))
	for k, v := range m {
		out[k] = toWire(v)
	}
	return out
}

func toWire(v kvmsg.Value) wireValue {
	w := wireValue{Kind: v.Kind().String()}
	switch v.Kind() {
	case kvmsg.KindInt32, kvmsg.KindInt64:
		w.Int, _ = v.Int64()
	case kvmsg.KindFloat64:
		w.Float, _ = v.Float64()
	case kvmsg.KindString:
		w.Str, _ = v.Text()
	case kvmsg.KindBool:
		w.Bool, _ = v.Bool()
	case kvmsg.KindBytes:
		w.Raw, _ = v.Bytes()
	case kvmsg.KindMessage:
		m, _ := v.Message()
		w.Msg = toWireMessage(m)
	case kvmsg.KindList:
		items, _ := v.List()
		w.List = make([]wireValue, len(items))
		for i, item := range items {
			w.List[i] = toWire(item)
		}
	}
	return w
}

func fromWireMessage(in map[string]wireValue) (kvmsg.Message, error) {
	out := make(kvmsg.Message, len(in))
	for k, w := range in {
		v, err := fromWire(w)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func fromWire(w wireValue) (kvmsg.Value, error) {
	kind, ok := kvmsg.ParseKind(w.Kind)
	if !ok {
		return kvmsg.Value{}, errspkg.NewProtocolError("unknown value kind %q", w.Kind)
	}
	switch kind {
	case kvmsg.KindInt32:
		n, err := kvmsg.Int64(w.Int).AsInt32()
		if err != nil {
			return kvmsg.Value{}, err
		}
		return kvmsg.Int32(n), nil
	case kvmsg.KindInt64:
		return kvmsg.Int64(w.Int), nil
	case kvmsg.KindFloat64:
		return kvmsg.Float64(w.Float), nil
	case kvmsg.KindString:
		return kvmsg.String(w.Str), nil
	case kvmsg.KindBool:
		return kvmsg.Bool(w.Bool), nil
	case kvmsg.KindBytes:
		return kvmsg.Bytes(w.Raw), nil
	case kvmsg.KindMessage:
		m, err := fromWireMessage(w.Msg)
		if err != nil {
			return kvmsg.Value{}, err
		}
		return kvmsg.Nested(m), nil
	default:
		items := make([]kvmsg.Value, len(w.List))
		for i, item := range w.List {
			v, err := fromWire(item)
			if err != nil {
				return kvmsg.Value{}, err
			}
			items[i] = v
		}
		return kvmsg.List(items...), nil
	}
}
