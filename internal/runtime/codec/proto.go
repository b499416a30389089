package codec

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/internal/runtime/kvmsg"
)

// Protobuf wire layout, schema-less:
//
//	message Message { repeated Entry entries = 1; }
//	message Entry   { string key = 1; Value value = 2; }
//	message Value   { oneof { sint32 i32 = 1; sint64 i64 = 2; double f = 3;
//	                          string s = 4; bool b = 5; bytes raw = 6;
//	                          Message msg = 7; List list = 8; } }
//	message List    { repeated Value items = 1; }
const (
	fieldEntry = protowire.Number(1)
	fieldKey   = protowire.Number(1)
	fieldValue = protowire.Number(2)
	fieldItem  = protowire.Number(1)

	fieldInt32   = protowire.Number(1)
	fieldInt64   = protowire.Number(2)
	fieldFloat64 = protowire.Number(3)
	fieldString  = protowire.Number(4)
	fieldBool    = protowire.Number(5)
	fieldBytes   = protowire.Number(6)
	fieldMessage = protowire.Number(7)
	fieldList    = protowire.Number(8)
)

type protoCodec struct{}

func (protoCodec) Name() string { return Proto }

func (protoCodec) Marshal(msg kvmsg.Message) ([]byte, error) {
	return appendProtoMessage(nil, msg), nil
}

func (protoCodec) Unmarshal(data []byte) (kvmsg.Message, error) {
	return consumeProtoMessage(data)
}

func appendProtoMessage(b []byte, m kvmsg.Message) []byte {
	for _, k := range m.Keys() {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldValue, protowire.BytesType)
		entry = protowire.AppendBytes(entry, appendProtoValue(nil, m[k]))

		b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func appendProtoValue(b []byte, v kvmsg.Value) []byte {
	switch v.Kind() {
	case kvmsg.KindInt32:
		n, _ := v.Int64()
		b = protowire.AppendTag(b, fieldInt32, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(n))
	case kvmsg.KindInt64:
		n, _ := v.Int64()
		b = protowire.AppendTag(b, fieldInt64, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(n))
	case kvmsg.KindFloat64:
		f, _ := v.Float64()
		b = protowire.AppendTag(b, fieldFloat64, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(f))
	case kvmsg.KindString:
		s, _ := v.Text()
		b = protowire.AppendTag(b, fieldString, protowire.BytesType)
		b = protowire.AppendString(b, s)
	case kvmsg.KindBool:
		x, _ := v.Bool()
		b = protowire.AppendTag(b, fieldBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(x))
	case kvmsg.KindBytes:
		raw, _ := v.Bytes()
		b = protowire.AppendTag(b, fieldBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, raw)
	case kvmsg.KindMessage:
		m, _ := v.Message()
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, appendProtoMessage(nil, m))
	case kvmsg.KindList:
		items, _ := v.List()
		var list []byte
		for _, item := range items {
			list = protowire.AppendTag(list, fieldItem, protowire.BytesType)
			list = protowire.AppendBytes(list, appendProtoValue(nil, item))
		}
		b = protowire.AppendTag(b, fieldList, protowire.BytesType)
		b = protowire.AppendBytes(b, list)
	}
	return b
}

func protoErr(n int) error {
	return &errspkg.ProtocolError{Reason: "decode proto payload", Err: protowire.ParseError(n)}
}

func consumeProtoMessage(b []byte) (kvmsg.Message, error) {
	out := kvmsg.Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protoErr(n)
		}
		b = b[n:]
		if num != fieldEntry || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protoErr(n)
			}
			b = b[n:]
			continue
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protoErr(n)
		}
		b = b[n:]
		key, value, err := consumeProtoEntry(entry)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}

func consumeProtoEntry(b []byte) (string, kvmsg.Value, error) {
	var (
		key   string
		value kvmsg.Value
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", value, protoErr(n)
		}
		b = b[n:]
		switch {
		case num == fieldKey && typ == protowire.BytesType:
			key, n = protowire.ConsumeString(b)
		case num == fieldValue && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				var err error
				if value, err = consumeProtoValue(raw); err != nil {
					return "", value, err
				}
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", value, protoErr(n)
		}
		b = b[n:]
	}
	return key, value, nil
}

func consumeProtoValue(b []byte) (kvmsg.Value, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return kvmsg.Value{}, protoErr(n)
	}
	b = b[n:]
	switch num {
	case fieldInt32, fieldInt64:
		u, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return kvmsg.Value{}, protoErr(n)
		}
		v := protowire.DecodeZigZag(u)
		if num == fieldInt64 {
			return kvmsg.Int64(v), nil
		}
		narrowed, err := kvmsg.Int64(v).AsInt32()
		if err != nil {
			return kvmsg.Value{}, err
		}
		return kvmsg.Int32(narrowed), nil
	case fieldFloat64:
		u, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return kvmsg.Value{}, protoErr(n)
		}
		return kvmsg.Float64(math.Float64frombits(u)), nil
	case fieldString:
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return kvmsg.Value{}, protoErr(n)
		}
		return kvmsg.String(s), nil
	case fieldBool:
		u, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return kvmsg.Value{}, protoErr(n)
		}
		return kvmsg.Bool(protowire.DecodeBool(u)), nil
	case fieldBytes:
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return kvmsg.Value{}, protoErr(n)
		}
		return kvmsg.Bytes(append([]byte{}, raw...)), nil
	case fieldMessage:
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return kvmsg.Value{}, protoErr(n)
		}
		m, err := consumeProtoMessage(raw)
		if err != nil {
			return kvmsg.Value{}, err
		}
		return kvmsg.Nested(m), nil
	case fieldList:
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return kvmsg.Value{}, protoErr(n)
		}
		return consumeProtoList(raw)
	default:
		return kvmsg.Value{}, errspkg.NewProtocolError("unknown value field %d (wire type %d)", num, typ)
	}
}

func consumeProtoList(b []byte) (kvmsg.Value, error) {
	items := []kvmsg.Value{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return kvmsg.Value{}, protoErr(n)
		}
		b = b[n:]
		if num != fieldItem || typ != protowire.BytesType {
			return kvmsg.Value{}, errspkg.NewProtocolError("unexpected list field %d", num)
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return kvmsg.Value{}, protoErr(n)
		}
		b = b[n:]
		item, err := consumeProtoValue(raw)
		if err != nil {
			return kvmsg.Value{}, err
		}
		items = append(items, item)
	}
	return kvmsg.List(items...), nil
}
