// Package kvmsg holds the canonical key/value message exchanged between
// callers, workers, and the wire codecs.
package kvmsg

import (
	"fmt"
	"sort"
	"strings"

	errspkg "github.com/drblury/momflow/internal/runtime/errors"
)

// Reserved keys. All protocol metadata lives inside the message itself so any
// worker can read or rewrite it.
const (
	KeyCorrelationID = "CORRELATION_ID"
	KeyReplyTo       = "REPLY_TO"
	KeyApplicationID = "APPLICATION_ID"
	KeyTrace         = "TRACE"
	KeySplitCount    = "SPLIT_COUNT"
	KeySplitOID      = "SPLIT_OID"
	KeySplitMID      = "SPLIT_MID"
	KeyRetryCount    = "RETRY_COUNT"
	KeyBody          = "BODY"
	KeyRC            = "RC"
	KeyErr           = "ERR"
)

// Return codes carried under KeyRC.
const (
	RCSuccess     int32 = 0
	RCBadRequest  int32 = 400
	RCNotFound    int32 = 404
	RCServerError int32 = 500
)

// Message maps keys to tagged values. Key order is irrelevant.
type Message map[string]Value

// New builds a message from plain Go values; see Of for the conversions.
func New(fields map[string]any) (Message, error) {
	return FromMap(fields)
}

// MustNew is New for literals known to be convertible.
func MustNew(fields map[string]any) Message {
	m, err := New(fields)
	if err != nil {
		panic(err)
	}
	return m
}

// FromMap converts a map of plain Go values.
func FromMap(fields map[string]any) (Message, error) {
	m := make(Message, len(fields))
	for k, raw := range fields {
		v, err := Of(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		m[k] = v
	}
	return m, nil
}

// ToMap returns the plain Go representation of m.
func (m Message) ToMap() map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Interface()
	}
	return out
}

func (m Message) Get(key string) (Value, bool) {
	v, ok := m[key]
	return v, ok
}

func (m Message) Set(key string, v Value) Message {
	m[key] = v
	return m
}

func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

func (m Message) Delete(key string) {
	delete(m, key)
}

// Text returns a string field, or "" when absent or of another kind.
func (m Message) Text(key string) string {
	s, _ := m[key].Text()
	return s
}

// Int32 returns an integer field narrowed to 32 bits, or def when absent.
func (m Message) Int32(key string, def int32) (int32, error) {
	v, ok := m[key]
	if !ok {
		return def, nil
	}
	n, err := v.AsInt32()
	if err != nil {
		return 0, &errspkg.FormatError{Field: key, Value: v.Interface()}
	}
	return n, nil
}

// Flag reports whether key is present and not an explicit false.
func (m Message) Flag(key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	if b, isBool := v.Bool(); isBool {
		return b
	}
	return true
}

// Keys returns the keys in sorted order.
func (m Message) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy; nil stays nil.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

func (m Message) Equal(o Message) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Without returns a copy of m with the given keys removed.
func (m Message) Without(keys ...string) Message {
	out := m.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func (m Message) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range m.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(m[k].String())
	}
	b.WriteByte('}')
	return b.String()
}

// ErrorReply builds a reply carrying rc and the error text.
func ErrorReply(rc int32, err error) Message {
	reply := Message{KeyRC: Int32(rc)}
	if err != nil {
		reply[KeyErr] = String(err.Error())
	}
	return reply
}
