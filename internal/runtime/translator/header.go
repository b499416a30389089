package translator

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/internal/runtime/kvmsg"
)

// HeaderCodec names the codec that produced a chunk payload.
const HeaderCodec = "CODEC"

// Header holds the chunk metadata carried next to the payload. Transports only
// move strings, so numeric fields are parsed back on arrival.
type Header map[string]string

// HeaderFrom copies Watermill metadata into a Header.
func HeaderFrom(md message.Metadata) Header {
	h := make(Header, len(md))
	for k, v := range md {
		h[k] = v
	}
	return h
}

// Watermill copies the header into Watermill metadata.
func (h Header) Watermill() message.Metadata {
	md := make(message.Metadata, len(h))
	for k, v := range h {
		md[k] = v
	}
	return md
}

// With returns a copy of h containing key.
func (h Header) With(key, value string) Header {
	cloned := make(Header, len(h)+1)
	for k, v := range h {
		cloned[k] = v
	}
	cloned[key] = value
	return cloned
}

// SetInt stores n in decimal form.
func (h Header) SetInt(key string, n int32) {
	h[key] = strconv.FormatInt(int64(n), 10)
}

// Int32 parses key as a 64-bit integer and narrows it to 32 bits. Missing keys
// yield def.
func (h Header) Int32(key string, def int32) (int32, error) {
	raw, ok := h[key]
	if !ok || raw == "" {
		return def, nil
	}
	wide, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &errspkg.ProtocolError{Reason: "header " + key + " is not an integer", Err: err}
	}
	n, err := kvmsg.Int64(wide).AsInt32()
	if err != nil {
		return 0, &errspkg.FormatError{Field: key, Value: wide}
	}
	return n, nil
}

// Flag reports whether key holds a true boolean.
func (h Header) Flag(key string) bool {
	b, err := strconv.ParseBool(h[key])
	return err == nil && b
}
