package translator

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/momflow/internal/runtime/kvmsg"
)

// Chunk is one wire unit of a logical message. Routing and split metadata are
// replicated onto every chunk so any single chunk can be routed and slotted.
type Chunk struct {
	Destination   string
	CorrelationID string
	ReplyTo       string
	Trace         bool
	Codec         string

	// SplitCount is 1 for unsplit messages.
	SplitCount int32
	SplitOID   int32
	SplitMID   string

	Payload []byte
}

// IsSplit reports whether the chunk belongs to a multi-chunk message.
func (c Chunk) IsSplit() bool {
	return c.SplitCount > 1
}

// Header renders the chunk metadata.
func (c Chunk) Header() Header {
	h := Header{}
	if c.CorrelationID != "" {
		h[kvmsg.KeyCorrelationID] = c.CorrelationID
	}
	if c.ReplyTo != "" {
		h[kvmsg.KeyReplyTo] = c.ReplyTo
	}
	if c.Trace {
		h[kvmsg.KeyTrace] = strconv.FormatBool(true)
	}
	if c.Codec != "" {
		h[HeaderCodec] = c.Codec
	}
	if c.IsSplit() {
		h.SetInt(kvmsg.KeySplitCount, c.SplitCount)
		h.SetInt(kvmsg.KeySplitOID, c.SplitOID)
		h[kvmsg.KeySplitMID] = c.SplitMID
	}
	return h
}

// ToWatermill wraps the chunk in a Watermill message.
func (c Chunk) ToWatermill() *message.Message {
	msg := message.NewMessage(watermill.NewULID(), c.Payload)
	msg.Metadata = c.Header().Watermill()
	return msg
}

// ChunkFromWatermill reads the chunk-level metadata of an inbound message.
// Split fields are narrowed to 32 bits; values that do not fit fail with a
// FormatError.
func ChunkFromWatermill(dest string, msg *message.Message) (Chunk, error) {
	h := HeaderFrom(msg.Metadata)
	c := Chunk{
		Destination:   dest,
		CorrelationID: h[kvmsg.KeyCorrelationID],
		ReplyTo:       h[kvmsg.KeyReplyTo],
		Trace:         h.Flag(kvmsg.KeyTrace),
		Codec:         h[HeaderCodec],
		SplitMID:      h[kvmsg.KeySplitMID],
		Payload:       msg.Payload,
	}
	var err error
	if c.SplitCount, err = h.Int32(kvmsg.KeySplitCount, 1); err != nil {
		return Chunk{}, err
	}
	if c.SplitOID, err = h.Int32(kvmsg.KeySplitOID, 0); err != nil {
		return Chunk{}, err
	}
	return c, nil
}
