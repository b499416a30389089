// Package translator converts messages to wire chunks and back. It owns the
// size threshold and split policy but never buffers partial chunk sets;
// ReassemblyStore does that for the dispatch side.
package translator

import (
	"bytes"
	"math"

	"github.com/drblury/momflow/internal/runtime/codec"
	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	idspkg "github.com/drblury/momflow/internal/runtime/ids"
	"github.com/drblury/momflow/internal/runtime/kvmsg"
)

// Translator encodes with one codec and decodes with whichever codec a chunk
// names.
type Translator struct {
	codec        codec.Codec
	maxChunkSize int
}

// New returns a translator. maxChunkSize <= 0 disables splitting.
func New(c codec.Codec, maxChunkSize int) *Translator {
	if c == nil {
		c, _ = codec.Lookup(codec.Default)
	}
	return &Translator{codec: c, maxChunkSize: maxChunkSize}
}

func (t *Translator) MaxChunkSize() int { return t.maxChunkSize }
func (t *Translator) CodecName() string { return t.codec.Name() }

// Encode serializes msg for dest. Payloads above the chunk threshold are cut
// into ordered chunks that share a fresh split id.
func (t *Translator) Encode(dest string, msg kvmsg.Message) ([]Chunk, error) {
	payload, err := t.codec.Marshal(msg)
	if err != nil {
		return nil, &errspkg.ProtocolError{Reason: "encode message", Err: err}
	}

	base := Chunk{
		Destination:   dest,
		CorrelationID: msg.Text(kvmsg.KeyCorrelationID),
		ReplyTo:       msg.Text(kvmsg.KeyReplyTo),
		Trace:         msg.Flag(kvmsg.KeyTrace),
		Codec:         t.codec.Name(),
		SplitCount:    1,
	}

	if t.maxChunkSize <= 0 || len(payload) <= t.maxChunkSize {
		base.Payload = payload
		return []Chunk{base}, nil
	}

	n := (len(payload) + t.maxChunkSize - 1) / t.maxChunkSize
	if n > math.MaxInt32 {
		return nil, &errspkg.FormatError{Field: kvmsg.KeySplitCount, Value: n}
	}
	mid := idspkg.SplitID()
	chunks := make([]Chunk, n)
	for i := 0; i < n; i++ {
		start := i * t.maxChunkSize
		end := min(start+t.maxChunkSize, len(payload))
		c := base
		c.SplitCount = int32(n)
		c.SplitOID = int32(i)
		c.SplitMID = mid
		c.Payload = payload[start:end:end]
		chunks[i] = c
	}
	return chunks, nil
}

// Decode rebuilds a message from a complete chunk set given in any order.
func (t *Translator) Decode(chunks []Chunk) (kvmsg.Message, error) {
	if len(chunks) == 0 {
		return nil, errspkg.NewProtocolError("no chunks to decode")
	}
	first := chunks[0]
	if len(chunks) == 1 && !first.IsSplit() {
		return decodePayload(first.Codec, first.Payload)
	}

	count := first.SplitCount
	if int(count) != len(chunks) {
		return nil, errspkg.NewProtocolError("split %s: have %d chunks, expected %d", first.SplitMID, len(chunks), count)
	}
	ordered := make([][]byte, count)
	for _, c := range chunks {
		switch {
		case c.SplitMID != first.SplitMID:
			return nil, errspkg.NewProtocolError("split id mismatch: %s and %s", first.SplitMID, c.SplitMID)
		case c.SplitCount != count:
			return nil, errspkg.NewProtocolError("split %s: inconsistent chunk count %d and %d", first.SplitMID, count, c.SplitCount)
		case c.SplitOID < 0 || c.SplitOID >= count:
			return nil, errspkg.NewProtocolError("split %s: ordinal %d out of range", first.SplitMID, c.SplitOID)
		case ordered[c.SplitOID] != nil:
			return nil, errspkg.NewProtocolError("split %s: duplicate ordinal %d", first.SplitMID, c.SplitOID)
		}
		p := c.Payload
		if p == nil {
			p = []byte{}
		}
		ordered[c.SplitOID] = p
	}
	return decodePayload(first.Codec, bytes.Join(ordered, nil))
}

func decodePayload(name string, payload []byte) (kvmsg.Message, error) {
	c, err := codec.Lookup(name)
	if err != nil {
		return nil, &errspkg.ProtocolError{Reason: "select codec", Err: err}
	}
	return c.Unmarshal(payload)
}
