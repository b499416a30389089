package codec

import (
	"github.com/fxamacker/cbor/v2"

	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/internal/runtime/kvmsg"
)

var (
	cborEnc = mustEncMode()
	cborDec = mustDecMode()
)

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{IntDec: cbor.IntDecConvertSigned}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

type cborCodec struct{}

func (cborCodec) Name() string { return CBOR }

func (cborCodec) Marshal(msg kvmsg.Message) ([]byte, error) {
	return cborEnc.Marshal(toWireMessage(msg))
}

func (cborCodec) Unmarshal(data []byte) (kvmsg.Message, error) {
	var wire map[string]wireValue
	if err := cborDec.Unmarshal(data, &wire); err != nil {
		return nil, &errspkg.ProtocolError{Reason: "decode cbor payload", Err: err}
	}
	return fromWireMessage(wire)
}
