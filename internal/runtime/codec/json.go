package codec

import (
	"github.com/bytedance/sonic"

	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/internal/runtime/kvmsg"
)

var jsonConfig = sonic.ConfigStd

type jsonCodec struct{}

func (jsonCodec) Name() string { return JSON }

func (jsonCodec) Marshal(msg kvmsg.Message) ([]byte, error) {
	return jsonConfig.Marshal(toWireMessage(msg))
}

func (jsonCodec) Unmarshal(data []byte) (kvmsg.Message, error) {
	var wire map[string]wireValue
	if err := jsonConfig.Unmarshal(data, &wire); err != nil {
		return nil, &errspkg.ProtocolError{Reason: "decode json payload", Err: err}
	}
	return fromWireMessage(wire)
}
