package broker

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/momflow/internal/runtime/kvmsg"
	"github.com/drblury/momflow/internal/runtime/translator"
)

// Send encodes msg for dest and publishes every resulting chunk in one call.
// It returns the number of chunks published.
func Send(ctx context.Context, b Broker, tr *translator.Translator, dest string, msg kvmsg.Message) (int, error) {
	chunks, err := tr.Encode(dest, msg)
	if err != nil {
		return 0, err
	}
	out := make([]*message.Message, len(chunks))
	for i, c := range chunks {
		out[i] = c.ToWatermill()
	}
	if err := b.Publish(ctx, dest, out...); err != nil {
		return 0, err
	}
	return len(out), nil
}
