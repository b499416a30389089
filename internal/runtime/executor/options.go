package executor

import "github.com/drblury/momflow/internal/runtime/dispatch"

type requestOptions struct {
	replyAddress string
	answer       dispatch.Worker
}

// RequestOption customises a single RequestReply call.
type RequestOption func(*requestOptions)

// WithReplyAddress makes replies arrive on addr. The listener on a named
// address outlives the call and is reused by later calls.
func WithReplyAddress(addr string) RequestOption {
	return func(o *requestOptions) {
		o.replyAddress = addr
	}
}

// WithAnswerWorker post-processes the reply before it is returned.
func WithAnswerWorker(w dispatch.Worker) RequestOption {
	return func(o *requestOptions) {
		o.answer = w
	}
}
