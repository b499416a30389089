package dispatch

import (
	"context"

	"github.com/drblury/momflow/internal/runtime/kvmsg"
)

// Worker handles one complete message. A nil reply means there is nothing to
// send back.
type Worker interface {
	Apply(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error)

func (f WorkerFunc) Apply(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
	return f(ctx, msg)
}

// ReassemblyCapable is implemented by workers that accept split messages.
// Workers without it are answered with a server error when a split message
// arrives. Every actor running such a worker keeps its own reassembly store,
// capped at MaxPendingReassemblies incomplete messages.
type ReassemblyCapable interface {
	MaxPendingReassemblies() int
}

// HighPayloadWorker grants reassembly capability to any worker.
type HighPayloadWorker struct {
	Worker
	maxPending int
}

// WithReassembly marks w as accepting split messages. maxPending caps the
// number of incomplete split messages an actor keeps at once; zero keeps them
// all.
func WithReassembly(w Worker, maxPending int) *HighPayloadWorker {
	return &HighPayloadWorker{Worker: w, maxPending: maxPending}
}

func (h *HighPayloadWorker) MaxPendingReassemblies() int {
	return h.maxPending
}

// Middleware decorates a worker.
type Middleware func(Worker) Worker

// Chain applies mws so the first one is outermost.
func Chain(w Worker, mws ...Middleware) Worker {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			w = mws[i](w)
		}
	}
	return w
}
