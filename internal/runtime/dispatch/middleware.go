package dispatch

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/internal/runtime/kvmsg"
	"github.com/drblury/momflow/internal/runtime/logging"
	"github.com/drblury/momflow/internal/runtime/metrics"
)

const tracerName = "github.com/drblury/momflow/dispatch"

// DefaultMiddlewares returns the chain every actor installs: panics become
// worker errors, then tracing, metrics and debug logging.
func DefaultMiddlewares(dest string, logger logging.ServiceLogger, m *metrics.Metrics) []Middleware {
	return []Middleware{
		RecovererMiddleware(),
		TracerMiddleware(dest),
		MetricsMiddleware(dest, m),
		LogMessagesMiddleware(dest, logger),
	}
}

// RecovererMiddleware converts a worker panic into a WorkerError carrying
// the stack trace.
func RecovererMiddleware() Middleware {
	return func(next Worker) Worker {
		return WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (reply kvmsg.Message, err error) {
			defer func() {
				if r := recover(); r != nil {
					reply = nil
					err = &errspkg.WorkerError{
						Reason: "worker panicked",
						Err:    middleware.RecoveredPanicError{V: r, Stacktrace: string(debug.Stack())},
					}
				}
			}()
			return next.Apply(ctx, msg)
		})
	}
}

// TracerMiddleware wraps the worker call in an OpenTelemetry span.
func TracerMiddleware(dest string) Middleware {
	return func(next Worker) Worker {
		return WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			ctx, span := otel.Tracer(tracerName).Start(ctx, "momflow.worker", trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("momflow.destination", dest),
				attribute.String("momflow.correlation_id", msg.Text(kvmsg.KeyCorrelationID)),
			)
			reply, err := next.Apply(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return reply, err
		})
	}
}

// MetricsMiddleware records worker latency. A nil m disables it.
func MetricsMiddleware(dest string, m *metrics.Metrics) Middleware {
	if m == nil {
		return nil
	}
	return func(next Worker) Worker {
		return WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			start := time.Now()
			reply, err := next.Apply(ctx, msg)
			m.ObserveWorker(dest, time.Since(start))
			return reply, err
		})
	}
}

// LogMessagesMiddleware logs every message handed to the worker at debug level.
func LogMessagesMiddleware(dest string, logger logging.ServiceLogger) Middleware {
	if logger == nil {
		return nil
	}
	return func(next Worker) Worker {
		return WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			logger.Debug("Processing message", logging.MessageFields(dest, msg))
			return next.Apply(ctx, msg)
		})
	}
}
