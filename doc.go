// Package momflow is a broker-agnostic request/reply engine on top of
// Watermill. Applications exchange Messages, typed key/value maps, either
// one-way (fire and forget) or as request/reply calls that are correlated,
// retried on timeout and optionally traced.
//
// A Client reads the target broker from Config (in-memory channels, NATS,
// NATS JetStream, RabbitMQ, Kafka, HTTP or AWS SNS/SQS), builds the
// transport and owns everything running on it:
//
//   - RequestExecutor sends requests. Each RPC gets a correlation id and a
//     reply address; replies arrive on one shared listener per address and
//     are matched back to their caller. Timed-out calls are re-sent with an
//     incremented RETRY_COUNT and a fresh timeout per attempt.
//   - RequestService and SubscribeService bind a Worker to a destination.
//     Every destination is consumed by one actor, strictly in arrival order,
//     and request services replay cached replies for duplicate correlation
//     ids.
//   - FeederService publishes the output of a Feeder on a fixed interval.
//
// Payloads above the broker's message size are split into chunks and
// reassembled by the receiving side when its worker is wrapped with
// WithReassembly.
//
// # Groups
//
// A group (session) scopes destinations with a "<group>-" prefix and shares
// one "-RET" reply address per destination across all callers in the group.
// OpenGroup returns a context carrying the group; CloseGroup removes its
// reply listeners. SessionService, GroupRequestService and OpenSession wire
// the same lifecycle on the serving side.
//
// # Errors
//
// Failures are classified as ErrTransport, ErrTimeout, ErrProtocol,
// ErrWorker or ErrFormat; match them with errors.Is and unwrap the typed
// errors with errors.As.
package momflow
