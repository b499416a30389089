// Package dispatch runs workers behind destinations. Each Actor owns one
// destination and processes its messages strictly one at a time on a single
// goroutine; different destinations run in parallel.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"gopkg.in/tomb.v2"

	"github.com/drblury/momflow/internal/runtime/broker"
	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/internal/runtime/kvmsg"
	"github.com/drblury/momflow/internal/runtime/logging"
	"github.com/drblury/momflow/internal/runtime/metrics"
	"github.com/drblury/momflow/internal/runtime/replycache"
	"github.com/drblury/momflow/internal/runtime/translator"
	"github.com/drblury/momflow/transport"
)

// State is the processing phase of an actor.
type State int32

const (
	StateIdle State = iota
	StateReceiving
	StateReassembling
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateReassembling:
		return "reassembling"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ErrSplitUnsupported is the reply error sent when a split message reaches a
// worker without reassembly capability.
var ErrSplitUnsupported = errspkg.NewProtocolError("split message received but the worker does not support reassembly")

// Config describes one actor.
type Config struct {
	Destination string
	Worker      Worker
	Broker      broker.Broker
	Translator  *translator.Translator

	// Cache enables idempotent replay by correlation id. Nil disables it.
	Cache *replycache.Cache

	// ApplicationID is stamped on every reply.
	ApplicationID string

	// TraceEnabled honours the TRACE flag of inbound messages. When false the
	// flag is stripped before the worker sees the message.
	TraceEnabled bool

	// RouteKind is declared before subscribing. Defaults to RouteRPC.
	RouteKind transport.RouteKind

	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics

	// Middlewares are applied outside the default chain.
	Middlewares []Middleware
}

func (c Config) validate() error {
	var errs []error
	if c.Destination == "" {
		errs = append(errs, errspkg.ErrDestinationRequired)
	}
	if c.Worker == nil {
		errs = append(errs, errspkg.ErrWorkerRequired)
	}
	if c.Broker == nil {
		errs = append(errs, errors.New("broker is required"))
	}
	if c.Translator == nil {
		errs = append(errs, errors.New("translator is required"))
	}
	return errors.Join(errs...)
}

// Actor consumes one destination.
type Actor struct {
	t tomb.Tomb

	cfg    Config
	worker Worker
	store  *translator.ReassemblyStore
	logger logging.ServiceLogger

	state   atomic.Int32
	handled atomic.Int64

	// traced is only touched by the actor goroutine.
	traced bool

	startOnce sync.Once
	started   atomic.Bool
}

// New builds an actor. The reassembly capability is read from the worker
// before middlewares wrap it.
func New(cfg Config) (*Actor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.RouteKind == "" {
		cfg.RouteKind = transport.RouteRPC
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopServiceLogger()
	}

	a := &Actor{
		cfg:    cfg,
		logger: cfg.Logger.With(logging.LogFields{logging.FieldDestination: cfg.Destination}),
	}
	if rc, ok := cfg.Worker.(ReassemblyCapable); ok {
		a.store = translator.NewReassemblyStore(rc.MaxPendingReassemblies())
		a.store.OnEvict(func(buf translator.ReassemblyBuffer) {
			cfg.Metrics.IncEvicted(cfg.Destination)
			a.logger.Info("Evicted incomplete split message", logging.LogFields{
				logging.FieldSplitMID:   buf.MID,
				logging.FieldSplitCount: buf.Count,
				"received":              buf.Received,
				"age":                   time.Since(buf.Started).String(),
			})
		})
	}

	mws := append(append([]Middleware{}, cfg.Middlewares...), DefaultMiddlewares(cfg.Destination, a.logger, cfg.Metrics)...)
	a.worker = Chain(cfg.Worker, mws...)
	return a, nil
}

func (a *Actor) Destination() string { return a.cfg.Destination }

// State reports the current processing phase.
func (a *Actor) State() State { return State(a.state.Load()) }

// Handled counts inbound wire messages processed so far.
func (a *Actor) Handled() int64 { return a.handled.Load() }

// PendingReassemblies counts split messages still missing chunks.
func (a *Actor) PendingReassemblies() int {
	if a.store == nil {
		return 0
	}
	return a.store.Pending()
}

// Start declares the route, subscribes and launches the actor goroutine. The
// actor runs until Stop, or until its route is deleted.
func (a *Actor) Start(ctx context.Context) error {
	err := errors.New("actor already started")
	a.startOnce.Do(func() {
		err = a.start(ctx)
	})
	return err
}

func (a *Actor) start(ctx context.Context) error {
	if err := a.cfg.Broker.DeclareRoute(ctx, a.cfg.Destination, a.cfg.RouteKind); err != nil {
		return err
	}
	msgs, err := a.cfg.Broker.Subscribe(a.t.Context(context.Background()), a.cfg.Destination)
	if err != nil {
		return err
	}
	a.started.Store(true)
	a.t.Go(func() error {
		return a.run(msgs)
	})
	a.logger.Info("Actor started", logging.LogFields{"kind": string(a.cfg.RouteKind)})
	return nil
}

// Stop ends the actor and waits for the message in flight, or for ctx.
func (a *Actor) Stop(ctx context.Context) error {
	a.t.Kill(nil)
	if !a.started.Load() {
		return nil
	}
	select {
	case <-a.t.Dead():
		a.logger.Info("Actor stopped", logging.LogFields{"handled": a.Handled()})
		return a.t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dead is closed once the actor goroutine has returned.
func (a *Actor) Dead() <-chan struct{} { return a.t.Dead() }

func (a *Actor) run(msgs <-chan *message.Message) error {
	ctx := a.t.Context(context.Background())
	for {
		select {
		case <-a.t.Dying():
			return nil
		case wm, ok := <-msgs:
			if !ok {
				return nil
			}
			a.handle(ctx, wm)
		}
	}
}

func (a *Actor) setState(s State) { a.state.Store(int32(s)) }

// handle processes one wire message. Every message is acked; failures are
// answered or logged, never redelivered.
func (a *Actor) handle(ctx context.Context, wm *message.Message) {
	defer wm.Ack()
	defer a.setState(StateIdle)
	defer a.handled.Add(1)
	a.setState(StateReceiving)

	chunk, err := translator.ChunkFromWatermill(a.cfg.Destination, wm)
	if err != nil {
		a.reject(ctx, wm.Metadata.Get(kvmsg.KeyReplyTo), wm.Metadata.Get(kvmsg.KeyCorrelationID), rejectCode(err), err)
		return
	}

	chunks := []translator.Chunk{chunk}
	if chunk.IsSplit() {
		if a.store == nil {
			a.rejectSplit(ctx, chunk)
			return
		}
		a.setState(StateReassembling)
		var done bool
		chunks, done, err = a.store.Add(chunk)
		a.cfg.Metrics.SetPending(a.cfg.Destination, a.store.Pending())
		if err != nil {
			a.reject(ctx, chunk.ReplyTo, chunk.CorrelationID, kvmsg.RCServerError, err)
			return
		}
		if !done {
			return
		}
	}

	a.setState(StateComplete)
	msg, err := a.cfg.Translator.Decode(chunks)
	if err != nil {
		a.reject(ctx, chunk.ReplyTo, chunk.CorrelationID, rejectCode(err), err)
		return
	}
	a.complete(ctx, msg)
}

// rejectSplit answers a split message the worker cannot take. Only ordinal 0
// triggers the reply so the caller gets one answer per message.
func (a *Actor) rejectSplit(ctx context.Context, c translator.Chunk) {
	if c.SplitOID != 0 {
		a.logger.Debug("Dropped chunk of unsupported split message", logging.LogFields{
			logging.FieldSplitMID: c.SplitMID,
			"split_oid":           c.SplitOID,
		})
		return
	}
	a.reject(ctx, c.ReplyTo, c.CorrelationID, kvmsg.RCServerError, ErrSplitUnsupported)
}

// rejectCode answers a numeric field that does not fit with bad-request and
// every other undecodable input with server-error.
func rejectCode(err error) int32 {
	if errors.Is(err, errspkg.ErrFormat) {
		return kvmsg.RCBadRequest
	}
	return kvmsg.RCServerError
}

func (a *Actor) reject(ctx context.Context, replyTo, corrID string, rc int32, cause error) {
	a.cfg.Metrics.ObserveDispatch(a.cfg.Destination, metrics.OutcomeRejected)
	fields := logging.LogFields{
		logging.FieldCorrelationID: corrID,
		logging.FieldReplyTo:       replyTo,
		"rc":                       rc,
	}
	a.logger.Error("Rejected inbound message", cause, fields)
	if replyTo == "" {
		return
	}
	reply := kvmsg.ErrorReply(rc, cause)
	a.reply(ctx, replyTo, corrID, reply)
}

func (a *Actor) complete(ctx context.Context, msg kvmsg.Message) {
	start := time.Now()
	corrID := msg.Text(kvmsg.KeyCorrelationID)
	replyTo := msg.Text(kvmsg.KeyReplyTo)

	if msg.Flag(kvmsg.KeyTrace) {
		if a.cfg.TraceEnabled {
			a.traced = true
		} else {
			msg.Delete(kvmsg.KeyTrace)
		}
	}
	defer a.finishTrace(msg, start)

	if a.cfg.Cache != nil {
		if cached, ok := a.cfg.Cache.Get(corrID); ok {
			a.cfg.Metrics.IncCacheHit(metrics.SideDispatch)
			a.cfg.Metrics.ObserveDispatch(a.cfg.Destination, metrics.OutcomeCached)
			a.logger.Debug("Replaying cached reply", logging.LogFields{logging.FieldCorrelationID: corrID})
			if replyTo != "" {
				a.reply(ctx, replyTo, corrID, cached)
			}
			return
		}
	}

	reply, err := a.worker.Apply(ctx, msg)
	if err != nil {
		a.cfg.Metrics.ObserveDispatch(a.cfg.Destination, metrics.OutcomeError)
		a.logger.Error("Worker failed", err, logging.LogFields{
			logging.FieldCorrelationID: corrID,
			logging.FieldReplyTo:       replyTo,
		})
		if replyTo != "" {
			a.reply(ctx, replyTo, corrID, kvmsg.ErrorReply(kvmsg.RCServerError, err))
		}
		return
	}
	if reply == nil {
		a.cfg.Metrics.ObserveDispatch(a.cfg.Destination, metrics.OutcomeNoReply)
		return
	}

	if a.cfg.Cache != nil {
		a.cfg.Cache.Put(corrID, reply)
	}
	a.cfg.Metrics.ObserveDispatch(a.cfg.Destination, metrics.OutcomeSuccess)
	if replyTo != "" {
		a.reply(ctx, replyTo, corrID, reply)
	}
}

func (a *Actor) reply(ctx context.Context, replyTo, corrID string, reply kvmsg.Message) {
	if corrID != "" {
		reply[kvmsg.KeyCorrelationID] = kvmsg.String(corrID)
	}
	if a.cfg.ApplicationID != "" {
		reply[kvmsg.KeyApplicationID] = kvmsg.String(a.cfg.ApplicationID)
	}
	reply.Delete(kvmsg.KeyReplyTo)

	n, err := broker.Send(ctx, a.cfg.Broker, a.cfg.Translator, replyTo, reply)
	if err != nil {
		a.logger.Error("Failed to publish reply", err, logging.LogFields{
			logging.FieldCorrelationID: corrID,
			logging.FieldReplyTo:       replyTo,
		})
		return
	}
	a.cfg.Metrics.AddChunks(replyTo, n)
}

// finishTrace writes the single lifecycle line of a traced request and
// clears the actor's trace state.
func (a *Actor) finishTrace(msg kvmsg.Message, start time.Time) {
	if !a.traced {
		return
	}
	a.traced = false
	fields := logging.MessageFields(a.cfg.Destination, msg)
	fields[logging.FieldElapsed] = time.Since(start).String()
	a.logger.Info("Traced request", fields)
}
