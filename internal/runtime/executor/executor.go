// Package executor sends requests: fire-and-forget publishes and
// request/reply calls that wait for a correlated answer with a per-attempt
// timeout and a bounded number of re-sends.
package executor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/momflow/internal/runtime/broker"
	"github.com/drblury/momflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	idspkg "github.com/drblury/momflow/internal/runtime/ids"
	"github.com/drblury/momflow/internal/runtime/kvmsg"
	"github.com/drblury/momflow/internal/runtime/logging"
	"github.com/drblury/momflow/internal/runtime/metrics"
	"github.com/drblury/momflow/internal/runtime/replycache"
	"github.com/drblury/momflow/internal/runtime/session"
	"github.com/drblury/momflow/internal/runtime/translator"
	"github.com/drblury/momflow/transport"
)

const (
	// DefaultTimeout applies when Config.Timeout is zero.
	DefaultTimeout = 30 * time.Second

	// slowRPCRatio is the share of the timeout above which a reply counts
	// as slow and keeps tracing on for the destination.
	slowRPCRatio = 0.6

	tracerName = "github.com/drblury/momflow/executor"
)

// Config wires an executor to its collaborators.
type Config struct {
	Broker     broker.Broker
	Translator *translator.Translator

	// Sessions resolves group prefixes. A nil registry disables grouping.
	Sessions *session.Registry

	// ApplicationID is stamped on every request.
	ApplicationID string

	// Timeout bounds each attempt; every retry gets the full budget again.
	Timeout time.Duration
	// MaxRetries is the number of re-sends after the first attempt.
	MaxRetries int

	// MaxPendingReassemblies caps incomplete split replies per listener.
	MaxPendingReassemblies int

	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
}

// Executor is safe for concurrent use.
type Executor struct {
	cfg    Config
	cache  *replycache.Cache
	logger logging.ServiceLogger

	mu        sync.Mutex
	declared  map[string]transport.RouteKind
	listeners map[string]*listener
	trace     map[string]bool
	inflight  map[string]*inflight
	stopped   bool
}

// New validates cfg and returns an executor.
func New(cfg Config) (*Executor, error) {
	var errs []error
	if cfg.Broker == nil {
		errs = append(errs, errors.New("broker is required"))
	}
	if cfg.Translator == nil {
		errs = append(errs, errors.New("translator is required"))
	}
	if cfg.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopServiceLogger()
	}
	return &Executor{
		cfg:       cfg,
		cache:     replycache.New(),
		logger:    cfg.Logger,
		declared:  make(map[string]transport.RouteKind),
		listeners: make(map[string]*listener),
		trace:     make(map[string]bool),
		inflight:  make(map[string]*inflight),
	}, nil
}

// Timeout is the wait for one RPC attempt.
func (e *Executor) Timeout() time.Duration { return e.cfg.Timeout }

// MaxRetries is the number of resends after the first attempt times out.
func (e *Executor) MaxRetries() int { return e.cfg.MaxRetries }

// Cache exposes the executor's reply cache.
func (e *Executor) Cache() *replycache.Cache { return e.cache }

// Tracing reports the sticky trace flag of a resolved destination.
func (e *Executor) Tracing(dest string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trace[dest]
}

// Listeners lists the reply addresses with a live listener, sorted.
func (e *Executor) Listeners() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.listeners))
	for addr := range e.listeners {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Declared reports whether this executor has declared route name.
func (e *Executor) Declared(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.declared[name]
	return ok
}

// FireAndForget publishes req to dest, group-prefixed when ctx carries an
// open group, and returns the request as sent. Delivery is best effort.
func (e *Executor) FireAndForget(ctx context.Context, req kvmsg.Message, dest string) (kvmsg.Message, error) {
	if dest == "" {
		return nil, errspkg.ErrDestinationRequired
	}
	if req == nil {
		req = kvmsg.Message{}
	}
	resolved, _ := e.cfg.Sessions.Resolve(ctx, dest)
	if err := e.ensureRoute(ctx, resolved, transport.RouteFAF); err != nil {
		e.cfg.Metrics.ObserveFAF(resolved, metrics.OutcomeError)
		return nil, err
	}
	e.stampApplication(req)

	n, err := broker.Send(ctx, e.cfg.Broker, e.cfg.Translator, resolved, req)
	if err != nil {
		e.cfg.Metrics.ObserveFAF(resolved, metrics.OutcomeError)
		return nil, err
	}
	e.cfg.Metrics.AddChunks(resolved, n)
	e.cfg.Metrics.ObserveFAF(resolved, metrics.OutcomeSuccess)
	return req, nil
}

// RequestReply publishes req to dest and waits for the reply carrying the
// same correlation id. Each attempt waits the full timeout; after
// MaxRetries re-sends the call fails with a TimeoutError.
func (e *Executor) RequestReply(ctx context.Context, req kvmsg.Message, dest string, opts ...RequestOption) (kvmsg.Message, error) {
	if dest == "" {
		return nil, errspkg.ErrDestinationRequired
	}
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	if req == nil {
		req = kvmsg.Message{}
	}

	resolved, group := e.cfg.Sessions.Resolve(ctx, dest)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "momflow.rpc", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("momflow.destination", resolved))

	reply, err := e.requestReply(ctx, req, resolved, group, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

func (e *Executor) requestReply(ctx context.Context, req kvmsg.Message, dest, group string, o requestOptions) (kvmsg.Message, error) {
	start := time.Now()

	replyTo, ephemeral := o.replyAddress, false
	if replyTo == "" {
		if group != "" {
			replyTo = session.ReplyAddress(dest)
			e.cfg.Sessions.Register(group, replyTo)
		} else {
			replyTo = idspkg.ReplyAddress(dest)
			ephemeral = true
		}
	}

	if err := e.ensureRoute(ctx, dest, transport.RouteRPC); err != nil {
		e.cfg.Metrics.ObserveRPC(dest, metrics.OutcomeError, time.Since(start))
		return nil, err
	}
	l, err := e.acquireListener(ctx, replyTo, ephemeral)
	if err != nil {
		e.cfg.Metrics.ObserveRPC(dest, metrics.OutcomeError, time.Since(start))
		return nil, err
	}
	if ephemeral {
		defer e.release(context.WithoutCancel(ctx), replyTo)
	}

	corrID := req.Text(kvmsg.KeyCorrelationID)
	if corrID == "" {
		corrID = idspkg.CorrelationID()
		req[kvmsg.KeyCorrelationID] = kvmsg.String(corrID)
	}
	req[kvmsg.KeyReplyTo] = kvmsg.String(replyTo)
	e.stampApplication(req)
	if e.Tracing(dest) {
		req[kvmsg.KeyTrace] = kvmsg.Bool(true)
	}
	fields := logging.LogFields{
		logging.FieldDestination:   dest,
		logging.FieldCorrelationID: corrID,
		logging.FieldReplyTo:       replyTo,
	}

	if cached, ok := e.cache.Get(corrID); ok {
		e.cfg.Metrics.IncCacheHit(metrics.SideExecutor)
		e.cfg.Metrics.ObserveRPC(dest, metrics.OutcomeCached, time.Since(start))
		e.logger.Debug("Returning cached reply", fields)
		return e.answer(ctx, o.answer, cached)
	}

	wait := l.await(corrID)
	defer l.forget(corrID)

	attempts := 0
	for {
		attempts++
		sent := time.Now()
		n, err := broker.Send(ctx, e.cfg.Broker, e.cfg.Translator, dest, req)
		if err != nil {
			e.cfg.Metrics.ObserveRPC(dest, metrics.OutcomeError, time.Since(start))
			return nil, err
		}
		e.cfg.Metrics.AddChunks(dest, n)
		if req.Flag(kvmsg.KeyTrace) {
			e.logger.Info("Traced request sent", logging.MessageFields(dest, req))
		}

		timer := time.NewTimer(e.cfg.Timeout)
		select {
		case reply := <-wait:
			timer.Stop()
			elapsed := time.Since(sent)
			e.settleTrace(dest, elapsed, fields)
			e.cache.Put(corrID, reply)
			e.cfg.Metrics.ObserveRPC(dest, metrics.OutcomeSuccess, time.Since(start))
			return e.answer(ctx, o.answer, reply)

		case <-timer.C:
			retry, err := req.Int32(kvmsg.KeyRetryCount, 0)
			if err != nil {
				return nil, err
			}
			if int(retry) >= e.cfg.MaxRetries {
				e.cfg.Metrics.ObserveRPC(dest, metrics.OutcomeTimeout, time.Since(start))
				terr := &errspkg.TimeoutError{Destination: dest, Timeout: e.cfg.Timeout, Attempts: attempts}
				e.logger.Error("Request timed out", terr, fields)
				return nil, terr
			}
			e.setTracing(dest, true)
			req[kvmsg.KeyRetryCount] = kvmsg.Int32(retry + 1)
			req[kvmsg.KeyTrace] = kvmsg.Bool(true)
			e.cfg.Metrics.IncRetry(dest)
			e.logger.Info("No reply within timeout, resending", logging.LogFields{
				logging.FieldDestination:   dest,
				logging.FieldCorrelationID: corrID,
				logging.FieldRetry:         retry + 1,
				"timeout":                  e.cfg.Timeout.String(),
			})

		case <-ctx.Done():
			timer.Stop()
			e.cfg.Metrics.ObserveRPC(dest, metrics.OutcomeCancelled, time.Since(start))
			return nil, ctx.Err()
		}
	}
}

// settleTrace keeps tracing on after a slow reply and clears it otherwise.
func (e *Executor) settleTrace(dest string, elapsed time.Duration, fields logging.LogFields) {
	if float64(elapsed) > float64(e.cfg.Timeout)*slowRPCRatio {
		e.setTracing(dest, true)
		e.cfg.Metrics.IncSlowRPC(dest)
		slow := logging.LogFields{logging.FieldElapsed: elapsed.String(), "timeout": e.cfg.Timeout.String()}
		for k, v := range fields {
			slow[k] = v
		}
		e.logger.Info("Slow RPC", slow)
		return
	}
	e.setTracing(dest, false)
}

func (e *Executor) setTracing(dest string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.trace[dest] = true
	} else {
		delete(e.trace, dest)
	}
}

// answer runs the optional answer worker on reply.
func (e *Executor) answer(ctx context.Context, w dispatch.Worker, reply kvmsg.Message) (kvmsg.Message, error) {
	if w == nil {
		return reply, nil
	}
	if reply == nil {
		return nil, &errspkg.WorkerError{Reason: "answer worker invoked with a nil reply"}
	}
	out, err := w.Apply(ctx, reply)
	if err != nil {
		return nil, &errspkg.WorkerError{Reason: "answer worker failed", Err: err}
	}
	return out, nil
}

func (e *Executor) stampApplication(req kvmsg.Message) {
	if e.cfg.ApplicationID != "" {
		req[kvmsg.KeyApplicationID] = kvmsg.String(e.cfg.ApplicationID)
	}
}

// inflight is a broker call in progress. Callers needing the same route or
// listener wait on done instead of repeating the call.
type inflight struct {
	done chan struct{}
	l    *listener
	err  error
}

func (c *inflight) wait(ctx context.Context) (*listener, error) {
	select {
	case <-c.done:
		return c.l, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// joinLocked returns the call running under key, or registers a new one the
// caller must run and finish. e.mu must be held.
func (e *Executor) joinLocked(key string) (*inflight, bool) {
	if c, ok := e.inflight[key]; ok {
		return c, false
	}
	c := &inflight{done: make(chan struct{})}
	e.inflight[key] = c
	return c, true
}

func (e *Executor) finish(key string, c *inflight) {
	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
	close(c.done)
}

// ensureRoute declares name once per executor. The broker call runs outside
// e.mu.
func (e *Executor) ensureRoute(ctx context.Context, name string, kind transport.RouteKind) error {
	key := "route:" + name
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errspkg.ErrExecutorStopped
	}
	if _, ok := e.declared[name]; ok {
		e.mu.Unlock()
		return nil
	}
	call, leader := e.joinLocked(key)
	e.mu.Unlock()
	if !leader {
		_, err := call.wait(ctx)
		return err
	}

	call.err = e.cfg.Broker.DeclareRoute(ctx, name, kind)
	if call.err == nil {
		e.mu.Lock()
		e.declared[name] = kind
		e.mu.Unlock()
	}
	e.finish(key, call)
	return call.err
}

// acquireListener returns the listener bound to addr, creating it once.
func (e *Executor) acquireListener(ctx context.Context, addr string, ephemeral bool) (*listener, error) {
	key := "listener:" + addr
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, errspkg.ErrExecutorStopped
	}
	if l, ok := e.listeners[addr]; ok {
		e.mu.Unlock()
		return l, nil
	}
	call, leader := e.joinLocked(key)
	e.mu.Unlock()
	if !leader {
		return call.wait(ctx)
	}
	defer e.finish(key, call)

	if call.err = e.ensureRoute(ctx, addr, transport.RouteReply); call.err != nil {
		return nil, call.err
	}
	lctx, cancel := context.WithCancel(context.Background())
	msgs, err := e.cfg.Broker.Subscribe(lctx, addr)
	if err != nil {
		cancel()
		call.err = err
		return nil, err
	}

	l := newListener(addr, ephemeral, e.cfg.Translator, e.cfg.MaxPendingReassemblies, e.logger)
	l.cancel = cancel
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		cancel()
		call.err = errspkg.ErrExecutorStopped
		return nil, call.err
	}
	e.listeners[addr] = l
	e.mu.Unlock()
	go l.run(msgs)
	e.logger.Debug("Reply listener started", logging.LogFields{logging.FieldReplyTo: addr, "ephemeral": ephemeral})
	call.l = l
	return l, nil
}

// release stops the listener on addr, deletes its route and forgets the
// route bookkeeping.
func (e *Executor) release(ctx context.Context, addr string) error {
	e.mu.Lock()
	l, ok := e.listeners[addr]
	delete(e.listeners, addr)
	delete(e.declared, addr)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	l.cancel()
	err := e.cfg.Broker.DeleteRoute(ctx, addr)
	select {
	case <-l.done:
	case <-ctx.Done():
	case <-time.After(e.cfg.Timeout):
		e.logger.Info("Reply listener still draining", logging.LogFields{logging.FieldReplyTo: addr})
	}
	if err != nil {
		e.logger.Error("Failed to delete reply route", err, logging.LogFields{logging.FieldReplyTo: addr})
	}
	return err
}

// ReleaseListeners tears down the listeners on names held by this executor.
// Names without a listener here are skipped.
func (e *Executor) ReleaseListeners(ctx context.Context, names []string) error {
	var errs []error
	for _, name := range names {
		if err := e.release(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CleanupGroupResources closes group id in the session registry and removes
// every reply listener registered under it. Calling it again is a no-op.
func (e *Executor) CleanupGroupResources(ctx context.Context, id string) error {
	if id == "" {
		return errspkg.ErrGroupRequired
	}
	names := e.cfg.Sessions.Close(id)
	if len(names) > 0 {
		e.logger.Info("Cleaning up group", logging.LogFields{logging.FieldGroup: id, "listeners": names})
	}
	return e.ReleaseListeners(ctx, names)
}

// Stop releases every listener and forgets all route bookkeeping. Later
// calls fail with ErrExecutorStopped.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	addrs := make([]string, 0, len(e.listeners))
	for addr := range e.listeners {
		addrs = append(addrs, addr)
	}
	e.mu.Unlock()

	err := e.ReleaseListeners(ctx, addrs)

	e.mu.Lock()
	e.declared = make(map[string]transport.RouteKind)
	e.trace = make(map[string]bool)
	e.mu.Unlock()
	e.cache.Clear()
	return err
}
