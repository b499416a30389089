// Package broker is the engine's single view of the message transport:
// route lifecycle, publish, and subscribe, independent of the broker kind.
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/internal/runtime/logging"
	"github.com/drblury/momflow/transport"
)

// Broker is what the dispatch and executor packages need from a transport.
type Broker interface {
	// DeclareRoute provisions name ahead of traffic. Repeated calls are allowed.
	DeclareRoute(ctx context.Context, name string, kind transport.RouteKind) error
	Publish(ctx context.Context, dest string, msgs ...*message.Message) error
	// Subscribe delivers messages for dest until ctx ends or the route is deleted.
	Subscribe(ctx context.Context, dest string) (<-chan *message.Message, error)
	// DeleteRoute ends local subscriptions on name and removes it server-side
	// when the transport supports that.
	DeleteRoute(ctx context.Context, name string) error
	Capabilities() transport.Capabilities
	Close() error
}

// WatermillBroker adapts a Watermill publisher/subscriber pair.
type WatermillBroker struct {
	pub    message.Publisher
	sub    message.Subscriber
	caps   transport.Capabilities
	logger logging.ServiceLogger

	mu     sync.Mutex
	subs   map[string][]context.CancelFunc
	closed bool
}

// New wraps tr. caps describes the transport; a zero Name is filled from the
// transport when it reports its own capabilities.
func New(tr transport.Transport, caps transport.Capabilities, logger logging.ServiceLogger) *WatermillBroker {
	if logger == nil {
		logger = logging.NopServiceLogger()
	}
	if caps.Name == "" {
		for _, side := range []any{tr.Subscriber, tr.Publisher} {
			if p, ok := side.(transport.CapabilitiesProvider); ok {
				caps = p.Capabilities()
				break
			}
		}
	}
	return &WatermillBroker{
		pub:    tr.Publisher,
		sub:    tr.Subscriber,
		caps:   caps,
		logger: logger.With(logging.LogFields{"transport": caps.Name}),
		subs:   make(map[string][]context.CancelFunc),
	}
}

func (b *WatermillBroker) Capabilities() transport.Capabilities { return b.caps }

func (b *WatermillBroker) DeclareRoute(ctx context.Context, name string, kind transport.RouteKind) error {
	if err := b.checkOpen(name, "declare"); err != nil {
		return err
	}

	var err error
	switch {
	case asDeclarer(b.sub) != nil:
		err = asDeclarer(b.sub).DeclareRoute(ctx, name, kind)
	case asDeclarer(b.pub) != nil:
		err = asDeclarer(b.pub).DeclareRoute(ctx, name, kind)
	default:
		if init, ok := b.sub.(message.SubscribeInitializer); ok {
			err = init.SubscribeInitialize(name)
		}
	}
	if err != nil {
		return &errspkg.TransportError{Op: "declare", Destination: name, Err: err}
	}
	b.logger.Debug("Route declared", logging.LogFields{logging.FieldDestination: name, "kind": string(kind)})
	return nil
}

func (b *WatermillBroker) Publish(ctx context.Context, dest string, msgs ...*message.Message) error {
	if err := b.checkOpen(dest, "publish"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &errspkg.TransportError{Op: "publish", Destination: dest, Err: err}
	}
	for _, m := range msgs {
		m.SetContext(ctx)
	}
	if err := b.pub.Publish(dest, msgs...); err != nil {
		return &errspkg.TransportError{Op: "publish", Destination: dest, Err: err}
	}
	return nil
}

func (b *WatermillBroker) Subscribe(ctx context.Context, dest string) (<-chan *message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, &errspkg.TransportError{Op: "subscribe", Destination: dest, Err: errspkg.ErrClientClosed}
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch, err := b.sub.Subscribe(subCtx, dest)
	if err != nil {
		cancel()
		return nil, &errspkg.TransportError{Op: "subscribe", Destination: dest, Err: err}
	}
	b.subs[dest] = append(b.subs[dest], cancel)
	return ch, nil
}

func (b *WatermillBroker) DeleteRoute(ctx context.Context, name string) error {
	b.mu.Lock()
	cancels := b.subs[name]
	delete(b.subs, name)
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	var err error
	switch {
	case asDeleter(b.sub) != nil:
		err = asDeleter(b.sub).DeleteRoute(ctx, name)
	case asDeleter(b.pub) != nil:
		err = asDeleter(b.pub).DeleteRoute(ctx, name)
	}
	if err != nil {
		return &errspkg.TransportError{Op: "delete", Destination: name, Err: err}
	}
	b.logger.Debug("Route deleted", logging.LogFields{logging.FieldDestination: name, "subscriptions": len(cancels)})
	return nil
}

// Subscriptions reports how many live subscriptions dest has.
func (b *WatermillBroker) Subscriptions(dest string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[dest])
}

// Close cancels every subscription and closes the publisher and subscriber,
// once each even when they are the same object.
func (b *WatermillBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string][]context.CancelFunc)
	b.mu.Unlock()

	for _, cancels := range subs {
		for _, cancel := range cancels {
			cancel()
		}
	}

	var errs []error
	if err := b.pub.Close(); err != nil {
		errs = append(errs, err)
	}
	if any(b.sub) != any(b.pub) {
		if err := b.sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *WatermillBroker) checkOpen(dest, op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &errspkg.TransportError{Op: op, Destination: dest, Err: errspkg.ErrClientClosed}
	}
	return nil
}

func asDeclarer(v any) transport.RouteDeclarer {
	d, _ := v.(transport.RouteDeclarer)
	return d
}

func asDeleter(v any) transport.RouteDeleter {
	d, _ := v.(transport.RouteDeleter)
	return d
}
