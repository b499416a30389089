// Package channel provides the in-memory transport backed by Watermill's
// gochannel pub/sub. Routes are tracked locally so declare and delete calls
// made by the engine can be observed.
package channel

import (
	"context"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/momflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultOutputBuffer sizes each subscriber's delivery channel.
const DefaultOutputBuffer = 64

// Factory allows overriding the pub/sub creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	ps := New(cfg, logger)
	return ps, ps
}

func init() {
	Register()
}

// Register adds the channel transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new in-memory transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: DefaultOutputBuffer}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// PubSub is a gochannel pub/sub that also records route lifecycle calls.
type PubSub struct {
	*gochannel.GoChannel

	mu           sync.Mutex
	routes       map[string]transport.RouteKind
	declarations map[string]int
}

// New wraps a fresh gochannel pub/sub.
func New(cfg gochannel.Config, logger watermill.LoggerAdapter) *PubSub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &PubSub{
		GoChannel:    gochannel.NewGoChannel(cfg, logger),
		routes:       make(map[string]transport.RouteKind),
		declarations: make(map[string]int),
	}
}

// DeclareRoute records name as live.
func (p *PubSub) DeclareRoute(ctx context.Context, name string, kind transport.RouteKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[name] = kind
	p.declarations[name]++
	return nil
}

// DeleteRoute forgets name. Subscriptions are cancelled by their owners.
func (p *PubSub) DeleteRoute(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.routes, name)
	return nil
}

// Routes lists the live routes, sorted.
func (p *PubSub) Routes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.routes))
	for name := range p.routes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RouteKind returns the kind name was declared with.
func (p *PubSub) RouteKind(name string) (transport.RouteKind, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.routes[name]
	return k, ok
}

// Declarations counts DeclareRoute calls for name, including deleted routes.
func (p *PubSub) Declarations(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.declarations[name]
}

// Capabilities reports the in-memory capability set.
func (p *PubSub) Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
