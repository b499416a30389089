// Package http provides a point-to-point HTTP transport. Each destination is
// a path on the peer's subscriber server.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/momflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register adds the HTTP transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a publisher that posts to <publisher url>/<destination> and
// a subscriber whose server starts with the first subscription.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	base := strings.TrimSuffix(cfg.GetHTTPPublisherURL(), "/") + "/"

	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return http.DefaultMarshalMessageFunc(base+topic, msg)
		},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(cfg.GetHTTPServerAddress(), http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: NewSubscriber(subscriber, logger),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// Subscriber starts the HTTP server once a route has been registered.
type Subscriber struct {
	message.Subscriber

	logger watermill.LoggerAdapter
	once   sync.Once
	start  func() error
}

// NewSubscriber wraps sub. When sub is a Watermill HTTP subscriber its
// server is started after the first successful Subscribe.
func NewSubscriber(sub message.Subscriber, logger watermill.LoggerAdapter) *Subscriber {
	s := &Subscriber{Subscriber: sub, logger: logger}
	if hs, ok := sub.(*http.Subscriber); ok {
		s.start = hs.StartHTTPServer
	}
	return s
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := s.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	if s.start != nil {
		s.once.Do(func() {
			go func() {
				if err := s.start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
					s.logger.Error("HTTP subscriber server stopped", err, nil)
				}
			}()
		})
	}
	return ch, nil
}
