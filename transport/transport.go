// Package transport defines how momflow obtains a Watermill publisher and
// subscriber for a broker. Each broker adapter lives in its own sub-package
// and registers a Builder under the name selected by Config.PubSubSystem.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes only the settings broker adapters read.
type Config interface {
	GetPubSubSystem() string
	GetClientID() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS (core and JetStream)
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// RouteKind tells a broker what a declared route is used for.
type RouteKind string

const (
	// RouteFAF carries one-way requests.
	RouteFAF RouteKind = "faf"
	// RouteRPC carries requests that expect a reply.
	RouteRPC RouteKind = "rpc"
	// RouteReply carries replies back to a caller.
	RouteReply RouteKind = "reply"
)

// RouteDeclarer is implemented by publishers or subscribers that provision
// server-side resources (queues, streams, consumers) ahead of traffic.
// Implementations must tolerate repeated calls for the same name.
type RouteDeclarer interface {
	DeclareRoute(ctx context.Context, name string, kind RouteKind) error
}

// RouteDeleter is implemented by transports that can remove the server-side
// resources of a route, such as an ephemeral reply queue.
type RouteDeleter interface {
	DeleteRoute(ctx context.Context, name string) error
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
