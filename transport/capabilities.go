package transport

// Delivery describes how a broker fans messages out.
type Delivery string

const (
	// DeliveryQueue hands each message to one consumer of a destination.
	DeliveryQueue Delivery = "queue"
	// DeliveryPubSub hands each message to every subscriber of a destination.
	DeliveryPubSub Delivery = "pubsub"
)

// Capabilities describes what a broker offers to the request/reply engine.
type Capabilities struct {
	Name     string
	Delivery Delivery

	// SupportsOrdering means messages published to one destination arrive in
	// publish order. Split chunks are reassembled by ordinal either way.
	SupportsOrdering bool

	// SupportsAck means the broker waits for an explicit acknowledgment.
	SupportsAck bool

	// SupportsRouteManagement means the transport implements RouteDeclarer
	// and RouteDeleter, so ephemeral reply routes are removed server-side.
	SupportsRouteManagement bool

	// SupportsHeaders means message metadata survives the trip. Chunk routing
	// and split fields travel as metadata, so adapters without native
	// headers must embed them in the payload envelope.
	SupportsHeaders bool

	// MaxMessageSize is the largest payload in bytes (0 = unlimited/unknown).
	// It becomes the default chunk threshold.
	MaxMessageSize int64
}

// ChunkThreshold returns the payload size above which messages are split,
// keeping headroom for chunk metadata. Zero means never split.
func (c Capabilities) ChunkThreshold() int {
	if c.MaxMessageSize <= 0 {
		return 0
	}
	headroom := c.MaxMessageSize / 16
	if headroom > 4096 {
		headroom = 4096
	}
	return int(c.MaxMessageSize - headroom)
}

// Predefined capability sets for the bundled adapters.
var (
	ChannelCapabilities = Capabilities{
		Name:                    "channel",
		Delivery:                DeliveryPubSub,
		SupportsAck:             true,
		SupportsRouteManagement: true,
		SupportsHeaders:         true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		Delivery:         DeliveryQueue,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsHeaders:  true,
		MaxMessageSize:   1048576, // broker default message.max.bytes
	}

	RabbitMQCapabilities = Capabilities{
		Name:                    "rabbitmq",
		Delivery:                DeliveryQueue,
		SupportsOrdering:        true,
		SupportsAck:             true,
		SupportsRouteManagement: true,
		SupportsHeaders:         true,
		MaxMessageSize:          134217728, // 128MB
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		Delivery:        DeliveryQueue,
		SupportsHeaders: true,
		MaxMessageSize:  1048576, // server default max_payload
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:                    "nats-jetstream",
		Delivery:                DeliveryQueue,
		SupportsOrdering:        true,
		SupportsAck:             true,
		SupportsRouteManagement: true,
		SupportsHeaders:         true,
		MaxMessageSize:          1048576,
	}

	AWSCapabilities = Capabilities{
		Name:                    "aws",
		Delivery:                DeliveryQueue,
		SupportsAck:             true,
		SupportsRouteManagement: true,
		SupportsHeaders:         true,
		MaxMessageSize:          262144, // 256KB
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		Delivery:        DeliveryQueue,
		SupportsHeaders: true,
	}
)
