// Package rabbitmq provides a RabbitMQ transport. Destinations map one to one
// onto durable queues; ephemeral reply queues are removed through a separate
// admin channel when the engine releases them.
package rabbitmq

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/momflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// AdminFactory opens the connection used to delete queues.
var AdminFactory = func(url string) (QueueAdmin, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpAdmin{conn: conn}, nil
}

// QueueAdmin removes queues on the broker.
type QueueAdmin interface {
	DeleteQueue(name string) error
	Close() error
}

type amqpAdmin struct {
	conn *amqp091.Connection
}

func (a *amqpAdmin) DeleteQueue(name string) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	_, err = ch.QueueDelete(name, false, false, false)
	return err
}

func (a *amqpAdmin) Close() error {
	return a.conn.Close()
}

func init() {
	Register()
}

// Register adds the RabbitMQ transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build connects once and shares the connection between publisher and
// subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	amqpConfig := amqp.NewDurableQueueConfig(url)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &Subscriber{Subscriber: subscriber, url: url},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// Subscriber adds queue lifecycle management to the Watermill subscriber.
type Subscriber struct {
	message.Subscriber

	url   string
	mu    sync.Mutex
	admin QueueAdmin
}

// DeclareRoute declares the queue and its binding ahead of the first message.
func (s *Subscriber) DeclareRoute(ctx context.Context, name string, kind transport.RouteKind) error {
	init, ok := s.Subscriber.(message.SubscribeInitializer)
	if !ok {
		return nil
	}
	return init.SubscribeInitialize(name)
}

// DeleteRoute removes the queue from the broker.
func (s *Subscriber) DeleteRoute(ctx context.Context, name string) error {
	admin, err := s.adminConn()
	if err != nil {
		return err
	}
	return admin.DeleteQueue(name)
}

func (s *Subscriber) adminConn() (QueueAdmin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admin != nil {
		return s.admin, nil
	}
	admin, err := AdminFactory(s.url)
	if err != nil {
		return nil, err
	}
	s.admin = admin
	return admin, nil
}

// Close closes the subscriber and the admin connection, if one was opened.
func (s *Subscriber) Close() error {
	err := s.Subscriber.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admin != nil {
		err = errors.Join(err, s.admin.Close())
		s.admin = nil
	}
	return err
}

// Capabilities reports the RabbitMQ capability set.
func (s *Subscriber) Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
