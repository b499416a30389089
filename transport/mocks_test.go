package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
)

type mockConfig struct {
	pubSubSystem string
}

func (m *mockConfig) GetPubSubSystem() string       { return m.pubSubSystem }
func (m *mockConfig) GetClientID() string           { return "test-client" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetHTTPServerAddress() string  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error { return nil }

type routeManagingSubscriber struct {
	mockSubscriber
	declared map[string]RouteKind
	deleted  []string
}

func (r *routeManagingSubscriber) DeclareRoute(ctx context.Context, name string, kind RouteKind) error {
	if r.declared == nil {
		r.declared = make(map[string]RouteKind)
	}
	r.declared[name] = kind
	return nil
}

func (r *routeManagingSubscriber) DeleteRoute(ctx context.Context, name string) error {
	r.deleted = append(r.deleted, name)
	return nil
}
