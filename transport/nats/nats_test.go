package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/momflow/transport"
	"github.com/drblury/momflow/transport/transporttest"
)

func stubFactories(t *testing.T, pubErr, subErr error) (*transporttest.Publisher, *nats.PublisherConfig, *nats.SubscriberConfig) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = origPub
		SubscriberFactory = origSub
	})

	pub := &transporttest.Publisher{}
	var pubCfg nats.PublisherConfig
	var subCfg nats.SubscriberConfig
	PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		if pubErr != nil {
			return nil, pubErr
		}
		return pub, nil
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfg = cfg
		if subErr != nil {
			return nil, subErr
		}
		return &transporttest.Subscriber{}, nil
	}
	return pub, &pubCfg, &subCfg
}

func TestRegister(t *testing.T) {
	orig := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = orig }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
	assert.False(t, caps.SupportsRouteManagement)
}

func TestBuild(t *testing.T) {
	t.Run("shares one queue group and disables jetstream", func(t *testing.T) {
		_, pubCfg, subCfg := stubFactories(t, nil, nil)

		cfg := &transporttest.Config{NATSURL: "nats://broker:4222", ClientID: "client-a"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)

		assert.Equal(t, "nats://broker:4222", pubCfg.URL)
		assert.Equal(t, "nats://broker:4222", subCfg.URL)
		assert.Equal(t, QueueGroup, subCfg.QueueGroupPrefix)
		assert.True(t, pubCfg.JetStream.Disabled)
		assert.True(t, subCfg.JetStream.Disabled)
		assert.Len(t, subCfg.NatsOptions, 2)
	})

	t.Run("falls back to the default url", func(t *testing.T) {
		_, pubCfg, _ := stubFactories(t, nil, nil)
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, nc.DefaultURL, pubCfg.URL)
		assert.Len(t, pubCfg.NatsOptions, 1)
	})

	t.Run("publisher failure", func(t *testing.T) {
		stubFactories(t, errors.New("publisher error"), nil)
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber failure closes the publisher", func(t *testing.T) {
		pub, _, _ := stubFactories(t, nil, errors.New("subscriber error"))
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}
