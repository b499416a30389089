package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/transport"
	"github.com/drblury/momflow/transport/channel"
	"github.com/drblury/momflow/transport/transporttest"
)

func newChannelBroker(t *testing.T) (*WatermillBroker, *channel.PubSub) {
	t.Helper()
	ps := channel.New(gochannel.Config{OutputChannelBuffer: 8}, nil)
	b := New(transport.Transport{Publisher: ps, Subscriber: ps}, transport.Capabilities{}, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b, ps
}

func TestCapabilitiesFromTransport(t *testing.T) {
	b, _ := newChannelBroker(t)
	assert.Equal(t, "channel", b.Capabilities().Name)

	explicit := New(transport.Transport{Publisher: &transporttest.Publisher{}, Subscriber: &transporttest.Subscriber{}}, transport.KafkaCapabilities, nil)
	assert.Equal(t, "kafka", explicit.Capabilities().Name)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b, ps := newChannelBroker(t)
	ctx := context.Background()

	require.NoError(t, b.DeclareRoute(ctx, "Q", transport.RouteRPC))
	kind, ok := ps.RouteKind("Q")
	require.True(t, ok)
	assert.Equal(t, transport.RouteRPC, kind)

	ch, err := b.Subscribe(ctx, "Q")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscriptions("Q"))

	msg := message.NewMessage("1", []byte("hello"))
	msg.Metadata.Set("CORRELATION_ID", "abc")
	require.NoError(t, b.Publish(ctx, "Q", msg))

	select {
	case got := <-ch:
		assert.Equal(t, "hello", string(got.Payload))
		assert.Equal(t, "abc", got.Metadata.Get("CORRELATION_ID"))
		got.Ack()
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestDeleteRouteCancelsSubscriptions(t *testing.T) {
	b, ps := newChannelBroker(t)
	ctx := context.Background()

	require.NoError(t, b.DeclareRoute(ctx, "Q-REPLY-1", transport.RouteReply))
	ch, err := b.Subscribe(ctx, "Q-REPLY-1")
	require.NoError(t, err)

	require.NoError(t, b.DeleteRoute(ctx, "Q-REPLY-1"))
	assert.Empty(t, ps.Routes())
	assert.Equal(t, 0, b.Subscriptions("Q-REPLY-1"))

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed")
	}
}

func TestDeclareFallsBackToSubscribeInitializer(t *testing.T) {
	sub := &initSubscriber{}
	b := New(transport.Transport{Publisher: &transporttest.Publisher{}, Subscriber: sub}, transport.Capabilities{Name: "fake"}, nil)

	require.NoError(t, b.DeclareRoute(context.Background(), "Q", transport.RouteFAF))
	assert.Equal(t, []string{"Q"}, sub.initialized)

	sub.err = errors.New("boom")
	err := b.DeclareRoute(context.Background(), "R", transport.RouteFAF)
	assert.ErrorIs(t, err, errspkg.ErrTransport)
}

func TestDeclareWithoutRouteSupportIsNoop(t *testing.T) {
	b := New(transport.Transport{Publisher: &transporttest.Publisher{}, Subscriber: &transporttest.Subscriber{}}, transport.Capabilities{Name: "fake"}, nil)
	assert.NoError(t, b.DeclareRoute(context.Background(), "Q", transport.RouteRPC))
	assert.NoError(t, b.DeleteRoute(context.Background(), "Q"))
}

func TestPublishErrorsAreTransportErrors(t *testing.T) {
	pub := &transporttest.Publisher{Err: errors.New("connection reset")}
	b := New(transport.Transport{Publisher: pub, Subscriber: &transporttest.Subscriber{}}, transport.Capabilities{Name: "fake"}, nil)

	err := b.Publish(context.Background(), "Q", message.NewMessage("1", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrTransport)
	var te *errspkg.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "Q", te.Destination)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub.Err = nil
	err = b.Publish(ctx, "Q", message.NewMessage("2", nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pub.Messages("Q"))
}

func TestSubscribeErrorIsTransportError(t *testing.T) {
	sub := &transporttest.Subscriber{Err: errors.New("no such queue")}
	b := New(transport.Transport{Publisher: &transporttest.Publisher{}, Subscriber: sub}, transport.Capabilities{Name: "fake"}, nil)

	_, err := b.Subscribe(context.Background(), "Q")
	assert.ErrorIs(t, err, errspkg.ErrTransport)
	assert.Equal(t, 0, b.Subscriptions("Q"))
}

func TestCloseClosesBothSidesOnce(t *testing.T) {
	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	b := New(transport.Transport{Publisher: pub, Subscriber: sub}, transport.Capabilities{Name: "fake"}, nil)

	require.NoError(t, b.Close())
	assert.True(t, pub.Closed)
	assert.True(t, sub.Closed)
	assert.NoError(t, b.Close())

	err := b.Publish(context.Background(), "Q", message.NewMessage("1", nil))
	assert.ErrorIs(t, err, errspkg.ErrClientClosed)
	_, err = b.Subscribe(context.Background(), "Q")
	assert.ErrorIs(t, err, errspkg.ErrClientClosed)
}

func TestCloseSharedPubSub(t *testing.T) {
	ps := channel.New(gochannel.Config{}, nil)
	b := New(transport.Transport{Publisher: ps, Subscriber: ps}, transport.Capabilities{}, nil)
	assert.NoError(t, b.Close())
}

type initSubscriber struct {
	transporttest.Subscriber
	initialized []string
	err         error
}

func (s *initSubscriber) SubscribeInitialize(topic string) error {
	if s.err != nil {
		return s.err
	}
	s.initialized = append(s.initialized, topic)
	return nil
}
