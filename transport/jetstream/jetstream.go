// Package jetstream provides a NATS JetStream transport. All destinations
// share one work-queue stream; each destination gets a durable pull consumer
// that is created by DeclareRoute and removed by DeleteRoute.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/momflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream all destinations are stored in.
	DefaultStreamName = "MOMFLOW"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultFetchBatch is how many messages one pull requests.
	DefaultFetchBatch = 16

	// DefaultReplyInactivity removes reply consumers the server no longer sees used.
	DefaultReplyInactivity = 10 * time.Minute
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("jetstream: transport is closed")

func init() {
	Register()
}

// Register adds the JetStream transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build connects to NATS and ensures the stream exists.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL(), ClientName: cfg.GetClientID()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream-specific settings.
type Config struct {
	URL        string
	ClientName string
	StreamName string
	MaxDeliver int
	AckWait    time.Duration
	Replicas   int
	FetchBatch int
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = DefaultFetchBatch
	}
	return c
}

// streamAPI is the slice of nats.JetStreamContext the transport uses.
type streamAPI interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	UpdateConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	DeleteConsumer(stream, consumer string, opts ...nats.JSOpt) error
	PurgeStream(name string, opts ...nats.JSOpt) error
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (*nats.Subscription, error)
}

type puller interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// inbound is a fetched message and how to settle it with the server.
type inbound struct {
	msg  *nats.Msg
	ack  func() error
	nack func() error
}

// Transport implements Publisher and Subscriber for NATS JetStream.
type Transport struct {
	conn   *nats.Conn
	js     streamAPI
	config Config
	logger watermill.LoggerAdapter

	// pull opens a pull subscription; tests replace it.
	pull func(subject, durable string) (puller, error)

	mu       sync.Mutex
	declared map[string]transport.RouteKind
	pullers  map[string][]puller
	closed   bool
	done     chan struct{}
}

// New connects to NATS and ensures the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()

	opts := []nats.Option{nats.MaxReconnects(-1)}
	if cfg.ClientName != "" {
		opts = append(opts, nats.Name(cfg.ClientName))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: context: %w", err)
	}

	t := newTransport(js, cfg, logger)
	t.conn = conn
	if err := t.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func newTransport(js streamAPI, cfg Config, logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	t := &Transport{
		js:       js,
		config:   cfg.withDefaults(),
		logger:   logger,
		declared: make(map[string]transport.RouteKind),
		pullers:  make(map[string][]puller),
		done:     make(chan struct{}),
	}
	t.pull = func(subject, durable string) (puller, error) {
		return t.js.PullSubscribe(subject, durable, nats.Bind(t.config.StreamName, durable))
	}
	return t
}

func (t *Transport) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		Retention: nats.WorkQueuePolicy,
		Replicas:  t.config.Replicas,
	}
	if _, err := t.js.AddStream(cfg); err != nil {
		if _, uerr := t.js.UpdateStream(cfg); uerr != nil {
			return fmt.Errorf("jetstream: ensure stream %s: %w", t.config.StreamName, errors.Join(err, uerr))
		}
	}
	return nil
}

// Subject maps a destination onto the stream's subject space.
func (t *Transport) Subject(topic string) string {
	return t.config.StreamName + "." + topic
}

// ConsumerName maps a destination onto a valid durable consumer name.
func ConsumerName(topic string) string {
	return "momflow_" + strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_", "\\", "_").Replace(topic)
}

// DeclareRoute creates the durable consumer of name. Repeated calls are no-ops.
func (t *Transport) DeclareRoute(ctx context.Context, name string, kind transport.RouteKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, ok := t.declared[name]; ok {
		return nil
	}

	cfg := &nats.ConsumerConfig{
		Durable:       ConsumerName(name),
		FilterSubject: t.Subject(name),
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
	}
	if kind == transport.RouteReply {
		cfg.InactiveThreshold = DefaultReplyInactivity
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, cfg); err != nil {
		if _, uerr := t.js.UpdateConsumer(t.config.StreamName, cfg); uerr != nil {
			return fmt.Errorf("jetstream: declare %s: %w", name, errors.Join(err, uerr))
		}
	}
	t.declared[name] = kind
	return nil
}

// DeleteRoute stops local pulls on name, removes its consumer and purges any
// messages left on its subject.
func (t *Transport) DeleteRoute(ctx context.Context, name string) error {
	t.mu.Lock()
	pullers := t.pullers[name]
	delete(t.pullers, name)
	delete(t.declared, name)
	t.mu.Unlock()

	for _, p := range pullers {
		_ = p.Unsubscribe()
	}

	var errs []error
	if err := t.js.DeleteConsumer(t.config.StreamName, ConsumerName(name)); err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
		errs = append(errs, err)
	}
	if err := t.js.PurgeStream(t.config.StreamName, &nats.StreamPurgeRequest{Subject: t.Subject(name)}); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("jetstream: delete %s: %w", name, errors.Join(errs...))
	}
	return nil
}

// Declared reports whether name has a live consumer created by this transport.
func (t *Transport) Declared(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.declared[name]
	return ok
}

// Publish stores messages on the destination's subject. The Watermill UUID
// doubles as the JetStream de-duplication id.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	subject := t.Subject(topic)
	for _, msg := range messages {
		if _, err := t.js.PublishMsg(toNATS(subject, msg)); err != nil {
			return fmt.Errorf("jetstream: publish %s: %w", topic, err)
		}
	}
	return nil
}

// Subscribe declares topic if needed and pulls its messages until ctx ends.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if err := t.DeclareRoute(ctx, topic, transport.RouteRPC); err != nil {
		return nil, err
	}
	p, err := t.pull(t.Subject(topic), ConsumerName(topic))
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe %s: %w", topic, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = p.Unsubscribe()
		return nil, ErrClosed
	}
	t.pullers[topic] = append(t.pullers[topic], p)
	t.mu.Unlock()

	out := make(chan *message.Message)
	go t.consume(ctx, topic, p, out)
	return out, nil
}

func (t *Transport) consume(ctx context.Context, topic string, p puller, out chan<- *message.Message) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		msgs, err := p.Fetch(t.config.FetchBatch, nats.MaxWait(time.Second))
		switch {
		case errors.Is(err, nats.ErrTimeout):
			continue
		case errors.Is(err, nats.ErrBadSubscription), errors.Is(err, nats.ErrConnectionClosed):
			return
		case err != nil:
			t.logger.Error("JetStream fetch failed", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, m := range msgs {
			in := inbound{msg: m, ack: func() error { return m.Ack() }, nack: func() error { return m.Nak() }}
			if !t.deliver(ctx, topic, in, out) {
				return
			}
		}
	}
}

// deliver hands one message to the subscriber and settles it with the server
// once the subscriber acks or nacks. It returns false when delivery should stop.
func (t *Transport) deliver(ctx context.Context, topic string, in inbound, out chan<- *message.Message) bool {
	msg := fromNATS(in.msg)
	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	}

	var err error
	select {
	case <-msg.Acked():
		err = in.ack()
	case <-msg.Nacked():
		err = in.nack()
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	}
	if err != nil {
		t.logger.Error("JetStream settle failed", err, watermill.LogFields{"topic": topic, "uuid": msg.UUID})
	}
	return true
}

func toNATS(subject string, msg *message.Message) *nats.Msg {
	header := nats.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	header.Set(nats.MsgIdHdr, msg.UUID)
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: header}
}

func fromNATS(m *nats.Msg) *message.Message {
	id := m.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewULID()
	}
	msg := message.NewMessage(id, m.Data)
	for k, v := range m.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops every pull and drops the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	pullers := t.pullers
	t.pullers = make(map[string][]puller)
	t.mu.Unlock()

	for _, ps := range pullers {
		for _, p := range ps {
			_ = p.Unsubscribe()
		}
	}
	if t.conn != nil {
		t.conn.Close()
	}
	return nil
}

// Capabilities reports the JetStream capability set.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
