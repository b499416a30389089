package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/momflow/internal/runtime/broker"
	"github.com/drblury/momflow/internal/runtime/codec"
	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/internal/runtime/kvmsg"
	"github.com/drblury/momflow/internal/runtime/logging/loggingtest"
	"github.com/drblury/momflow/internal/runtime/replycache"
	"github.com/drblury/momflow/internal/runtime/translator"
	"github.com/drblury/momflow/transport"
	"github.com/drblury/momflow/transport/channel"
)

const waitFor = 2 * time.Second

type harness struct {
	t   *testing.T
	b   *broker.WatermillBroker
	tr  *translator.Translator
	log *loggingtest.Recorder
}

func newHarness(t *testing.T, maxChunkSize int) *harness {
	t.Helper()
	ps := channel.New(gochannel.Config{OutputChannelBuffer: 64}, nil)
	b := broker.New(transport.Transport{Publisher: ps, Subscriber: ps}, transport.Capabilities{}, nil)
	t.Cleanup(func() { _ = b.Close() })
	c, err := codec.Lookup(codec.JSON)
	require.NoError(t, err)
	return &harness{t: t, b: b, tr: translator.New(c, maxChunkSize), log: loggingtest.New()}
}

func (h *harness) start(cfg Config) *Actor {
	h.t.Helper()
	if cfg.Destination == "" {
		cfg.Destination = "Q"
	}
	cfg.Broker = h.b
	cfg.Translator = h.tr
	cfg.Logger = h.log
	a, err := New(cfg)
	require.NoError(h.t, err)
	require.NoError(h.t, a.Start(context.Background()))
	h.t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

// listen decodes everything published to dest, reassembling split replies.
func (h *harness) listen(dest string) <-chan kvmsg.Message {
	h.t.Helper()
	msgs, err := h.b.Subscribe(context.Background(), dest)
	require.NoError(h.t, err)
	out := make(chan kvmsg.Message, 16)
	store := translator.NewReassemblyStore(0)
	go func() {
		for wm := range msgs {
			wm.Ack()
			c, err := translator.ChunkFromWatermill(dest, wm)
			if err != nil {
				continue
			}
			chunks, done, err := store.Add(c)
			if err != nil || !done {
				continue
			}
			msg, err := h.tr.Decode(chunks)
			if err == nil {
				out <- msg
			}
		}
	}()
	return out
}

func (h *harness) send(dest string, msg kvmsg.Message) {
	h.t.Helper()
	_, err := broker.Send(context.Background(), h.b, h.tr, dest, msg)
	require.NoError(h.t, err)
}

func (h *harness) sendChunks(dest string, chunks []translator.Chunk) {
	h.t.Helper()
	for _, c := range chunks {
		require.NoError(h.t, h.b.Publish(context.Background(), dest, c.ToWatermill()))
	}
}

func recv(t *testing.T, ch <-chan kvmsg.Message) kvmsg.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(waitFor):
		t.Fatal("no message received")
		return nil
	}
}

func expectNone(t *testing.T, ch <-chan kvmsg.Message) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected message %v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

// splitInto encodes msg into exactly n chunks.
func splitInto(t *testing.T, msg kvmsg.Message, n int) []translator.Chunk {
	t.Helper()
	c, err := codec.Lookup(codec.JSON)
	require.NoError(t, err)
	payload, err := c.Marshal(msg)
	require.NoError(t, err)
	chunks, err := translator.New(c, (len(payload)+n-1)/n).Encode("Q", msg)
	require.NoError(t, err)
	require.Len(t, chunks, n)
	return chunks
}

func request(corrID string, fields kvmsg.Message) kvmsg.Message {
	msg := kvmsg.Message{
		kvmsg.KeyCorrelationID: kvmsg.String(corrID),
		kvmsg.KeyReplyTo:       kvmsg.String("Q-RET"),
	}
	for k, v := range fields {
		msg[k] = v
	}
	return msg
}

func TestActorRepliesWithStampedFields(t *testing.T) {
	h := newHarness(t, 0)
	h.start(Config{
		ApplicationID: "svc-1",
		Worker: WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			return kvmsg.Message{kvmsg.KeyBody: kvmsg.String("pong:" + msg.Text("op"))}, nil
		}),
	})
	replies := h.listen("Q-RET")

	h.send("Q", request("c-1", kvmsg.Message{"op": kvmsg.String("PING")}))

	reply := recv(t, replies)
	assert.Equal(t, "pong:PING", reply.Text(kvmsg.KeyBody))
	assert.Equal(t, "c-1", reply.Text(kvmsg.KeyCorrelationID))
	assert.Equal(t, "svc-1", reply.Text(kvmsg.KeyApplicationID))
	assert.False(t, reply.Has(kvmsg.KeyReplyTo))
}

func TestActorReplaysCachedReply(t *testing.T) {
	h := newHarness(t, 0)
	var calls atomic.Int32
	cache := replycache.New()
	h.start(Config{
		Cache: cache,
		Worker: WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			calls.Add(1)
			return kvmsg.Message{kvmsg.KeyBody: kvmsg.String("R1")}, nil
		}),
	})
	replies := h.listen("Q-RET")

	req := request("abc", kvmsg.Message{"op": kvmsg.String("TEST")})
	h.send("Q", req)
	assert.Equal(t, "R1", recv(t, replies).Text(kvmsg.KeyBody))

	h.send("Q", req)
	assert.Equal(t, "R1", recv(t, replies).Text(kvmsg.KeyBody))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, cache.Len())
}

func TestActorWithoutCacheInvokesEveryTime(t *testing.T) {
	h := newHarness(t, 0)
	var calls atomic.Int32
	h.start(Config{
		Worker: WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			calls.Add(1)
			return kvmsg.Message{}, nil
		}),
	})
	replies := h.listen("Q-RET")

	h.send("Q", request("abc", nil))
	recv(t, replies)
	h.send("Q", request("abc", nil))
	recv(t, replies)
	assert.Equal(t, int32(2), calls.Load())
}

func TestActorRejectsSplitWithoutReassembly(t *testing.T) {
	h := newHarness(t, 0)
	var calls atomic.Int32
	a := h.start(Config{
		Worker: WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			calls.Add(1)
			return kvmsg.Message{}, nil
		}),
	})
	replies := h.listen("Q-RET")

	big := request("split-1", kvmsg.Message{kvmsg.KeyBody: kvmsg.String(strings.Repeat("z", 600))})
	h.sendChunks("Q", splitInto(t, big, 3))

	reply := recv(t, replies)
	rc, err := reply.Int32(kvmsg.KeyRC, 0)
	require.NoError(t, err)
	assert.Equal(t, kvmsg.RCServerError, rc)
	assert.Contains(t, reply.Text(kvmsg.KeyErr), "reassembly")
	assert.Equal(t, "split-1", reply.Text(kvmsg.KeyCorrelationID))

	require.Eventually(t, func() bool { return a.Handled() == 3 }, waitFor, 5*time.Millisecond)
	expectNone(t, replies)
	assert.Equal(t, int32(0), calls.Load())
}

func TestActorReassemblesSplitMessages(t *testing.T) {
	h := newHarness(t, 128)
	body := strings.Repeat("0123456789", 80)
	var got atomic.Value
	w := WithReassembly(WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
		got.Store(msg.Text(kvmsg.KeyBody))
		return kvmsg.Message{kvmsg.KeyBody: kvmsg.String(strings.ToUpper(msg.Text(kvmsg.KeyBody)) + "!")}, nil
	}), 0)
	a := h.start(Config{Worker: w})
	replies := h.listen("Q-RET")

	chunks := splitInto(t, request("big-1", kvmsg.Message{kvmsg.KeyBody: kvmsg.String(body)}), 4)
	for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	}
	h.sendChunks("Q", chunks)

	reply := recv(t, replies)
	assert.Equal(t, body, got.Load())
	assert.Equal(t, body+"!", reply.Text(kvmsg.KeyBody))
	assert.Equal(t, "big-1", reply.Text(kvmsg.KeyCorrelationID))
	assert.Equal(t, 0, a.PendingReassemblies())
	assert.Equal(t, StateIdle, a.State())
}

func TestActorAnswersWorkerErrors(t *testing.T) {
	h := newHarness(t, 0)
	h.start(Config{
		Cache: replycache.New(),
		Worker: WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			switch msg.Text("op") {
			case "FAIL":
				return nil, errors.New("db down")
			case "PANIC":
				panic("boom")
			}
			return kvmsg.Message{kvmsg.KeyBody: kvmsg.String("ok")}, nil
		}),
	})
	replies := h.listen("Q-RET")

	h.send("Q", request("e-1", kvmsg.Message{"op": kvmsg.String("FAIL")}))
	reply := recv(t, replies)
	rc, _ := reply.Int32(kvmsg.KeyRC, 0)
	assert.Equal(t, kvmsg.RCServerError, rc)
	assert.Contains(t, reply.Text(kvmsg.KeyErr), "db down")

	h.send("Q", request("e-2", kvmsg.Message{"op": kvmsg.String("PANIC")}))
	reply = recv(t, replies)
	rc, _ = reply.Int32(kvmsg.KeyRC, 0)
	assert.Equal(t, kvmsg.RCServerError, rc)
	assert.Contains(t, reply.Text(kvmsg.KeyErr), "boom")

	h.send("Q", request("e-3", kvmsg.Message{"op": kvmsg.String("OK")}))
	assert.Equal(t, "ok", recv(t, replies).Text(kvmsg.KeyBody))

	errs := h.log.Find("Worker failed")
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[1].Err, errspkg.ErrWorker)
}

func TestActorErrorRepliesAreNotCached(t *testing.T) {
	h := newHarness(t, 0)
	var calls atomic.Int32
	cache := replycache.New()
	h.start(Config{
		Cache: cache,
		Worker: WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return kvmsg.Message{kvmsg.KeyBody: kvmsg.String("second")}, nil
		}),
	})
	replies := h.listen("Q-RET")

	h.send("Q", request("r-1", nil))
	recv(t, replies)
	h.send("Q", request("r-1", nil))
	assert.Equal(t, "second", recv(t, replies).Text(kvmsg.KeyBody))
	assert.Equal(t, int32(2), calls.Load())
}

func TestActorWithoutReplyAddress(t *testing.T) {
	h := newHarness(t, 0)
	seen := make(chan kvmsg.Message, 1)
	h.start(Config{
		RouteKind: transport.RouteFAF,
		Worker: WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			seen <- msg
			return kvmsg.Message{kvmsg.KeyBody: kvmsg.String("ignored")}, nil
		}),
	})
	replies := h.listen("Q-RET")

	h.send("Q", kvmsg.Message{"op": kvmsg.String("NOTIFY")})
	assert.Equal(t, "NOTIFY", recv(t, seen).Text("op"))
	expectNone(t, replies)
}

func TestActorNilReplyPublishesNothing(t *testing.T) {
	h := newHarness(t, 0)
	a := h.start(Config{
		Worker: WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			return nil, nil
		}),
	})
	replies := h.listen("Q-RET")

	h.send("Q", request("n-1", nil))
	require.Eventually(t, func() bool { return a.Handled() == 1 }, waitFor, 5*time.Millisecond)
	expectNone(t, replies)
}

func TestActorTraceLineIsWrittenOnce(t *testing.T) {
	h := newHarness(t, 0)
	a := h.start(Config{
		TraceEnabled: true,
		Worker: WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			return kvmsg.Message{}, nil
		}),
	})
	replies := h.listen("Q-RET")

	h.send("Q", request("t-1", kvmsg.Message{kvmsg.KeyTrace: kvmsg.Bool(true)}))
	recv(t, replies)
	h.send("Q", request("t-2", nil))
	recv(t, replies)
	require.Eventually(t, func() bool { return a.Handled() == 2 }, waitFor, 5*time.Millisecond)

	traced := h.log.Find("Traced request")
	require.Len(t, traced, 1)
	assert.Equal(t, "t-1", traced[0].Fields["correlation_id"])
	assert.Equal(t, "Q", traced[0].Fields["destination"])
}

func TestActorStripsTraceWhenDisabled(t *testing.T) {
	h := newHarness(t, 0)
	seen := make(chan kvmsg.Message, 1)
	h.start(Config{
		Worker: WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			seen <- msg
			return kvmsg.Message{}, nil
		}),
	})
	replies := h.listen("Q-RET")

	h.send("Q", request("t-1", kvmsg.Message{kvmsg.KeyTrace: kvmsg.Bool(true)}))
	assert.False(t, recv(t, seen).Has(kvmsg.KeyTrace))
	recv(t, replies)
	assert.Empty(t, h.log.Find("Traced request"))
}

func TestActorRejectsMalformedChunk(t *testing.T) {
	h := newHarness(t, 0)
	h.start(Config{
		Worker: WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			t.Error("worker must not run")
			return nil, nil
		}),
	})
	replies := h.listen("Q-RET")

	wm := message.NewMessage("bad", []byte("{}"))
	wm.Metadata.Set(kvmsg.KeyReplyTo, "Q-RET")
	wm.Metadata.Set(kvmsg.KeyCorrelationID, "bad-1")
	wm.Metadata.Set(kvmsg.KeySplitCount, "8589934592")
	require.NoError(t, h.b.Publish(context.Background(), "Q", wm))

	reply := recv(t, replies)
	rc, _ := reply.Int32(kvmsg.KeyRC, 0)
	assert.Equal(t, kvmsg.RCBadRequest, rc)
	assert.Equal(t, "bad-1", reply.Text(kvmsg.KeyCorrelationID))
}

func TestActorAnswersUndecodablePayloadWithServerError(t *testing.T) {
	h := newHarness(t, 0)
	h.start(Config{
		Worker: WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			t.Error("worker must not run")
			return nil, nil
		}),
	})
	replies := h.listen("Q-RET")

	wm := message.NewMessage("garbage", []byte("not a message"))
	wm.Metadata.Set(kvmsg.KeyReplyTo, "Q-RET")
	wm.Metadata.Set(kvmsg.KeyCorrelationID, "bad-2")
	require.NoError(t, h.b.Publish(context.Background(), "Q", wm))

	reply := recv(t, replies)
	rc, _ := reply.Int32(kvmsg.KeyRC, 0)
	assert.Equal(t, kvmsg.RCServerError, rc)
	assert.NotEmpty(t, reply.Text(kvmsg.KeyErr))
}

func TestActorProcessesSequentially(t *testing.T) {
	h := newHarness(t, 0)
	var inFlight, maxInFlight atomic.Int32
	order := make(chan string, 10)
	h.start(Config{
		RouteKind: transport.RouteFAF,
		Worker: WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
			n := inFlight.Add(1)
			if n > maxInFlight.Load() {
				maxInFlight.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			order <- msg.Text("n")
			return nil, nil
		}),
	})

	for _, n := range []string{"1", "2", "3", "4", "5"} {
		h.send("Q", kvmsg.Message{"n": kvmsg.String(n)})
	}
	var got []string
	for range 5 {
		select {
		case n := <-order:
			got = append(got, n)
		case <-time.After(waitFor):
			t.Fatal("worker not invoked")
		}
	}
	// gochannel hands each message to its subscriber on its own goroutine,
	// so only exclusivity is asserted here, not delivery order.
	assert.ElementsMatch(t, []string{"1", "2", "3", "4", "5"}, got)
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestActorLifecycle(t *testing.T) {
	h := newHarness(t, 0)
	w := WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) { return nil, nil })

	_, err := New(Config{})
	assert.ErrorIs(t, err, errspkg.ErrDestinationRequired)
	assert.ErrorIs(t, err, errspkg.ErrWorkerRequired)

	idle, err := New(Config{Destination: "idle", Worker: w, Broker: h.b, Translator: h.tr})
	require.NoError(t, err)
	assert.NoError(t, idle.Stop(context.Background()))

	a, err := New(Config{Destination: "Q", Worker: w, Broker: h.b, Translator: h.tr})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	assert.Error(t, a.Start(context.Background()))
	assert.Equal(t, "Q", a.Destination())
	assert.Equal(t, StateIdle, a.State())

	require.NoError(t, a.Stop(context.Background()))
	select {
	case <-a.Dead():
	default:
		t.Fatal("actor still running")
	}
}

func TestActorEndsWhenRouteDeleted(t *testing.T) {
	h := newHarness(t, 0)
	a := h.start(Config{
		Worker: WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) { return nil, nil }),
	})
	require.NoError(t, h.b.DeleteRoute(context.Background(), "Q"))
	select {
	case <-a.Dead():
	case <-time.After(waitFor):
		t.Fatal("actor did not stop after route deletion")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "receiving", StateReceiving.String())
	assert.Equal(t, "reassembling", StateReassembling.String())
	assert.Equal(t, "complete", StateComplete.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestActorsSharingWorkerKeepSeparateReassembly(t *testing.T) {
	h := newHarness(t, 128)
	w := WithReassembly(WorkerFunc(func(ctx context.Context, msg kvmsg.Message) (kvmsg.Message, error) {
		return kvmsg.Message{kvmsg.KeyBody: kvmsg.String(msg.Text("group"))}, nil
	}), 1)
	first := h.start(Config{Destination: "S1-Q", Worker: w})
	second := h.start(Config{Destination: "S2-Q", Worker: w})
	replies := h.listen("Q-RET")

	body := kvmsg.String(strings.Repeat("x", 300))
	a := splitInto(t, request("s1", kvmsg.Message{"group": kvmsg.String("S1"), kvmsg.KeyBody: body}), 2)
	b := splitInto(t, request("s2", kvmsg.Message{"group": kvmsg.String("S2"), kvmsg.KeyBody: body}), 2)

	h.sendChunks("S1-Q", a[:1])
	h.sendChunks("S2-Q", b[:1])
	require.Eventually(t, func() bool {
		return first.PendingReassemblies() == 1 && second.PendingReassemblies() == 1
	}, waitFor, 5*time.Millisecond)
	h.sendChunks("S1-Q", a[1:])
	h.sendChunks("S2-Q", b[1:])

	got := map[string]string{}
	for range 2 {
		reply := recv(t, replies)
		got[reply.Text(kvmsg.KeyCorrelationID)] = reply.Text(kvmsg.KeyBody)
	}
	assert.Equal(t, map[string]string{"s1": "S1", "s2": "S2"}, got)
	assert.Equal(t, 0, first.PendingReassemblies())
	assert.Equal(t, 0, second.PendingReassemblies())
}
