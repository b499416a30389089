package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/momflow/internal/runtime/config"
	"github.com/drblury/momflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/internal/runtime/kvmsg"
	"github.com/drblury/momflow/internal/runtime/logging/loggingtest"
	transportpkg "github.com/drblury/momflow/internal/runtime/transport"
	"github.com/drblury/momflow/transport"
)

func newTestClient(t *testing.T, mutate func(*configpkg.Config)) *Client {
	t.Helper()
	cfg := &configpkg.Config{
		ClientID:     "test-app",
		PubSubSystem: "channel",
		RPCTimeout:   2 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}
	c, err := TryNewClient(context.Background(), cfg, loggingtest.New(), ClientDependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func echoWorker(calls *atomic.Int32) dispatch.Worker {
	return dispatch.WorkerFunc(func(ctx context.Context, req kvmsg.Message) (kvmsg.Message, error) {
		if calls != nil {
			calls.Add(1)
		}
		return kvmsg.Message{"echo": req["op"], kvmsg.KeyRC: kvmsg.Int32(0)}, nil
	})
}

func TestTryNewClientRejectsMissingCollaborators(t *testing.T) {
	ctx := context.Background()

	_, err := TryNewClient(ctx, nil, loggingtest.New(), ClientDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = TryNewClient(ctx, &configpkg.Config{}, nil, ClientDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestTryNewClientValidatesConfig(t *testing.T) {
	_, err := TryNewClient(context.Background(), &configpkg.Config{PubSubSystem: "kafka"}, loggingtest.New(), ClientDependencies{})
	require.Error(t, err)
	var cfgErr errspkg.ConfigValidationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestNewClientPanicsOnInvalidConfig(t *testing.T) {
	assert.Panics(t, func() {
		NewClient(context.Background(), &configpkg.Config{Codec: "xml"}, loggingtest.New(), ClientDependencies{})
	})
}

func TestTryNewClientWrapsFactoryErrors(t *testing.T) {
	boom := errors.New("boom")
	deps := ClientDependencies{
		TransportFactory: transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transport.Transport, transport.Capabilities, error) {
			return transport.Transport{}, transport.Capabilities{}, boom
		}),
	}
	_, err := TryNewClient(context.Background(), &configpkg.Config{}, loggingtest.New(), deps)
	assert.ErrorIs(t, err, boom)
}

func TestChunkThreshold(t *testing.T) {
	caps := transport.Capabilities{MaxMessageSize: 1000}
	assert.Equal(t, 64, chunkThreshold(64, caps))
	assert.Equal(t, 0, chunkThreshold(-1, caps))
	assert.Equal(t, caps.ChunkThreshold(), chunkThreshold(0, caps))
}

func TestRequestServiceRoundTrip(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()
	var calls atomic.Int32

	svc, err := c.RequestService(ctx, "Q", echoWorker(&calls))
	require.NoError(t, err)
	assert.Equal(t, KindRequest, svc.Kind)

	exec, err := c.NewRequestExecutor()
	require.NoError(t, err)

	reply, err := exec.RequestReply(ctx, kvmsg.Message{"op": kvmsg.String("PING")}, "Q")
	require.NoError(t, err)
	assert.Equal(t, "PING", reply.Text("echo"))
	assert.Equal(t, "test-app", reply.Text(kvmsg.KeyApplicationID))
	assert.Equal(t, int32(1), calls.Load())

	infos := c.Services()
	require.Len(t, infos, 1)
	assert.Equal(t, "Q", infos[0].Destination)
	assert.Eventually(t, func() bool { return c.Services()[0].Handled == 1 }, time.Second, 5*time.Millisecond)
}

func TestRequestServiceSplitsLargeReplies(t *testing.T) {
	c := newTestClient(t, func(cfg *configpkg.Config) { cfg.MaxChunkSize = 64 })
	ctx := context.Background()
	big := make([]byte, 1024)

	_, err := c.RequestService(ctx, "Q", dispatch.WithReassembly(dispatch.WorkerFunc(func(ctx context.Context, req kvmsg.Message) (kvmsg.Message, error) {
		raw, _ := req["blob"].Bytes()
		return kvmsg.Message{"size": kvmsg.Int32(int32(len(raw))), "blob": kvmsg.Bytes(big)}, nil
	}), 0))
	require.NoError(t, err)

	exec, err := c.NewRequestExecutor()
	require.NoError(t, err)
	reply, err := exec.RequestReply(ctx, kvmsg.Message{"blob": kvmsg.Bytes(big)}, "Q")
	require.NoError(t, err)
	size, err := reply.Int32("size", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1024), size)
	raw, _ := reply["blob"].Bytes()
	assert.Len(t, raw, 1024)
}

func TestServiceDestinationIsExclusive(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	svc, err := c.RequestService(ctx, "Q", echoWorker(nil))
	require.NoError(t, err)

	_, err = c.SubscribeService(ctx, "Q", echoWorker(nil))
	assert.ErrorIs(t, err, errspkg.ErrServiceExists)

	require.NoError(t, svc.Stop(ctx))
	assert.Empty(t, c.Services())

	_, err = c.RequestService(ctx, "Q", echoWorker(nil))
	assert.NoError(t, err)
}

func TestServiceArgumentsAreValidated(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	_, err := c.RequestService(ctx, "", echoWorker(nil))
	assert.ErrorIs(t, err, errspkg.ErrDestinationRequired)
	_, err = c.RequestService(ctx, "Q", nil)
	assert.ErrorIs(t, err, errspkg.ErrWorkerRequired)
	_, err = c.FeederService(ctx, "Q", nil)
	assert.ErrorIs(t, err, errspkg.ErrFeederRequired)
	_, err = c.FeederService(ctx, "Q", FeederFunc{})
	var cfgErr errspkg.ConfigValidationError
	assert.True(t, errors.As(err, &cfgErr))
	assert.ErrorIs(t, c.OpenGroupServices(ctx, ""), errspkg.ErrGroupRequired)
}

func TestSubscribeServiceConsumesFireAndForget(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()
	got := make(chan kvmsg.Message, 1)

	_, err := c.SubscribeService(ctx, "EVENTS", dispatch.WorkerFunc(func(ctx context.Context, req kvmsg.Message) (kvmsg.Message, error) {
		got <- req
		return nil, nil
	}))
	require.NoError(t, err)

	exec, err := c.NewRequestExecutor()
	require.NoError(t, err)
	_, err = exec.FireAndForget(ctx, kvmsg.Message{"op": kvmsg.String("NOTIFY")}, "EVENTS")
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, "NOTIFY", msg.Text("op"))
		assert.Equal(t, "test-app", msg.Text(kvmsg.KeyApplicationID))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestFeederServicePublishesOnInterval(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []int32
	)
	_, err := c.SubscribeService(ctx, "TICKS", dispatch.WorkerFunc(func(ctx context.Context, req kvmsg.Message) (kvmsg.Message, error) {
		n, _ := req.Int32("n", -1)
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil, nil
	}))
	require.NoError(t, err)

	var n atomic.Int32
	feeder, err := c.FeederService(ctx, "TICKS", FeederFunc{
		Every: 10 * time.Millisecond,
		Fn: func(ctx context.Context) (kvmsg.Message, error) {
			return kvmsg.Message{"n": kvmsg.Int32(n.Add(1))}, nil
		},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, feeder.Stop(ctx))
	mu.Lock()
	assert.Equal(t, []int32{1, 2, 3}, seen[:3])
	mu.Unlock()

	for _, info := range c.Services() {
		assert.NotEqual(t, KindFeeder, info.Kind)
	}
}

func TestSessionControlPlane(t *testing.T) {
	c := newTestClient(t, func(cfg *configpkg.Config) { cfg.RPCTimeout = 200 * time.Millisecond })
	ctx := context.Background()

	_, err := c.SessionService(ctx, "SESSION")
	require.NoError(t, err)
	require.NoError(t, c.GroupRequestService(ctx, "Q", dispatch.WorkerFunc(func(ctx context.Context, req kvmsg.Message) (kvmsg.Message, error) {
		return kvmsg.Message{"op": req["op"]}, nil
	})))
	assert.ErrorIs(t, c.GroupRequestService(ctx, "Q", echoWorker(nil)), errspkg.ErrServiceExists)

	exec, err := c.NewRequestExecutor()
	require.NoError(t, err)

	groupCtx, id, err := c.OpenSession(ctx, exec, "SESSION")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.True(t, c.Sessions().IsOpen(id))

	var bound bool
	for _, info := range c.Services() {
		if info.Destination == id+"-Q" {
			bound = true
			assert.Equal(t, KindGroupRequest, info.Kind)
			assert.Equal(t, id, info.Group)
		}
	}
	require.True(t, bound, "group service not bound")

	reply, err := exec.RequestReply(groupCtx, kvmsg.Message{"op": kvmsg.String("WORK")}, "Q")
	require.NoError(t, err)
	assert.Equal(t, "WORK", reply.Text("op"))
	assert.Contains(t, exec.Listeners(), id+"-Q-RET")

	require.NoError(t, c.CloseSession(ctx, exec, "SESSION", id))
	assert.False(t, c.Sessions().IsOpen(id))
	assert.NotContains(t, exec.Listeners(), id+"-Q-RET")
	for _, info := range c.Services() {
		assert.NotEqual(t, id, info.Group)
	}

	// The stale context no longer scopes requests and nothing serves "Q".
	_, err = exec.RequestReply(groupCtx, kvmsg.Message{"op": kvmsg.String("WORK")}, "Q")
	assert.ErrorIs(t, err, errspkg.ErrTimeout)
}

func TestGroupTemplateBindsAlreadyOpenGroups(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	require.NoError(t, c.OpenGroupServices(ctx, "S1"))
	require.NoError(t, c.OpenGroupServices(ctx, "S1"))
	require.NoError(t, c.GroupRequestService(ctx, "Q", echoWorker(nil)))

	infos := c.Services()
	require.Len(t, infos, 1)
	assert.Equal(t, "S1-Q", infos[0].Destination)

	require.NoError(t, c.CloseGroupServices(ctx, "S1"))
	require.NoError(t, c.CloseGroupServices(ctx, "S1"))
	assert.Empty(t, c.Services())
}

func TestSessionServiceRejectsUnknownOperation(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()
	_, err := c.SessionService(ctx, "SESSION")
	require.NoError(t, err)

	exec, err := c.NewRequestExecutor()
	require.NoError(t, err)
	reply, err := exec.RequestReply(ctx, kvmsg.Message{KeyOp: kvmsg.String("REBOOT")}, "SESSION")
	require.NoError(t, err)
	assert.ErrorIs(t, replyError(reply), errspkg.ErrWorker)
	assert.Contains(t, reply.Text(kvmsg.KeyErr), "REBOOT")
}

func TestCloseStopsEverything(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	_, err := c.RequestService(ctx, "Q", echoWorker(nil))
	require.NoError(t, err)
	exec, err := c.NewRequestExecutor()
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))

	assert.Empty(t, c.Services())
	_, err = c.NewRequestExecutor()
	assert.ErrorIs(t, err, errspkg.ErrClientClosed)
	_, err = c.RequestService(ctx, "Q2", echoWorker(nil))
	assert.ErrorIs(t, err, errspkg.ErrClientClosed)
	_, err = exec.RequestReply(ctx, kvmsg.Message{}, "Q")
	assert.ErrorIs(t, err, errspkg.ErrExecutorStopped)
}

func TestMetricsAreRecordedInGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := &configpkg.Config{PubSubSystem: "channel", MetricsEnabled: true, MetricsPort: 29464, RPCTimeout: time.Second}
	c, err := TryNewClient(context.Background(), cfg, loggingtest.New(), ClientDependencies{Registerer: reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	require.NotNil(t, c.Metrics())

	ctx := context.Background()
	_, err = c.RequestService(ctx, "Q", echoWorker(nil))
	require.NoError(t, err)
	exec, err := c.NewRequestExecutor()
	require.NoError(t, err)
	_, err = exec.RequestReply(ctx, kvmsg.Message{"op": kvmsg.String("PING")}, "Q")
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "momflow_executor_requests_total")
	assert.Contains(t, names, "momflow_dispatch_messages_total")
}
