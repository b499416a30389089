package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/momflow/internal/runtime/broker"
	"github.com/drblury/momflow/internal/runtime/codec"
	configpkg "github.com/drblury/momflow/internal/runtime/config"
	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/internal/runtime/executor"
	loggingpkg "github.com/drblury/momflow/internal/runtime/logging"
	metricspkg "github.com/drblury/momflow/internal/runtime/metrics"
	"github.com/drblury/momflow/internal/runtime/session"
	"github.com/drblury/momflow/internal/runtime/translator"
	transportpkg "github.com/drblury/momflow/internal/runtime/transport"
	"github.com/drblury/momflow/transport"
)

const shutdownTimeout = 5 * time.Second

// ClientDependencies holds optional collaborators. Leave fields nil for the
// defaults.
type ClientDependencies struct {
	TransportFactory transportpkg.Factory
	// Registerer receives the Prometheus collectors when metrics are enabled.
	// When it is also a Gatherer it backs the /metrics endpoint.
	Registerer prometheus.Registerer
}

// Client owns one broker connection and everything built on it: request
// executors, dispatch services, and the session registry.
type Client struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	broker     broker.Broker
	caps       transport.Capabilities
	translator *translator.Translator
	sessions   *session.Registry
	metrics    *metricspkg.Metrics
	gatherer   prometheus.Gatherer

	mu             sync.Mutex
	executors      []*executor.Executor
	services       map[string]*Service
	groupTemplates map[string]groupTemplate
	groupServices  map[string][]*Service
	feederExec     *executor.Executor
	closed         bool

	httpServersMu sync.Mutex
	httpMuxes     map[int]*http.ServeMux
	httpServers   []*http.Server
}

// NewClient constructs a Client and panics when the configuration or the
// transport cannot be set up. Use TryNewClient to handle those errors.
func NewClient(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ClientDependencies) *Client {
	c, err := TryNewClient(ctx, conf, log, deps)
	if err != nil {
		panic(err)
	}
	return c
}

// TryNewClient validates conf, builds the transport it selects and returns a
// ready client.
func TryNewClient(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ClientDependencies) (*Client, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	resolved := conf.WithDefaults()
	if err := resolved.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	log.Info("Creating client", loggingpkg.LogFields{
		"pubsub_system": resolved.PubSubSystem,
		"config":        resolved,
	})

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, caps, err := factory.Build(ctx, &resolved, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", resolved.PubSubSystem, err)
	}

	cdc, err := codec.Lookup(resolved.Codec)
	if err != nil {
		return nil, err
	}

	c := &Client{
		Conf:           &resolved,
		Logger:         log,
		broker:         broker.New(tr, caps, log),
		translator:     translator.New(cdc, chunkThreshold(resolved.MaxChunkSize, caps)),
		sessions:       session.NewRegistry(),
		services:       make(map[string]*Service),
		groupTemplates: make(map[string]groupTemplate),
		groupServices:  make(map[string][]*Service),
	}
	c.caps = c.broker.Capabilities()

	if resolved.MetricsEnabled {
		if err := c.setupMetrics(deps.Registerer); err != nil {
			_ = c.broker.Close()
			return nil, err
		}
	}
	c.registerStatusEndpoint()
	c.startHTTPServers()

	log.Info("Client ready", loggingpkg.LogFields{
		"client_id":      resolved.ClientID,
		"transport":      c.caps.Name,
		"codec":          cdc.Name(),
		"max_chunk_size": c.translator.MaxChunkSize(),
	})
	return c, nil
}

// chunkThreshold resolves the configured chunk size: zero defers to the
// broker's own limit and a negative value disables splitting.
func chunkThreshold(configured int, caps transport.Capabilities) int {
	switch {
	case configured > 0:
		return configured
	case configured < 0:
		return 0
	default:
		return caps.ChunkThreshold()
	}
}

func (c *Client) setupMetrics(reg prometheus.Registerer) error {
	c.metrics = metricspkg.New(reg)
	if err := c.metrics.Register(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	switch g := reg.(type) {
	case nil:
		c.gatherer = prometheus.DefaultGatherer
	case prometheus.Gatherer:
		c.gatherer = g
	}
	if c.Conf.MetricsPort > 0 && c.gatherer != nil {
		c.RegisterHTTPHandler(c.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{}))
	}
	return nil
}

// Capabilities describes the broker in use.
func (c *Client) Capabilities() transport.Capabilities { return c.caps }

// Broker exposes the underlying broker.
func (c *Client) Broker() broker.Broker { return c.broker }

// Translator exposes the client's translator.
func (c *Client) Translator() *translator.Translator { return c.translator }

// Sessions exposes the client's session registry.
func (c *Client) Sessions() *session.Registry { return c.sessions }

// Metrics returns the client's collectors, or nil when metrics are off.
func (c *Client) Metrics() *metricspkg.Metrics { return c.metrics }

// NewRequestExecutor creates an executor bound to this client. The client
// stops it on Close and purges its group listeners on CloseGroup.
func (c *Client) NewRequestExecutor() (*executor.Executor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errspkg.ErrClientClosed
	}
	return c.newExecutorLocked()
}

func (c *Client) newExecutorLocked() (*executor.Executor, error) {
	e, err := executor.New(executor.Config{
		Broker:                 c.broker,
		Translator:             c.translator,
		Sessions:               c.sessions,
		ApplicationID:          c.Conf.ClientID,
		Timeout:                c.Conf.RPCTimeout,
		MaxRetries:             c.Conf.RPCRetries,
		MaxPendingReassemblies: c.Conf.MaxPendingReassemblies,
		Logger:                 c.Logger,
		Metrics:                c.metrics,
	})
	if err != nil {
		return nil, err
	}
	c.executors = append(c.executors, e)
	return e, nil
}

// OpenGroup opens session id and returns a context that scopes every
// destination addressed through it to the group. Opening an open group only
// returns the context again.
func (c *Client) OpenGroup(ctx context.Context, id string) (context.Context, error) {
	if id == "" {
		return ctx, errspkg.ErrGroupRequired
	}
	if c.sessions.Open(id) {
		c.Logger.Debug("Group opened", loggingpkg.LogFields{loggingpkg.FieldGroup: id})
	}
	return session.WithGroup(ctx, id), nil
}

// CloseGroup ends session id and removes the reply listeners registered
// under it from every executor of the client. Closing twice is harmless.
func (c *Client) CloseGroup(ctx context.Context, id string) error {
	if id == "" {
		return errspkg.ErrGroupRequired
	}
	names := c.sessions.Close(id)
	if names == nil {
		return nil
	}
	c.mu.Lock()
	executors := append([]*executor.Executor(nil), c.executors...)
	c.mu.Unlock()

	var errs []error
	for _, e := range executors {
		if err := e.ReleaseListeners(ctx, names); err != nil {
			errs = append(errs, err)
		}
	}
	c.Logger.Debug("Group closed", loggingpkg.LogFields{loggingpkg.FieldGroup: id, "listeners": names})
	return errors.Join(errs...)
}

// Close stops every service and executor, the HTTP servers and the broker.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	services := c.allServicesLocked()
	executors := c.executors
	c.executors = nil
	c.mu.Unlock()

	var errs []error
	for _, s := range services {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range executors {
		if err := e.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.stopHTTPServers(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	c.Logger.Info("Client closed", loggingpkg.LogFields{"services": len(services), "executors": len(executors)})
	return errors.Join(errs...)
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with the client, so handlers must be registered during construction.
func (c *Client) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	c.httpServersMu.Lock()
	defer c.httpServersMu.Unlock()

	if c.httpMuxes == nil {
		c.httpMuxes = make(map[int]*http.ServeMux)
	}
	mux, ok := c.httpMuxes[port]
	if !ok {
		mux = http.NewServeMux()
		c.httpMuxes[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (c *Client) startHTTPServers() {
	c.httpServersMu.Lock()
	defer c.httpServersMu.Unlock()

	ports := make([]int, 0, len(c.httpMuxes))
	for port := range c.httpMuxes {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	for _, port := range ports {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           c.httpMuxes[port],
			ReadHeaderTimeout: 10 * time.Second,
		}
		c.httpServers = append(c.httpServers, srv)
		c.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

func (c *Client) stopHTTPServers(ctx context.Context) error {
	c.httpServersMu.Lock()
	servers := c.httpServers
	c.httpServers = nil
	c.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
