// Package metrics exposes the engine's Prometheus collectors. Every method is
// safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "momflow"

// Outcomes recorded for requests and dispatched messages.
const (
	OutcomeSuccess   = "success"
	OutcomeCached    = "cached"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
	OutcomeNoReply   = "no_reply"
)

// Reply cache sides.
const (
	SideDispatch = "dispatch"
	SideExecutor = "executor"
)

// Metrics holds the collectors for one client.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	requests      *prometheus.CounterVec
	rpcDuration   *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	slowRPCs      *prometheus.CounterVec
	dispatched    *prometheus.CounterVec
	workerLatency *prometheus.HistogramVec
	cacheHits     *prometheus.CounterVec
	pending       *prometheus.GaugeVec
	evicted       *prometheus.CounterVec
	chunks        *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, labels)
}

// New creates the collectors. A nil registerer means the Prometheus default.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:    registerer,
		requests:      newCounterVec("executor", "requests_total", "Requests sent, by kind and outcome.", "destination", "kind", "outcome"),
		rpcDuration:   newHistogramVec("executor", "rpc_duration_seconds", "Wall time of request/reply calls across all attempts.", "destination"),
		retries:       newCounterVec("executor", "retries_total", "Request re-sends after an attempt timed out.", "destination"),
		slowRPCs:      newCounterVec("executor", "slow_rpcs_total", "Replies that took more than 60% of the timeout.", "destination"),
		dispatched:    newCounterVec("dispatch", "messages_total", "Inbound requests handled, by outcome.", "destination", "outcome"),
		workerLatency: newHistogramVec("dispatch", "worker_duration_seconds", "Time spent in application workers.", "destination"),
		cacheHits:     newCounterVec("replycache", "hits_total", "Replies served from the reply cache.", "side"),
		pending:       prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "reassembly", Name: "pending", Help: "Split messages waiting for chunks."}, []string{"destination"}),
		evicted:       newCounterVec("reassembly", "evicted_total", "Incomplete split messages dropped by the pending cap.", "destination"),
		chunks:        newCounterVec("translator", "chunks_published_total", "Chunks published, split or not.", "destination"),
	}
}

// Register registers the collectors. Safe to call multiple times; collectors
// already registered by another client are tolerated.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.requests, m.rpcDuration, m.retries, m.slowRPCs, m.dispatched,
		m.workerLatency, m.cacheHits, m.pending, m.evicted, m.chunks,
	} {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// ObserveRPC records one finished request/reply call.
func (m *Metrics) ObserveRPC(dest, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(dest, "rpc", outcome).Inc()
	m.rpcDuration.WithLabelValues(dest).Observe(elapsed.Seconds())
}

// ObserveFAF records one fire-and-forget send.
func (m *Metrics) ObserveFAF(dest, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(dest, "faf", outcome).Inc()
}

// IncRetry counts a re-send after a timed-out attempt.
func (m *Metrics) IncRetry(dest string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(dest).Inc()
}

// IncSlowRPC counts a reply that arrived late in its window.
func (m *Metrics) IncSlowRPC(dest string) {
	if m == nil {
		return
	}
	m.slowRPCs.WithLabelValues(dest).Inc()
}

// ObserveDispatch records how an inbound request was handled.
func (m *Metrics) ObserveDispatch(dest, outcome string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(dest, outcome).Inc()
}

// ObserveWorker records time spent in a worker.
func (m *Metrics) ObserveWorker(dest string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.workerLatency.WithLabelValues(dest).Observe(elapsed.Seconds())
}

// IncCacheHit counts a reply served from cache on side.
func (m *Metrics) IncCacheHit(side string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(side).Inc()
}

// SetPending reports how many split messages dest is still assembling.
func (m *Metrics) SetPending(dest string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(dest).Set(float64(n))
}

// IncEvicted counts an incomplete split message dropped by the cap.
func (m *Metrics) IncEvicted(dest string) {
	if m == nil {
		return
	}
	m.evicted.WithLabelValues(dest).Inc()
}

// AddChunks counts chunks published to dest.
func (m *Metrics) AddChunks(dest string, n int) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues(dest).Add(float64(n))
}
