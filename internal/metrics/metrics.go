package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records response cache read attempts.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records response cache write-through attempts.
	CacheOperationStore CacheOperation = "store"
)

// ReplayOutcome captures what happened to one queue entry during a replay pass.
type ReplayOutcome string

const (
	ReplaySucceeded ReplayOutcome = "succeeded"
	ReplayRequeued  ReplayOutcome = "requeued"
	ReplayDropped   ReplayOutcome = "dropped"
)

// Recorder publishes Prometheus metrics for relay activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	relayRequests *prometheus.CounterVec
	relayLatency  *prometheus.HistogramVec
	relayAttempts *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec

	queueDepth   prometheus.Gauge
	queueReplays *prometheus.CounterVec

	conflicts *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	relayRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayctrl",
		Subsystem: "relay",
		Name:      "requests_total",
		Help:      "Logical requests completed by the executor.",
	}, []string{"endpoint", "outcome", "status_code", "from_cache"})

	relayLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relayctrl",
		Subsystem: "relay",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed logical requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint", "outcome"})

	relayAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayctrl",
		Subsystem: "relay",
		Name:      "attempts_total",
		Help:      "Individual network attempts made by the executor.",
	}, []string{"endpoint", "result"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayctrl",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations executed by the relay.",
	}, []string{"operation", "result"})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "relayctrl",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Mutations currently waiting in the offline queue.",
	})

	queueReplays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayctrl",
		Subsystem: "queue",
		Name:      "replays_total",
		Help:      "Per-entry outcomes across replay passes.",
	}, []string{"result"})

	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayctrl",
		Subsystem: "conflict",
		Name:      "resolutions_total",
		Help:      "Conflicts resolved, labelled by entity type and strategy.",
	}, []string{"entity_type", "strategy"})

	reg.MustRegister(relayRequests, relayLatency, relayAttempts, cacheOperations, queueDepth, queueReplays, conflicts)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		relayRequests:   relayRequests,
		relayLatency:    relayLatency,
		relayAttempts:   relayAttempts,
		cacheOperations: cacheOperations,
		queueDepth:      queueDepth,
		queueReplays:    queueReplays,
		conflicts:       conflicts,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency for a completed logical request.
func (r *Recorder) ObserveRequest(endpoint, outcome string, statusCode int, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "none"
	}
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.relayRequests.WithLabelValues(normalizeLabel(endpoint), normalizeLabel(outcome), statusLabel, cacheLabel).Inc()
	r.relayLatency.WithLabelValues(normalizeLabel(endpoint), normalizeLabel(outcome)).Observe(duration.Seconds())
}

// ObserveAttempt records one network attempt and its immediate result.
func (r *Recorder) ObserveAttempt(endpoint, result string) {
	if r == nil {
		return
	}
	r.relayAttempts.WithLabelValues(normalizeLabel(endpoint), normalizeLabel(result)).Inc()
}

// ObserveCache records a cache lookup or store result.
func (r *Recorder) ObserveCache(operation CacheOperation, result string) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(string(operation), normalizeLabel(result)).Inc()
}

// SetQueueDepth publishes the current offline queue size.
func (r *Recorder) SetQueueDepth(depth int64) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(depth))
}

// ObserveReplay records a per-entry replay outcome.
func (r *Recorder) ObserveReplay(outcome ReplayOutcome) {
	if r == nil {
		return
	}
	r.queueReplays.WithLabelValues(string(outcome)).Inc()
}

// ObserveReplayReport records the aggregate outcome of one replay pass.
func (r *Recorder) ObserveReplayReport(succeeded, requeued, dropped int) {
	if r == nil {
		return
	}
	r.queueReplays.WithLabelValues(string(ReplaySucceeded)).Add(float64(succeeded))
	r.queueReplays.WithLabelValues(string(ReplayRequeued)).Add(float64(requeued))
	r.queueReplays.WithLabelValues(string(ReplayDropped)).Add(float64(dropped))
}

// ObserveConflict records a resolved conflict.
func (r *Recorder) ObserveConflict(entityType, strategy string) {
	if r == nil {
		return
	}
	r.conflicts.WithLabelValues(normalizeLabel(entityType), normalizeLabel(strategy)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
