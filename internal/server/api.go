// Package server exposes the relay pipeline over localhost HTTP and owns the
// listener lifecycle.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/relayctrl/internal/config"
	"github.com/l0p7/relayctrl/internal/metrics"
	"github.com/l0p7/relayctrl/internal/relay"
	"github.com/l0p7/relayctrl/internal/relay/conflict"
	"github.com/l0p7/relayctrl/internal/relay/netstatus"
	"github.com/l0p7/relayctrl/internal/relay/queue"
	"github.com/l0p7/relayctrl/internal/relay/ratelimit"
)

// API bundles the components the HTTP surface fronts.
type API struct {
	executor *relay.Executor
	queue    *queue.Queue
	engine   *conflict.Engine
	tracker  *ratelimit.Tracker
	monitor  netstatus.Monitor
	// manual is non-nil only when the netstatus mode accepts overrides.
	manual       *netstatus.Manual
	recorder     *metrics.Recorder
	metrics      http.Handler
	logger       *slog.Logger
	skippedRules []config.RuleSkip
}

// APIOptions collects the API's dependencies.
type APIOptions struct {
	Executor     *relay.Executor
	Queue        *queue.Queue
	Engine       *conflict.Engine
	Tracker      *ratelimit.Tracker
	Monitor      netstatus.Monitor
	Manual       *netstatus.Manual
	Recorder     *metrics.Recorder
	Metrics      http.Handler
	Logger       *slog.Logger
	SkippedRules []config.RuleSkip
}

// NewAPI builds the handler set over the relay components.
func NewAPI(opts APIOptions) (*API, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("server: executor required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = netstatus.AlwaysOnline{}
	}
	return &API{
		executor:     opts.Executor,
		queue:        opts.Queue,
		engine:       opts.Engine,
		tracker:      opts.Tracker,
		monitor:      monitor,
		manual:       opts.Manual,
		recorder:     opts.Recorder,
		metrics:      opts.Metrics,
		logger:       logger.With(slog.String("agent", "api")),
		skippedRules: opts.SkippedRules,
	}, nil
}

// relayRequest is the wire form of POST /relay. Durations arrive as
// milliseconds to keep the JSON surface numeric.
type relayRequest struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	Body         json.RawMessage   `json:"body"`
	TimeoutMs    int64             `json:"timeoutMs"`
	Retries      *int              `json:"retries"`
	Cache        bool              `json:"cache"`
	CacheTTLMs   int64             `json:"cacheTtlMs"`
	ForceRefresh bool              `json:"forceRefresh"`
}

// ServeRelay executes one request through the resilience pipeline.
func (a *API) ServeRelay(w http.ResponseWriter, r *http.Request) {
	var body relayRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if body.URL == "" {
		a.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	result := a.executor.Execute(r.Context(), relay.Request{
		URL:          body.URL,
		Method:       body.Method,
		Headers:      body.Headers,
		Body:         body.Body,
		Timeout:      time.Duration(body.TimeoutMs) * time.Millisecond,
		Retries:      body.Retries,
		Cache:        body.Cache,
		CacheTTL:     time.Duration(body.CacheTTLMs) * time.Millisecond,
		ForceRefresh: body.ForceRefresh,
	})
	a.writeJSON(w, http.StatusOK, result)
}

// ServeQueueList reports the pending mutations in replay order.
func (a *API) ServeQueueList(w http.ResponseWriter, r *http.Request) {
	if a.queue == nil {
		a.writeError(w, http.StatusServiceUnavailable, "offline queue disabled")
		return
	}
	pending, err := a.queue.Pending(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, fmt.Sprintf("list queue: %v", err))
		return
	}
	if pending == nil {
		pending = []queue.QueuedMutation{}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"size":    len(pending),
	})
}

// ServeQueueReplay triggers one replay pass and reports the outcome. A pass
// already in flight yields a skipped report rather than an error.
func (a *API) ServeQueueReplay(w http.ResponseWriter, r *http.Request) {
	if a.queue == nil {
		a.writeError(w, http.StatusServiceUnavailable, "offline queue disabled")
		return
	}
	report, err := a.queue.ReplayAll(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, fmt.Sprintf("replay: %v", err))
		return
	}
	a.recorder.ObserveReplayReport(report.Succeeded, report.Requeued, report.Dropped)
	if size, err := a.queue.Size(r.Context()); err == nil {
		a.recorder.SetQueueDepth(size)
	}
	a.writeJSON(w, http.StatusOK, report)
}

// ServeConflictResolve resolves a conflict record and returns the merged value.
func (a *API) ServeConflictResolve(w http.ResponseWriter, r *http.Request) {
	if a.engine == nil {
		a.writeError(w, http.StatusServiceUnavailable, "conflict engine disabled")
		return
	}
	var record conflict.Record
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode record: %v", err))
		return
	}
	if record.ServerValue == nil || record.ClientValue == nil {
		a.writeError(w, http.StatusBadRequest, "serverValue and clientValue are required")
		return
	}
	resolution, err := a.engine.Resolve(r.Context(), record)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.recorder.ObserveConflict(record.EntityType, resolution.Strategy)
	a.writeJSON(w, http.StatusOK, resolution)
}

// ServeRateLimit returns the tracked snapshot for one endpoint key.
func (a *API) ServeRateLimit(w http.ResponseWriter, r *http.Request) {
	if a.tracker == nil {
		a.writeError(w, http.StatusServiceUnavailable, "rate-limit tracking disabled")
		return
	}
	key := r.PathValue("key")
	if key == "" {
		a.writeError(w, http.StatusBadRequest, "endpoint key required")
		return
	}
	snap, ok := a.tracker.Snapshot(key)
	if !ok {
		a.writeError(w, http.StatusNotFound, fmt.Sprintf("no rate-limit data for %q", key))
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"snapshot":    snap,
		"approaching": a.tracker.ApproachingLimit(key),
	})
}

// ServeHealth reports liveness plus queue depth and connectivity state.
func (a *API) ServeHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status": "ok",
		"online": a.monitor.Online(),
	}
	if a.queue != nil {
		size, err := a.queue.Size(r.Context())
		if err != nil {
			a.logger.Warn("queue size probe failed", slog.Any("error", err))
		} else {
			payload["queueSize"] = size
		}
	}
	if len(a.skippedRules) > 0 {
		payload["skippedRules"] = a.skippedRules
	}
	a.writeJSON(w, http.StatusOK, payload)
}

// netstatusRequest is the wire form of POST /netstatus.
type netstatusRequest struct {
	Online *bool `json:"online"`
}

// ServeNetstatus overrides connectivity on the manual monitor.
func (a *API) ServeNetstatus(w http.ResponseWriter, r *http.Request) {
	if a.manual == nil {
		a.writeError(w, http.StatusConflict, "netstatus mode does not accept overrides")
		return
	}
	var body netstatusRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if body.Online == nil {
		a.writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	a.manual.SetOnline(*body.Online)
	a.writeJSON(w, http.StatusOK, map[string]any{"online": a.manual.Online()})
}

// ServeMetrics exposes the Prometheus registry.
func (a *API) ServeMetrics(w http.ResponseWriter, r *http.Request) {
	if a.metrics == nil {
		a.writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	a.metrics.ServeHTTP(w, r)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Warn("response encode failed", slog.Any("error", err))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}
