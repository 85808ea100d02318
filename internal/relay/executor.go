// Package relay executes outbound requests with retry, backoff, response
// caching, rate-limit tracking, and offline queue diversion. Failures are
// structured results, never panics.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/l0p7/relayctrl/internal/config"
	"github.com/l0p7/relayctrl/internal/expr"
	"github.com/l0p7/relayctrl/internal/metrics"
	"github.com/l0p7/relayctrl/internal/relay/cache"
	"github.com/l0p7/relayctrl/internal/relay/netstatus"
	"github.com/l0p7/relayctrl/internal/relay/queue"
	"github.com/l0p7/relayctrl/internal/relay/ratelimit"
)

const (
	// DefaultTimeout bounds a single attempt when the request carries none.
	DefaultTimeout = 10 * time.Second
	// DefaultRetries is the number of retries after the first attempt.
	DefaultRetries = 3
	// DefaultCacheTTL applies to write-through entries without an explicit TTL.
	DefaultCacheTTL = 30 * time.Second

	maxResponseBytes = 1 << 20
)

// httpDoer is the transport seam; *http.Client satisfies it.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options wires the executor's collaborators. Nil fields fall back to
// reasonable defaults; Cache, Queue, and Monitor are optional features.
type Options struct {
	Client  httpDoer
	Cache   cache.ResponseCache
	Tracker *ratelimit.Tracker
	Queue   *queue.Queue
	Monitor netstatus.Monitor
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Clock   Clock
	// Jitter overrides the random backoff jitter; tests pin it to zero.
	Jitter func() time.Duration

	DefaultTimeout  time.Duration
	DefaultRetries  int
	DefaultCacheTTL time.Duration

	// Env and Rules install the endpoint policy overrides. Env may be nil
	// when Rules is empty.
	Env   *expr.Environment
	Rules map[string]config.EndpointRule
}

// Executor runs requests through the resilience pipeline.
type Executor struct {
	client  httpDoer
	cache   cache.ResponseCache
	tracker *ratelimit.Tracker
	queue   *queue.Queue
	monitor netstatus.Monitor
	metrics *metrics.Recorder
	logger  *slog.Logger
	clock   Clock
	jitter  func() time.Duration

	defaultTimeout  time.Duration
	defaultRetries  int
	defaultCacheTTL time.Duration

	env *expr.Environment

	rulesMu sync.RWMutex
	rules   *ruleSet
}

// NewExecutor builds an executor and compiles its endpoint rules.
func NewExecutor(opts Options) (*Executor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		client:          opts.Client,
		cache:           opts.Cache,
		tracker:         opts.Tracker,
		queue:           opts.Queue,
		monitor:         opts.Monitor,
		metrics:         opts.Metrics,
		logger:          logger.With(slog.String("agent", "executor")),
		clock:           opts.Clock,
		jitter:          opts.Jitter,
		defaultTimeout:  opts.DefaultTimeout,
		defaultRetries:  opts.DefaultRetries,
		defaultCacheTTL: opts.DefaultCacheTTL,
		env:             opts.Env,
	}
	if e.client == nil {
		e.client = &http.Client{}
	}
	if e.monitor == nil {
		e.monitor = netstatus.AlwaysOnline{}
	}
	if e.clock == nil {
		e.clock = SystemClock()
	}
	if e.jitter == nil {
		e.jitter = defaultJitter
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = DefaultTimeout
	}
	if e.defaultRetries < 0 {
		e.defaultRetries = DefaultRetries
	}
	if e.defaultCacheTTL <= 0 {
		e.defaultCacheTTL = DefaultCacheTTL
	}
	if err := e.ReloadRules(opts.Rules); err != nil {
		return nil, err
	}
	return e, nil
}

// AttachQueue installs the offline queue after construction. The queue's
// sender is usually this executor, so the two are wired in two steps.
func (e *Executor) AttachQueue(q *queue.Queue) {
	e.queue = q
}

// ReloadRules recompiles the endpoint rule set and swaps it in atomically.
// On compile failure the previous rules stay active.
func (e *Executor) ReloadRules(defs map[string]config.EndpointRule) error {
	if len(defs) == 0 {
		e.rulesMu.Lock()
		e.rules = &ruleSet{}
		e.rulesMu.Unlock()
		return nil
	}
	env := e.env
	if env == nil {
		var err error
		env, err = expr.NewEnvironment()
		if err != nil {
			return fmt.Errorf("relay: rule environment: %w", err)
		}
		e.env = env
	}
	set, err := compileRules(defs, env)
	if err != nil {
		return err
	}
	e.rulesMu.Lock()
	e.rules = set
	e.rulesMu.Unlock()
	e.logger.Info("endpoint rules loaded", slog.Int("count", len(set.rules)))
	return nil
}

// policy is the effective per-request configuration after merging the
// request, the matching endpoint rule, and the executor defaults.
type policy struct {
	retries  int
	timeout  time.Duration
	cacheTTL time.Duration
	rule     *compiledRule
}

func (e *Executor) resolvePolicy(req Request) policy {
	e.rulesMu.RLock()
	rule := e.rules.match(req.URL)
	e.rulesMu.RUnlock()

	p := policy{
		retries:  e.defaultRetries,
		timeout:  e.defaultTimeout,
		cacheTTL: e.defaultCacheTTL,
		rule:     rule,
	}
	if rule != nil {
		if rule.retries != nil {
			p.retries = *rule.retries
		}
		if rule.timeout != nil {
			p.timeout = *rule.timeout
		}
		if rule.cacheTTL != nil {
			p.cacheTTL = *rule.cacheTTL
		}
	}
	// The request itself is the most specific layer.
	if req.Retries != nil && *req.Retries >= 0 {
		p.retries = *req.Retries
	}
	if req.Timeout > 0 {
		p.timeout = req.Timeout
	}
	if req.CacheTTL > 0 {
		p.cacheTTL = req.CacheTTL
	}
	return p
}

// Execute runs one logical request through caching, offline diversion, and
// the retry loop. The outcome is always a structured Result.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	started := e.clock.Now()
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.URL == "" {
		return failure(ErrorClient, 0, "request url required")
	}
	endpoint := endpointKey(req.URL)
	pol := e.resolvePolicy(req)

	cacheable := e.cache != nil && req.Cache && req.Method == http.MethodGet
	key := cacheKey(req.Method, req.URL)

	if cacheable && !req.ForceRefresh {
		if entry, ok := e.cacheLookup(ctx, key); ok {
			result := Result{Success: true, FromCache: true, Status: http.StatusOK, Data: entry.Value}
			e.observeRequest(endpoint, "success", result, started)
			return result
		}
	}

	if !e.monitor.Online() {
		result := e.handleOffline(ctx, req)
		outcome := "offline"
		if result.Queued {
			outcome = "queued"
		}
		e.observeRequest(endpoint, outcome, result, started)
		return result
	}

	result, last := e.runAttempts(ctx, req, pol, endpoint)
	if result.Success && cacheable {
		e.cacheStore(ctx, key, result, pol, last)
	}
	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	e.observeRequest(endpoint, outcome, result, started)
	return result
}

// handleOffline diverts mutations to the queue and fails reads outright.
func (e *Executor) handleOffline(ctx context.Context, req Request) Result {
	if !isMutation(req.Method) || e.queue == nil {
		return failure(ErrorOffline, 0, "network offline: request not attempted")
	}
	entry, err := e.queue.Enqueue(ctx, queue.Mutation{
		URL:     req.URL,
		Method:  req.Method,
		Headers: req.Headers,
		Body:    []byte(req.Body),
	})
	if err != nil {
		e.logger.Error("offline enqueue failed", slog.String("url", req.URL), slog.Any("error", err))
		return failure(ErrorOffline, 0, fmt.Sprintf("network offline and enqueue failed: %v", err))
	}
	e.logger.Info("mutation queued while offline",
		slog.String("id", entry.ID),
		slog.String("method", entry.Method),
		slog.String("url", entry.URL))
	return Result{Queued: true, Status: http.StatusAccepted}
}

// attemptOutcome carries one attempt's classification back to the retry loop.
type attemptOutcome struct {
	result    Result
	retryable bool
	// retryAfter is the server-mandated wait, when one was sent.
	retryAfter time.Duration
	header     http.Header
	// index is the zero-based attempt this outcome came from; rule
	// predicates see it alongside the response headers.
	index int
}

// runAttempts drives the retry loop and returns the final result together
// with the outcome of the attempt that produced it.
func (e *Executor) runAttempts(ctx context.Context, req Request, pol policy, endpoint string) (Result, attemptOutcome) {
	var last attemptOutcome
	for attempt := 0; attempt <= pol.retries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1) + e.jitter()
			if last.retryAfter > 0 {
				delay = last.retryAfter
			}
			e.logger.Debug("waiting before retry",
				slog.String("url", req.URL),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			if err := e.clock.Sleep(ctx, delay); err != nil {
				return failure(ErrorNetwork, last.result.Status, fmt.Sprintf("request cancelled during backoff: %v", err)), last
			}
		}

		last = e.attempt(ctx, req, pol, endpoint, attempt)
		last.index = attempt
		if last.result.Success {
			if e.metrics != nil {
				e.metrics.ObserveAttempt(endpoint, "success")
			}
			return last.result, last
		}
		if e.metrics != nil {
			e.metrics.ObserveAttempt(endpoint, string(last.result.ErrorKind))
		}
		if !last.retryable {
			return last.result, last
		}
		e.logger.Warn("attempt failed",
			slog.String("url", req.URL),
			slog.Int("attempt", attempt),
			slog.Int("status", last.result.Status),
			slog.String("kind", string(last.result.ErrorKind)))
	}
	return e.finalFailure(last, pol), last
}

// finalFailure shapes the result after the last retry is spent.
func (e *Executor) finalFailure(last attemptOutcome, pol policy) Result {
	result := last.result
	if result.ErrorKind == ErrorRateLimited {
		wait := last.retryAfter
		if wait <= 0 {
			wait = backoffDelay(pol.retries)
		}
		result.Error = fmt.Sprintf("rate limited by upstream; retry after %s", wait.Round(time.Second))
		result.RetryAfter = wait
		result.RetryAfterMs = wait.Milliseconds()
	}
	return result
}

// attempt performs a single network round trip and classifies the outcome.
func (e *Executor) attempt(ctx context.Context, req Request, pol policy, endpoint string, attempt int) attemptOutcome {
	attemptCtx, cancel := context.WithTimeout(ctx, pol.timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return attemptOutcome{result: failure(ErrorClient, 0, fmt.Sprintf("build request: %v", err))}
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return e.classifyTransportError(ctx, err, pol)
	}
	defer resp.Body.Close()

	if e.tracker != nil {
		e.tracker.RecordFromHeaders(endpoint, resp.Header)
	}

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if readErr != nil {
		return attemptOutcome{
			result:    failure(ErrorNetwork, resp.StatusCode, fmt.Sprintf("read response: %v", readErr)),
			retryable: true,
			header:    resp.Header,
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return attemptOutcome{
			result: Result{Success: true, Status: resp.StatusCode, Data: parseBody(raw)},
			header: resp.Header,
		}
	}

	out := attemptOutcome{header: resp.Header}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		out.result = failure(ErrorRateLimited, resp.StatusCode, "rate limited by upstream")
		out.retryable = true
		if wait, ok := ratelimit.RetryAfter(resp.Header); ok {
			out.retryAfter = wait
		}
	case resp.StatusCode >= 500:
		out.result = failure(ErrorServer, resp.StatusCode, fmt.Sprintf("server error: %s", resp.Status))
		out.retryable = true
	default:
		out.result = failure(ErrorClient, resp.StatusCode, fmt.Sprintf("request rejected: %s", resp.Status))
	}
	out.result.Data = parseBody(raw)

	if pol.rule != nil && pol.rule.retryWhen != nil {
		vars := attemptVars(resp.StatusCode, resp.Header, req.Method, attempt)
		retry, evalErr := pol.rule.retryWhen.EvalBool(vars)
		if evalErr != nil {
			e.logger.Warn("retryWhen predicate failed; using static retry table",
				slog.String("rule", pol.rule.name),
				slog.Any("error", evalErr))
		} else {
			out.retryable = retry
		}
	}
	return out
}

// classifyTransportError separates per-attempt timeouts (terminal) from
// caller cancellation and retryable network failures.
func (e *Executor) classifyTransportError(ctx context.Context, err error, pol policy) attemptOutcome {
	if ctx.Err() != nil {
		// The caller gave up; not the attempt deadline.
		return attemptOutcome{result: failure(ErrorNetwork, 0, fmt.Sprintf("request cancelled: %v", ctx.Err()))}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return attemptOutcome{result: failure(ErrorTimeout, 0, fmt.Sprintf("request timeout after %s", pol.timeout))}
	}
	return attemptOutcome{
		result:    failure(ErrorNetwork, 0, fmt.Sprintf("network error: %v", err)),
		retryable: true,
	}
}

func (e *Executor) cacheLookup(ctx context.Context, key string) (cache.Entry, bool) {
	entry, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("cache lookup failed", slog.String("key", key), slog.Any("error", err))
		if e.metrics != nil {
			e.metrics.ObserveCache(metrics.CacheOperationLookup, "error")
		}
		return cache.Entry{}, false
	}
	if e.metrics != nil {
		result := "miss"
		if ok {
			result = "hit"
		}
		e.metrics.ObserveCache(metrics.CacheOperationLookup, result)
	}
	return entry, ok
}

// cacheStore writes a successful response through to the cache. A cacheWhen
// predicate sees the winning attempt's status, headers, and index.
func (e *Executor) cacheStore(ctx context.Context, key string, result Result, pol policy, last attemptOutcome) {
	if pol.rule != nil && pol.rule.cacheWhen != nil {
		header := last.header
		if header == nil {
			header = http.Header{}
		}
		vars := attemptVars(result.Status, header, http.MethodGet, last.index)
		store, err := pol.rule.cacheWhen.EvalBool(vars)
		if err != nil {
			e.logger.Warn("cacheWhen predicate failed; storing anyway",
				slog.String("rule", pol.rule.name),
				slog.Any("error", err))
		} else if !store {
			return
		}
	}
	if err := e.cache.Set(ctx, key, result.Data, pol.cacheTTL); err != nil {
		e.logger.Warn("cache store failed", slog.String("key", key), slog.Any("error", err))
		if e.metrics != nil {
			e.metrics.ObserveCache(metrics.CacheOperationStore, "error")
		}
		return
	}
	if e.metrics != nil {
		e.metrics.ObserveCache(metrics.CacheOperationStore, "stored")
	}
}

// SendMutation replays one queued mutation with a single attempt; the queue
// owns retry bookkeeping, so the executor's retry loop stays out of it.
func (e *Executor) SendMutation(ctx context.Context, entry queue.QueuedMutation) error {
	attemptCtx, cancel := context.WithTimeout(ctx, e.defaultTimeout)
	defer cancel()

	var body io.Reader
	if len(entry.Body) > 0 {
		body = bytes.NewReader(entry.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, entry.Method, entry.URL, body)
	if err != nil {
		return fmt.Errorf("relay: build replay request: %w", err)
	}
	for name, value := range entry.Headers {
		httpReq.Header.Set(name, value)
	}
	if len(entry.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("relay: replay %s %s: %w", entry.Method, entry.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if e.tracker != nil {
		e.tracker.RecordFromHeaders(endpointKey(entry.URL), resp.Header)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("relay: replay %s %s: status %d", entry.Method, entry.URL, resp.StatusCode)
}

func (e *Executor) observeRequest(endpoint, outcome string, result Result, started time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveRequest(endpoint, outcome, result.Status, result.FromCache, e.clock.Now().Sub(started))
}

// parseBody decodes a JSON payload; anything else is tolerated as null data.
func parseBody(raw []byte) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return json.RawMessage(bytes.TrimSpace(raw))
}

func isMutation(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

// cacheKey identifies a cached response by method and full URL.
func cacheKey(method, rawURL string) string {
	return method + " " + rawURL
}

// endpointKey normalizes a URL to host+path for rate-limit bookkeeping, so
// query variations share one budget.
func endpointKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host + u.Path
}
