package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/relayctrl/internal/metrics"
	"github.com/l0p7/relayctrl/internal/relay"
	"github.com/l0p7/relayctrl/internal/relay/cache"
	"github.com/l0p7/relayctrl/internal/relay/conflict"
	"github.com/l0p7/relayctrl/internal/relay/netstatus"
	"github.com/l0p7/relayctrl/internal/relay/queue"
	"github.com/l0p7/relayctrl/internal/relay/ratelimit"
)

// apiFixture wires the full relay stack against a fake upstream.
type apiFixture struct {
	expect   *httpexpect.Expect
	upstream *httptest.Server
	hits     *atomic.Int64
	manual   *netstatus.Manual
	queue    *queue.Queue
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(upstream.Close)

	manual := netstatus.NewManual(true)
	tracker := ratelimit.NewTracker()
	recorder := metrics.NewRecorder(nil)

	exec, err := relay.NewExecutor(relay.Options{
		Client:  upstream.Client(),
		Cache:   cache.NewMemory(time.Minute),
		Tracker: tracker,
		Monitor: manual,
		Metrics: recorder,
		Logger:  logger,
	})
	require.NoError(t, err)

	q := queue.New(queue.NewMemoryStore(), queue.SenderFunc(exec.SendMutation), logger, queue.Options{})
	t.Cleanup(func() { _ = q.Close() })
	exec.AttachQueue(q)

	api, err := NewAPI(APIOptions{
		Executor: exec,
		Queue:    q,
		Engine:   conflict.NewEngine(logger),
		Tracker:  tracker,
		Monitor:  manual,
		Manual:   manual,
		Recorder: recorder,
		Metrics:  recorder.Handler(),
		Logger:   logger,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(api))
	t.Cleanup(srv.Close)

	return &apiFixture{
		expect: httpexpect.WithConfig(httpexpect.Config{
			BaseURL:  srv.URL,
			Reporter: httpexpect.NewRequireReporter(t),
		}),
		upstream: upstream,
		hits:     &hits,
		manual:   manual,
		queue:    q,
	}
}

func TestRelayEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	result := fx.expect.POST("/relay").
		WithJSON(map[string]any{"url": fx.upstream.URL + "/items"}).
		Expect().Status(http.StatusOK).JSON().Object()
	result.Value("success").Boolean().IsTrue()
	result.Value("status").Number().IsEqual(http.StatusOK)
	result.Value("data").Object().Value("ok").Boolean().IsTrue()
}

func TestRelayEndpointValidation(t *testing.T) {
	fx := newAPIFixture(t)

	fx.expect.POST("/relay").
		WithJSON(map[string]any{"method": "GET"}).
		Expect().Status(http.StatusBadRequest).
		JSON().Object().Value("error").String().Contains("url")

	fx.expect.POST("/relay").WithBytes([]byte("not json")).
		Expect().Status(http.StatusBadRequest)
}

func TestRelayEndpointTerminalFailure(t *testing.T) {
	fx := newAPIFixture(t)

	result := fx.expect.POST("/relay").
		WithJSON(map[string]any{"url": fx.upstream.URL + "/missing"}).
		Expect().Status(http.StatusOK).JSON().Object()
	result.Value("success").Boolean().IsFalse()
	result.Value("status").Number().IsEqual(http.StatusNotFound)
	result.Value("errorKind").String().IsEqual("client-error")
}

func TestOfflineQueueRoundTrip(t *testing.T) {
	fx := newAPIFixture(t)

	fx.expect.POST("/netstatus").WithJSON(map[string]any{"online": false}).
		Expect().Status(http.StatusOK).
		JSON().Object().Value("online").Boolean().IsFalse()

	queued := fx.expect.POST("/relay").
		WithJSON(map[string]any{
			"url":    fx.upstream.URL + "/items",
			"method": "POST",
			"body":   map[string]any{"title": "offline edit"},
		}).
		Expect().Status(http.StatusOK).JSON().Object()
	queued.Value("queued").Boolean().IsTrue()
	queued.Value("status").Number().IsEqual(http.StatusAccepted)
	require.Equal(t, int64(0), fx.hits.Load(), "offline mutations must not reach the network")

	list := fx.expect.GET("/queue").Expect().Status(http.StatusOK).JSON().Object()
	list.Value("size").Number().IsEqual(1)
	list.Value("pending").Array().Value(0).Object().Value("method").String().IsEqual("POST")

	fx.expect.POST("/netstatus").WithJSON(map[string]any{"online": true}).
		Expect().Status(http.StatusOK)

	report := fx.expect.POST("/queue/replay").Expect().Status(http.StatusOK).JSON().Object()
	report.Value("attempted").Number().IsEqual(1)
	report.Value("succeeded").Number().IsEqual(1)
	report.Value("dropped").Number().IsEqual(0)

	fx.expect.GET("/queue").Expect().Status(http.StatusOK).
		JSON().Object().Value("size").Number().IsEqual(0)
	require.Equal(t, int64(1), fx.hits.Load())

	body := fx.expect.GET("/metrics").Expect().Status(http.StatusOK).Body()
	body.Contains(`relayctrl_queue_replays_total{result="succeeded"} 1`)
	body.Contains(`relayctrl_queue_depth 0`)
}

func TestNetstatusValidation(t *testing.T) {
	fx := newAPIFixture(t)

	fx.expect.POST("/netstatus").WithJSON(map[string]any{}).
		Expect().Status(http.StatusBadRequest)
}

func TestConflictResolveEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	result := fx.expect.POST("/conflict/resolve").
		WithJSON(map[string]any{
			"id":         "c1",
			"entityType": "task",
			"serverValue": map[string]any{
				"id": "t1", "title": "server title", "notes": "keep me",
				"updated_at": "2025-06-01T10:00:00Z",
			},
			"clientValue": map[string]any{
				"id": "t1", "title": "client title", "notes": nil,
				"updated_at": "2025-06-01T09:00:00Z",
			},
		}).
		Expect().Status(http.StatusOK).JSON().Object()
	result.Value("strategyUsed").String().IsEqual("merge")
	merged := result.Value("mergedValue").Object()
	merged.Value("title").String().IsEqual("client title")
	merged.Value("notes").String().IsEqual("keep me")
	merged.Value("id").String().IsEqual("t1")
	merged.ContainsKey("updated_at")

	fx.expect.GET("/metrics").Expect().Status(http.StatusOK).Body().
		Contains(`relayctrl_conflict_resolutions_total{entity_type="task",strategy="merge"} 1`)
}

func TestConflictResolveValidation(t *testing.T) {
	fx := newAPIFixture(t)

	fx.expect.POST("/conflict/resolve").
		WithJSON(map[string]any{"id": "c1", "entityType": "task"}).
		Expect().Status(http.StatusBadRequest)
}

func TestRateLimitEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	fx.expect.GET("/ratelimit/api.example.com/items").
		Expect().Status(http.StatusNotFound)

	fx.expect.POST("/relay").
		WithJSON(map[string]any{"url": fx.upstream.URL + "/items"}).
		Expect().Status(http.StatusOK)

	key := fx.upstream.Listener.Addr().String() + "/items"
	snap := fx.expect.GET("/ratelimit/" + key).
		Expect().Status(http.StatusOK).JSON().Object()
	snap.Value("snapshot").Object().Value("remaining").Number().IsEqual(42)
	snap.Value("approaching").Boolean().IsFalse()
}

func TestHealthEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	health := fx.expect.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	health.Value("status").String().IsEqual("ok")
	health.Value("online").Boolean().IsTrue()
	health.Value("queueSize").Number().IsEqual(0)
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	fx.expect.POST("/relay").
		WithJSON(map[string]any{"url": fx.upstream.URL + "/items"}).
		Expect().Status(http.StatusOK)

	fx.expect.GET("/metrics").Expect().Status(http.StatusOK).
		Body().Contains("relayctrl_relay_requests_total")
}

func TestUnknownRoute(t *testing.T) {
	fx := newAPIFixture(t)

	fx.expect.GET("/nope").Expect().Status(http.StatusNotFound)
}
