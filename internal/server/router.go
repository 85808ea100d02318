package server

import "net/http"

// NewRouter dispatches the fixed API surface. Routing stays here so the API
// handlers never inspect URL paths themselves.
func NewRouter(api *API) http.Handler {
	if api == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "api unavailable", http.StatusServiceUnavailable)
		})
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /relay", api.ServeRelay)
	mux.HandleFunc("GET /queue", api.ServeQueueList)
	mux.HandleFunc("POST /queue/replay", api.ServeQueueReplay)
	mux.HandleFunc("POST /conflict/resolve", api.ServeConflictResolve)
	mux.HandleFunc("GET /ratelimit/{key...}", api.ServeRateLimit)
	mux.HandleFunc("POST /netstatus", api.ServeNetstatus)
	mux.HandleFunc("GET /healthz", api.ServeHealth)
	mux.HandleFunc("GET /metrics", api.ServeMetrics)
	return mux
}
