package httpx

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"docsync/internal/app"
	"docsync/internal/ws"
	"docsync/pkg/metrics"
)

// NewRouter wires up all HTTP routes, middleware, and handlers
func NewRouter(cfg app.Config, logger *slog.Logger, hub *ws.Hub, api *DocsAPI, g prometheus.Gatherer) http.Handler {
	mw := NewMiddleware(cfg)
	mux := http.NewServeMux()

	// Health / readiness / metrics
	mux.Handle("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	mux.Handle("GET /readyz", http.HandlerFunc(api.Ready))
	mux.Handle("GET /metrics", metrics.Handler(g))

	// WebSocket endpoint
	mux.Handle("/ws", http.HandlerFunc(hub.ServeWS))

	// Read-only document views
	mux.Handle("GET /api/docs", http.HandlerFunc(api.List))
	mux.Handle("GET /api/docs/{id}", http.HandlerFunc(api.Get))

	logger.Debug("router.ready", "origins", cfg.Origins(), "rate_limit", cfg.RateLimitPerMinute)
	return mw.Wrap(mux) // CORS + rate limit applied globally
}
