package httpx

import (
	"net/http"
	"time"

	"github.com/rs/cors"

	"docsync/internal/app"
	"docsync/pkg/ratelimit"
)

type Middleware struct {
	cors   *cors.Cors
	rlimit *ratelimit.Limiter
}

// NewMiddleware builds the shared middleware stack from config
func NewMiddleware(cfg app.Config) *Middleware {
	m := &Middleware{
		cors: cors.New(cors.Options{
			AllowedOrigins: cfg.Origins(),
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		}),
	}
	// RATE_LIMIT_PER_MINUTE=0 turns limiting off
	if cfg.RateLimitPerMinute > 0 {
		m.rlimit = ratelimit.New(cfg.RateLimitPerMinute, time.Minute)
	}
	return m
}

// Wrap applies CORS + rate limiting to a handler
func (m *Middleware) Wrap(h http.Handler) http.Handler {
	if m.rlimit == nil {
		return m.cors.Handler(h)
	}
	return m.cors.Handler(m.rlimit.Middleware(h))
}
