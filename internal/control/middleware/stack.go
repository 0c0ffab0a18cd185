// Package middleware holds the HTTP ingress middleware shared by the stream and admin routes.
package middleware

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tesshucom/jpsonic-sub005/internal/log"
)

// StackConfig configures the canonical middleware stack.
type StackConfig struct {
	AllowedOrigins []string // CORS for the admin API; the stream endpoint allows every origin itself

	EnableMetrics  bool
	TracingService string // empty disables tracing
	EnableLogging  bool

	RateLimit RateLimitConfig // zero RequestLimit disables rate limiting
}

// NewRouter returns a chi router with the stack applied.
func NewRouter(cfg StackConfig) *chi.Mux {
	r := chi.NewRouter()
	ApplyStack(r, cfg)
	return r
}

// ApplyStack applies the middleware in order: recovery, request id, CORS, metrics,
// tracing, access log, rate limit.
func ApplyStack(r chi.Router, cfg StackConfig) {
	r.Use(Recoverer)
	r.Use(RequestID)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(CORS(cfg.AllowedOrigins))
	}
	if cfg.EnableMetrics {
		r.Use(Metrics())
	}
	if cfg.TracingService != "" {
		r.Use(Tracing(cfg.TracingService))
	}
	if cfg.EnableLogging {
		r.Use(log.Middleware())
	}
	if cfg.RateLimit.RequestLimit > 0 {
		if cfg.RateLimit.WindowSize <= 0 {
			cfg.RateLimit.WindowSize = time.Minute
		}
		r.Use(RateLimit(cfg.RateLimit))
	}
}
