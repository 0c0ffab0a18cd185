package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/tesshucom/jpsonic-sub005/internal/control/problem"
)

// RateLimitConfig configures the per-client sliding window limiter.
type RateLimitConfig struct {
	RequestLimit int           `yaml:"requestLimit"`
	WindowSize   time.Duration `yaml:"window"`
	// KeyFunc defaults to the client IP.
	KeyFunc func(r *http.Request) (string, error) `yaml:"-"`
}

// RateLimit limits requests per key with httprate and answers 429 with Retry-After.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = httprate.KeyByIP
	}
	retryAfter := strconv.Itoa(max(1, int(cfg.WindowSize.Seconds())))

	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowSize,
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", retryAfter)
			problem.Write(w, r, http.StatusTooManyRequests, "system/rate_limited", "RATE_LIMITED", "too many requests")
		}),
	)
}
