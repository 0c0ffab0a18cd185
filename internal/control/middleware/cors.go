package middleware

import (
	"net/http"
	"slices"
	"strings"
)

const corsMethods = "GET, HEAD, PUT, DELETE, OPTIONS"

// CORS allows the listed origins ("*" for any) and answers preflight requests.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := slices.Contains(allowedOrigins, "*")
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			if origin := r.Header.Get("Origin"); origin != "" && (allowAll || allowed[origin]) {
				h.Set("Access-Control-Allow-Origin", origin)
			}
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", "Content-Type, Range, X-Request-ID, X-API-Token, Authorization")
			h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges, X-Content-Duration, X-Request-ID, Retry-After")
			h.Set("Access-Control-Max-Age", "600")
			if vary := h.Get("Vary"); !strings.Contains(vary, "Origin") {
				if vary == "" {
					h.Set("Vary", "Origin")
				} else {
					h.Set("Vary", vary+", Origin")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Allow", corsMethods)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
