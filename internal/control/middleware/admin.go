package middleware

import (
	"net/http"

	"github.com/tesshucom/jpsonic-sub005/internal/control/auth"
	"github.com/tesshucom/jpsonic-sub005/internal/control/problem"
	"github.com/tesshucom/jpsonic-sub005/internal/log"
)

// RequireAPIToken admits requests carrying the configured admin token. The token is read
// per request so reloads apply. An empty token locks the routes.
func RequireAPIToken(token func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.AuthorizeRequest(r, token()) {
				logger := log.WithComponentFromContext(r.Context(), "auth")
				logger.Info().
					Str(log.FieldEvent, "auth.rejected").
					Str(log.FieldPath, r.URL.Path).
					Msg("admin request without valid token")
				w.Header().Set("WWW-Authenticate", `Bearer realm="jpstream"`)
				problem.Write(w, r, http.StatusUnauthorized, "auth/unauthorized", "UNAUTHORIZED", "")
				return
			}
			ctx := auth.WithPrincipal(r.Context(), &auth.Principal{Name: "api-token", Admin: true})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
