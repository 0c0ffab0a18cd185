package daemon

import (
	"context"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tesshucom/jpsonic-sub005/internal/config"
)

// Deps contains what the Manager serves.
type Deps struct {
	Logger zerolog.Logger
	Server config.ServerConfig

	APIHandler http.Handler

	// MetricsHandler is served on MetricsAddr when both are set.
	MetricsHandler http.Handler
	MetricsAddr    string

	// Listener is an optional pre-bound listener for the API server.
	Listener net.Listener

	// Drain runs before the servers shut down so long-lived streams end promptly.
	Drain func(ctx context.Context)
}

// Validate checks the required dependencies.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.APIHandler == nil {
		return ErrMissingAPIHandler
	}
	return nil
}
