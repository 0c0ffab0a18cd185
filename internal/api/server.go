// Package api assembles the HTTP surface: the stream routes, the administrative
// transfer and transcoding routes, and the probes.
package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/tesshucom/jpsonic-sub005/internal/control/middleware"
	"github.com/tesshucom/jpsonic-sub005/internal/health"
	"github.com/tesshucom/jpsonic-sub005/internal/transcoding"
	"github.com/tesshucom/jpsonic-sub005/internal/transfer"
)

// TranscodingStore persists the rule set. Implemented by config.Holder.
type TranscodingStore interface {
	UpdateTranscodings(ctx context.Context, defs []transcoding.Definition, players map[string][]int) error
}

// Settings is re-read on every request where it matters, so reloads apply.
type Settings struct {
	APIToken string
}

// StackSettings configures the middleware stack. Applied once at construction.
type StackSettings struct {
	AllowedOrigins []string
	EnableMetrics  bool
	TracingService string
	RateLimit      middleware.RateLimitConfig
}

// Deps are the collaborators the routes delegate to.
type Deps struct {
	Stream       http.Handler
	Tracker      *transfer.Tracker
	Registry     *transcoding.Registry
	Transcodings TranscodingStore
	Health       *health.Manager
	Metrics      http.Handler // nil when /metrics is served elsewhere
	Settings     func() Settings
}

// Server owns the router.
type Server struct {
	deps   Deps
	router chi.Router

	// crudMu serialises registry mutation and persistence.
	crudMu sync.Mutex
}

// New builds the router.
func New(d Deps, stack StackSettings) *Server {
	if d.Settings == nil {
		d.Settings = func() Settings { return Settings{} }
	}
	s := &Server{deps: d}
	s.router = s.routes(stack)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }
