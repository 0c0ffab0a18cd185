package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tesshucom/jpsonic-sub005/internal/control/middleware"
)

// streamPaths are the paths clients use for the stream endpoint.
var streamPaths = []string{"/stream", "/rest/stream", "/rest/stream.view"}

func (s *Server) routes(stack StackSettings) chi.Router {
	r := middleware.NewRouter(middleware.StackConfig{
		AllowedOrigins: stack.AllowedOrigins,
		EnableMetrics:  stack.EnableMetrics,
		TracingService: stack.TracingService,
		EnableLogging:  true,
	})

	s.registerProbeRoutes(r)

	r.Group(func(r chi.Router) {
		if stack.RateLimit.RequestLimit > 0 {
			r.Use(middleware.RateLimit(stack.RateLimit))
		}
		s.registerStreamRoutes(r)
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(middleware.RequireAPIToken(func() string { return s.deps.Settings().APIToken }))
			s.registerAdminRoutes(r)
		})
	})
	return r
}

func (s *Server) registerProbeRoutes(r chi.Router) {
	if s.deps.Health != nil {
		r.Get("/healthz", s.deps.Health.ServeHealth)
		r.Get("/readyz", s.deps.Health.ServeReady)
	}
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}
}

func (s *Server) registerStreamRoutes(r chi.Router) {
	if s.deps.Stream == nil {
		return
	}
	for _, p := range streamPaths {
		r.Method(http.MethodGet, p, s.deps.Stream)
		r.Method(http.MethodHead, p, s.deps.Stream)
	}
}

func (s *Server) registerAdminRoutes(r chi.Router) {
	r.Get("/transfers", s.handleListTransfers)
	r.Delete("/transfers/{id}", s.handleTerminateTransfer)
	r.Get("/players/{player}/transfers", s.handlePlayerTransfers)
	r.Put("/players/{player}/transcodings", s.handleSetPlayerTranscodings)

	r.Get("/transcodings", s.handleListTranscodings)
	r.Get("/transcodings/{id}", s.handleGetTranscoding)
	r.Put("/transcodings/{id}", s.handlePutTranscoding)
	r.Delete("/transcodings/{id}", s.handleDeleteTranscoding)
}
