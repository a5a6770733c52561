package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// Object model
		r.Get("/nodes", s.handleNodes)
		r.Get("/state", s.handleState)

		// Methods
		r.Route("/commands", func(r chi.Router) {
			r.Get("/", s.handleListCommands)
			r.Post("/{name}", s.handleInvoke)
		})
		r.Post("/abort", s.handleAbort)

		// Journal
		r.Route("/history", func(r chi.Router) {
			r.Get("/commands", s.handleCommandHistory)
			r.Get("/state", s.handleStateHistory)
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}
