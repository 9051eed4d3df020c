/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/conversations/*  Pipeline state and retry
  /api/analyses/*       Citations per analysis
  /api/documents/*      Citation audit by document
  /api/agents/*         Period aggregates
  /api/admin/*          Manual roll-ups and invariant repair

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Conversation routes
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.RegisterConversation)
			r.Get("/failed", h.ListFailedConversations)
			r.Get("/status-counts", h.GetStatusCounts)
			r.Get("/{id}", h.GetConversation)
			r.Post("/{id}/retry", h.RetryConversation)
			r.Get("/{id}/analysis", h.GetCurrentAnalysis)
			r.Get("/{id}/analyses", h.GetAnalysisHistory)
		})

		// Analysis routes
		r.Route("/analyses", func(r chi.Router) {
			r.Get("/{id}/citations", h.GetCitations)
		})

		// Document audit routes
		r.Route("/documents", func(r chi.Router) {
			r.Get("/{docID}/citations", h.GetDocumentCitations)
		})

		// Aggregate routes
		r.Route("/agents", func(r chi.Router) {
			r.Get("/{id}/aggregates/{periodType}", h.GetAggregates)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/aggregate", h.TriggerAggregate)
			r.Post("/repair/{id}", h.RepairSupersede)
		})
	})

	return r
}
