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
  4. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /api/rules/*         Rule management (compile, version, delete)
  /api/commissions/*   Periods, postings, status transitions
  /api/orders/*        Order intake and cancellation
  /api/profiles/*      Classification profile table
  /api/hierarchy/*     Group graph administration and traversal

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
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Rule routes
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Get("/{id}", h.GetRule)
			r.Put("/{id}", h.UpdateRule)
			r.Delete("/{id}", h.DeleteRule)
		})

		// Commission routes
		r.Route("/commissions", func(r chi.Router) {
			r.Get("/periods", h.ListPeriods)
			r.Get("/aggregates", h.ListAggregates)
			r.Get("/periods/{id}", h.GetPeriod)
			r.Get("/periods/{id}/postings", h.GetPeriodPostings)
			r.Post("/periods/{id}/status", h.AdvancePeriodStatus)
		})

		// Order routes
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Post("/{id}/cancel", h.CancelOrder)
		})

		// Profile routes
		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", h.ListProfiles)
			r.Post("/", h.SaveProfile)
		})

		// Hierarchy routes
		r.Route("/hierarchy", func(r chi.Router) {
			r.Get("/groups", h.GetHierarchy)
			r.Post("/groups", h.CreateGroup)
			r.Post("/edges", h.CreateEdge)
			r.Delete("/edges/{parent}", h.DeleteEdge)
			r.Get("/groups/{id}/descendants", h.GetDescendants)
			r.Get("/groups/{id}/ancestors", h.GetAncestors)
		})
	})

	return r
}
