/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/installments/*   Installment ledger mirror
  /api/policies/*       Accrual policy management
  /api/suspensions/*    Prorroga windows
  /api/accruals/*       Accrual record queries
  /api/discounts/*      Discount application
  /api/admin/*          Engine triggers
  /api/runs             Run audit trail
  /health               Liveness
  /metrics              Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:4200", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Installment routes
		r.Route("/installments", func(r chi.Router) {
			r.Get("/", h.ListInstallments)
			r.Post("/", h.CreateInstallment)
			r.Get("/{id}", h.GetInstallment)
			r.Post("/{id}/pay", h.PayInstallment)
			r.Get("/{id}/accruals", h.ListInstallmentAccruals)
			r.Get("/{id}/suspensions", h.ListInstallmentSuspensions)
		})

		// Policy routes
		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.ListPolicies)
			r.Post("/", h.CreatePolicy)
			r.Get("/{id}", h.GetPolicy)
		})

		// Suspension (prorroga) routes
		r.Route("/suspensions", func(r chi.Router) {
			r.Get("/", h.ListSuspensions)
			r.Post("/", h.CreateSuspension)
			r.Patch("/{id}/toggle-status", h.ToggleSuspension)
		})

		// Accrual record routes
		r.Route("/accruals", func(r chi.Router) {
			r.Get("/", h.ListOpenAccruals)
			r.Get("/{id}", h.GetAccrual)
			r.Post("/{id}/waive", h.WaiveAccrual)
			r.Get("/{id}/discounts", h.ListAccrualDiscounts)
		})

		// Discount routes
		r.Route("/discounts", func(r chi.Router) {
			r.Post("/batch", h.BatchApplyDiscounts)
			r.Patch("/{id}/toggle-status", h.ToggleDiscount)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/run-daily", h.RunDaily)
		})

		r.Get("/runs", h.ListRuns)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
