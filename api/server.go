/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the student and admin frontends

ROUTE GROUPS:
  /api/students/*       Balances, history, student commands
  /api/allocations      Sponsorship allocations
  /api/catalog          Vendor catalog
  /api/orders/*         Purchase order lifecycle
  /api/investments/*    Investment lookups
  /api/admin/*          Admin operations (sweeps, approvals, settings, fees)
  /api/scenarios/*      Demo data loaders (reset the database)
  /metrics              Prometheus
  /healthz              Liveness and database ping

SECURITY NOTE:
  No authentication middleware. X-Actor-ID is trusted as given.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/pointsd: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader, IdempotencyHeader},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Student routes
		r.Route("/students", func(r chi.Router) {
			r.Get("/", h.ListStudents)
			r.Post("/", h.CreateStudent)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/reconcile", h.Reconcile)
			r.Get("/{id}/investments", h.StudentInvestments)
			r.Get("/{id}/orders", h.StudentOrders)
			r.Get("/{id}/withdrawals", h.StudentWithdrawals)
			r.Get("/{id}/policies", h.StudentPolicies)
			r.Post("/{id}/checkout", h.Checkout)
			r.Post("/{id}/withdrawals", h.RequestWithdrawal)
			r.Post("/{id}/insurance/reserve", h.FundReserve)
		})

		r.Post("/allocations", h.Allocate)

		// Catalog and orders
		r.Get("/catalog", h.ListCatalog)
		r.Post("/catalog", h.SaveCatalogItem)
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/{action}", h.OrderAction)
		})

		r.Get("/investments/{id}", h.GetInvestment)

		// Demo scenarios
		r.Get("/scenarios", h.ListScenarios)
		r.Get("/scenarios/current", h.GetCurrentScenario)
		r.Post("/scenarios/load", h.LoadScenario)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/bonuses", h.Adjust)
			r.Post("/reconcile", h.ReconcileAll)
			r.Get("/fees", h.Fees)

			r.Post("/sweeps", h.RunSweep)
			r.Post("/investments", h.Invest)
			r.Post("/investments/mature", h.MatureInvestments)
			r.Post("/investments/{id}/liquidate", h.LiquidateInvestment)
			r.Post("/investments/{id}/fail", h.FailInvestment)

			r.Get("/withdrawals", h.ListWithdrawals)
			r.Post("/withdrawals/{id}/{action}", h.WithdrawalAction)

			r.Post("/insurance/policies", h.EnrollPolicy)
			r.Post("/insurance/policies/{id}/premium", h.ChargePremium)
			r.Post("/insurance/policies/{id}/cancel", h.CancelPolicy)

			r.Get("/settings/{kind}", h.GetSettings)
			r.Put("/settings/{kind}", h.PutSettings)
		})
	})

	return r
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
