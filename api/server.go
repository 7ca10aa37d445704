/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the app frontends

ROUTE GROUPS:
  /api/accounts/*       Balance, earning, redemption per account
  /api/purchases        Purchase credits
  /api/referrals        Referral registration
  /api/rewards          Catalog
  /api/checkout/*       Checkout discount reservations
  /api/admin/*          Audits and catalog maintenance
  /api/scenarios/*      Demo data
  /metrics              Prometheus

SECURITY NOTE:
  No authentication middleware. The account id in the path is trusted; the
  gateway in front of this service is expected to enforce it.

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
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/", h.GetBalance)
			r.Post("/welcome", h.ClaimWelcome)
			r.Post("/check-in", h.CheckIn)
			r.Get("/streak", h.GetStreak)
			r.Get("/transactions", h.ListTransactions)
			r.Get("/claimed-rewards", h.ListClaimedRewards)
			r.Post("/reviews", h.CreditReview)
			r.Post("/redemptions", h.Redeem)
		})

		r.Post("/purchases", h.RecordPurchase)
		r.Post("/referrals", h.CreateReferral)
		r.Get("/rewards", h.ListRewards)

		r.Route("/checkout/discounts", func(r chi.Router) {
			r.Post("/", h.ReserveDiscount)
			r.Post("/{ref}/commit", h.CommitDiscount)
			r.Post("/{ref}/release", h.ReleaseDiscount)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/stock-discrepancies", h.ListStockDiscrepancies)
			r.Get("/accounts/{id}/verify", h.VerifyAccount)
			r.Put("/rewards/{id}", h.UpsertReward)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
