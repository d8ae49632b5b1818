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
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/payouts/*    Payout execution and run history
  /api/plans/*      Plan catalog and management
  /api/users/*      Users, their positions, balances, ledger
  /api/positions/*  Position subscription and inspection
  /health           Liveness probe

AUTHENTICATION:
  Mutating routes (payout trigger, plan management, user/position
  creation) sit behind RequireAuth. Read-only routes are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer-token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. jwtSecret
// protects the mutating routes; empty disables auth (development only).
func NewRouter(h *Handler, jwtSecret string) *chi.Mux {
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

	auth := RequireAuth(jwtSecret)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, StatusResponse{Status: "ok", Message: "healthy"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Payout routes
		r.Route("/payouts", func(r chi.Router) {
			r.With(auth).Post("/run", h.RunPayouts)
			r.Get("/runs", h.ListRuns)
		})

		// Plan routes
		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Get("/{id}", h.GetPlan)
			r.With(auth).Post("/", h.CreatePlan)
			r.With(auth).Put("/{id}", h.UpdatePlan)
			r.With(auth).Delete("/{id}", h.DeletePlan)
		})

		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.With(auth).Post("/", h.CreateUser)
			r.Get("/{id}/positions", h.ListUserPositions)
			r.Get("/{id}/wallets", h.ListUserWallets)
			r.Get("/{id}/ledger", h.ListUserLedger)
		})

		// Position routes
		r.Route("/positions", func(r chi.Router) {
			r.With(auth).Post("/", h.CreatePosition)
			r.Get("/{id}", h.GetPosition)
			r.Get("/{id}/ledger", h.ListPositionLedger)
		})
	})

	return r
}
