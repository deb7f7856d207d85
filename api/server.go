/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RequestLogger:  One logrus entry per request (logging package)
  3. Recoverer:      Panic recovery (500 instead of crash)
  4. CORS:           Cross-origin requests for the back-office frontend

ROUTE GROUPS:
  /api/accounts/*       Player-facing balance, history, bonuses, withdrawals
  /api/withdrawals/*    Review queue and decisions
  /api/payments/*       Payment processor callbacks
  /api/games/*          Game engine callbacks
  /api/admin/*          Adjustments and projection maintenance
  /healthz              Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"
	"github.com/warp/coin-ledger/logging"
)

// NewRouter creates a new router with all routes configured. An empty
// allowedOrigins disables CORS.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logging.RequestLogger(log.StandardLogger()))
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: true,
		}))
	}

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
			r.Post("/daily-bonus", h.ClaimDailyBonus)
			r.Post("/minigames/{game}/reward", h.ClaimMiniGameReward)
			r.Post("/withdrawals", h.RequestWithdrawal)
			r.Put("/profile", h.UpdateProfile)
		})

		// Withdrawal review routes
		r.Route("/withdrawals", func(r chi.Router) {
			r.Get("/pending", h.ListPendingWithdrawals)
			r.Get("/{id}", h.GetWithdrawal)
			r.Post("/{id}/decisions", h.DecideWithdrawal)
		})

		// Settlement routes
		r.Post("/payments/captures", h.CapturePayment)
		r.Post("/games/settlements", h.SettleGameRound)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/projection/rebuild", h.RebuildProjection)
			r.Get("/projection/verify", h.VerifyProjection)
			r.Post("/idempotency/prune", h.PruneIdempotency)
		})
	})

	return r
}
