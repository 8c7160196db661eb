/**
 * @description
 * This file sets up the HTTP router for the escrow-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * shared middleware stack.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the settings the router needs from config.Config.
type RouterConfig struct {
	JWKSURL        string
	InternalAPIKey string
	AllowedOrigins []string
}

// EscrowRoutes creates and returns a new router for the escrow service.
func EscrowRoutes(h *EscrowHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", internalAPIKeyHeader, callerIDHeader, callerRoleHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/escrow", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWKSURL, cfg.InternalAPIKey))

		r.Post("/deposits", h.DepositHandler)
		r.Post("/payments", h.PaymentHandler)
		r.Post("/holds", h.HoldHandler)
		r.Post("/invoices", h.CreateInvoiceHandler)

		r.Get("/accounts/me", h.GetMyAccountHandler)
		r.Get("/accounts/{ownerID}", h.GetAccountHandler)

		r.Get("/transactions", h.ListTransactionsHandler)
		r.Route("/transactions/{transactionID}", func(r chi.Router) {
			r.Get("/", h.GetTransactionHandler)
			r.Post("/release", h.ReleaseHandler)
			r.Get("/score", h.ReleaseScoreHandler)
			r.Post("/cancel", h.CancelHandler)
			r.Post("/disputes", h.CreateDisputeHandler)
			r.Get("/disputes", h.ListDisputesHandler)
		})

		r.Post("/disputes/{disputeID}/resolve", h.ResolveDisputeHandler)
	})

	return r
}
