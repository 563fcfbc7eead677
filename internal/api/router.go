/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require caller authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Post("/payment-groups", h.CreatePaymentGroupHandler)
		r.Get("/payment-groups/{reference}", h.GetPaymentGroupHandler)
		r.Post("/payment-groups/{reference}/payments", h.RecordPaymentHandler)
		r.Post("/payment-groups/{reference}/remissions", h.AddRemissionHandler)
		r.Get("/payment-groups/{reference}/apportionment", h.GetApportionmentHandler)

		r.Get("/payments/{reference}", h.GetPaymentHandler)
		r.Patch("/payments/{reference}/status", h.UpdatePaymentStatusHandler)
		r.Post("/payments/{reference}/provider-status", h.FetchProviderStatusHandler)
		r.Post("/payments/{reference}/failures", h.RecordFailureHandler)

		r.Post("/refunds", h.InitiateRefundHandler)
		r.Post("/refunds/remissions/{remissionReference}", h.SubmitRemissionRefundHandler)
	})

	// Machine-to-machine callbacks are guarded by the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/callbacks/provider", h.ProviderCallbackHandler)
	})

	return r
}
