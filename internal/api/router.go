/**
 * @description
 * This file sets up the HTTP router for the print-service. It defines the API
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

	"github.com/campusprint/print-service/internal/domain"
)

// PrintRoutes creates and returns a new router for the print service.
func PrintRoutes(h *PrintHandlers, signingKey string) http.Handler {
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

	r.Post("/auth/register", h.RegisterHandler)
	r.Post("/auth/login", h.LoginHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(SessionAuthMiddleware(signingKey))

		r.Post("/jobs", h.SubmitJobHandler)
		r.Get("/jobs/queue", h.QueueHandler)
		r.Get("/jobs/mine", h.MyJobsHandler)
		r.Get("/jobs/mine/queue", h.MyQueueHandler)
		r.Get("/jobs/completed", h.CompletedJobsHandler)
		r.Post("/jobs/{jobID}/cancel", h.CancelMyJobHandler)

		r.Post("/wallet/recharge", h.RechargeHandler)
		r.Get("/wallet/balance", h.BalanceHandler)
		r.Get("/wallet/transactions", h.TransactionsHandler)

		// Operator endpoints.
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(domain.RoleOperator, domain.RoleAdmin))

			r.Post("/jobs/{jobID}/transition", h.TransitionJobHandler)
			r.Post("/jobs/{jobID}/collect-payment", h.CollectPaymentHandler)
		})
	})

	return r
}
