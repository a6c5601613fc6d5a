/**
 * @description
 * This file contains the HTTP handlers for the print-service's API
 * endpoints. Handlers are responsible for parsing incoming requests,
 * calling the appropriate methods on the application service, and
 * writing the HTTP response. They act as the bridge between the web
 * layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/campusprint/print-service/internal/app"
	"github.com/campusprint/print-service/internal/domain"
	"github.com/campusprint/print-service/internal/store"
)

// PrintHandlers holds the application service that handlers will use.
type PrintHandlers struct {
	service    *app.Service
	signingKey string
	sessionTTL time.Duration
}

// NewPrintHandlers creates a new instance of PrintHandlers.
func NewPrintHandlers(service *app.Service, signingKey string, sessionTTL time.Duration) *PrintHandlers {
	return &PrintHandlers{service: service, signingKey: signingKey, sessionTTL: sessionTTL}
}

type loginResponse struct {
	Token string       `json:"token"`
	User  *domain.User `json:"user"`
}

type rechargeResponse struct {
	Transaction *domain.Transaction `json:"transaction"`
	Replayed    bool                `json:"replayed"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// RegisterHandler creates a new user account.
func (h *PrintHandlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.service.RegisterUser(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, user)
}

// LoginHandler authenticates a user and issues a session token.
func (h *PrintHandlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := h.service.AuthenticateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	token, err := IssueSessionToken(h.signingKey, user, h.sessionTTL)
	if err != nil {
		log.Printf("level=error component=api endpoint=login msg=\"failed to sign session token\" user_id=%s err=%v", user.ID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to create session")
		return
	}
	h.writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

// SubmitJobHandler enqueues a print job for the authenticated user.
func (h *PrintHandlers) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := GetSession(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req domain.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := h.service.SubmitJob(r.Context(), session.UserID, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, job)
}

// QueueHandler returns the full active queue in service order.
func (h *PrintHandlers) QueueHandler(w http.ResponseWriter, r *http.Request) {
	queue, err := h.service.ListQueue(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, queue)
}

// MyJobsHandler returns the caller's full submission history.
func (h *PrintHandlers) MyJobsHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := GetSession(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	jobs, err := h.service.ListJobsForUser(r.Context(), session.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, jobs)
}

// MyQueueHandler returns the caller's active jobs with queue positions.
func (h *PrintHandlers) MyQueueHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := GetSession(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	queued, err := h.service.ListActiveJobsForUser(r.Context(), session.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, queued)
}

// CompletedJobsHandler returns completed jobs across all users.
func (h *PrintHandlers) CompletedJobsHandler(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListCompletedJobs(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, jobs)
}

// TransitionJobHandler moves a job through its lifecycle. Operator only.
func (h *PrintHandlers) TransitionJobHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := GetSession(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	var req domain.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !domain.ValidJobStatus(req.Target) {
		h.writeError(w, http.StatusBadRequest, "Unknown target status")
		return
	}

	job, err := h.service.TransitionJob(r.Context(), jobID, req.Target, session.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// CollectPaymentHandler debits a postpaid job's cost from the submitter's
// wallet. Operator only.
func (h *PrintHandlers) CollectPaymentHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := GetSession(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := h.service.CollectJobPayment(r.Context(), jobID, session.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// CancelMyJobHandler lets a student cancel their own queued job.
func (h *PrintHandlers) CancelMyJobHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := GetSession(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := h.service.FindJob(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if job.UserID != session.UserID {
		h.writeError(w, http.StatusForbidden, "Not your job")
		return
	}

	cancelled, err := h.service.TransitionJob(r.Context(), jobID, domain.JobCancelled, session.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cancelled)
}

// RechargeHandler credits the caller's wallet. An Idempotency-Key header
// makes retries safe: a repeated key returns the original entry.
func (h *PrintHandlers) RechargeHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := GetSession(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req domain.RechargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	entry, replayed, err := h.service.RechargeWallet(r.Context(), session.UserID, req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	h.writeJSON(w, status, rechargeResponse{Transaction: entry, Replayed: replayed})
}

// BalanceHandler returns the caller's wallet balance.
func (h *PrintHandlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := GetSession(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	balance, err := h.service.WalletBalance(r.Context(), session.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

// TransactionsHandler returns the caller's ledger, newest first.
func (h *PrintHandlers) TransactionsHandler(w http.ResponseWriter, r *http.Request) {
	session, ok := GetSession(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	entries, err := h.service.ListTransactions(r.Context(), session.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// writeServiceError maps service and store errors onto HTTP statuses.
func (h *PrintHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rateErr *app.RateLimitError
	switch {
	case errors.Is(err, app.ErrInvalidCredentials):
		h.writeError(w, http.StatusUnauthorized, "Invalid username or password")
	case errors.Is(err, app.ErrUserInactive):
		h.writeError(w, http.StatusForbidden, "Account is inactive")
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, store.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidQuantity),
		errors.Is(err, app.ErrInvalidUsername),
		errors.Is(err, app.ErrWeakPassword),
		errors.Is(err, app.ErrUnknownRole),
		errors.Is(err, app.ErrUnknownPaymentType):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrDocumentTooLarge):
		h.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, store.ErrInsufficientFunds), errors.Is(err, domain.ErrPaymentRequired):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrPaymentNotCollectable):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrUsernameTaken),
		errors.Is(err, store.ErrIdempotencyConflict),
		errors.Is(err, store.ErrRechargeInProgress):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrUserNotFound), errors.Is(err, store.ErrJobNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many submissions, slow down")
	default:
		log.Printf("level=error component=api path=%s msg=\"unhandled service error\" err=%v", r.URL.Path, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *PrintHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

// writeError is a helper for writing a JSON error body.
func (h *PrintHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
