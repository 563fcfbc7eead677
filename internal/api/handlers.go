/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
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

	"github.com/courtpay/ledger-service/internal/app"
	"github.com/courtpay/ledger-service/internal/domain"
	"github.com/courtpay/ledger-service/internal/store"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service             *app.Service
	rateLimiter         *app.RedisCallbackRateLimiter
	callbackLimitPerMin int
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service, rateLimiter *app.RedisCallbackRateLimiter, callbackLimitPerMin int) *LedgerHandlers {
	return &LedgerHandlers{
		service:             service,
		rateLimiter:         rateLimiter,
		callbackLimitPerMin: callbackLimitPerMin,
	}
}

// groupCreationResponse reports whether the duplicate guard admitted a new
// group or re-used an existing one.
type groupCreationResponse struct {
	GroupReference string `json:"group_reference"`
	Duplicate      bool   `json:"duplicate"`
}

// CreatePaymentGroupHandler handles requests to register a set of fees against a case.
func (h *LedgerHandlers) CreatePaymentGroupHandler(w http.ResponseWriter, r *http.Request) {
	var payload domain.CreatePaymentGroupPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if payload.CcdCaseNumber == "" || payload.Service == "" {
		h.writeError(w, http.StatusBadRequest, "ccd_case_number and service are required")
		return
	}

	group, created, err := h.service.CreatePaymentGroup(r.Context(), payload)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	h.writeJSON(w, status, groupCreationResponse{GroupReference: group.Reference, Duplicate: !created})
}

// GetPaymentGroupHandler returns a group with its fees, payments and remissions.
func (h *LedgerHandlers) GetPaymentGroupHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	view, err := h.service.GetGroupView(r.Context(), reference)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// RecordPaymentHandler registers a payment against a group.
func (h *LedgerHandlers) RecordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	var payload domain.RecordPaymentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payment, err := h.service.RecordPayment(r.Context(), reference, payload)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, payment)
}

// paymentResponse pairs a payment with its audit trail.
type paymentResponse struct {
	Payment *domain.Payment        `json:"payment"`
	History []domain.StatusHistory `json:"history"`
}

// GetPaymentHandler returns a payment and its status history.
func (h *LedgerHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	payment, history, err := h.service.GetPayment(r.Context(), reference)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, paymentResponse{Payment: payment, History: history})
}

// UpdatePaymentStatusHandler records an operator-driven status change.
func (h *LedgerHandlers) UpdatePaymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	var payload domain.ManualStatusUpdatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if actor, ok := GetCallerID(r.Context()); ok {
		payload.Actor = actor
	}

	if err := h.service.ManualStatusUpdate(r.Context(), reference, payload); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": payload.Status})
}

// FetchProviderStatusHandler polls the gateway for a payment's current state and
// applies the result.
func (h *LedgerHandlers) FetchProviderStatusHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	view, err := h.service.FetchProviderStatus(r.Context(), reference)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// RecordFailureHandler records a chargeback or bounced-cheque event.
func (h *LedgerHandlers) RecordFailureHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	var payload domain.RecordFailurePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if payload.FailureType != domain.FailureTypeChargeback && payload.FailureType != domain.FailureTypeBouncedCheque {
		h.writeError(w, http.StatusBadRequest, "failure_type must be chargeback or bounced_cheque")
		return
	}
	if actor, ok := GetCallerID(r.Context()); ok {
		payload.Actor = actor
	}

	failure, err := h.service.RecordPaymentFailure(r.Context(), reference, payload)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, failure)
}

// AddRemissionHandler waives part of a fee within a group.
func (h *LedgerHandlers) AddRemissionHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	var payload domain.AddRemissionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	remission, err := h.service.AddRemission(r.Context(), reference, payload)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, remission)
}

// InitiateRefundHandler raises a refund against a successful payment.
func (h *LedgerHandlers) InitiateRefundHandler(w http.ResponseWriter, r *http.Request) {
	var payload domain.InitiateRefundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	requestedBy, _ := GetCallerID(r.Context())

	refund, err := h.service.InitiateRefund(r.Context(), payload, requestedBy)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, refund)
}

// SubmitRemissionRefundHandler raises a refund for a remitted fee's payment.
func (h *LedgerHandlers) SubmitRemissionRefundHandler(w http.ResponseWriter, r *http.Request) {
	remissionReference := chi.URLParam(r, "remissionReference")
	requestedBy, _ := GetCallerID(r.Context())

	refund, err := h.service.SubmitRefundForRemission(r.Context(), remissionReference, requestedBy)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, refund)
}

// GetApportionmentHandler returns the allocation records for a group.
func (h *LedgerHandlers) GetApportionmentHandler(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	records, err := h.service.GetApportionment(r.Context(), reference)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

// ProviderCallbackHandler ingests a provider status event delivered over HTTP
// rather than the broker. The endpoint is internal-key guarded and throttled
// per payment reference so a looping adapter cannot flood the state machine.
func (h *LedgerHandlers) ProviderCallbackHandler(w http.ResponseWriter, r *http.Request) {
	var event domain.ProviderStatusEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if event.PaymentReference == "" || event.ExternalStatus == "" {
		h.writeError(w, http.StatusBadRequest, "payment_reference and external_status are required")
		return
	}

	if h.rateLimiter != nil && h.callbackLimitPerMin > 0 {
		count, retryAfter, err := h.rateLimiter.ConsumeRateLimit(r.Context(), "provider_callback", event.PaymentReference, h.callbackLimitPerMin, time.Minute)
		if err != nil {
			log.Printf("level=warn component=api endpoint=provider_callback msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		} else if count > h.callbackLimitPerMin {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Too many callbacks for this payment")
			return
		}
	}

	err := h.service.ApplyExternalStatus(r.Context(), event.PaymentReference, event.ExternalStatus, event.ErrorCode, event.ErrorMessage)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// writeServiceError maps service and store errors onto HTTP statuses.
func (h *LedgerHandlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrGroupNotFound),
		errors.Is(err, store.ErrPaymentNotFound),
		errors.Is(err, store.ErrFeeNotFound),
		errors.Is(err, store.ErrRemissionNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())

	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrNoFees),
		errors.Is(err, app.ErrUnsupportedMethod),
		errors.Is(err, app.ErrRemissionAmountInvalid),
		errors.Is(err, app.ErrUnknownExternalStatus):
		h.writeError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, app.ErrIllegalTransition),
		errors.Is(err, app.ErrNothingToApportion),
		errors.Is(err, app.ErrRemissionExceedsFee),
		errors.Is(err, app.ErrRemissionExceedsRemainingFee),
		errors.Is(err, app.ErrRefundRequiresSuccessfulPayment),
		errors.Is(err, app.ErrRefundNotAllowedAfterFailureEvent),
		errors.Is(err, app.ErrChannelNotRefundable),
		errors.Is(err, app.ErrRefundNotYetEligible),
		errors.Is(err, app.ErrRefundExceedsAvailable):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())

	case errors.Is(err, app.ErrDuplicateRefundRequest),
		errors.Is(err, app.ErrRemissionAlreadyExists),
		errors.Is(err, app.ErrFailureAlreadyRecorded),
		errors.Is(err, store.ErrStaleStatus),
		errors.Is(err, store.ErrApportionConflict):
		h.writeError(w, http.StatusConflict, err.Error())

	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
