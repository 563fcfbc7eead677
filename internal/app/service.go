/**
 * @description
 * This file contains the core business logic for the ledger-service. The `Service`
 * struct orchestrates payment group admission, payment recording, remissions and
 * read-side views, coordinating between the database repository, the GOV.UK Pay
 * gateway client, and the message broker.
 *
 * Key features:
 * - Duplicate-guarded payment group creation: an equivalent request inside the
 *   recency window re-uses the existing group instead of creating a second one.
 * - Payment recording with collision-retried checksum references.
 * - Remission netting with the over-credit guards applied before any write.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/govpay, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/courtpay/ledger-service/internal/domain"
	"github.com/courtpay/ledger-service/internal/store"
	"github.com/courtpay/ledger-service/pkg/govpay"
	"github.com/courtpay/ledger-service/pkg/rabbitmq"
)

// referenceRetryLimit bounds how often payment creation retries on a reference
// collision before giving up.
const referenceRetryLimit = 3

// Service provides the core business logic for the payment ledger.
type Service struct {
	repo            store.Repository
	gateway         *govpay.Client
	eventProducer   rabbitmq.Publisher
	eventsExchange  string
	duplicateWindow time.Duration
	refundLagDays   map[string]int
	now             func() time.Time
}

// NewService creates a new ledger service instance. refundLagDays maps a payment
// method to the minimum clearance days before a refund may be requested.
func NewService(repo store.Repository, gateway *govpay.Client, producer rabbitmq.Publisher, eventsExchange string, duplicateWindow time.Duration, refundLagDays map[string]int) *Service {
	return &Service{
		repo:            repo,
		gateway:         gateway,
		eventProducer:   producer,
		eventsExchange:  eventsExchange,
		duplicateWindow: duplicateWindow,
		refundLagDays:   refundLagDays,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// CreatePaymentGroup admits a new payment group, or returns the existing one if
// an equivalent request was admitted inside the duplicate window. The returned
// bool reports whether a new group was created.
func (s *Service) CreatePaymentGroup(ctx context.Context, payload domain.CreatePaymentGroupPayload) (*domain.PaymentGroup, bool, error) {
	if len(payload.Fees) == 0 {
		return nil, false, ErrNoFees
	}
	for _, f := range payload.Fees {
		if f.CalculatedAmount <= 0 {
			return nil, false, ErrInvalidAmount
		}
	}

	group := &domain.PaymentGroup{
		ID:            uuid.New(),
		Reference:     domain.NewGroupReference(),
		CcdCaseNumber: payload.CcdCaseNumber,
		Service:       payload.Service,
		RequestKey:    serviceRequestKey(payload),
	}
	fees := make([]domain.Fee, 0, len(payload.Fees))
	for _, f := range payload.Fees {
		volume := f.Volume
		if volume <= 0 {
			volume = 1
		}
		fees = append(fees, domain.Fee{
			ID:               uuid.New(),
			GroupReference:   group.Reference,
			Code:             f.Code,
			Version:          f.Version,
			Volume:           volume,
			CalculatedAmount: f.CalculatedAmount,
			NetAmount:        f.CalculatedAmount,
			CcdCaseNumber:    payload.CcdCaseNumber,
		})
	}

	admitted, created, err := s.repo.AdmitPaymentGroup(ctx, group, fees, s.duplicateWindow)
	if err != nil {
		return nil, false, fmt.Errorf("failed to admit payment group: %w", err)
	}
	if !created {
		log.Printf("CreatePaymentGroup: duplicate request for case %s, reusing group %s", payload.CcdCaseNumber, admitted.Reference)
	}
	return admitted, created, nil
}

// GetGroupView returns a payment group with its fees, payments and remissions.
func (s *Service) GetGroupView(ctx context.Context, groupReference string) (*domain.GroupView, error) {
	return s.repo.FindGroupView(ctx, groupReference)
}

// RecordPayment registers a payment against an existing group. Card payments
// taken online start in initiated (the payer is redirected to the provider);
// everything else starts in created.
func (s *Service) RecordPayment(ctx context.Context, groupReference string, payload domain.RecordPaymentPayload) (*domain.Payment, error) {
	if payload.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !validMethod(payload.Method) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, payload.Method)
	}

	group, err := s.repo.FindGroupByReference(ctx, groupReference)
	if err != nil {
		return nil, err
	}

	currency := payload.Currency
	if currency == "" {
		currency = "GBP"
	}
	initialStatus := domain.PaymentStatusCreated
	if payload.Method == domain.MethodCard && payload.Channel == domain.ChannelOnline {
		initialStatus = domain.PaymentStatusInitiated
	}

	payment := &domain.Payment{
		ID:                uuid.New(),
		GroupReference:    group.Reference,
		Amount:            payload.Amount,
		Currency:          currency,
		Method:            payload.Method,
		Channel:           payload.Channel,
		Provider:          payload.Provider,
		ExternalReference: payload.ExternalReference,
		Status:            initialStatus,
		CcdCaseNumber:     group.CcdCaseNumber,
		SiteID:            payload.SiteID,
	}

	// The timestamp-plus-checksum reference space is sparse enough that a
	// collision means two payments landed in the same millisecond; retry with
	// a fresh reference rather than failing the request.
	for attempt := 0; attempt < referenceRetryLimit; attempt++ {
		payment.Reference = domain.NewPaymentReference()
		history := &domain.StatusHistory{
			ID:        uuid.New(),
			PaymentID: payment.ID,
			ToStatus:  initialStatus,
			Actor:     "system",
		}
		err = s.repo.CreatePayment(ctx, payment, history)
		if err == nil {
			log.Printf("RecordPayment: payment %s recorded against group %s (method=%s amount=%d)", payment.Reference, group.Reference, payment.Method, payment.Amount)
			return payment, nil
		}
		if !errors.Is(err, store.ErrDuplicateReference) {
			return nil, fmt.Errorf("failed to create payment: %w", err)
		}
		log.Printf("RecordPayment: reference collision on %s, regenerating", payment.Reference)
	}
	return nil, fmt.Errorf("failed to create payment: %w", store.ErrDuplicateReference)
}

// GetPayment returns a payment with its status history.
func (s *Service) GetPayment(ctx context.Context, reference string) (*domain.Payment, []domain.StatusHistory, error) {
	payment, err := s.repo.FindPaymentByReference(ctx, reference)
	if err != nil {
		return nil, nil, err
	}
	history, err := s.repo.FindStatusHistory(ctx, payment.ID)
	if err != nil {
		return nil, nil, err
	}
	return payment, history, nil
}

// FetchProviderStatus queries the gateway for a card payment's current state and
// applies the result through the state machine, so a poll and a callback are
// indistinguishable to the ledger.
func (s *Service) FetchProviderStatus(ctx context.Context, paymentReference string) (*domain.ProviderPaymentView, error) {
	payment, err := s.repo.FindPaymentByReference(ctx, paymentReference)
	if err != nil {
		return nil, err
	}
	if payment.ExternalReference == nil || *payment.ExternalReference == "" {
		return nil, fmt.Errorf("payment %s has no provider reference", paymentReference)
	}
	if s.gateway == nil {
		return nil, errors.New("gateway client not configured")
	}

	provider, err := s.gateway.GetPayment(ctx, *payment.ExternalReference)
	if err != nil {
		return nil, fmt.Errorf("gateway lookup for %s: %w", paymentReference, err)
	}

	view := &domain.ProviderPaymentView{
		ExternalReference: provider.PaymentID,
		ExternalStatus:    provider.State.Status,
		Finished:          provider.State.Finished,
		ErrorCode:         optional(provider.State.Code),
		ErrorMessage:      optional(provider.State.Message),
	}
	if provider.Links.NextURL.Href != "" {
		nextURL := provider.Links.NextURL.Href
		view.NextURL = &nextURL
	}

	if err := s.ApplyExternalStatus(ctx, paymentReference, view.ExternalStatus, view.ErrorCode, view.ErrorMessage); err != nil {
		if errors.Is(err, ErrUnknownExternalStatus) || errors.Is(err, ErrIllegalTransition) {
			log.Printf("FetchProviderStatus: gateway state for %s not applied: %v", paymentReference, err)
			return view, nil
		}
		return nil, err
	}
	return view, nil
}

// AddRemission waives part of a fee. The waived amount nets down the fee, and a
// fee may carry at most one remission.
func (s *Service) AddRemission(ctx context.Context, groupReference string, payload domain.AddRemissionPayload) (*domain.Remission, error) {
	if payload.HwfAmount <= 0 {
		return nil, ErrRemissionAmountInvalid
	}

	group, err := s.repo.FindGroupByReference(ctx, groupReference)
	if err != nil {
		return nil, err
	}
	fee, err := s.repo.FindFeeByID(ctx, payload.FeeID)
	if err != nil {
		return nil, err
	}
	if fee.GroupReference != group.Reference {
		return nil, store.ErrFeeNotFound
	}

	if _, err := s.repo.FindRemissionByFeeID(ctx, payload.FeeID); err == nil {
		return nil, ErrRemissionAlreadyExists
	} else if !errors.Is(err, store.ErrRemissionNotFound) {
		return nil, err
	}

	if payload.HwfAmount > fee.CalculatedAmount {
		return nil, ErrRemissionExceedsFee
	}
	// A waiver larger than what is still unpaid would over-credit the fee once
	// the already-apportioned value is counted.
	if payload.HwfAmount > fee.NetAmount-fee.ApportionedAmount {
		return nil, ErrRemissionExceedsRemainingFee
	}

	remission := &domain.Remission{
		ID:             uuid.New(),
		Reference:      domain.NewRemissionReference(),
		FeeID:          fee.ID,
		GroupReference: group.Reference,
		HwfAmount:      payload.HwfAmount,
		HwfReference:   payload.HwfReference,
		Beneficiary:    payload.Beneficiary,
	}
	newNet := fee.NetAmount - payload.HwfAmount
	if err := s.repo.CreateRemissionAndNetFee(ctx, remission, newNet); err != nil {
		if errors.Is(err, store.ErrDuplicateRemission) {
			return nil, ErrRemissionAlreadyExists
		}
		return nil, fmt.Errorf("failed to create remission: %w", err)
	}

	log.Printf("AddRemission: remission %s waives %d on fee %s (net now %d)", remission.Reference, payload.HwfAmount, fee.Code, newNet)
	return remission, nil
}

func validMethod(method string) bool {
	switch method {
	case domain.MethodCard, domain.MethodPBA, domain.MethodCash, domain.MethodCheque, domain.MethodPostalOrder:
		return true
	}
	return false
}
