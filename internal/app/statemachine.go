/**
 * @description
 * Payment status state machine. All status changes, whether driven by provider
 * callbacks, the reconciliation sweep or a manual update, funnel through
 * transition() so the legality table lives in exactly one place. Every accepted
 * transition commits atomically with its StatusHistory row via the repository.
 *
 * @dependencies
 * - context, errors, fmt, log, strings: Standard Go libraries.
 * - github.com/google/uuid: For history row identifiers.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/courtpay/ledger-service/internal/domain"
	"github.com/courtpay/ledger-service/internal/store"
)

// legalTransitions maps a current status to the set of statuses it may move to.
// Terminal states (failed, refunded) have no entry. Success never moves to
// failed through this table: a successful payment only fails through
// RecordPaymentFailure, which commits the chargeback or bounce record with the
// transition.
var legalTransitions = map[string][]string{
	domain.PaymentStatusCreated:         {domain.PaymentStatusInitiated, domain.PaymentStatusSuccess, domain.PaymentStatusFailed},
	domain.PaymentStatusInitiated:       {domain.PaymentStatusSuccess, domain.PaymentStatusFailed},
	domain.PaymentStatusSuccess:         {domain.PaymentStatusRefundRequested},
	domain.PaymentStatusRefundRequested: {domain.PaymentStatusRefunded},
}

func transitionAllowed(from, to string) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// mapExternalStatus translates a provider-reported status into the internal
// vocabulary. Unknown values are rejected rather than guessed at.
func mapExternalStatus(externalStatus string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(externalStatus)) {
	case "created", "started", "submitted", "pending":
		return domain.PaymentStatusInitiated, nil
	case "success", "successful":
		return domain.PaymentStatusSuccess, nil
	case "failed", "cancelled", "error":
		return domain.PaymentStatusFailed, nil
	default:
		return "", ErrUnknownExternalStatus
	}
}

// ApplyExternalStatus applies a provider callback to a payment. Re-delivery of a
// status that maps to the payment's current status commits nothing; regressions
// fail with ErrIllegalTransition. A payment holding success, whether it just got
// there or the delivery is a replay, runs the apportionment pass for its group.
func (s *Service) ApplyExternalStatus(ctx context.Context, paymentReference, externalStatus string, errorCode, errorMessage *string) error {
	newStatus, err := mapExternalStatus(externalStatus)
	if err != nil {
		return err
	}

	payment, err := s.repo.FindPaymentByReference(ctx, paymentReference)
	if err != nil {
		return err
	}

	// Idempotent replay: the provider re-delivered a status we already hold.
	// A replayed success still runs the apportionment pass, so a delivery that
	// committed the transition but lost the apportionment write is healed on
	// retry.
	if payment.Status == newStatus {
		log.Printf("statemachine: payment %s already %s, replayed callback commits nothing", paymentReference, newStatus)
		return s.apportionAfterSuccess(ctx, payment)
	}

	ext := strings.ToLower(strings.TrimSpace(externalStatus))
	if err := s.transition(ctx, payment, newStatus, &ext, errorCode, errorMessage, "provider"); err != nil {
		return err
	}
	return s.apportionAfterSuccess(ctx, payment)
}

// ManualStatusUpdate records an operator-driven status change for manually
// recorded channels (bulk scan, digital bar, telephony reconciliation).
func (s *Service) ManualStatusUpdate(ctx context.Context, paymentReference string, payload domain.ManualStatusUpdatePayload) error {
	if !validInternalStatus(payload.Status) {
		return ErrIllegalTransition
	}

	payment, err := s.repo.FindPaymentByReference(ctx, paymentReference)
	if err != nil {
		return err
	}
	if payment.Status == payload.Status {
		return s.apportionAfterSuccess(ctx, payment)
	}

	if err := s.transition(ctx, payment, payload.Status, nil, optional(payload.ErrorCode), optional(payload.ErrorMessage), payload.Actor); err != nil {
		return err
	}
	return s.apportionAfterSuccess(ctx, payment)
}

// apportionAfterSuccess runs the apportionment pass when the payment holds
// success. The pass itself is idempotent; a failure surfaces so the caller is
// retried, because the committed transition alone will never re-trigger it.
func (s *Service) apportionAfterSuccess(ctx context.Context, payment *domain.Payment) error {
	if payment.Status != domain.PaymentStatusSuccess {
		return nil
	}
	if err := s.apportionPayment(ctx, payment); err != nil && !errors.Is(err, ErrNothingToApportion) {
		return fmt.Errorf("apportion after success: %w", err)
	}
	return nil
}

// RecordPaymentFailure handles a chargeback or bounced cheque reported against a
// successful payment. The failure record and the success-to-failed transition
// commit together; a second report for the same payment is rejected.
func (s *Service) RecordPaymentFailure(ctx context.Context, paymentReference string, payload domain.RecordFailurePayload) (*domain.PaymentFailure, error) {
	if payload.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	payment, err := s.repo.FindPaymentByReference(ctx, paymentReference)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindFailuresByPaymentReference(ctx, paymentReference)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrFailureAlreadyRecorded
	}

	if payment.Status != domain.PaymentStatusSuccess {
		return nil, ErrIllegalTransition
	}

	failure := &domain.PaymentFailure{
		ID:               uuid.New(),
		FailureReference: domain.NewFailureReference(),
		PaymentReference: paymentReference,
		Amount:           payload.Amount,
		FailureType:      payload.FailureType,
		Reason:           payload.Reason,
	}

	history := domain.StatusHistory{
		ID:           uuid.New(),
		PaymentID:    payment.ID,
		FromStatus:   payment.Status,
		ToStatus:     domain.PaymentStatusFailed,
		ErrorCode:    optional(payload.FailureType),
		ErrorMessage: optional(payload.Reason),
		Actor:        payload.Actor,
	}
	err = s.repo.ApplyStatusTransition(ctx, store.StatusTransition{
		PaymentID:      payment.ID,
		ExpectedStatus: payment.Status,
		NewStatus:      domain.PaymentStatusFailed,
		History:        history,
		Failure:        failure,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil, ErrFailureAlreadyRecorded
		}
		return nil, err
	}

	oldStatus := payment.Status
	payment.Status = domain.PaymentStatusFailed
	s.publishStatusEvent(ctx, payment, oldStatus, domain.PaymentStatusFailed)
	return failure, nil
}

// transition validates a status change against the table and commits it with its
// history row. It retries once on a stale read so that a racing but compatible
// update does not surface as a spurious failure.
func (s *Service) transition(ctx context.Context, payment *domain.Payment, newStatus string, externalStatus, errorCode, errorMessage *string, actor string) error {
	for attempt := 0; attempt < 2; attempt++ {
		if payment.Status == newStatus {
			return nil
		}
		if !transitionAllowed(payment.Status, newStatus) {
			return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, payment.Status, newStatus)
		}

		history := domain.StatusHistory{
			ID:             uuid.New(),
			PaymentID:      payment.ID,
			FromStatus:     payment.Status,
			ToStatus:       newStatus,
			ExternalStatus: externalStatus,
			ErrorCode:      errorCode,
			ErrorMessage:   errorMessage,
			Actor:          actor,
		}
		err := s.repo.ApplyStatusTransition(ctx, store.StatusTransition{
			PaymentID:      payment.ID,
			ExpectedStatus: payment.Status,
			NewStatus:      newStatus,
			History:        history,
		})
		if err == nil {
			log.Printf("statemachine: payment %s moved %s to %s (actor=%s)", payment.Reference, payment.Status, newStatus, actor)
			oldStatus := payment.Status
			payment.Status = newStatus
			s.publishStatusEvent(ctx, payment, oldStatus, newStatus)
			return nil
		}
		if !errors.Is(err, store.ErrStaleStatus) {
			return err
		}

		// Someone moved the payment first: re-read and re-validate.
		fresh, readErr := s.repo.FindPaymentByID(ctx, payment.ID)
		if readErr != nil {
			return readErr
		}
		*payment = *fresh
	}
	return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, payment.Status, newStatus)
}

func validInternalStatus(status string) bool {
	switch status {
	case domain.PaymentStatusCreated, domain.PaymentStatusInitiated, domain.PaymentStatusSuccess,
		domain.PaymentStatusFailed, domain.PaymentStatusRefundRequested, domain.PaymentStatusRefunded:
		return true
	}
	return false
}

func optional(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func (s *Service) publishStatusEvent(ctx context.Context, payment *domain.Payment, fromStatus, toStatus string) {
	if s.eventProducer == nil {
		return
	}
	err := s.eventProducer.Publish(ctx, s.eventsExchange, "payment.status.updated", domain.PaymentStatusEvent{
		PaymentReference: payment.Reference,
		GroupReference:   payment.GroupReference,
		FromStatus:       fromStatus,
		ToStatus:         toStatus,
		CcdCaseNumber:    payment.CcdCaseNumber,
		Timestamp:        s.now(),
	})
	if err != nil {
		log.Printf("WARN: failed to publish status event for %s: %v", payment.Reference, err)
	}
}
