/**
 * @description
 * Refund eligibility evaluator. A refund request passes a fixed sequence of
 * gates, each with its own error, evaluated against state re-read at decision
 * time: failure-event check, success check, duplicate check, channel check,
 * clearance-lag check, amount check. The remission-backed path resolves the
 * remission to its fee's first apportioned payment and re-runs the same gates.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For refund identifiers.
 * - internal/domain, internal/store: Domain models and data access.
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
)

// InitiateRefund requests a refund of part or all of a successful payment.
func (s *Service) InitiateRefund(ctx context.Context, payload domain.InitiateRefundPayload, requestedBy string) (*domain.Refund, error) {
	if payload.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	payment, err := s.repo.FindPaymentByReference(ctx, payload.PaymentReference)
	if err != nil {
		return nil, err
	}

	if err := s.checkRefundable(ctx, payment); err != nil {
		return nil, err
	}

	available, err := s.refundableAmount(ctx, payment)
	if err != nil {
		return nil, err
	}
	if payload.Amount > available {
		return nil, ErrRefundExceedsAvailable
	}

	return s.createRefund(ctx, payment, payload.Amount, payload.Reason, nil, requestedBy)
}

// SubmitRefundForRemission raises a refund for the payment that covered a
// remitted fee. The waived amount is what comes back; manually-recorded
// channels are reachable only through this path.
func (s *Service) SubmitRefundForRemission(ctx context.Context, remissionReference, requestedBy string) (*domain.Refund, error) {
	remission, err := s.repo.FindRemissionByReference(ctx, remissionReference)
	if err != nil {
		return nil, err
	}

	fee, err := s.repo.FindFeeByID(ctx, remission.FeeID)
	if err != nil {
		return nil, err
	}

	apportions, err := s.repo.FindApportionsByFeeID(ctx, remission.FeeID)
	if err != nil {
		return nil, err
	}
	if len(apportions) == 0 {
		return nil, ErrRefundRequiresSuccessfulPayment
	}
	// The waiver can only come back out of value that actually reached the
	// fee; a partially paid fee caps the refund at what was collected.
	if remission.HwfAmount > fee.ApportionedAmount {
		return nil, ErrRemissionAmountInvalid
	}

	payment, err := s.repo.FindPaymentByID(ctx, apportions[0].PaymentID)
	if err != nil {
		return nil, err
	}

	// Remission refunds re-run the status, failure-event and duplicate gates,
	// but skip the channel and lag gates: the waiver decision already
	// establishes the entitlement.
	if err := s.checkRefundStatus(ctx, payment); err != nil {
		return nil, err
	}
	if err := s.checkNoActiveRefund(ctx, payment); err != nil {
		return nil, err
	}

	ref := remission.Reference
	return s.createRefund(ctx, payment, remission.HwfAmount, "remission refund", &ref, requestedBy)
}

// checkRefundable runs the full gate sequence for the direct refund path.
func (s *Service) checkRefundable(ctx context.Context, payment *domain.Payment) error {
	if err := s.checkRefundStatus(ctx, payment); err != nil {
		return err
	}
	if err := s.checkNoActiveRefund(ctx, payment); err != nil {
		return err
	}

	if !channelRefundable(payment) {
		return ErrChannelNotRefundable
	}

	lagDays, ok := s.refundLagDays[payment.Method]
	if !ok {
		return ErrChannelNotRefundable
	}
	eligibleFrom := payment.CreatedAt.Add(time.Duration(lagDays) * 24 * time.Hour)
	if s.now().Before(eligibleFrom) {
		return fmt.Errorf("%w: eligible from %s", ErrRefundNotYetEligible, eligibleFrom.Format(time.RFC3339))
	}
	return nil
}

// checkRefundStatus distinguishes a genuine processing failure from a
// post-success chargeback or bounce when rejecting a non-successful payment.
func (s *Service) checkRefundStatus(ctx context.Context, payment *domain.Payment) error {
	failures, err := s.repo.FindFailuresByPaymentReference(ctx, payment.Reference)
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		return ErrRefundNotAllowedAfterFailureEvent
	}
	if payment.Status != domain.PaymentStatusSuccess {
		return ErrRefundRequiresSuccessfulPayment
	}
	return nil
}

func (s *Service) checkNoActiveRefund(ctx context.Context, payment *domain.Payment) error {
	active, err := s.repo.FindActiveRefundByPaymentReference(ctx, payment.Reference)
	if err != nil {
		return err
	}
	if active != nil {
		return ErrDuplicateRefundRequest
	}
	return nil
}

// channelRefundable reports whether the direct refund path applies. Manually
// recorded channels only refund through the remission path.
func channelRefundable(payment *domain.Payment) bool {
	switch payment.Channel {
	case domain.ChannelBulkScan, domain.ChannelDigitalBar:
		return false
	}
	return true
}

// refundableAmount is the payment's apportioned value minus surplus; value that
// never attached to a fee is returned through provider reconciliation instead.
func (s *Service) refundableAmount(ctx context.Context, payment *domain.Payment) (int64, error) {
	apportions, err := s.repo.FindApportionsByPaymentID(ctx, payment.ID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, a := range apportions {
		total += a.AllocatedAmount
	}
	if total == 0 {
		// Not yet apportioned: the whole payment is refundable.
		return payment.Amount, nil
	}
	return total, nil
}

func (s *Service) createRefund(ctx context.Context, payment *domain.Payment, amount int64, reason string, remissionReference *string, requestedBy string) (*domain.Refund, error) {
	refund := &domain.Refund{
		ID:                 uuid.New(),
		Reference:          domain.NewRefundReference(),
		PaymentReference:   payment.Reference,
		Amount:             amount,
		Status:             domain.RefundStatusRequested,
		Reason:             reason,
		RemissionReference: remissionReference,
		RequestedBy:        requestedBy,
	}
	if err := s.repo.CreateRefund(ctx, refund); err != nil {
		if errors.Is(err, store.ErrDuplicateRefund) {
			return nil, ErrDuplicateRefundRequest
		}
		return nil, fmt.Errorf("failed to create refund: %w", err)
	}

	if s.eventProducer != nil {
		err := s.eventProducer.Publish(ctx, s.eventsExchange, "refund.requested", domain.RefundEvent{
			RefundReference:  refund.Reference,
			PaymentReference: payment.Reference,
			Amount:           amount,
			Timestamp:        s.now(),
		})
		if err != nil {
			log.Printf("WARN: failed to publish refund event for %s: %v", refund.Reference, err)
		}
	}

	log.Printf("refund: %s requested for payment %s amount %d", refund.Reference, payment.Reference, amount)
	return refund, nil
}
