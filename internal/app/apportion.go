/**
 * @description
 * FIFO apportionment engine. When a payment reaches success its value is
 * allocated across the group's fees oldest-first: each fee absorbs
 * min(remaining payment value, fee net amount minus what earlier payments
 * already apportioned). Value left over once every fee is exhausted is recorded
 * as surplus on the final allocation record. A payment smaller than the
 * outstanding fees leaves the tail fees partially apportioned; the shortfall is
 * visible as fee headroom, never as a negative allocation.
 *
 * computeApportionment is a pure function over the payment and fee snapshot so
 * the allocation arithmetic is testable without a store. persistence and
 * serialization concerns live in apportionPayment.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For allocation record identifiers.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/courtpay/ledger-service/internal/domain"
	"github.com/courtpay/ledger-service/internal/store"
)

// apportionOutcome is the result of one in-memory apportionment pass.
type apportionOutcome struct {
	Records []domain.FeePayApportion
	Updates []store.FeeApportionUpdate
	Surplus int64
}

// computeApportionment allocates payment value to fees in creation order.
// Fees must arrive in creation order; fees with no headroom are skipped.
func computeApportionment(payment *domain.Payment, fees []domain.Fee) apportionOutcome {
	outcome := apportionOutcome{}
	remaining := payment.Amount

	for i := range fees {
		fee := &fees[i]
		headroom := fee.Remaining()
		if headroom <= 0 {
			continue
		}
		if remaining <= 0 {
			break
		}

		allocated := headroom
		if remaining < headroom {
			allocated = remaining
		}
		remaining -= allocated

		record := domain.FeePayApportion{
			ID:              uuid.New(),
			FeeID:           fee.ID,
			PaymentID:       payment.ID,
			FeeAmount:       fee.NetAmount,
			PaymentAmount:   payment.Amount,
			ApportionAmount: allocated,
			AllocatedAmount: allocated,
			ApportionType:   domain.ApportionTypeAuto,
			CcdCaseNumber:   payment.CcdCaseNumber,
		}

		newApportioned := fee.ApportionedAmount + allocated
		update := store.FeeApportionUpdate{
			FeeID:                     fee.ID,
			ExpectedApportionedAmount: fee.ApportionedAmount,
			NewApportionedAmount:      newApportioned,
			FullyApportioned:          newApportioned >= fee.NetAmount,
		}
		record.FullyApportioned = update.FullyApportioned

		outcome.Records = append(outcome.Records, record)
		outcome.Updates = append(outcome.Updates, update)
	}

	// Surplus rides on the last allocation so the overpayment stays traceable
	// to a concrete fee line.
	if remaining > 0 && len(outcome.Records) > 0 {
		outcome.Records[len(outcome.Records)-1].CallSurplusAmount = remaining
		outcome.Surplus = remaining
	}
	return outcome
}

// apportionPayment runs one apportionment pass for a payment that has reached
// success. The pass is idempotent: if records already exist for the payment it
// returns nil without writing. Contention on the group is retried a bounded
// number of times; the store serializes passes per group.
func (s *Service) apportionPayment(ctx context.Context, payment *domain.Payment) error {
	prior, err := s.repo.FindApportionsByPaymentID(ctx, payment.ID)
	if err != nil {
		return err
	}
	if len(prior) > 0 {
		return nil
	}

	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fees, err := s.repo.FindFeesByGroupReference(ctx, payment.GroupReference)
		if err != nil {
			return err
		}

		outcome := computeApportionment(payment, fees)
		if len(outcome.Records) == 0 {
			return ErrNothingToApportion
		}
		now := s.now()
		for i := range outcome.Updates {
			outcome.Updates[i].DateApportioned = now
		}

		err = s.repo.SaveApportionment(ctx, payment.GroupReference, payment.ID, outcome.Records, outcome.Updates)
		if err == nil {
			log.Printf("apportion: payment %s allocated across %d fee(s), surplus %d", payment.Reference, len(outcome.Records), outcome.Surplus)
			s.publishApportionEvent(ctx, payment, outcome)
			return nil
		}
		if !errors.Is(err, store.ErrApportionConflict) {
			return err
		}

		// A concurrent pass touched the group. If it was for this payment the
		// work is done; otherwise recompute against the fresh fee snapshot.
		prior, readErr := s.repo.FindApportionsByPaymentID(ctx, payment.ID)
		if readErr != nil {
			return readErr
		}
		if len(prior) > 0 {
			return nil
		}
		log.Printf("apportion: retrying payment %s after group contention (attempt %d)", payment.Reference, attempt)
	}
	return fmt.Errorf("apportionment for %s: %w", payment.Reference, store.ErrApportionConflict)
}

// GetApportionment returns every allocation record for a group.
func (s *Service) GetApportionment(ctx context.Context, groupReference string) ([]domain.FeePayApportion, error) {
	if _, err := s.repo.FindGroupByReference(ctx, groupReference); err != nil {
		return nil, err
	}
	return s.repo.FindApportionsByGroupReference(ctx, groupReference)
}

func (s *Service) publishApportionEvent(ctx context.Context, payment *domain.Payment, outcome apportionOutcome) {
	if s.eventProducer == nil {
		return
	}
	feeIDs := make([]uuid.UUID, 0, len(outcome.Records))
	for _, r := range outcome.Records {
		feeIDs = append(feeIDs, r.FeeID)
	}
	err := s.eventProducer.Publish(ctx, s.eventsExchange, "payment.apportioned", domain.ApportionEvent{
		PaymentReference: payment.Reference,
		GroupReference:   payment.GroupReference,
		FeeIDs:           feeIDs,
		SurplusAmount:    outcome.Surplus,
		Timestamp:        s.now(),
	})
	if err != nil {
		log.Printf("WARN: failed to publish apportion event for %s: %v", payment.Reference, err)
	}
}
