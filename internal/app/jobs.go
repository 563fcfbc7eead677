package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/courtpay/ledger-service/internal/domain"
)

// StalePaymentSweeper reconciles card payments that never received a terminal
// callback. Payers abandon the provider page, callbacks get lost; the sweep
// polls the gateway for anything non-terminal past the cutoff and applies
// whatever the provider reports.
type StalePaymentSweeper struct {
	service *Service
	minAge  time.Duration
}

func NewStalePaymentSweeper(service *Service, minAge time.Duration) *StalePaymentSweeper {
	return &StalePaymentSweeper{service: service, minAge: minAge}
}

// Run executes one sweep. It is safe to invoke from a cron schedule; each
// payment is handled independently so one gateway error does not stall the rest.
func (w *StalePaymentSweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cutoff := w.service.now().Add(-w.minAge)
	payments, err := w.service.repo.FindStalePayments(ctx, domain.MethodCard, cutoff)
	if err != nil {
		log.Printf("sweep: failed to list stale card payments: %v", err)
		return
	}
	if len(payments) == 0 {
		return
	}
	log.Printf("sweep: reconciling %d stale card payment(s) older than %s", len(payments), w.minAge)

	for i := range payments {
		p := &payments[i]
		if p.ExternalReference == nil || *p.ExternalReference == "" {
			// Never handed to the provider; nothing to poll. Expire it so it
			// stops surfacing in every sweep.
			if err := w.expire(ctx, p); err != nil {
				log.Printf("sweep: failed to expire payment %s: %v", p.Reference, err)
			}
			continue
		}
		if _, err := w.service.FetchProviderStatus(ctx, p.Reference); err != nil {
			log.Printf("sweep: gateway reconciliation failed for %s: %v", p.Reference, err)
		}
	}
}

func (w *StalePaymentSweeper) expire(ctx context.Context, payment *domain.Payment) error {
	err := w.service.ManualStatusUpdate(ctx, payment.Reference, domain.ManualStatusUpdatePayload{
		Status:       domain.PaymentStatusFailed,
		ErrorCode:    "P0020",
		ErrorMessage: "payment expired before provider hand-off",
		Actor:        "sweep",
	})
	if errors.Is(err, ErrIllegalTransition) {
		return nil
	}
	return err
}
