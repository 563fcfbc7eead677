package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/courtpay/ledger-service/internal/domain"
	"github.com/courtpay/ledger-service/internal/store"
)

// ProviderEventConsumer applies asynchronous provider status events to the
// ledger. Events arrive over the provider_events exchange from gateway and
// middle-office adapters.
type ProviderEventConsumer struct {
	service *Service
}

func NewProviderEventConsumer(service *Service) *ProviderEventConsumer {
	return &ProviderEventConsumer{service: service}
}

// HandleMessage processes one delivery. The returned bool is the ack decision:
// true acknowledges (including malformed messages, which redelivery cannot fix),
// false requeues for retry.
func (c *ProviderEventConsumer) HandleMessage(body []byte) bool {
	var event domain.ProviderStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("provider-consumer: failed to unmarshal payload: %v", err)
		return true
	}

	if event.PaymentReference == "" || event.ExternalStatus == "" {
		log.Printf("provider-consumer: missing reference or status in event %+v", event)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		log.Printf("provider-consumer: processing error for payment %s: %v", event.PaymentReference, err)
		return false
	}
	return true
}

func (c *ProviderEventConsumer) processEvent(ctx context.Context, event domain.ProviderStatusEvent) error {
	err := c.service.ApplyExternalStatus(ctx, event.PaymentReference, event.ExternalStatus, event.ErrorCode, event.ErrorMessage)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrPaymentNotFound):
		// The callback raced the payment's own creation response, or references
		// a payment this ledger never issued. Redelivery cannot help.
		log.Printf("provider-consumer: no payment found for %s; acknowledging", event.PaymentReference)
		return nil
	case errors.Is(err, ErrUnknownExternalStatus):
		log.Printf("provider-consumer: unrecognised status %q for %s; acknowledging", event.ExternalStatus, event.PaymentReference)
		return nil
	case errors.Is(err, ErrIllegalTransition):
		// Out-of-order delivery: a regression after a terminal state is
		// discarded, not retried.
		log.Printf("provider-consumer: discarding out-of-order status %q for %s: %v", event.ExternalStatus, event.PaymentReference, err)
		return nil
	default:
		return err
	}
}
