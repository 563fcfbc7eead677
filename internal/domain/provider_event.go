/**
 * @description
 * Message payloads exchanged over RabbitMQ. Provider adapters publish
 * ProviderStatusEvent messages when an external gateway reports a payment state
 * change; the ledger publishes PaymentStatusEvent, ApportionEvent and RefundEvent
 * messages for downstream consumers (notifications, reporting).
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProviderStatusEvent is the inbound callback payload from a provider adapter.
type ProviderStatusEvent struct {
	PaymentReference string    `json:"payment_reference"`
	Provider         string    `json:"provider"`
	ExternalStatus   string    `json:"external_status"`
	ErrorCode        *string   `json:"error_code,omitempty"`
	ErrorMessage     *string   `json:"error_message,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// PaymentStatusEvent is published after every accepted status transition.
type PaymentStatusEvent struct {
	PaymentReference string    `json:"payment_reference"`
	GroupReference   string    `json:"group_reference"`
	FromStatus       string    `json:"from_status"`
	ToStatus         string    `json:"to_status"`
	CcdCaseNumber    string    `json:"ccd_case_number"`
	Timestamp        time.Time `json:"timestamp"`
}

// ApportionEvent is published after an apportionment pass commits.
type ApportionEvent struct {
	PaymentReference string      `json:"payment_reference"`
	GroupReference   string      `json:"group_reference"`
	FeeIDs           []uuid.UUID `json:"fee_ids"`
	SurplusAmount    int64       `json:"surplus_amount"`
	Timestamp        time.Time   `json:"timestamp"`
}

// RefundEvent is published when a refund enters the requested state.
type RefundEvent struct {
	RefundReference  string    `json:"refund_reference"`
	PaymentReference string    `json:"payment_reference"`
	Amount           int64     `json:"amount"`
	Timestamp        time.Time `json:"timestamp"`
}
