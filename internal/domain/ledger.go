/**
 * @description
 * This file defines the core domain models for the ledger-service. These structs
 * represent the durable ledger entities (payment groups, fees, remissions, payments,
 * status history, apportionment records, refunds and payment failures) together with
 * the request/response payloads used by the API layer.
 *
 * @notes
 * - Entities reference each other through explicit reference/id fields rather than
 *   nested object graphs, so every cascade is an explicit service operation.
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (pence), which avoids floating-point inaccuracies with financial data.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Internal payment statuses. Transitions between them are owned by the state
// machine in internal/app; nothing else may write a payment's status.
const (
	PaymentStatusCreated         = "created"
	PaymentStatusInitiated       = "initiated"
	PaymentStatusSuccess         = "success"
	PaymentStatusFailed          = "failed"
	PaymentStatusRefundRequested = "refund_requested"
	PaymentStatusRefunded        = "refunded"
)

// Payment methods.
const (
	MethodCard        = "card"
	MethodPBA         = "payment_by_account"
	MethodCash        = "cash"
	MethodCheque      = "cheque"
	MethodPostalOrder = "postal_order"
)

// Payment channels.
const (
	ChannelOnline     = "online"
	ChannelTelephony  = "telephony"
	ChannelBulkScan   = "bulk_scan"
	ChannelDigitalBar = "digital_bar"
)

// Refund statuses.
const (
	RefundStatusRequested = "requested"
	RefundStatusApproved  = "approved"
	RefundStatusRejected  = "rejected"
)

// Payment failure types recorded for post-success failure events.
const (
	FailureTypeChargeback    = "chargeback"
	FailureTypeBouncedCheque = "bounced_cheque"
)

// Apportionment types.
const (
	ApportionTypeAuto   = "AUTO"
	ApportionTypeManual = "MANUAL"
)

// PaymentGroup aggregates the fees raised against one logical case charge and the
// payments recorded against them. The group reference is immutable once assigned.
type PaymentGroup struct {
	ID            uuid.UUID `json:"id" db:"id"`
	Reference     string    `json:"reference" db:"reference"`
	CcdCaseNumber string    `json:"ccd_case_number" db:"ccd_case_number"`
	Service       string    `json:"service" db:"service"`
	RequestKey    string    `json:"-" db:"request_key"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Fee is a single chargeable item within a payment group.
/// Invariant: 0 <= ApportionedAmount <= NetAmount <= CalculatedAmount.
type Fee struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	GroupReference    string     `json:"group_reference" db:"group_reference"`
	Code              string     `json:"code" db:"code"`
	Version           string     `json:"version" db:"version"`
	Volume            int        `json:"volume" db:"volume"`
	CalculatedAmount  int64      `json:"calculated_amount" db:"calculated_amount"` // in pence
	NetAmount         int64      `json:"net_amount" db:"net_amount"`               // calculated minus remission
	ApportionedAmount int64      `json:"apportioned_amount" db:"apportioned_amount"`
	FullyApportioned  bool       `json:"fully_apportioned" db:"fully_apportioned"`
	DateApportioned   *time.Time `json:"date_apportioned,omitempty" db:"date_apportioned"`
	CcdCaseNumber     string     `json:"ccd_case_number" db:"ccd_case_number"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// Remaining reports the fee headroom still payable.
func (f *Fee) Remaining() int64 {
	return f.NetAmount - f.ApportionedAmount
}

// Remission is a fee waiver ("help with fees"). At most one active remission may
// exist per fee; a duplicate is rejected, never merged.
type Remission struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Reference      string    `json:"reference" db:"reference"`
	FeeID          uuid.UUID `json:"fee_id" db:"fee_id"`
	GroupReference string    `json:"group_reference" db:"group_reference"`
	HwfAmount      int64     `json:"hwf_amount" db:"hwf_amount"` // waived amount in pence
	HwfReference   string    `json:"hwf_reference,omitempty" db:"hwf_reference"`
	Beneficiary    string    `json:"beneficiary_name,omitempty" db:"beneficiary_name"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Payment is a single payer action against a group.
// Once the payment reaches success its amount and method are immutable.
type Payment struct {
	ID                uuid.UUID `json:"id" db:"id"`
	Reference         string    `json:"reference" db:"reference"`
	GroupReference    string    `json:"group_reference" db:"group_reference"`
	Amount            int64     `json:"amount" db:"amount"` // in pence
	Currency          string    `json:"currency" db:"currency"`
	Method            string    `json:"method" db:"method"`
	Channel           string    `json:"channel" db:"channel"`
	Provider          string    `json:"provider,omitempty" db:"provider"`
	ExternalReference *string   `json:"external_reference,omitempty" db:"external_reference"`
	Status            string    `json:"status" db:"status"`
	CcdCaseNumber     string    `json:"ccd_case_number" db:"ccd_case_number"`
	SiteID            string    `json:"site_id,omitempty" db:"site_id"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether no further status transition is possible, refund
// sub-flow aside.
func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentStatusFailed || p.Status == PaymentStatusRefunded
}

// StatusHistory is one append-only audit row per accepted status transition.
type StatusHistory struct {
	ID             uuid.UUID `json:"id" db:"id"`
	PaymentID      uuid.UUID `json:"payment_id" db:"payment_id"`
	FromStatus     string    `json:"from_status" db:"from_status"`
	ToStatus       string    `json:"to_status" db:"to_status"`
	ExternalStatus *string   `json:"external_status,omitempty" db:"external_status"`
	ErrorCode      *string   `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage   *string   `json:"error_message,omitempty" db:"error_message"`
	Actor          string    `json:"actor,omitempty" db:"actor"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// FeePayApportion is one allocation of a payment's value to a fee, produced by the
// apportionment engine. Records are append-only; re-running apportionment never
// mutates a prior record.
type FeePayApportion struct {
	ID                uuid.UUID `json:"id" db:"id"`
	FeeID             uuid.UUID `json:"fee_id" db:"fee_id"`
	PaymentID         uuid.UUID `json:"payment_id" db:"payment_id"`
	FeeAmount         int64     `json:"fee_amount" db:"fee_amount"`         // fee net amount at allocation time
	PaymentAmount     int64     `json:"payment_amount" db:"payment_amount"` // payment amount at allocation time
	ApportionAmount   int64     `json:"apportion_amount" db:"apportion_amount"`
	AllocatedAmount   int64     `json:"allocated_amount" db:"allocated_amount"` // value of this payment allocated to the fee
	CallSurplusAmount int64     `json:"call_surplus_amount,omitempty" db:"call_surplus_amount"`
	ApportionType     string    `json:"apportion_type" db:"apportion_type"`
	FullyApportioned  bool      `json:"fully_apportioned" db:"fully_apportioned"`
	CcdCaseNumber     string    `json:"ccd_case_number" db:"ccd_case_number"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Refund is a request to return funds against a payment. At most one refund that
// is not rejected may reference a payment at a time.
type Refund struct {
	ID                 uuid.UUID `json:"id" db:"id"`
	Reference          string    `json:"reference" db:"reference"`
	PaymentReference   string    `json:"payment_reference" db:"payment_reference"`
	Amount             int64     `json:"amount" db:"amount"`
	Status             string    `json:"status" db:"status"`
	Reason             string    `json:"reason,omitempty" db:"reason"`
	RemissionReference *string   `json:"remission_reference,omitempty" db:"remission_reference"`
	RequestedBy        string    `json:"requested_by,omitempty" db:"requested_by"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// PaymentFailure records a post-success failure event (chargeback, bounced cheque).
// RepresentmentSuccess is "yes" once the failed amount was successfully re-presented.
type PaymentFailure struct {
	ID                   uuid.UUID `json:"id" db:"id"`
	FailureReference     string    `json:"failure_reference" db:"failure_reference"`
	PaymentReference     string    `json:"payment_reference" db:"payment_reference"`
	Amount               int64     `json:"amount" db:"amount"`
	FailureType          string    `json:"failure_type" db:"failure_type"`
	RepresentmentSuccess *string   `json:"representment_success,omitempty" db:"representment_success"`
	Reason               string    `json:"reason,omitempty" db:"reason"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}

// ProviderPaymentView is a read-only projection of an external provider's view of
// a payment. It is derived from the provider response on demand and never persisted,
// keeping the ledger's invariants independent of provider response shape.
type ProviderPaymentView struct {
	ExternalReference string  `json:"external_reference"`
	ExternalStatus    string  `json:"external_status"`
	Finished          bool    `json:"finished"`
	NextURL           *string `json:"next_url,omitempty"`
	ErrorCode         *string `json:"error_code,omitempty"`
	ErrorMessage      *string `json:"error_message,omitempty"`
}

// GroupView is the composed read model returned for a payment group.
type GroupView struct {
	Group      PaymentGroup `json:"group"`
	Fees       []Fee        `json:"fees"`
	Payments   []Payment    `json:"payments"`
	Remissions []Remission  `json:"remissions"`
}

// CreateFeePayload is one fee within a group-creation request.
type CreateFeePayload struct {
	Code             string `json:"code"`
	Version          string `json:"version"`
	Volume           int    `json:"volume"`
	CalculatedAmount int64  `json:"calculated_amount"` // in pence
}

// CreatePaymentGroupPayload is the request body for registering fees against a case.
type CreatePaymentGroupPayload struct {
	CcdCaseNumber string             `json:"ccd_case_number"`
	Service       string             `json:"service"`
	Fees          []CreateFeePayload `json:"fees"`
}

// RecordPaymentPayload is the request body for attaching a payment to a group.
type RecordPaymentPayload struct {
	Amount            int64   `json:"amount"` // in pence
	Currency          string  `json:"currency"`
	Method            string  `json:"method"`
	Channel           string  `json:"channel"`
	Provider          string  `json:"provider"`
	ExternalReference *string `json:"external_reference,omitempty"`
	SiteID            string  `json:"site_id,omitempty"`
}

// AddRemissionPayload is the request body for waiving part of a fee.
type AddRemissionPayload struct {
	FeeID        uuid.UUID `json:"fee_id"`
	HwfAmount    int64     `json:"hwf_amount"` // in pence
	HwfReference string    `json:"hwf_reference,omitempty"`
	Beneficiary  string    `json:"beneficiary_name,omitempty"`
}

// InitiateRefundPayload is the request body for a payment refund.
type InitiateRefundPayload struct {
	PaymentReference string `json:"payment_reference"`
	Amount           int64  `json:"amount"` // in pence
	Reason           string `json:"reason,omitempty"`
}

// RecordFailurePayload is the request body for a chargeback / bounced-cheque event.
type RecordFailurePayload struct {
	FailureType string `json:"failure_type"`
	Amount      int64  `json:"amount"`
	Reason      string `json:"reason,omitempty"`
	Actor       string `json:"-"` // set from the authenticated caller, never the body
}

// ManualStatusUpdatePayload is the request body for a manually-recorded status change.
type ManualStatusUpdatePayload struct {
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Actor        string `json:"-"` // set from the authenticated caller, never the body
}
