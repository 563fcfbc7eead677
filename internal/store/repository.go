/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the ledger-service. By defining an interface,
 * we decouple the engine's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * Compound methods (AdmitPaymentGroup, ApplyStatusTransition, SaveApportionment,
 * CreateRemissionAndNetFee) execute as single database transactions: the engine's
 * invariants require each of those operations to commit or roll back as a unit.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/courtpay/ledger-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Payment group methods.
	// AdmitPaymentGroup is the duplicate-guard compare-and-insert: within one
	// transaction it looks for a group with the same request key created inside
	// the recency window and either returns it (created=false) or inserts the
	// supplied group and fees (created=true). Admission is serialized per key.
	AdmitPaymentGroup(ctx context.Context, group *domain.PaymentGroup, fees []domain.Fee, window time.Duration) (*domain.PaymentGroup, bool, error)
	FindGroupByReference(ctx context.Context, groupReference string) (*domain.PaymentGroup, error)
	FindGroupView(ctx context.Context, groupReference string) (*domain.GroupView, error)
	FindFeesByGroupReference(ctx context.Context, groupReference string) ([]domain.Fee, error)
	FindFeeByID(ctx context.Context, feeID uuid.UUID) (*domain.Fee, error)

	// Payment methods.
	CreatePayment(ctx context.Context, payment *domain.Payment, history *domain.StatusHistory) error
	FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
	FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	FindStatusHistory(ctx context.Context, paymentID uuid.UUID) ([]domain.StatusHistory, error)
	// ApplyStatusTransition updates the payment's status guarded by the expected
	// current status and appends the history row in the same transaction. A lost
	// race returns ErrStaleStatus; the optional failure record (chargeback,
	// bounced cheque) is inserted atomically with the transition.
	ApplyStatusTransition(ctx context.Context, transition StatusTransition) error
	FindStalePayments(ctx context.Context, method string, olderThan time.Time) ([]domain.Payment, error)

	// Apportionment methods.
	FindApportionsByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]domain.FeePayApportion, error)
	FindApportionsByGroupReference(ctx context.Context, groupReference string) ([]domain.FeePayApportion, error)
	FindApportionsByFeeID(ctx context.Context, feeID uuid.UUID) ([]domain.FeePayApportion, error)
	// SaveApportionment persists one apportionment pass: it locks the group row,
	// re-checks that the payment has no prior records, inserts the apportion
	// records and applies the fee updates with expected-value guards. A lost
	// optimistic race returns ErrApportionConflict.
	SaveApportionment(ctx context.Context, groupReference string, paymentID uuid.UUID, records []domain.FeePayApportion, updates []FeeApportionUpdate) error

	// Remission methods.
	// CreateRemissionAndNetFee inserts the remission and reduces the fee's net
	// amount (flipping fully_apportioned when the new net equals the amount
	// already apportioned) in one transaction.
	CreateRemissionAndNetFee(ctx context.Context, remission *domain.Remission, newNetAmount int64) error
	FindRemissionByReference(ctx context.Context, remissionReference string) (*domain.Remission, error)
	FindRemissionByFeeID(ctx context.Context, feeID uuid.UUID) (*domain.Remission, error)

	// Refund and failure methods.
	CreateRefund(ctx context.Context, refund *domain.Refund) error
	FindActiveRefundByPaymentReference(ctx context.Context, paymentReference string) (*domain.Refund, error)
	FindFailuresByPaymentReference(ctx context.Context, paymentReference string) ([]domain.PaymentFailure, error)
}

// StatusTransition carries everything ApplyStatusTransition needs to commit one
// accepted state-machine transition atomically.
type StatusTransition struct {
	PaymentID      uuid.UUID
	ExpectedStatus string // optimistic guard: current status the update requires
	NewStatus      string
	History        domain.StatusHistory
	Failure        *domain.PaymentFailure // set only for post-success failure events
}

// FeeApportionUpdate is one fee's running-total change within an apportionment pass.
type FeeApportionUpdate struct {
	FeeID                     uuid.UUID
	ExpectedApportionedAmount int64 // optimistic guard: value read before computing
	NewApportionedAmount      int64
	FullyApportioned          bool
	DateApportioned           time.Time
}
