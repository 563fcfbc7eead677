/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * for payment groups, fees, remissions, payments, status history, apportionment
 * records, refunds and payment failures.
 *
 * Atomicity notes:
 * - AdmitPaymentGroup serializes admission per request key with a transaction-scoped
 *   advisory lock, then performs the window lookup and insert inside the same
 *   transaction, so two racing callers cannot create two groups for one key.
 * - SaveApportionment locks the group row FOR UPDATE for the duration of the pass,
 *   which serializes apportionment per group as the engine requires.
 * - ApplyStatusTransition guards the status update with the expected current status
 *   and inserts the history row (and any failure record) in the same transaction.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courtpay/ledger-service/internal/domain"
)

var (
	ErrGroupNotFound      = errors.New("payment group not found")
	ErrFeeNotFound        = errors.New("fee not found")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrRemissionNotFound  = errors.New("remission not found")
	ErrDuplicateReference = errors.New("reference already exists")
	ErrDuplicateRemission = errors.New("remission already exists for fee")
	ErrDuplicateRefund    = errors.New("active refund already exists for payment")
	ErrStaleStatus        = errors.New("payment status changed concurrently")
	ErrApportionConflict  = errors.New("apportionment changed concurrently")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// requestKeyLockID derives the advisory-lock key for a duplicate-guard request key.
func requestKeyLockID(requestKey string) int64 {
	h := fnv.New64a()
	h.Write([]byte(requestKey))
	return int64(h.Sum64())
}

// AdmitPaymentGroup performs the duplicate-guard compare-and-insert described on
// the Repository interface.
func (r *PostgresRepository) AdmitPaymentGroup(ctx context.Context, group *domain.PaymentGroup, fees []domain.Fee, window time.Duration) (*domain.PaymentGroup, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", requestKeyLockID(group.RequestKey)); err != nil {
		return nil, false, fmt.Errorf("failed to acquire admission lock: %w", err)
	}

	var existing domain.PaymentGroup
	err = tx.QueryRow(ctx, `
		SELECT id, reference, ccd_case_number, service, request_key, created_at, updated_at
		FROM payment_groups
		WHERE request_key = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1
	`, group.RequestKey, time.Now().UTC().Add(-window)).Scan(
		&existing.ID, &existing.Reference, &existing.CcdCaseNumber, &existing.Service,
		&existing.RequestKey, &existing.CreatedAt, &existing.UpdatedAt,
	)
	if err == nil {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, false, commitErr
		}
		return &existing, false, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO payment_groups (id, reference, ccd_case_number, service, request_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING created_at, updated_at
	`, group.ID, group.Reference, group.CcdCaseNumber, group.Service, group.RequestKey).Scan(&group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, ErrDuplicateReference
		}
		return nil, false, err
	}

	for i := range fees {
		err = tx.QueryRow(ctx, `
			INSERT INTO fees (id, group_reference, code, version, volume, calculated_amount, net_amount,
			                  apportioned_amount, fully_apportioned, ccd_case_number, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, FALSE, $8, NOW())
			RETURNING created_at
		`, fees[i].ID, group.Reference, fees[i].Code, fees[i].Version, fees[i].Volume,
			fees[i].CalculatedAmount, fees[i].NetAmount, group.CcdCaseNumber).Scan(&fees[i].CreatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert fee %s: %w", fees[i].Code, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return group, true, nil
}

// FindGroupByReference retrieves a payment group by its external reference.
func (r *PostgresRepository) FindGroupByReference(ctx context.Context, groupReference string) (*domain.PaymentGroup, error) {
	var group domain.PaymentGroup
	err := r.db.QueryRow(ctx, `
		SELECT id, reference, ccd_case_number, service, request_key, created_at, updated_at
		FROM payment_groups
		WHERE reference = $1
	`, groupReference).Scan(
		&group.ID, &group.Reference, &group.CcdCaseNumber, &group.Service,
		&group.RequestKey, &group.CreatedAt, &group.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrGroupNotFound
		}
		return nil, err
	}
	return &group, nil
}

// FindGroupView composes the group with its fees, payments and remissions.
func (r *PostgresRepository) FindGroupView(ctx context.Context, groupReference string) (*domain.GroupView, error) {
	group, err := r.FindGroupByReference(ctx, groupReference)
	if err != nil {
		return nil, err
	}

	view := &domain.GroupView{Group: *group}
	if view.Fees, err = r.FindFeesByGroupReference(ctx, groupReference); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, reference, group_reference, amount, currency, method, channel, provider,
		       external_reference, status, ccd_case_number, site_id, created_at, updated_at
		FROM payments
		WHERE group_reference = $1
		ORDER BY created_at
	`, groupReference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.Reference, &p.GroupReference, &p.Amount, &p.Currency, &p.Method,
			&p.Channel, &p.Provider, &p.ExternalReference, &p.Status, &p.CcdCaseNumber, &p.SiteID,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		view.Payments = append(view.Payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	remRows, err := r.db.Query(ctx, `
		SELECT id, reference, fee_id, group_reference, hwf_amount, hwf_reference, beneficiary_name, created_at
		FROM remissions
		WHERE group_reference = $1
		ORDER BY created_at
	`, groupReference)
	if err != nil {
		return nil, err
	}
	defer remRows.Close()
	for remRows.Next() {
		var rem domain.Remission
		if err := remRows.Scan(&rem.ID, &rem.Reference, &rem.FeeID, &rem.GroupReference,
			&rem.HwfAmount, &rem.HwfReference, &rem.Beneficiary, &rem.CreatedAt); err != nil {
			return nil, err
		}
		view.Remissions = append(view.Remissions, rem)
	}
	return view, remRows.Err()
}

// FindFeesByGroupReference returns the group's fees in creation order. Insertion
// order drives the FIFO apportionment policy, so the ORDER BY here is load-bearing.
func (r *PostgresRepository) FindFeesByGroupReference(ctx context.Context, groupReference string) ([]domain.Fee, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, group_reference, code, version, volume, calculated_amount, net_amount,
		       apportioned_amount, fully_apportioned, date_apportioned, ccd_case_number, created_at
		FROM fees
		WHERE group_reference = $1
		ORDER BY created_at, id
	`, groupReference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fees []domain.Fee
	for rows.Next() {
		var f domain.Fee
		if err := rows.Scan(&f.ID, &f.GroupReference, &f.Code, &f.Version, &f.Volume,
			&f.CalculatedAmount, &f.NetAmount, &f.ApportionedAmount, &f.FullyApportioned,
			&f.DateApportioned, &f.CcdCaseNumber, &f.CreatedAt); err != nil {
			return nil, err
		}
		fees = append(fees, f)
	}
	return fees, rows.Err()
}

// FindFeeByID retrieves a single fee.
func (r *PostgresRepository) FindFeeByID(ctx context.Context, feeID uuid.UUID) (*domain.Fee, error) {
	var f domain.Fee
	err := r.db.QueryRow(ctx, `
		SELECT id, group_reference, code, version, volume, calculated_amount, net_amount,
		       apportioned_amount, fully_apportioned, date_apportioned, ccd_case_number, created_at
		FROM fees
		WHERE id = $1
	`, feeID).Scan(&f.ID, &f.GroupReference, &f.Code, &f.Version, &f.Volume,
		&f.CalculatedAmount, &f.NetAmount, &f.ApportionedAmount, &f.FullyApportioned,
		&f.DateApportioned, &f.CcdCaseNumber, &f.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrFeeNotFound
		}
		return nil, err
	}
	return &f, nil
}

// CreatePayment inserts the payment and its initial history row in one transaction.
func (r *PostgresRepository) CreatePayment(ctx context.Context, payment *domain.Payment, history *domain.StatusHistory) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO payments (id, reference, group_reference, amount, currency, method, channel,
		                      provider, external_reference, status, ccd_case_number, site_id,
		                      created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING created_at, updated_at
	`, payment.ID, payment.Reference, payment.GroupReference, payment.Amount, payment.Currency,
		payment.Method, payment.Channel, payment.Provider, payment.ExternalReference,
		payment.Status, payment.CcdCaseNumber, payment.SiteID).Scan(&payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO status_history (id, payment_id, from_status, to_status, external_status,
		                            error_code, error_message, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, history.ID, history.PaymentID, history.FromStatus, history.ToStatus, history.ExternalStatus,
		history.ErrorCode, history.ErrorMessage, history.Actor); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FindPaymentByReference retrieves a payment by its checksum-bearing reference.
func (r *PostgresRepository) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	return r.findPayment(ctx, "reference = $1", reference)
}

// FindPaymentByID retrieves a payment by its surrogate id.
func (r *PostgresRepository) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	return r.findPayment(ctx, "id = $1", paymentID)
}

func (r *PostgresRepository) findPayment(ctx context.Context, where string, arg any) (*domain.Payment, error) {
	var p domain.Payment
	query := `
		SELECT id, reference, group_reference, amount, currency, method, channel, provider,
		       external_reference, status, ccd_case_number, site_id, created_at, updated_at
		FROM payments
		WHERE ` + where
	err := r.db.QueryRow(ctx, query, arg).Scan(&p.ID, &p.Reference, &p.GroupReference, &p.Amount,
		&p.Currency, &p.Method, &p.Channel, &p.Provider, &p.ExternalReference, &p.Status,
		&p.CcdCaseNumber, &p.SiteID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindStatusHistory returns a payment's audit rows ordered by creation time.
func (r *PostgresRepository) FindStatusHistory(ctx context.Context, paymentID uuid.UUID) ([]domain.StatusHistory, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, payment_id, from_status, to_status, external_status, error_code, error_message, actor, created_at
		FROM status_history
		WHERE payment_id = $1
		ORDER BY created_at, id
	`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.StatusHistory
	for rows.Next() {
		var h domain.StatusHistory
		if err := rows.Scan(&h.ID, &h.PaymentID, &h.FromStatus, &h.ToStatus, &h.ExternalStatus,
			&h.ErrorCode, &h.ErrorMessage, &h.Actor, &h.CreatedAt); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// ApplyStatusTransition commits one accepted state-machine transition atomically.
func (r *PostgresRepository) ApplyStatusTransition(ctx context.Context, transition StatusTransition) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE payments SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, transition.NewStatus, transition.PaymentID, transition.ExpectedStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}

	h := transition.History
	if _, err := tx.Exec(ctx, `
		INSERT INTO status_history (id, payment_id, from_status, to_status, external_status,
		                            error_code, error_message, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, h.ID, h.PaymentID, h.FromStatus, h.ToStatus, h.ExternalStatus, h.ErrorCode, h.ErrorMessage, h.Actor); err != nil {
		return err
	}

	if f := transition.Failure; f != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO payment_failures (id, failure_reference, payment_reference, amount,
			                              failure_type, representment_success, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		`, f.ID, f.FailureReference, f.PaymentReference, f.Amount, f.FailureType,
			f.RepresentmentSuccess, f.Reason); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateReference
			}
			return err
		}
	}

	return tx.Commit(ctx)
}

// FindStalePayments returns non-terminal payments of the given method created
// before the cutoff, used by the gateway reconciliation sweep.
func (r *PostgresRepository) FindStalePayments(ctx context.Context, method string, olderThan time.Time) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, reference, group_reference, amount, currency, method, channel, provider,
		       external_reference, status, ccd_case_number, site_id, created_at, updated_at
		FROM payments
		WHERE method = $1 AND status IN ($2, $3) AND created_at < $4
		ORDER BY created_at
	`, method, domain.PaymentStatusCreated, domain.PaymentStatusInitiated, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.Reference, &p.GroupReference, &p.Amount, &p.Currency, &p.Method,
			&p.Channel, &p.Provider, &p.ExternalReference, &p.Status, &p.CcdCaseNumber, &p.SiteID,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// FindApportionsByPaymentID returns the apportion records for one payment.
func (r *PostgresRepository) FindApportionsByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]domain.FeePayApportion, error) {
	return r.findApportions(ctx, "payment_id = $1", paymentID)
}

// FindApportionsByFeeID returns the apportion records for one fee.
func (r *PostgresRepository) FindApportionsByFeeID(ctx context.Context, feeID uuid.UUID) ([]domain.FeePayApportion, error) {
	return r.findApportions(ctx, "fee_id = $1", feeID)
}

// FindApportionsByGroupReference returns every apportion record for a group's fees.
func (r *PostgresRepository) FindApportionsByGroupReference(ctx context.Context, groupReference string) ([]domain.FeePayApportion, error) {
	return r.findApportions(ctx, "fee_id IN (SELECT id FROM fees WHERE group_reference = $1)", groupReference)
}

func (r *PostgresRepository) findApportions(ctx context.Context, where string, arg any) ([]domain.FeePayApportion, error) {
	query := `
		SELECT id, fee_id, payment_id, fee_amount, payment_amount, apportion_amount,
		       allocated_amount, call_surplus_amount, apportion_type, fully_apportioned,
		       ccd_case_number, created_at
		FROM fee_pay_apportions
		WHERE ` + where + `
		ORDER BY created_at, id`
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.FeePayApportion
	for rows.Next() {
		var a domain.FeePayApportion
		if err := rows.Scan(&a.ID, &a.FeeID, &a.PaymentID, &a.FeeAmount, &a.PaymentAmount,
			&a.ApportionAmount, &a.AllocatedAmount, &a.CallSurplusAmount, &a.ApportionType,
			&a.FullyApportioned, &a.CcdCaseNumber, &a.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, a)
	}
	return records, rows.Err()
}

// SaveApportionment persists one apportionment pass under the group row lock.
func (r *PostgresRepository) SaveApportionment(ctx context.Context, groupReference string, paymentID uuid.UUID, records []domain.FeePayApportion, updates []FeeApportionUpdate) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Serializes apportionment per group; held until commit.
	var groupID uuid.UUID
	err = tx.QueryRow(ctx, "SELECT id FROM payment_groups WHERE reference = $1 FOR UPDATE", groupReference).Scan(&groupID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrGroupNotFound
		}
		return err
	}

	// Re-check idempotence under the lock: a concurrent pass may have won.
	var priorCount int
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM fee_pay_apportions WHERE payment_id = $1", paymentID).Scan(&priorCount); err != nil {
		return err
	}
	if priorCount > 0 {
		return ErrApportionConflict
	}

	for i := range records {
		a := &records[i]
		err := tx.QueryRow(ctx, `
			INSERT INTO fee_pay_apportions (id, fee_id, payment_id, fee_amount, payment_amount,
			                                apportion_amount, allocated_amount, call_surplus_amount,
			                                apportion_type, fully_apportioned, ccd_case_number, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
			RETURNING created_at
		`, a.ID, a.FeeID, a.PaymentID, a.FeeAmount, a.PaymentAmount, a.ApportionAmount,
			a.AllocatedAmount, a.CallSurplusAmount, a.ApportionType, a.FullyApportioned,
			a.CcdCaseNumber).Scan(&a.CreatedAt)
		if err != nil {
			return err
		}
	}

	for _, u := range updates {
		tag, err := tx.Exec(ctx, `
			UPDATE fees
			SET apportioned_amount = $1, fully_apportioned = $2, date_apportioned = $3
			WHERE id = $4 AND apportioned_amount = $5
		`, u.NewApportionedAmount, u.FullyApportioned, u.DateApportioned, u.FeeID, u.ExpectedApportionedAmount)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrApportionConflict
		}
	}

	return tx.Commit(ctx)
}

// CreateRemissionAndNetFee inserts the remission and nets the fee in one transaction.
func (r *PostgresRepository) CreateRemissionAndNetFee(ctx context.Context, remission *domain.Remission, newNetAmount int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO remissions (id, reference, fee_id, group_reference, hwf_amount, hwf_reference,
		                        beneficiary_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING created_at
	`, remission.ID, remission.Reference, remission.FeeID, remission.GroupReference,
		remission.HwfAmount, remission.HwfReference, remission.Beneficiary).Scan(&remission.CreatedAt)
	if err != nil {
		// remissions carries a unique index on fee_id: one active remission per fee.
		if isUniqueViolation(err) {
			return ErrDuplicateRemission
		}
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE fees
		SET net_amount = $1, fully_apportioned = (apportioned_amount >= $1)
		WHERE id = $2
	`, newNetAmount, remission.FeeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrFeeNotFound
	}

	return tx.Commit(ctx)
}

// FindRemissionByReference retrieves a remission by its reference.
func (r *PostgresRepository) FindRemissionByReference(ctx context.Context, remissionReference string) (*domain.Remission, error) {
	return r.findRemission(ctx, "reference = $1", remissionReference)
}

// FindRemissionByFeeID retrieves the remission on a fee, if any.
func (r *PostgresRepository) FindRemissionByFeeID(ctx context.Context, feeID uuid.UUID) (*domain.Remission, error) {
	return r.findRemission(ctx, "fee_id = $1", feeID)
}

func (r *PostgresRepository) findRemission(ctx context.Context, where string, arg any) (*domain.Remission, error) {
	var rem domain.Remission
	query := `
		SELECT id, reference, fee_id, group_reference, hwf_amount, hwf_reference, beneficiary_name, created_at
		FROM remissions
		WHERE ` + where
	err := r.db.QueryRow(ctx, query, arg).Scan(&rem.ID, &rem.Reference, &rem.FeeID,
		&rem.GroupReference, &rem.HwfAmount, &rem.HwfReference, &rem.Beneficiary, &rem.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRemissionNotFound
		}
		return nil, err
	}
	return &rem, nil
}

// CreateRefund inserts a refund request. A partial unique index on
// refunds(payment_reference) WHERE status <> 'rejected' backs the
// one-active-refund-per-payment invariant against racing requests.
func (r *PostgresRepository) CreateRefund(ctx context.Context, refund *domain.Refund) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO refunds (id, reference, payment_reference, amount, status, reason,
		                     remission_reference, requested_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING created_at, updated_at
	`, refund.ID, refund.Reference, refund.PaymentReference, refund.Amount, refund.Status,
		refund.Reason, refund.RemissionReference, refund.RequestedBy).Scan(&refund.CreatedAt, &refund.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateRefund
	}
	return err
}

// FindActiveRefundByPaymentReference returns the non-rejected refund for a payment, if any.
func (r *PostgresRepository) FindActiveRefundByPaymentReference(ctx context.Context, paymentReference string) (*domain.Refund, error) {
	var ref domain.Refund
	err := r.db.QueryRow(ctx, `
		SELECT id, reference, payment_reference, amount, status, reason, remission_reference,
		       requested_by, created_at, updated_at
		FROM refunds
		WHERE payment_reference = $1 AND status <> $2
		ORDER BY created_at DESC
		LIMIT 1
	`, paymentReference, domain.RefundStatusRejected).Scan(&ref.ID, &ref.Reference, &ref.PaymentReference,
		&ref.Amount, &ref.Status, &ref.Reason, &ref.RemissionReference, &ref.RequestedBy,
		&ref.CreatedAt, &ref.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &ref, nil
}

// FindFailuresByPaymentReference returns failure records for a payment.
func (r *PostgresRepository) FindFailuresByPaymentReference(ctx context.Context, paymentReference string) ([]domain.PaymentFailure, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, failure_reference, payment_reference, amount, failure_type,
		       representment_success, reason, created_at
		FROM payment_failures
		WHERE payment_reference = $1
		ORDER BY created_at
	`, paymentReference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []domain.PaymentFailure
	for rows.Next() {
		var f domain.PaymentFailure
		if err := rows.Scan(&f.ID, &f.FailureReference, &f.PaymentReference, &f.Amount,
			&f.FailureType, &f.RepresentmentSuccess, &f.Reason, &f.CreatedAt); err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
