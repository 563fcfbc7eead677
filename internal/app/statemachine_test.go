package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/courtpay/ledger-service/internal/domain"
	"github.com/courtpay/ledger-service/internal/store"
)

func TestMapExternalStatus(t *testing.T) {
	cases := []struct {
		external string
		want     string
		wantErr  error
	}{
		{"created", domain.PaymentStatusInitiated, nil},
		{"started", domain.PaymentStatusInitiated, nil},
		{"submitted", domain.PaymentStatusInitiated, nil},
		{"pending", domain.PaymentStatusInitiated, nil},
		{"success", domain.PaymentStatusSuccess, nil},
		{"Successful", domain.PaymentStatusSuccess, nil},
		{"failed", domain.PaymentStatusFailed, nil},
		{"cancelled", domain.PaymentStatusFailed, nil},
		{"error", domain.PaymentStatusFailed, nil},
		{"  SUCCESS  ", domain.PaymentStatusSuccess, nil},
		{"declined", "", ErrUnknownExternalStatus},
		{"", "", ErrUnknownExternalStatus},
	}
	for _, tc := range cases {
		got, err := mapExternalStatus(tc.external)
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("mapExternalStatus(%q): expected error %v, got %v", tc.external, tc.wantErr, err)
		}
		if got != tc.want {
			t.Fatalf("mapExternalStatus(%q): expected %q, got %q", tc.external, tc.want, got)
		}
	}
}

func TestTransitionAllowed_TerminalStatesAreDeadEnds(t *testing.T) {
	for _, from := range []string{domain.PaymentStatusFailed, domain.PaymentStatusRefunded} {
		for _, to := range []string{domain.PaymentStatusCreated, domain.PaymentStatusInitiated, domain.PaymentStatusSuccess} {
			if transitionAllowed(from, to) {
				t.Fatalf("expected %s to %s to be rejected", from, to)
			}
		}
	}
	if transitionAllowed(domain.PaymentStatusSuccess, domain.PaymentStatusInitiated) {
		t.Fatal("expected success to initiated regression to be rejected")
	}
}

type statusRepoStub struct {
	store.Repository

	payment  *domain.Payment
	fees     []domain.Fee
	failures []domain.PaymentFailure

	applied       []store.StatusTransition
	applyErr      error
	applyErrOnce  bool
	freshOnReread *domain.Payment

	saveCalls   int
	saveErr     error
	saveErrOnce bool
}

func (s *statusRepoStub) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	if s.payment == nil {
		return nil, store.ErrPaymentNotFound
	}
	clone := *s.payment
	return &clone, nil
}

func (s *statusRepoStub) FindPaymentByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	if s.freshOnReread != nil {
		clone := *s.freshOnReread
		return &clone, nil
	}
	clone := *s.payment
	return &clone, nil
}

func (s *statusRepoStub) FindFailuresByPaymentReference(ctx context.Context, reference string) ([]domain.PaymentFailure, error) {
	return s.failures, nil
}

func (s *statusRepoStub) ApplyStatusTransition(ctx context.Context, t store.StatusTransition) error {
	if s.applyErr != nil {
		err := s.applyErr
		if s.applyErrOnce {
			s.applyErr = nil
		}
		return err
	}
	s.applied = append(s.applied, t)
	return nil
}

func (s *statusRepoStub) FindFeesByGroupReference(ctx context.Context, groupReference string) ([]domain.Fee, error) {
	return s.fees, nil
}

func (s *statusRepoStub) FindApportionsByPaymentID(ctx context.Context, paymentID uuid.UUID) ([]domain.FeePayApportion, error) {
	return nil, nil
}

func (s *statusRepoStub) SaveApportionment(ctx context.Context, groupReference string, paymentID uuid.UUID, records []domain.FeePayApportion, updates []store.FeeApportionUpdate) error {
	s.saveCalls++
	if s.saveErr != nil {
		err := s.saveErr
		if s.saveErrOnce {
			s.saveErr = nil
		}
		return err
	}
	return nil
}

func TestApplyExternalStatus_ReplayIsNoOp(t *testing.T) {
	payment := testPayment(5000)
	payment.Status = domain.PaymentStatusInitiated
	repo := &statusRepoStub{payment: payment}
	svc := newTestService(repo)

	if err := svc.ApplyExternalStatus(context.Background(), payment.Reference, "started", nil, nil); err != nil {
		t.Fatalf("expected replayed status to be acknowledged, got %v", err)
	}
	if len(repo.applied) != 0 {
		t.Fatalf("expected no transition on replay, got %d", len(repo.applied))
	}
}

func TestApplyExternalStatus_RegressionRejected(t *testing.T) {
	payment := testPayment(5000)
	payment.Status = domain.PaymentStatusSuccess
	repo := &statusRepoStub{payment: payment}
	svc := newTestService(repo)

	err := svc.ApplyExternalStatus(context.Background(), payment.Reference, "started", nil, nil)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestApplyExternalStatus_UnknownStatusRejectedBeforeLookup(t *testing.T) {
	repo := &statusRepoStub{}
	svc := newTestService(repo)

	err := svc.ApplyExternalStatus(context.Background(), "RC-1111-2222-3333-4444", "declined", nil, nil)
	if !errors.Is(err, ErrUnknownExternalStatus) {
		t.Fatalf("expected ErrUnknownExternalStatus, got %v", err)
	}
}

func TestApplyExternalStatus_SuccessTriggersApportionment(t *testing.T) {
	payment := testPayment(9000)
	payment.Status = domain.PaymentStatusInitiated
	repo := &statusRepoStub{payment: payment, fees: []domain.Fee{testFee(9000, 0)}}
	svc := newTestService(repo)

	if err := svc.ApplyExternalStatus(context.Background(), payment.Reference, "success", nil, nil); err != nil {
		t.Fatalf("expected success callback to apply, got %v", err)
	}
	if len(repo.applied) != 1 {
		t.Fatalf("expected one committed transition, got %d", len(repo.applied))
	}
	applied := repo.applied[0]
	if applied.ExpectedStatus != domain.PaymentStatusInitiated || applied.NewStatus != domain.PaymentStatusSuccess {
		t.Fatalf("unexpected transition %s to %s", applied.ExpectedStatus, applied.NewStatus)
	}
	if applied.History.Actor != "provider" {
		t.Fatalf("expected provider actor on history, got %q", applied.History.Actor)
	}
}

func TestApplyExternalStatus_StaleReadRecoversWhenRaceIsCompatible(t *testing.T) {
	// The sweep moved the payment to initiated while the callback carrying
	// success was in flight. The re-read sees initiated and the success
	// transition still applies.
	payment := testPayment(9000)
	payment.Status = domain.PaymentStatusCreated
	fresh := *payment
	fresh.Status = domain.PaymentStatusInitiated
	repo := &statusRepoStub{
		payment:       payment,
		fees:          []domain.Fee{testFee(9000, 0)},
		applyErr:      store.ErrStaleStatus,
		applyErrOnce:  true,
		freshOnReread: &fresh,
	}
	svc := newTestService(repo)

	if err := svc.ApplyExternalStatus(context.Background(), payment.Reference, "success", nil, nil); err != nil {
		t.Fatalf("expected stale read to recover, got %v", err)
	}
	if len(repo.applied) != 1 {
		t.Fatalf("expected retried transition to commit, got %d", len(repo.applied))
	}
	if repo.applied[0].ExpectedStatus != domain.PaymentStatusInitiated {
		t.Fatalf("expected retry against fresh status, got %s", repo.applied[0].ExpectedStatus)
	}
}

func TestManualStatusUpdate_RejectsUnknownStatus(t *testing.T) {
	repo := &statusRepoStub{payment: testPayment(5000)}
	svc := newTestService(repo)

	err := svc.ManualStatusUpdate(context.Background(), "RC-1111-2222-3333-4444", domain.ManualStatusUpdatePayload{Status: "done"})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for unknown status, got %v", err)
	}
}

func TestManualStatusUpdate_CarriesActorAndErrorDetail(t *testing.T) {
	payment := testPayment(5000)
	payment.Status = domain.PaymentStatusInitiated
	repo := &statusRepoStub{payment: payment}
	svc := newTestService(repo)

	err := svc.ManualStatusUpdate(context.Background(), payment.Reference, domain.ManualStatusUpdatePayload{
		Status:       domain.PaymentStatusFailed,
		ErrorCode:    "P0020",
		ErrorMessage: "payment expired",
		Actor:        "caseworker@example.org",
	})
	if err != nil {
		t.Fatalf("expected manual update to apply, got %v", err)
	}
	if len(repo.applied) != 1 {
		t.Fatalf("expected one committed transition, got %d", len(repo.applied))
	}
	h := repo.applied[0].History
	if h.Actor != "caseworker@example.org" {
		t.Fatalf("expected caller recorded as actor, got %q", h.Actor)
	}
	if h.ErrorCode == nil || *h.ErrorCode != "P0020" {
		t.Fatalf("expected error code carried onto history, got %v", h.ErrorCode)
	}
	if h.ErrorMessage == nil || *h.ErrorMessage != "payment expired" {
		t.Fatalf("expected error message carried onto history, got %v", h.ErrorMessage)
	}
}

func TestRecordPaymentFailure_RequiresSuccessfulPayment(t *testing.T) {
	payment := testPayment(5000)
	payment.Status = domain.PaymentStatusInitiated
	repo := &statusRepoStub{payment: payment}
	svc := newTestService(repo)

	_, err := svc.RecordPaymentFailure(context.Background(), payment.Reference, domain.RecordFailurePayload{
		Amount:      5000,
		FailureType: domain.FailureTypeChargeback,
	})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestRecordPaymentFailure_SecondReportRejected(t *testing.T) {
	payment := testPayment(5000)
	repo := &statusRepoStub{
		payment:  payment,
		failures: []domain.PaymentFailure{{ID: uuid.New(), PaymentReference: payment.Reference}},
	}
	svc := newTestService(repo)

	_, err := svc.RecordPaymentFailure(context.Background(), payment.Reference, domain.RecordFailurePayload{
		Amount:      5000,
		FailureType: domain.FailureTypeChargeback,
	})
	if !errors.Is(err, ErrFailureAlreadyRecorded) {
		t.Fatalf("expected ErrFailureAlreadyRecorded, got %v", err)
	}
}

func TestRecordPaymentFailure_CommitsFailureWithTransition(t *testing.T) {
	payment := testPayment(5000)
	repo := &statusRepoStub{payment: payment}
	svc := newTestService(repo)

	failure, err := svc.RecordPaymentFailure(context.Background(), payment.Reference, domain.RecordFailurePayload{
		Amount:      5000,
		FailureType: domain.FailureTypeBouncedCheque,
		Reason:      "insufficient funds",
		Actor:       "middleoffice",
	})
	if err != nil {
		t.Fatalf("expected failure to be recorded, got %v", err)
	}
	if !domain.ValidReference(failure.FailureReference, domain.FailureReferencePrefix) {
		t.Fatalf("expected well formed failure reference, got %q", failure.FailureReference)
	}
	if len(repo.applied) != 1 {
		t.Fatalf("expected one committed transition, got %d", len(repo.applied))
	}
	applied := repo.applied[0]
	if applied.Failure == nil {
		t.Fatal("expected failure record committed alongside the transition")
	}
	if applied.NewStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected transition to failed, got %s", applied.NewStatus)
	}
	if applied.History.ErrorCode == nil || *applied.History.ErrorCode != domain.FailureTypeBouncedCheque {
		t.Fatalf("expected failure type on history, got %v", applied.History.ErrorCode)
	}
}

func TestApplyExternalStatus_PlainFailedCallbackCannotUndoSuccess(t *testing.T) {
	// Once a payment succeeded, only a chargeback or bounce with its failure
	// record moves it to failed. A bare provider callback must not.
	payment := testPayment(5000)
	repo := &statusRepoStub{payment: payment}
	svc := newTestService(repo)

	err := svc.ApplyExternalStatus(context.Background(), payment.Reference, "failed", nil, nil)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if len(repo.applied) != 0 {
		t.Fatalf("expected no committed transition, got %d", len(repo.applied))
	}
}

func TestManualStatusUpdate_CannotFailSuccessfulPayment(t *testing.T) {
	payment := testPayment(5000)
	repo := &statusRepoStub{payment: payment}
	svc := newTestService(repo)

	err := svc.ManualStatusUpdate(context.Background(), payment.Reference, domain.ManualStatusUpdatePayload{
		Status: domain.PaymentStatusFailed,
		Actor:  "caseworker@example.org",
	})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestTransitionAllowed_RefundFlowCannotFail(t *testing.T) {
	if transitionAllowed(domain.PaymentStatusSuccess, domain.PaymentStatusFailed) {
		t.Fatal("expected success to failed to be outside the shared table")
	}
	if transitionAllowed(domain.PaymentStatusRefundRequested, domain.PaymentStatusFailed) {
		t.Fatal("expected refund_requested to failed to be rejected")
	}
}

func TestApplyExternalStatus_ReplayedSuccessHealsLostApportionment(t *testing.T) {
	// The first delivery commits the transition but the apportionment write
	// fails; the redelivered callback must run the pass again rather than
	// short-circuit on the already-held status.
	payment := testPayment(9000)
	payment.Status = domain.PaymentStatusInitiated
	repo := &statusRepoStub{
		payment:     payment,
		fees:        []domain.Fee{testFee(9000, 0)},
		saveErr:     errors.New("store unavailable"),
		saveErrOnce: true,
	}
	svc := newTestService(repo)

	err := svc.ApplyExternalStatus(context.Background(), payment.Reference, "success", nil, nil)
	if err == nil {
		t.Fatal("expected first delivery to surface the apportionment failure")
	}
	if len(repo.applied) != 1 {
		t.Fatalf("expected the transition committed despite the failure, got %d", len(repo.applied))
	}

	payment.Status = domain.PaymentStatusSuccess
	if err := svc.ApplyExternalStatus(context.Background(), payment.Reference, "success", nil, nil); err != nil {
		t.Fatalf("expected redelivery to apportion cleanly, got %v", err)
	}
	if repo.saveCalls != 2 {
		t.Fatalf("expected a second apportionment attempt on redelivery, got %d", repo.saveCalls)
	}
	if len(repo.applied) != 1 {
		t.Fatalf("expected no second transition, got %d", len(repo.applied))
	}
}

func TestRecordPaymentFailure_LostRaceReportsDuplicate(t *testing.T) {
	payment := testPayment(5000)
	repo := &statusRepoStub{payment: payment, applyErr: store.ErrStaleStatus}
	svc := newTestService(repo)

	_, err := svc.RecordPaymentFailure(context.Background(), payment.Reference, domain.RecordFailurePayload{
		Amount:      5000,
		FailureType: domain.FailureTypeChargeback,
	})
	if !errors.Is(err, ErrFailureAlreadyRecorded) {
		t.Fatalf("expected ErrFailureAlreadyRecorded on lost race, got %v", err)
	}
}
