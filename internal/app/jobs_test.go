package app

import (
	"context"
	"testing"
	"time"

	"github.com/courtpay/ledger-service/internal/domain"
)

type sweepRepoStub struct {
	statusRepoStub

	stale      []domain.Payment
	cutoffSeen time.Time
}

func (s *sweepRepoStub) FindStalePayments(ctx context.Context, method string, cutoff time.Time) ([]domain.Payment, error) {
	s.cutoffSeen = cutoff
	return s.stale, nil
}

func TestStalePaymentSweeper_ExpiresPaymentsNeverHandedToProvider(t *testing.T) {
	stale := testPayment(5000)
	stale.Status = domain.PaymentStatusCreated
	stale.ExternalReference = nil

	repo := &sweepRepoStub{stale: []domain.Payment{*stale}}
	repo.payment = stale
	svc := newTestService(repo)
	sweeper := NewStalePaymentSweeper(svc, 90*time.Minute)

	sweeper.Run()

	if len(repo.applied) != 1 {
		t.Fatalf("expected one expiry transition, got %d", len(repo.applied))
	}
	applied := repo.applied[0]
	if applied.NewStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected stale payment failed, got %s", applied.NewStatus)
	}
	if applied.History.Actor != "sweep" {
		t.Fatalf("expected sweep actor on history, got %q", applied.History.Actor)
	}
	if applied.History.ErrorCode == nil || *applied.History.ErrorCode != "P0020" {
		t.Fatalf("expected expiry error code on history, got %v", applied.History.ErrorCode)
	}

	wantCutoff := svc.now().Add(-90 * time.Minute)
	if !repo.cutoffSeen.Equal(wantCutoff) {
		t.Fatalf("expected cutoff %s, got %s", wantCutoff, repo.cutoffSeen)
	}
}

func TestStalePaymentSweeper_AlreadyTerminalPaymentIsLeftAlone(t *testing.T) {
	// The payment reached a terminal state between the listing query and the
	// expiry attempt; the illegal transition is swallowed.
	stale := testPayment(5000)
	stale.Status = domain.PaymentStatusRefunded
	stale.ExternalReference = nil

	repo := &sweepRepoStub{stale: []domain.Payment{*stale}}
	repo.payment = stale
	svc := newTestService(repo)

	NewStalePaymentSweeper(svc, 90*time.Minute).Run()

	if len(repo.applied) != 0 {
		t.Fatalf("expected no transition for terminal payment, got %d", len(repo.applied))
	}
}
