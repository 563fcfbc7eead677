package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/courtpay/ledger-service/internal/domain"
)

type consumerRepoStub struct {
	statusRepoStub

	findErr error
}

func (s *consumerRepoStub) FindPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.statusRepoStub.FindPaymentByReference(ctx, reference)
}

func providerEventBody(t *testing.T, event domain.ProviderStatusEvent) []byte {
	t.Helper()
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return body
}

func TestHandleMessage_MalformedPayloadAcked(t *testing.T) {
	consumer := NewProviderEventConsumer(newTestService(&consumerRepoStub{}))

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Fatal("expected malformed payload to be acknowledged")
	}
	if !consumer.HandleMessage(providerEventBody(t, domain.ProviderStatusEvent{ExternalStatus: "success"})) {
		t.Fatal("expected event without payment reference to be acknowledged")
	}
	if !consumer.HandleMessage(providerEventBody(t, domain.ProviderStatusEvent{PaymentReference: "RC-1111-2222-3333-4444"})) {
		t.Fatal("expected event without status to be acknowledged")
	}
}

func TestHandleMessage_UnknownPaymentAcked(t *testing.T) {
	repo := &consumerRepoStub{}
	consumer := NewProviderEventConsumer(newTestService(repo))

	ack := consumer.HandleMessage(providerEventBody(t, domain.ProviderStatusEvent{
		PaymentReference: "RC-1111-2222-3333-4444",
		ExternalStatus:   "success",
	}))
	if !ack {
		t.Fatal("expected event for unknown payment to be acknowledged")
	}
}

func TestHandleMessage_UnknownStatusAcked(t *testing.T) {
	repo := &consumerRepoStub{}
	repo.payment = testPayment(5000)
	consumer := NewProviderEventConsumer(newTestService(repo))

	ack := consumer.HandleMessage(providerEventBody(t, domain.ProviderStatusEvent{
		PaymentReference: repo.payment.Reference,
		ExternalStatus:   "declined",
	}))
	if !ack {
		t.Fatal("expected unrecognised status to be acknowledged")
	}
}

func TestHandleMessage_OutOfOrderStatusDiscarded(t *testing.T) {
	repo := &consumerRepoStub{}
	repo.payment = testPayment(5000)
	repo.payment.Status = domain.PaymentStatusFailed
	consumer := NewProviderEventConsumer(newTestService(repo))

	ack := consumer.HandleMessage(providerEventBody(t, domain.ProviderStatusEvent{
		PaymentReference: repo.payment.Reference,
		ExternalStatus:   "started",
	}))
	if !ack {
		t.Fatal("expected out-of-order status to be discarded, not requeued")
	}
}

func TestHandleMessage_TransientErrorRequeued(t *testing.T) {
	repo := &consumerRepoStub{findErr: errors.New("connection reset")}
	consumer := NewProviderEventConsumer(newTestService(repo))

	ack := consumer.HandleMessage(providerEventBody(t, domain.ProviderStatusEvent{
		PaymentReference: "RC-1111-2222-3333-4444",
		ExternalStatus:   "success",
	}))
	if ack {
		t.Fatal("expected transient error to requeue the delivery")
	}
}

func TestProcessEvent_AppliesSuccessCallback(t *testing.T) {
	repo := &consumerRepoStub{}
	repo.payment = testPayment(9000)
	repo.payment.Status = domain.PaymentStatusInitiated
	repo.fees = []domain.Fee{testFee(9000, 0)}
	consumer := NewProviderEventConsumer(newTestService(repo))

	err := consumer.processEvent(context.Background(), domain.ProviderStatusEvent{
		PaymentReference: repo.payment.Reference,
		ExternalStatus:   "success",
	})
	if err != nil {
		t.Fatalf("expected success callback applied, got %v", err)
	}
	if len(repo.applied) != 1 {
		t.Fatalf("expected one committed transition, got %d", len(repo.applied))
	}
	if repo.applied[0].NewStatus != domain.PaymentStatusSuccess {
		t.Fatalf("expected transition to success, got %s", repo.applied[0].NewStatus)
	}
}
