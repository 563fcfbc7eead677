package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/courtpay/ledger-service/internal/domain"
	"github.com/courtpay/ledger-service/internal/store"
)

func TestServiceRequestKey_NormalizesEquivalentRequests(t *testing.T) {
	base := domain.CreatePaymentGroupPayload{
		CcdCaseNumber: "1111222233334444",
		Service:       "DIVORCE",
		Fees: []domain.CreateFeePayload{
			{Code: "FEE0002", CalculatedAmount: 55000},
			{Code: "FEE0226", CalculatedAmount: 9000},
		},
	}
	reordered := domain.CreatePaymentGroupPayload{
		CcdCaseNumber: "  1111222233334444  ",
		Service:       "divorce",
		Fees: []domain.CreateFeePayload{
			{Code: " fee0226 ", CalculatedAmount: 9000},
			{Code: "FEE0002", CalculatedAmount: 55000},
			{Code: "fee0002", CalculatedAmount: 55000},
		},
	}

	if serviceRequestKey(base) != serviceRequestKey(reordered) {
		t.Fatalf("expected equivalent requests to share a key:\n%q\n%q", serviceRequestKey(base), serviceRequestKey(reordered))
	}
}

func TestServiceRequestKey_DistinguishesDifferentRequests(t *testing.T) {
	base := domain.CreatePaymentGroupPayload{
		CcdCaseNumber: "1111222233334444",
		Service:       "divorce",
		Fees:          []domain.CreateFeePayload{{Code: "FEE0002", CalculatedAmount: 55000}},
	}
	cases := []domain.CreatePaymentGroupPayload{
		{CcdCaseNumber: "5555666677778888", Service: "divorce", Fees: base.Fees},
		{CcdCaseNumber: "1111222233334444", Service: "probate", Fees: base.Fees},
		{CcdCaseNumber: "1111222233334444", Service: "divorce", Fees: []domain.CreateFeePayload{{Code: "FEE0226", CalculatedAmount: 9000}}},
	}
	for i, other := range cases {
		if serviceRequestKey(base) == serviceRequestKey(other) {
			t.Fatalf("case %d: expected distinct keys, both %q", i, serviceRequestKey(base))
		}
	}
}

type groupRepoStub struct {
	store.Repository

	group *domain.PaymentGroup

	admittedGroup *domain.PaymentGroup
	admittedFees  []domain.Fee
	admitWindow   time.Duration
	admitExisting *domain.PaymentGroup

	createdPayments []*domain.Payment
	createErrs      []error
}

func (s *groupRepoStub) AdmitPaymentGroup(ctx context.Context, group *domain.PaymentGroup, fees []domain.Fee, window time.Duration) (*domain.PaymentGroup, bool, error) {
	s.admittedGroup = group
	s.admittedFees = fees
	s.admitWindow = window
	if s.admitExisting != nil {
		return s.admitExisting, false, nil
	}
	return group, true, nil
}

func (s *groupRepoStub) FindGroupByReference(ctx context.Context, reference string) (*domain.PaymentGroup, error) {
	if s.group == nil {
		return nil, store.ErrGroupNotFound
	}
	return s.group, nil
}

func (s *groupRepoStub) CreatePayment(ctx context.Context, payment *domain.Payment, history *domain.StatusHistory) error {
	if len(s.createErrs) > 0 {
		err := s.createErrs[0]
		s.createErrs = s.createErrs[1:]
		if err != nil {
			return err
		}
	}
	s.createdPayments = append(s.createdPayments, payment)
	return nil
}

func TestCreatePaymentGroup_AdmitsNewGroup(t *testing.T) {
	repo := &groupRepoStub{}
	svc := newTestService(repo)

	group, created, err := svc.CreatePaymentGroup(context.Background(), domain.CreatePaymentGroupPayload{
		CcdCaseNumber: "1111222233334444",
		Service:       "divorce",
		Fees: []domain.CreateFeePayload{
			{Code: "FEE0002", Version: "4", CalculatedAmount: 55000},
			{Code: "FEE0226", Version: "1", Volume: 2, CalculatedAmount: 9000},
		},
	})
	if err != nil {
		t.Fatalf("expected group admitted, got %v", err)
	}
	if !created {
		t.Fatal("expected a newly created group")
	}
	if !strings.HasPrefix(group.Reference, "2026-") {
		t.Fatalf("expected year-prefixed group reference, got %q", group.Reference)
	}
	if len(repo.admittedFees) != 2 {
		t.Fatalf("expected 2 fees admitted, got %d", len(repo.admittedFees))
	}
	if repo.admittedFees[0].Volume != 1 {
		t.Fatalf("expected omitted volume defaulted to 1, got %d", repo.admittedFees[0].Volume)
	}
	if repo.admittedFees[0].NetAmount != repo.admittedFees[0].CalculatedAmount {
		t.Fatal("expected net amount initialised to calculated amount")
	}
	if repo.admitWindow != 2*time.Minute {
		t.Fatalf("expected duplicate window passed to the store, got %s", repo.admitWindow)
	}
	if repo.admittedGroup.RequestKey == "" {
		t.Fatal("expected request key derived for the group")
	}
}

func TestCreatePaymentGroup_DuplicateRequestReusesGroup(t *testing.T) {
	existing := &domain.PaymentGroup{
		ID:        uuid.New(),
		Reference: "2026-0000000000001",
	}
	repo := &groupRepoStub{admitExisting: existing}
	svc := newTestService(repo)

	group, created, err := svc.CreatePaymentGroup(context.Background(), domain.CreatePaymentGroupPayload{
		CcdCaseNumber: "1111222233334444",
		Service:       "divorce",
		Fees:          []domain.CreateFeePayload{{Code: "FEE0002", CalculatedAmount: 55000}},
	})
	if err != nil {
		t.Fatalf("expected duplicate to be admitted quietly, got %v", err)
	}
	if created {
		t.Fatal("expected duplicate marker, got created=true")
	}
	if group.Reference != existing.Reference {
		t.Fatalf("expected existing group returned, got %q", group.Reference)
	}
}

func TestCreatePaymentGroup_ValidatesPayload(t *testing.T) {
	repo := &groupRepoStub{}
	svc := newTestService(repo)

	_, _, err := svc.CreatePaymentGroup(context.Background(), domain.CreatePaymentGroupPayload{
		CcdCaseNumber: "1111222233334444",
		Service:       "divorce",
	})
	if !errors.Is(err, ErrNoFees) {
		t.Fatalf("expected ErrNoFees, got %v", err)
	}

	_, _, err = svc.CreatePaymentGroup(context.Background(), domain.CreatePaymentGroupPayload{
		CcdCaseNumber: "1111222233334444",
		Service:       "divorce",
		Fees:          []domain.CreateFeePayload{{Code: "FEE0002", CalculatedAmount: 0}},
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestRecordPayment_OnlineCardStartsInitiated(t *testing.T) {
	repo := &groupRepoStub{group: &domain.PaymentGroup{
		ID:            uuid.New(),
		Reference:     "2026-0000000000001",
		CcdCaseNumber: "1111222233334444",
	}}
	svc := newTestService(repo)

	payment, err := svc.RecordPayment(context.Background(), "2026-0000000000001", domain.RecordPaymentPayload{
		Amount:  55000,
		Method:  domain.MethodCard,
		Channel: domain.ChannelOnline,
	})
	if err != nil {
		t.Fatalf("expected payment recorded, got %v", err)
	}
	if payment.Status != domain.PaymentStatusInitiated {
		t.Fatalf("expected online card payment to start initiated, got %s", payment.Status)
	}
	if payment.Currency != "GBP" {
		t.Fatalf("expected currency defaulted to GBP, got %q", payment.Currency)
	}
	if payment.CcdCaseNumber != "1111222233334444" {
		t.Fatalf("expected case number inherited from group, got %q", payment.CcdCaseNumber)
	}
	if !domain.ValidReference(payment.Reference, domain.PaymentReferencePrefix) {
		t.Fatalf("expected well formed payment reference, got %q", payment.Reference)
	}
}

func TestRecordPayment_ManualChannelsStartCreated(t *testing.T) {
	repo := &groupRepoStub{group: &domain.PaymentGroup{Reference: "2026-0000000000001"}}
	svc := newTestService(repo)

	cases := []struct {
		method  string
		channel string
	}{
		{domain.MethodCheque, domain.ChannelBulkScan},
		{domain.MethodCash, domain.ChannelDigitalBar},
		{domain.MethodPBA, domain.ChannelOnline},
		{domain.MethodCard, domain.ChannelTelephony},
	}
	for _, tc := range cases {
		payment, err := svc.RecordPayment(context.Background(), "2026-0000000000001", domain.RecordPaymentPayload{
			Amount:  5000,
			Method:  tc.method,
			Channel: tc.channel,
		})
		if err != nil {
			t.Fatalf("%s/%s: expected payment recorded, got %v", tc.method, tc.channel, err)
		}
		if payment.Status != domain.PaymentStatusCreated {
			t.Fatalf("%s/%s: expected created status, got %s", tc.method, tc.channel, payment.Status)
		}
	}
}

func TestRecordPayment_UnsupportedMethodRejected(t *testing.T) {
	repo := &groupRepoStub{group: &domain.PaymentGroup{Reference: "2026-0000000000001"}}
	svc := newTestService(repo)

	_, err := svc.RecordPayment(context.Background(), "2026-0000000000001", domain.RecordPaymentPayload{
		Amount: 5000,
		Method: "barter",
	})
	if !errors.Is(err, ErrUnsupportedMethod) {
		t.Fatalf("expected ErrUnsupportedMethod, got %v", err)
	}
}

func TestRecordPayment_RetriesOnReferenceCollision(t *testing.T) {
	repo := &groupRepoStub{
		group:      &domain.PaymentGroup{Reference: "2026-0000000000001"},
		createErrs: []error{store.ErrDuplicateReference},
	}
	svc := newTestService(repo)

	payment, err := svc.RecordPayment(context.Background(), "2026-0000000000001", domain.RecordPaymentPayload{
		Amount:  5000,
		Method:  domain.MethodCard,
		Channel: domain.ChannelOnline,
	})
	if err != nil {
		t.Fatalf("expected collision to be retried, got %v", err)
	}
	if len(repo.createdPayments) != 1 {
		t.Fatalf("expected one persisted payment, got %d", len(repo.createdPayments))
	}
	if payment.Reference == "" {
		t.Fatal("expected a regenerated reference")
	}
}

type remissionRepoStub struct {
	groupRepoStub

	fee      *domain.Fee
	existing *domain.Remission

	createdRemission *domain.Remission
	newNet           int64
}

func (s *remissionRepoStub) FindFeeByID(ctx context.Context, id uuid.UUID) (*domain.Fee, error) {
	if s.fee == nil {
		return nil, store.ErrFeeNotFound
	}
	clone := *s.fee
	return &clone, nil
}

func (s *remissionRepoStub) FindRemissionByFeeID(ctx context.Context, feeID uuid.UUID) (*domain.Remission, error) {
	if s.existing == nil {
		return nil, store.ErrRemissionNotFound
	}
	return s.existing, nil
}

func (s *remissionRepoStub) CreateRemissionAndNetFee(ctx context.Context, remission *domain.Remission, newNetAmount int64) error {
	s.createdRemission = remission
	s.newNet = newNetAmount
	return nil
}

func remissionTestRepo(fee *domain.Fee) *remissionRepoStub {
	repo := &remissionRepoStub{fee: fee}
	repo.group = &domain.PaymentGroup{Reference: "2026-0000000000001"}
	return repo
}

func TestAddRemission_NetsDownFee(t *testing.T) {
	fee := testFee(10000, 0)
	fee.GroupReference = "2026-0000000000001"
	repo := remissionTestRepo(&fee)
	svc := newTestService(repo)

	remission, err := svc.AddRemission(context.Background(), "2026-0000000000001", domain.AddRemissionPayload{
		FeeID:        fee.ID,
		HwfAmount:    4000,
		HwfReference: "HWF-A1B-23C",
	})
	if err != nil {
		t.Fatalf("expected remission created, got %v", err)
	}
	if !domain.ValidReference(remission.Reference, domain.RemissionReferencePrefix) {
		t.Fatalf("expected well formed remission reference, got %q", remission.Reference)
	}
	if repo.newNet != 6000 {
		t.Fatalf("expected fee netted to 6000, got %d", repo.newNet)
	}
}

func TestAddRemission_SecondRemissionRejected(t *testing.T) {
	fee := testFee(10000, 0)
	fee.GroupReference = "2026-0000000000001"
	repo := remissionTestRepo(&fee)
	repo.existing = &domain.Remission{ID: uuid.New(), FeeID: fee.ID}
	svc := newTestService(repo)

	_, err := svc.AddRemission(context.Background(), "2026-0000000000001", domain.AddRemissionPayload{
		FeeID:     fee.ID,
		HwfAmount: 4000,
	})
	if !errors.Is(err, ErrRemissionAlreadyExists) {
		t.Fatalf("expected ErrRemissionAlreadyExists, got %v", err)
	}
}

func TestAddRemission_BoundsChecked(t *testing.T) {
	fee := testFee(10000, 7000)
	fee.GroupReference = "2026-0000000000001"
	repo := remissionTestRepo(&fee)
	svc := newTestService(repo)

	// Larger than the fee itself.
	_, err := svc.AddRemission(context.Background(), "2026-0000000000001", domain.AddRemissionPayload{
		FeeID:     fee.ID,
		HwfAmount: 12000,
	})
	if !errors.Is(err, ErrRemissionExceedsFee) {
		t.Fatalf("expected ErrRemissionExceedsFee, got %v", err)
	}

	// Within the fee but larger than what is still unpaid (3000 remains).
	_, err = svc.AddRemission(context.Background(), "2026-0000000000001", domain.AddRemissionPayload{
		FeeID:     fee.ID,
		HwfAmount: 5000,
	})
	if !errors.Is(err, ErrRemissionExceedsRemainingFee) {
		t.Fatalf("expected ErrRemissionExceedsRemainingFee, got %v", err)
	}

	_, err = svc.AddRemission(context.Background(), "2026-0000000000001", domain.AddRemissionPayload{
		FeeID:     fee.ID,
		HwfAmount: 0,
	})
	if !errors.Is(err, ErrRemissionAmountInvalid) {
		t.Fatalf("expected ErrRemissionAmountInvalid, got %v", err)
	}
}

func TestAddRemission_FeeMustBelongToGroup(t *testing.T) {
	fee := testFee(10000, 0)
	fee.GroupReference = "2026-0000000000099"
	repo := remissionTestRepo(&fee)
	svc := newTestService(repo)

	_, err := svc.AddRemission(context.Background(), "2026-0000000000001", domain.AddRemissionPayload{
		FeeID:     fee.ID,
		HwfAmount: 4000,
	})
	if !errors.Is(err, store.ErrFeeNotFound) {
		t.Fatalf("expected ErrFeeNotFound for fee outside the group, got %v", err)
	}
}
