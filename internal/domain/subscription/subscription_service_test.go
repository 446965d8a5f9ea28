package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lumiscan/lumiscan-api/internal/types"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) CreateSubscription(ctx context.Context, params types.CreateSubscriptionParams) (*types.Subscription, error) {
	args := m.Called(ctx, params)
	sub, _ := args.Get(0).(*types.Subscription)
	return sub, args.Error(1)
}

func (m *MockRepository) GetByExternalRef(ctx context.Context, externalRef string) (*types.Subscription, error) {
	args := m.Called(ctx, externalRef)
	sub, _ := args.Get(0).(*types.Subscription)
	return sub, args.Error(1)
}

func (m *MockRepository) GetActiveByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	args := m.Called(ctx, userID)
	sub, _ := args.Get(0).(*types.Subscription)
	return sub, args.Error(1)
}

func (m *MockRepository) UpdateStatus(ctx context.Context, externalRef string, status types.SubscriptionStatus) error {
	args := m.Called(ctx, externalRef, status)
	return args.Error(0)
}

func (m *MockRepository) UpdatePeriod(ctx context.Context, externalRef string, periodStart, periodEnd time.Time, status types.SubscriptionStatus) error {
	args := m.Called(ctx, externalRef, periodStart, periodEnd, status)
	return args.Error(0)
}

func (m *MockRepository) RecordEvent(ctx context.Context, externalEventID, eventType, externalRef, userID string, outcome types.EventOutcome, detail string) error {
	args := m.Called(ctx, externalEventID, eventType, externalRef, userID, outcome, detail)
	return args.Error(0)
}

func (m *MockRepository) UpdateEventOutcome(ctx context.Context, externalEventID string, outcome types.EventOutcome, detail string) error {
	args := m.Called(ctx, externalEventID, outcome, detail)
	return args.Error(0)
}

func (m *MockRepository) DeleteEvent(ctx context.Context, externalEventID string) error {
	args := m.Called(ctx, externalEventID)
	return args.Error(0)
}

func (m *MockRepository) SetUserTier(ctx context.Context, userID string, tier types.UserTier) error {
	args := m.Called(ctx, userID, tier)
	return args.Error(0)
}

func (m *MockRepository) GetUserTier(ctx context.Context, userID string) (types.UserTier, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(types.UserTier), args.Error(1)
}

type MockPurchaseRepository struct {
	mock.Mock
}

func (m *MockPurchaseRepository) CreatePurchase(ctx context.Context, params types.CreatePurchaseParams) (*types.Purchase, error) {
	args := m.Called(ctx, params)
	p, _ := args.Get(0).(*types.Purchase)
	return p, args.Error(1)
}

func (m *MockPurchaseRepository) CompletePurchase(ctx context.Context, purchaseID uuid.UUID) (*types.Purchase, error) {
	args := m.Called(ctx, purchaseID)
	p, _ := args.Get(0).(*types.Purchase)
	return p, args.Error(1)
}

func (m *MockPurchaseRepository) GetPurchase(ctx context.Context, purchaseID uuid.UUID) (*types.Purchase, error) {
	args := m.Called(ctx, purchaseID)
	p, _ := args.Get(0).(*types.Purchase)
	return p, args.Error(1)
}

func (m *MockPurchaseRepository) GetEligiblePurchases(ctx context.Context, userID string) ([]*types.Purchase, error) {
	args := m.Called(ctx, userID)
	ps, _ := args.Get(0).([]*types.Purchase)
	return ps, args.Error(1)
}

func (m *MockPurchaseRepository) SumRemaining(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *MockPurchaseRepository) ConsumeFromPurchase(ctx context.Context, purchaseID uuid.UUID, expectedRemaining, delta int) (bool, error) {
	args := m.Called(ctx, purchaseID, expectedRemaining, delta)
	return args.Bool(0), args.Error(1)
}

func (m *MockPurchaseRepository) ListPurchasesByUser(ctx context.Context, userID string, limit int) ([]*types.Purchase, error) {
	args := m.Called(ctx, userID, limit)
	ps, _ := args.Get(0).([]*types.Purchase)
	return ps, args.Error(1)
}

func newServiceForTest(t *testing.T) (*ServiceImpl, *MockRepository, *MockPurchaseRepository) {
	t.Helper()
	repo := new(MockRepository)
	purchaseRepo := new(MockPurchaseRepository)
	return NewService(repo, purchaseRepo, slog.Default()), repo, purchaseRepo
}

func checkoutPayload(userID string) types.SubscriptionEventPayload {
	now := time.Now().Truncate(time.Second)
	return types.SubscriptionEventPayload{
		UserID:          userID,
		ExternalRef:     "sub_ext_123",
		Mode:            types.CheckoutModeSubscription,
		PlanID:          "plan_pro",
		PeriodStart:     now,
		PeriodEnd:       now.Add(30 * 24 * time.Hour),
		Credits:         500,
		AmountCents:     2900,
		Currency:        "usd",
		CheckoutSession: "cs_abc",
	}
}

func TestApplyEvent_DuplicateEventIsNoOp(t *testing.T) {
	svc, repo, purchaseRepo := newServiceForTest(t)
	payload := checkoutPayload("user1")

	repo.On("RecordEvent", mock.Anything, "evt_1", EventCheckoutCompleted, payload.ExternalRef,
		payload.UserID, types.EventOutcomeApplied, "").Return(types.ErrDuplicateEvent)

	outcome, err := svc.ApplyEvent(context.Background(), "evt_1", EventCheckoutCompleted, payload)

	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeDuplicate, outcome)
	repo.AssertExpectations(t)
	// Replay must not touch subscription or purchase state.
	repo.AssertNotCalled(t, "CreateSubscription", mock.Anything, mock.Anything)
	purchaseRepo.AssertNotCalled(t, "CreatePurchase", mock.Anything, mock.Anything)
}

func TestApplyEvent_MissingEventIDRejected(t *testing.T) {
	svc, _, _ := newServiceForTest(t)

	outcome, err := svc.ApplyEvent(context.Background(), "", EventCheckoutCompleted, checkoutPayload("user1"))

	assert.ErrorIs(t, err, types.ErrBadRequest)
	assert.Equal(t, types.EventOutcomeRejected, outcome)
}

func TestApplyEvent_SubscriptionCheckout(t *testing.T) {
	svc, repo, purchaseRepo := newServiceForTest(t)
	payload := checkoutPayload("user1")

	subID := uuid.New()
	created := &types.Subscription{
		ID:                 subID,
		UserID:             payload.UserID,
		ExternalRef:        payload.ExternalRef,
		PlanID:             payload.PlanID,
		Status:             types.SubscriptionStatusActive,
		CurrentPeriodStart: payload.PeriodStart,
		CurrentPeriodEnd:   payload.PeriodEnd,
		CreditsPerPeriod:   payload.Credits,
	}

	repo.On("RecordEvent", mock.Anything, "evt_1", EventCheckoutCompleted, payload.ExternalRef,
		payload.UserID, types.EventOutcomeApplied, "").Return(nil)
	repo.On("CreateSubscription", mock.Anything, mock.MatchedBy(func(p types.CreateSubscriptionParams) bool {
		return p.UserID == "user1" && p.ExternalRef == payload.ExternalRef &&
			p.Status == types.SubscriptionStatusActive && p.CreditsPerPeriod == 500
	})).Return(created, nil)
	purchaseRepo.On("CreatePurchase", mock.Anything, mock.MatchedBy(func(p types.CreatePurchaseParams) bool {
		return p.UserID == "user1" &&
			p.CreditsGranted == 500 &&
			p.Source == types.PurchaseSourceSubscription &&
			p.Status == types.PurchaseStatusCompleted &&
			p.SubscriptionID != nil && *p.SubscriptionID == subID &&
			p.ExpiresAt != nil && p.ExpiresAt.Equal(payload.PeriodEnd)
	})).Return(&types.Purchase{ID: uuid.New()}, nil)
	repo.On("SetUserTier", mock.Anything, "user1", types.UserTierPremium).Return(nil)

	outcome, err := svc.ApplyEvent(context.Background(), "evt_1", EventCheckoutCompleted, payload)

	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeApplied, outcome)
	repo.AssertExpectations(t)
	purchaseRepo.AssertExpectations(t)
}

func TestApplyEvent_SubscriptionCheckoutExistingRef(t *testing.T) {
	// Same subscription delivered under a fresh event id: entitlement already
	// exists, so the event lands as a duplicate without a second grant.
	svc, repo, purchaseRepo := newServiceForTest(t)
	payload := checkoutPayload("user1")

	repo.On("RecordEvent", mock.Anything, "evt_2", EventCheckoutCompleted, payload.ExternalRef,
		payload.UserID, types.EventOutcomeApplied, "").Return(nil)
	repo.On("CreateSubscription", mock.Anything, mock.Anything).Return(nil, types.ErrConflict)
	repo.On("UpdateEventOutcome", mock.Anything, "evt_2", types.EventOutcomeDuplicate, mock.Anything).Return(nil)

	outcome, err := svc.ApplyEvent(context.Background(), "evt_2", EventCheckoutCompleted, payload)

	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeDuplicate, outcome)
	purchaseRepo.AssertNotCalled(t, "CreatePurchase", mock.Anything, mock.Anything)
}

func TestApplyEvent_TopupCheckout(t *testing.T) {
	svc, repo, purchaseRepo := newServiceForTest(t)
	payload := checkoutPayload("user1")
	payload.Mode = types.CheckoutModeTopup
	payload.Credits = 100

	subID := uuid.New()
	periodEnd := time.Now().Add(10 * 24 * time.Hour).Truncate(time.Second)
	active := &types.Subscription{
		ID:               subID,
		UserID:           "user1",
		Status:           types.SubscriptionStatusActive,
		CurrentPeriodEnd: periodEnd,
	}

	repo.On("RecordEvent", mock.Anything, "evt_3", EventCheckoutCompleted, payload.ExternalRef,
		payload.UserID, types.EventOutcomeApplied, "").Return(nil)
	repo.On("GetActiveByUserID", mock.Anything, "user1").Return(active, nil)
	purchaseRepo.On("CreatePurchase", mock.Anything, mock.MatchedBy(func(p types.CreatePurchaseParams) bool {
		return p.Source == types.PurchaseSourceTopup &&
			p.CreditsGranted == 100 &&
			p.SubscriptionID != nil && *p.SubscriptionID == subID &&
			p.ExpiresAt != nil && p.ExpiresAt.Equal(periodEnd)
	})).Return(&types.Purchase{ID: uuid.New()}, nil)

	outcome, err := svc.ApplyEvent(context.Background(), "evt_3", EventCheckoutCompleted, payload)

	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeApplied, outcome)
	purchaseRepo.AssertExpectations(t)
}

func TestApplyEvent_TopupWithoutActiveSubscriptionRejected(t *testing.T) {
	svc, repo, purchaseRepo := newServiceForTest(t)
	payload := checkoutPayload("user1")
	payload.Mode = types.CheckoutModeTopup

	repo.On("RecordEvent", mock.Anything, "evt_4", EventCheckoutCompleted, payload.ExternalRef,
		payload.UserID, types.EventOutcomeApplied, "").Return(nil)
	repo.On("GetActiveByUserID", mock.Anything, "user1").Return(nil, types.ErrNotFound)
	repo.On("UpdateEventOutcome", mock.Anything, "evt_4", types.EventOutcomeRejected, mock.Anything).Return(nil)

	outcome, err := svc.ApplyEvent(context.Background(), "evt_4", EventCheckoutCompleted, payload)

	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeRejected, outcome)
	purchaseRepo.AssertNotCalled(t, "CreatePurchase", mock.Anything, mock.Anything)
}

func TestApplyEvent_SubscriptionUpdatedUnknownRefIgnored(t *testing.T) {
	svc, repo, _ := newServiceForTest(t)
	payload := types.SubscriptionEventPayload{UserID: "user1", ExternalRef: "sub_unknown", Status: "active"}

	repo.On("RecordEvent", mock.Anything, "evt_5", EventSubscriptionUpdated, "sub_unknown",
		"user1", types.EventOutcomeApplied, "").Return(nil)
	repo.On("UpdateStatus", mock.Anything, "sub_unknown", types.SubscriptionStatusActive).
		Return(types.ErrUnknownSubscriptionRef)
	repo.On("UpdateEventOutcome", mock.Anything, "evt_5", types.EventOutcomeRejected, mock.Anything).Return(nil)

	outcome, err := svc.ApplyEvent(context.Background(), "evt_5", EventSubscriptionUpdated, payload)

	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeRejected, outcome)
}

func TestApplyEvent_SubscriptionUpdatedMovesPeriod(t *testing.T) {
	svc, repo, _ := newServiceForTest(t)
	now := time.Now().Truncate(time.Second)
	payload := types.SubscriptionEventPayload{
		UserID:      "user1",
		ExternalRef: "sub_ext_123",
		Status:      string(types.SubscriptionStatusActive),
		PeriodStart: now,
		PeriodEnd:   now.Add(30 * 24 * time.Hour),
	}

	repo.On("RecordEvent", mock.Anything, "evt_6", EventSubscriptionUpdated, payload.ExternalRef,
		payload.UserID, types.EventOutcomeApplied, "").Return(nil)
	repo.On("UpdatePeriod", mock.Anything, payload.ExternalRef, payload.PeriodStart, payload.PeriodEnd,
		types.SubscriptionStatusActive).Return(nil)

	outcome, err := svc.ApplyEvent(context.Background(), "evt_6", EventSubscriptionUpdated, payload)

	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeApplied, outcome)
	repo.AssertExpectations(t)
}

func TestApplyEvent_SubscriptionDeleted(t *testing.T) {
	svc, repo, purchaseRepo := newServiceForTest(t)
	payload := types.SubscriptionEventPayload{UserID: "user1", ExternalRef: "sub_ext_123"}

	existing := &types.Subscription{ID: uuid.New(), UserID: "user1", ExternalRef: "sub_ext_123"}

	repo.On("RecordEvent", mock.Anything, "evt_7", EventSubscriptionDeleted, payload.ExternalRef,
		payload.UserID, types.EventOutcomeApplied, "").Return(nil)
	repo.On("GetByExternalRef", mock.Anything, "sub_ext_123").Return(existing, nil)
	repo.On("UpdateStatus", mock.Anything, "sub_ext_123", types.SubscriptionStatusCancelled).Return(nil)
	repo.On("SetUserTier", mock.Anything, "user1", types.UserTierFree).Return(nil)

	outcome, err := svc.ApplyEvent(context.Background(), "evt_7", EventSubscriptionDeleted, payload)

	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeApplied, outcome)
	repo.AssertExpectations(t)
	// Cancellation never claws back or mutates granted purchases.
	purchaseRepo.AssertNotCalled(t, "CreatePurchase", mock.Anything, mock.Anything)
	purchaseRepo.AssertNotCalled(t, "ConsumeFromPurchase", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestApplyEvent_SubscriptionDeletedUnknownRefIgnored(t *testing.T) {
	svc, repo, _ := newServiceForTest(t)
	payload := types.SubscriptionEventPayload{UserID: "user1", ExternalRef: "sub_unknown"}

	repo.On("RecordEvent", mock.Anything, "evt_8", EventSubscriptionDeleted, payload.ExternalRef,
		payload.UserID, types.EventOutcomeApplied, "").Return(nil)
	repo.On("GetByExternalRef", mock.Anything, "sub_unknown").Return(nil, types.ErrUnknownSubscriptionRef)
	repo.On("UpdateEventOutcome", mock.Anything, "evt_8", types.EventOutcomeRejected, mock.Anything).Return(nil)

	outcome, err := svc.ApplyEvent(context.Background(), "evt_8", EventSubscriptionDeleted, payload)

	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeRejected, outcome)
	repo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything)
}

func TestApplyEvent_RenewalInvoice(t *testing.T) {
	svc, repo, purchaseRepo := newServiceForTest(t)
	now := time.Now().Truncate(time.Second)
	payload := types.SubscriptionEventPayload{
		UserID:        "user1",
		ExternalRef:   "sub_ext_123",
		BillingReason: "subscription_cycle",
		PeriodStart:   now,
		PeriodEnd:     now.Add(30 * 24 * time.Hour),
		AmountCents:   2900,
		Currency:      "usd",
	}

	subID := uuid.New()
	existing := &types.Subscription{
		ID:               subID,
		UserID:           "user1",
		ExternalRef:      "sub_ext_123",
		CreditsPerPeriod: 500,
	}

	repo.On("RecordEvent", mock.Anything, "evt_9", EventInvoicePaymentSucceeded, payload.ExternalRef,
		payload.UserID, types.EventOutcomeApplied, "").Return(nil)
	repo.On("GetByExternalRef", mock.Anything, "sub_ext_123").Return(existing, nil)
	repo.On("UpdatePeriod", mock.Anything, "sub_ext_123", payload.PeriodStart, payload.PeriodEnd,
		types.SubscriptionStatusActive).Return(nil)
	purchaseRepo.On("CreatePurchase", mock.Anything, mock.MatchedBy(func(p types.CreatePurchaseParams) bool {
		// Payload carried no credit amount, so the grant falls back to the
		// subscription's per-period allowance.
		return p.CreditsGranted == 500 &&
			p.Source == types.PurchaseSourceSubscription &&
			p.SubscriptionID != nil && *p.SubscriptionID == subID &&
			p.ExpiresAt != nil && p.ExpiresAt.Equal(payload.PeriodEnd)
	})).Return(&types.Purchase{ID: uuid.New()}, nil)

	outcome, err := svc.ApplyEvent(context.Background(), "evt_9", EventInvoicePaymentSucceeded, payload)

	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeApplied, outcome)
	repo.AssertExpectations(t)
	purchaseRepo.AssertExpectations(t)
}

func TestApplyEvent_FirstInvoiceIgnored(t *testing.T) {
	svc, repo, purchaseRepo := newServiceForTest(t)
	payload := types.SubscriptionEventPayload{
		UserID:        "user1",
		ExternalRef:   "sub_ext_123",
		BillingReason: "subscription_create",
	}

	repo.On("RecordEvent", mock.Anything, "evt_10", EventInvoicePaymentSucceeded, payload.ExternalRef,
		payload.UserID, types.EventOutcomeApplied, "").Return(nil)
	repo.On("UpdateEventOutcome", mock.Anything, "evt_10", types.EventOutcomeRejected, mock.Anything).Return(nil)

	outcome, err := svc.ApplyEvent(context.Background(), "evt_10", EventInvoicePaymentSucceeded, payload)

	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeRejected, outcome)
	purchaseRepo.AssertNotCalled(t, "CreatePurchase", mock.Anything, mock.Anything)
}

func TestApplyEvent_InvoicePaymentFailed(t *testing.T) {
	svc, repo, _ := newServiceForTest(t)
	payload := types.SubscriptionEventPayload{UserID: "user1", ExternalRef: "sub_ext_123"}

	repo.On("RecordEvent", mock.Anything, "evt_11", EventInvoicePaymentFailed, payload.ExternalRef,
		payload.UserID, types.EventOutcomeApplied, "").Return(nil)
	repo.On("UpdateStatus", mock.Anything, "sub_ext_123", types.SubscriptionStatusPastDue).Return(nil)

	outcome, err := svc.ApplyEvent(context.Background(), "evt_11", EventInvoicePaymentFailed, payload)

	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeApplied, outcome)
	repo.AssertExpectations(t)
}

func TestApplyEvent_UnknownEventTypeIgnored(t *testing.T) {
	svc, repo, _ := newServiceForTest(t)
	payload := types.SubscriptionEventPayload{UserID: "user1", ExternalRef: "sub_ext_123"}

	repo.On("RecordEvent", mock.Anything, "evt_12", "charge.refunded", payload.ExternalRef,
		payload.UserID, types.EventOutcomeApplied, "").Return(nil)
	repo.On("UpdateEventOutcome", mock.Anything, "evt_12", types.EventOutcomeRejected, mock.Anything).Return(nil)

	outcome, err := svc.ApplyEvent(context.Background(), "evt_12", "charge.refunded", payload)

	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeRejected, outcome)
}

func TestApplyEvent_TransientFailureRetriableOnRedelivery(t *testing.T) {
	// A store failure mid-apply must release the event's dedupe slot, so the
	// provider's redelivery of the same event id gets a real second attempt
	// instead of being swallowed as a duplicate.
	svc, repo, purchaseRepo := newServiceForTest(t)
	payload := checkoutPayload("user1")

	repo.On("RecordEvent", mock.Anything, "evt_13", EventCheckoutCompleted, payload.ExternalRef,
		payload.UserID, types.EventOutcomeApplied, "").Return(nil).Twice()
	repo.On("CreateSubscription", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("connection reset")).Once()
	repo.On("DeleteEvent", mock.Anything, "evt_13").Return(nil).Once()

	outcome, err := svc.ApplyEvent(context.Background(), "evt_13", EventCheckoutCompleted, payload)
	require.Error(t, err)
	assert.Equal(t, types.EventOutcomeRejected, outcome)

	// Redelivery after the transient failure applies cleanly.
	subID := uuid.New()
	repo.On("CreateSubscription", mock.Anything, mock.Anything).
		Return(&types.Subscription{ID: subID, UserID: "user1", CreditsPerPeriod: 500}, nil).Once()
	purchaseRepo.On("CreatePurchase", mock.Anything, mock.Anything).
		Return(&types.Purchase{ID: uuid.New()}, nil).Once()
	repo.On("SetUserTier", mock.Anything, "user1", types.UserTierPremium).Return(nil).Once()

	outcome, err = svc.ApplyEvent(context.Background(), "evt_13", EventCheckoutCompleted, payload)
	require.NoError(t, err)
	assert.Equal(t, types.EventOutcomeApplied, outcome)

	repo.AssertExpectations(t)
	purchaseRepo.AssertExpectations(t)
	repo.AssertNotCalled(t, "UpdateEventOutcome", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetUserTier_CachesResult(t *testing.T) {
	svc, repo, _ := newServiceForTest(t)
	ctx := context.Background()

	repo.On("GetUserTier", mock.Anything, "user1").Return(types.UserTierPremium, nil).Once()

	for i := 0; i < 3; i++ {
		tier, err := svc.GetUserTier(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, types.UserTierPremium, tier)
	}
	repo.AssertExpectations(t)
}

func TestGetActiveSubscription_DerivesExpiredStatus(t *testing.T) {
	svc, repo, _ := newServiceForTest(t)
	ctx := context.Background()

	lapsed := &types.Subscription{
		ID:               uuid.New(),
		UserID:           "user1",
		Status:           types.SubscriptionStatusActive,
		CurrentPeriodEnd: time.Now().Add(-time.Hour),
	}
	repo.On("GetActiveByUserID", mock.Anything, "user1").Return(lapsed, nil).Once()

	sub, err := svc.GetActiveSubscription(ctx, "user1")
	require.NoError(t, err)
	// Period lapsed without a renewal event: reported expired, row untouched.
	assert.Equal(t, types.SubscriptionStatusExpired, sub.Status)
	assert.Equal(t, types.SubscriptionStatusActive, lapsed.Status)
}

func TestGetActiveSubscription_CachesResult(t *testing.T) {
	svc, repo, _ := newServiceForTest(t)
	ctx := context.Background()

	active := &types.Subscription{ID: uuid.New(), UserID: "user1", Status: types.SubscriptionStatusActive}
	repo.On("GetActiveByUserID", mock.Anything, "user1").Return(active, nil).Once()

	for i := 0; i < 3; i++ {
		sub, err := svc.GetActiveSubscription(ctx, "user1")
		require.NoError(t, err)
		assert.Equal(t, active.ID, sub.ID)
	}
	repo.AssertExpectations(t)
}
