package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lumiscan/lumiscan-api/internal/types"
)

type MockSubscriptionService struct {
	mock.Mock
}

func (m *MockSubscriptionService) ApplyEvent(ctx context.Context, eventID, eventType string, payload types.SubscriptionEventPayload) (types.EventOutcome, error) {
	args := m.Called(ctx, eventID, eventType, payload)
	return args.Get(0).(types.EventOutcome), args.Error(1)
}

func (m *MockSubscriptionService) GetActiveSubscription(ctx context.Context, userID string) (*types.Subscription, error) {
	args := m.Called(ctx, userID)
	sub, _ := args.Get(0).(*types.Subscription)
	return sub, args.Error(1)
}

func (m *MockSubscriptionService) GetUserTier(ctx context.Context, userID string) (types.UserTier, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(types.UserTier), args.Error(1)
}

const testSecret = "whsec_test"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func deliver(t *testing.T, h *WebhookHandler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/billing", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h.HandleEvent(rec, req)
	return rec
}

func eventBody(t *testing.T, id, eventType string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":   id,
		"type": eventType,
		"data": map[string]any{
			"user_id":                   "user1",
			"external_subscription_ref": "sub_ext_123",
		},
	})
	require.NoError(t, err)
	return body
}

func TestHandleEvent_AppliesSignedEvent(t *testing.T) {
	svc := new(MockSubscriptionService)
	h := NewWebhookHandler(svc, testSecret, slog.Default())
	body := eventBody(t, "evt_1", "customer.subscription.updated")

	svc.On("ApplyEvent", mock.Anything, "evt_1", "customer.subscription.updated", mock.Anything).
		Return(types.EventOutcomeApplied, nil)

	rec := deliver(t, h, body, sign(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.EventOutcomeApplied), resp["outcome"])
	svc.AssertExpectations(t)
}

func TestHandleEvent_DuplicateReturns200(t *testing.T) {
	// A 200 is what stops the provider from redelivering forever.
	svc := new(MockSubscriptionService)
	h := NewWebhookHandler(svc, testSecret, slog.Default())
	body := eventBody(t, "evt_1", "checkout.session.completed")

	svc.On("ApplyEvent", mock.Anything, "evt_1", "checkout.session.completed", mock.Anything).
		Return(types.EventOutcomeDuplicate, nil)

	rec := deliver(t, h, body, sign(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(types.EventOutcomeDuplicate), resp["outcome"])
}

func TestHandleEvent_RejectsBadSignature(t *testing.T) {
	svc := new(MockSubscriptionService)
	h := NewWebhookHandler(svc, testSecret, slog.Default())
	body := eventBody(t, "evt_1", "checkout.session.completed")

	rec := deliver(t, h, body, "deadbeef")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "ApplyEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleEvent_RejectsMissingSignature(t *testing.T) {
	svc := new(MockSubscriptionService)
	h := NewWebhookHandler(svc, testSecret, slog.Default())
	body := eventBody(t, "evt_1", "checkout.session.completed")

	rec := deliver(t, h, body, "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "ApplyEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleEvent_RejectsTamperedBody(t *testing.T) {
	svc := new(MockSubscriptionService)
	h := NewWebhookHandler(svc, testSecret, slog.Default())
	body := eventBody(t, "evt_1", "checkout.session.completed")
	signature := sign(body)

	tampered := bytes.Replace(body, []byte("user1"), []byte("user2"), 1)
	rec := deliver(t, h, tampered, signature)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "ApplyEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleEvent_RejectsMalformedPayload(t *testing.T) {
	svc := new(MockSubscriptionService)
	h := NewWebhookHandler(svc, testSecret, slog.Default())

	for _, body := range [][]byte{
		[]byte("not json"),
		[]byte(`{"type":"checkout.session.completed"}`), // missing id
		[]byte(`{"id":"evt_1"}`),                        // missing type
	} {
		rec := deliver(t, h, body, sign(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
	svc.AssertNotCalled(t, "ApplyEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleEvent_StoreFailureReturns500(t *testing.T) {
	// A 5xx tells the provider to redeliver; idempotent application makes the
	// retry safe.
	svc := new(MockSubscriptionService)
	h := NewWebhookHandler(svc, testSecret, slog.Default())
	body := eventBody(t, "evt_1", "invoice.payment_succeeded")

	svc.On("ApplyEvent", mock.Anything, "evt_1", "invoice.payment_succeeded", mock.Anything).
		Return(types.EventOutcomeRejected, errors.New("connection refused"))

	rec := deliver(t, h, body, sign(body))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
