package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/lumiscan/lumiscan-api/internal/domain/subscription"
	"github.com/lumiscan/lumiscan-api/internal/types"
)

// maxWebhookBytes bounds a provider delivery.
const maxWebhookBytes = 1 << 20

// webhookEnvelope is the provider's delivery shape: a unique event id, the
// lifecycle event type, and the normalized payload.
type webhookEnvelope struct {
	ID   string                         `json:"id"`
	Type string                         `json:"type"`
	Data types.SubscriptionEventPayload `json:"data"`
}

// WebhookHandler is the server-to-server ingress for payment lifecycle
// events. Errors here are never user-visible; the provider only needs a
// status code to decide whether to redeliver.
type WebhookHandler struct {
	logger *slog.Logger
	svc    subscription.Service
	secret []byte
}

func NewWebhookHandler(svc subscription.Service, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		logger: logger,
		svc:    svc,
		secret: []byte(secret),
	}
}

// HandleEvent handles POST /v1/webhooks/billing. Duplicates return 200 so the
// provider stops redelivering; only store failures return a 5xx.
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, "unreadable payload", http.StatusBadRequest)
		return
	}

	if !h.verifySignature(body, r.Header.Get("X-Webhook-Signature")) {
		h.logger.WarnContext(r.Context(), "Webhook signature verification failed",
			slog.String("remote", r.RemoteAddr))
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.ID == "" || envelope.Type == "" {
		h.logger.WarnContext(r.Context(), "Malformed webhook payload", slog.Any("error", err))
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	outcome, err := h.svc.ApplyEvent(r.Context(), envelope.ID, envelope.Type, envelope.Data)
	if err != nil {
		if errors.Is(err, types.ErrBadRequest) {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}
		// Store failure: a 5xx makes the provider retry the delivery, which
		// is safe because application is idempotent.
		h.logger.ErrorContext(r.Context(), "Failed to apply webhook event",
			slog.String("eventID", envelope.ID), slog.String("eventType", envelope.Type), slog.Any("error", err))
		http.Error(w, "event processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"outcome": string(outcome)})
}

// verifySignature checks the hex HMAC-SHA256 of the raw body in constant time.
func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if len(h.secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
