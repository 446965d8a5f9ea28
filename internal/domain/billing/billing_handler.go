package billing

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lumiscan/lumiscan-api/internal/domain/ledger"
	"github.com/lumiscan/lumiscan-api/internal/domain/presenter"
	"github.com/lumiscan/lumiscan-api/internal/domain/purchase"
	"github.com/lumiscan/lumiscan-api/internal/domain/subscription"
	"github.com/lumiscan/lumiscan-api/internal/domain/usage"
	"github.com/lumiscan/lumiscan-api/internal/types"
	"github.com/lumiscan/lumiscan-api/pkg/middleware"
)

// Handler exposes read-only billing endpoints: balance, purchase history,
// usage history, and the owner's subscription state.
type Handler struct {
	logger       *slog.Logger
	ledger       ledger.Service
	purchaseRepo purchase.Repository
	subscription subscription.Service
	usage        usage.Service
}

func NewHandler(ledgerSvc ledger.Service, purchaseRepo purchase.Repository, subscriptionSvc subscription.Service, usageSvc usage.Service, logger *slog.Logger) *Handler {
	return &Handler{
		logger:       logger,
		ledger:       ledgerSvc,
		purchaseRepo: purchaseRepo,
		subscription: subscriptionSvc,
		usage:        usageSvc,
	}
}

type balanceResponse struct {
	Balance int            `json:"balance"`
	Tier    types.UserTier `json:"tier"`
}

// GetBalance handles GET /v1/credits/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok || userID == "" {
		presenter.WriteError(w, types.ErrUnauthenticated)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		presenter.WriteError(w, err)
		return
	}

	tier, err := h.subscription.GetUserTier(r.Context(), userID)
	if err != nil {
		h.logger.WarnContext(r.Context(), "Failed to resolve tier for balance response",
			slog.String("userID", userID), slog.Any("error", err))
		tier = types.UserTierFree
	}

	presenter.WriteJSON(w, http.StatusOK, balanceResponse{Balance: balance, Tier: tier})
}

// ListPurchases handles GET /v1/credits/purchases.
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok || userID == "" {
		presenter.WriteError(w, types.ErrUnauthenticated)
		return
	}

	purchases, err := h.purchaseRepo.ListPurchasesByUser(r.Context(), userID, queryLimit(r))
	if err != nil {
		presenter.WriteError(w, err)
		return
	}

	presenter.WriteJSON(w, http.StatusOK, map[string]any{"purchases": purchases})
}

// ListUsage handles GET /v1/usage.
func (h *Handler) ListUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok || userID == "" {
		presenter.WriteError(w, types.ErrUnauthenticated)
		return
	}

	records, err := h.usage.ListUsage(r.Context(), userID, queryLimit(r))
	if err != nil {
		presenter.WriteError(w, err)
		return
	}

	presenter.WriteJSON(w, http.StatusOK, map[string]any{"usage": records})
}

// GetSubscription handles GET /v1/subscription.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok || userID == "" {
		presenter.WriteError(w, types.ErrUnauthenticated)
		return
	}

	sub, err := h.subscription.GetActiveSubscription(r.Context(), userID)
	if err != nil {
		presenter.WriteError(w, err)
		return
	}

	presenter.WriteJSON(w, http.StatusOK, sub)
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return 0
}
