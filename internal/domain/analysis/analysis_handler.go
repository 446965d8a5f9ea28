package analysis

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/lumiscan/lumiscan-api/internal/domain/ledger"
	"github.com/lumiscan/lumiscan-api/internal/domain/presenter"
	"github.com/lumiscan/lumiscan-api/internal/types"
	"github.com/lumiscan/lumiscan-api/pkg/middleware"
)

// maxBodyBytes bounds an upload: base64 inflation over a ~15MB image.
const maxBodyBytes = 20 << 20

// Handler exposes the billable analysis endpoints.
type Handler struct {
	svc    Service
	ledger ledger.Service
	logger *slog.Logger
}

func NewHandler(svc Service, ledgerSvc ledger.Service, logger *slog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		ledger: ledgerSvc,
		logger: logger,
	}
}

// AnalyzeImage handles POST /v1/analysis.
func (h *Handler) AnalyzeImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok || userID == "" {
		presenter.WriteError(w, types.ErrUnauthenticated)
		return
	}

	var req types.AnalyzeImageRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		presenter.WriteError(w, types.ErrBadRequest)
		return
	}

	resp, err := h.svc.AnalyzeImage(r.Context(), userID, req)
	if err != nil {
		h.writeAnalysisError(w, r, userID, err)
		return
	}

	presenter.WriteJSON(w, http.StatusOK, resp)
}

// AnalyzeBatch handles POST /v1/analysis/batch.
func (h *Handler) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok || userID == "" {
		presenter.WriteError(w, types.ErrUnauthenticated)
		return
	}

	var req types.AnalyzeBatchRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		presenter.WriteError(w, types.ErrBadRequest)
		return
	}

	resp, err := h.svc.AnalyzeBatch(r.Context(), userID, req)
	if err != nil {
		h.writeAnalysisError(w, r, userID, err)
		return
	}

	presenter.WriteJSON(w, http.StatusOK, resp)
}

// writeAnalysisError enriches the insufficient-credits case with the current
// balance so the client can show how far short the user is.
func (h *Handler) writeAnalysisError(w http.ResponseWriter, r *http.Request, userID string, err error) {
	if errors.Is(err, types.ErrInsufficientCredits) {
		balance, balErr := h.ledger.GetBalance(r.Context(), userID)
		if balErr != nil {
			h.logger.WarnContext(r.Context(), "Failed to read balance for error response",
				slog.String("userID", userID), slog.Any("error", balErr))
			presenter.WriteError(w, err)
			return
		}
		presenter.WriteInsufficientCredits(w, balance)
		return
	}
	presenter.WriteError(w, err)
}
