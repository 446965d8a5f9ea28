package presenter

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lumiscan/lumiscan-api/internal/types"
)

// ErrorResponse is the only error shape end users see. Internal storage error
// text never leaks; clients get the taxonomy label plus an actionable message.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Balance *int   `json:"balance,omitempty"`
}

// WriteJSON writes a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError maps domain errors to HTTP statuses and user-safe messages.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrInsufficientCredits):
		WriteJSON(w, http.StatusPaymentRequired, ErrorResponse{
			Error:   "insufficient_credits",
			Message: "Not enough credits for this request. Top up your balance or supply your own API key.",
		})
	case errors.Is(err, types.ErrConflict):
		WriteJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "conflict",
			Message: "The request could not be completed due to concurrent activity. Please try again.",
		})
	case errors.Is(err, types.ErrBadRequest):
		WriteJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "bad_request",
			Message: "The request was malformed.",
		})
	case errors.Is(err, types.ErrUnauthenticated):
		WriteJSON(w, http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthenticated",
			Message: "Authentication required.",
		})
	case errors.Is(err, types.ErrNotFound):
		WriteJSON(w, http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "The requested item was not found.",
		})
	default:
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal",
			Message: "Something went wrong. Please try again later.",
		})
	}
}

// WriteInsufficientCredits includes the current balance so the client can
// render an actionable message.
func WriteInsufficientCredits(w http.ResponseWriter, balance int) {
	WriteJSON(w, http.StatusPaymentRequired, ErrorResponse{
		Error:   "insufficient_credits",
		Message: "Not enough credits for this request. Top up your balance or supply your own API key.",
		Balance: &balance,
	})
}
