package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/netpulse/backend/internal/activator"
	"github.com/netpulse/backend/internal/ledger"
	"github.com/netpulse/backend/internal/lock"
	"github.com/netpulse/backend/internal/purchase"
)

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidRefund),
		errors.Is(err, ledger.ErrMissingKey),
		errors.Is(err, activator.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, purchase.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConflict),
		errors.Is(err, lock.ErrLockContention),
		errors.Is(err, purchase.ErrOutOfStock),
		errors.Is(err, purchase.ErrPackageInactive),
		errors.Is(err, purchase.ErrInvalidState),
		errors.Is(err, ledger.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, purchase.ErrRefundFailure):
		return http.StatusInternalServerError
	case errors.Is(err, purchase.ErrActivationFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Result any    `json:"result,omitempty"`
}

// writeError writes err with its mapped status. Internal errors are logged
// and not echoed to the client.
func writeError(w http.ResponseWriter, log *slog.Logger, op string, err error, result any) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error(op, "error", err)
		msg = "internal error"
		if errors.Is(err, purchase.ErrRefundFailure) {
			msg = "refund failed, support has been notified"
		}
	}
	writeJSON(w, status, errorResponse{Error: msg, Result: result})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
