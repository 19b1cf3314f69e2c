package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/netpulse/backend/internal/middleware"
	"github.com/netpulse/backend/internal/models"
	"github.com/netpulse/backend/internal/purchase"
)

// PurchaseService is the part of the purchase saga the HTTP layer drives.
type PurchaseService interface {
	Purchase(ctx context.Context, serviceType string, req purchase.Request) (*purchase.Result, error)
	GetExecution(ctx context.Context, logID, userID uuid.UUID) (*models.ExecutionLog, error)
	AdminManualRefund(ctx context.Context, logID uuid.UUID, reason string, adminID uuid.UUID) (uuid.UUID, error)
	AdminManualExecute(ctx context.Context, logID, adminID uuid.UUID, response json.RawMessage) (*purchase.Result, error)
}

// PurchaseHandler serves purchase and execution endpoints.
type PurchaseHandler struct {
	Saga   PurchaseService
	Logger *slog.Logger
}

// --- POST /api/v1/purchases/{serviceType} ---

// CreatePurchase runs after Auth and PurchaseCheck. A purchase that failed and
// was refunded is a 200 with status REFUNDED.
func (h *PurchaseHandler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	body := middleware.PurchaseFromCtx(r.Context())
	if body == nil {
		http.Error(w, `{"error":"invalid purchase request"}`, http.StatusBadRequest)
		return
	}

	req := purchase.Request{
		UserID:         id.UserID,
		PackageID:      body.PackageID,
		Params:         body.Params,
		IdempotencyKey: body.IdempotencyKey,
	}
	if body.WalletID != nil {
		req.WalletID = *body.WalletID
	}

	serviceType := strings.ToUpper(r.PathValue("serviceType"))
	res, err := h.Saga.Purchase(r.Context(), serviceType, req)
	if err != nil {
		var result any
		if res != nil {
			result = res
		}
		writeError(w, h.Logger, "purchase", err, result)
		return
	}
	status := http.StatusOK
	if res.Status == models.ExecutionQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// --- GET /api/v1/executions/{id} ---

// GetExecution returns the caller's execution log. Admins may read any log.
func (h *PurchaseHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	logID, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid execution id"}`, http.StatusBadRequest)
		return
	}
	owner := id.UserID
	if id.IsAdmin() {
		owner = uuid.Nil
	}
	l, err := h.Saga.GetExecution(r.Context(), logID, owner)
	if err != nil {
		writeError(w, h.Logger, "get execution", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// --- POST /api/v1/admin/executions/{id}/refund ---

type manualRefundRequest struct {
	Reason string `json:"reason"`
}

func (h *PurchaseHandler) AdminRefund(w http.ResponseWriter, r *http.Request) {
	admin := middleware.IdentityFromCtx(r.Context())
	logID, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid execution id"}`, http.StatusBadRequest)
		return
	}
	var req manualRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		http.Error(w, `{"error":"reason is required"}`, http.StatusBadRequest)
		return
	}

	refundID, err := h.Saga.AdminManualRefund(r.Context(), logID, req.Reason, admin.UserID)
	if err != nil {
		writeError(w, h.Logger, "manual refund", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"execution_log_id": logID.String(),
		"refund_entry_id":  refundID.String(),
		"status":           models.ExecutionRefunded,
	})
}

// --- POST /api/v1/admin/executions/{id}/execute ---

type manualExecuteRequest struct {
	Response json.RawMessage `json:"response"`
}

func (h *PurchaseHandler) AdminExecute(w http.ResponseWriter, r *http.Request) {
	admin := middleware.IdentityFromCtx(r.Context())
	logID, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid execution id"}`, http.StatusBadRequest)
		return
	}
	var req manualExecuteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
			return
		}
	}

	res, err := h.Saga.AdminManualExecute(r.Context(), logID, admin.UserID, req.Response)
	if err != nil {
		writeError(w, h.Logger, "manual execute", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- GET /api/v1/services ---

// ListServices handles GET /api/v1/services (public, no auth).
func ListServices(serviceTypes []string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{"services": serviceTypes})
	}
}

// --- helpers ---

func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
