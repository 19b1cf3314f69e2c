package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/netpulse/backend/internal/ledger"
	"github.com/netpulse/backend/internal/middleware"
	"github.com/netpulse/backend/internal/models"
)

// WalletService is the part of the ledger engine the HTTP layer uses.
type WalletService interface {
	GetWallet(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error)
	Balance(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error)
	CachedBalance(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error)
	ListEntries(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error)
	SetWalletStatus(ctx context.Context, walletID uuid.UUID, status string, adminID uuid.UUID) (*models.Wallet, error)
	Credit(ctx context.Context, req ledger.CreditRequest) (*models.LedgerEntry, error)
}

// WalletHandler serves wallet reads and admin wallet actions.
type WalletHandler struct {
	Ledger WalletService
	Logger *slog.Logger
}

const (
	defaultEntriesLimit = 50
	maxEntriesLimit     = 200
)

// --- GET /api/v1/wallets/{id}/balance ---

type balanceResponse struct {
	WalletID      uuid.UUID       `json:"wallet_id"`
	Status        string          `json:"status"`
	Balance       decimal.Decimal `json:"balance"`
	CachedBalance decimal.Decimal `json:"cached_balance"`
}

func (h *WalletHandler) Balance(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.authorizedWallet(w, r)
	if !ok {
		return
	}
	bal, err := h.Ledger.Balance(r.Context(), wallet.ID)
	if err != nil {
		writeError(w, h.Logger, "wallet balance", err, nil)
		return
	}
	cached, err := h.Ledger.CachedBalance(r.Context(), wallet.ID)
	if err != nil {
		// display only
		cached = bal
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		WalletID:      wallet.ID,
		Status:        wallet.Status,
		Balance:       bal,
		CachedBalance: cached,
	})
}

// --- GET /api/v1/wallets/{id}/entries?limit=&offset= ---

func (h *WalletHandler) Entries(w http.ResponseWriter, r *http.Request) {
	wallet, ok := h.authorizedWallet(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", defaultEntriesLimit)
	if limit <= 0 || limit > maxEntriesLimit {
		limit = defaultEntriesLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	entries, err := h.Ledger.ListEntries(r.Context(), wallet.ID, limit, offset)
	if err != nil {
		writeError(w, h.Logger, "list entries", err, nil)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "limit": limit, "offset": offset})
}

// --- POST /api/v1/admin/wallets/{id}/status ---

type walletStatusRequest struct {
	Status string `json:"status"`
}

func (h *WalletHandler) AdminSetStatus(w http.ResponseWriter, r *http.Request) {
	admin := middleware.IdentityFromCtx(r.Context())
	walletID, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid wallet id"}`, http.StatusBadRequest)
		return
	}
	var req walletStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	wallet, err := h.Ledger.SetWalletStatus(r.Context(), walletID, strings.ToUpper(req.Status), admin.UserID)
	if err != nil {
		writeError(w, h.Logger, "set wallet status", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// --- POST /api/v1/admin/wallets/{id}/credit ---

type creditRequest struct {
	Amount            decimal.Decimal `json:"amount"`
	Category          string          `json:"category"`
	IdempotencyKey    string          `json:"idempotency_key"`
	ExternalReference *string         `json:"external_reference,omitempty"`
	Description       string          `json:"description"`
}

var creditCategories = map[string]bool{
	models.CategoryTopUp:           true,
	models.CategoryBonus:           true,
	models.CategoryAdminAdjustment: true,
}

// AdminCredit tops up a wallet. The idempotency key comes from the body or
// the Idempotency-Key header; retries with the same key replay the entry.
func (h *WalletHandler) AdminCredit(w http.ResponseWriter, r *http.Request) {
	admin := middleware.IdentityFromCtx(r.Context())
	walletID, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid wallet id"}`, http.StatusBadRequest)
		return
	}
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Category == "" {
		req.Category = models.CategoryTopUp
	}
	req.Category = strings.ToUpper(req.Category)
	if !creditCategories[req.Category] {
		http.Error(w, `{"error":"category must be TOP_UP, BONUS or ADMIN_ADJUSTMENT"}`, http.StatusBadRequest)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	if key != "" {
		key = "credit:" + key
	}

	entry, err := h.Ledger.Credit(r.Context(), ledger.CreditRequest{
		WalletID:          walletID,
		Amount:            req.Amount,
		Category:          req.Category,
		IdempotencyKey:    key,
		Description:       req.Description,
		ExternalReference: req.ExternalReference,
		Metadata:          map[string]any{"admin_id": admin.UserID.String()},
	})
	if err != nil {
		writeError(w, h.Logger, "admin credit", err, nil)
		return
	}
	h.Logger.Info("admin credit applied", "wallet_id", walletID, "entry_id", entry.ID,
		"amount", entry.Amount.StringFixed(2), "category", entry.Category, "admin_id", admin.UserID)
	writeJSON(w, http.StatusCreated, entry)
}

// --- helpers ---

// authorizedWallet loads the wallet in the path. Users may only read their
// own wallet; a foreign wallet looks like a missing one.
func (h *WalletHandler) authorizedWallet(w http.ResponseWriter, r *http.Request) (*models.Wallet, bool) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return nil, false
	}
	walletID, ok := pathID(r)
	if !ok {
		http.Error(w, `{"error":"invalid wallet id"}`, http.StatusBadRequest)
		return nil, false
	}
	wallet, err := h.Ledger.GetWallet(r.Context(), walletID)
	if err == nil && !id.IsAdmin() && wallet.UserID != id.UserID {
		err = fmt.Errorf("wallet %s: %w", walletID, ledger.ErrNotFound)
	}
	if err != nil {
		writeError(w, h.Logger, "get wallet", err, nil)
		return nil, false
	}
	return wallet, true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
