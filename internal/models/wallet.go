package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet lifecycle statuses.
const (
	WalletStatusActive = "ACTIVE"
	WalletStatusFrozen = "FROZEN"
	WalletStatusClosed = "CLOSED"
)

// Wallet holds a user's spendable balance. CachedBalance is refreshed after every
// ledger write for display only; the ledger sum is the balance of record.
type Wallet struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Status        string          `json:"status"`
	CachedBalance decimal.Decimal `json:"cached_balance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ValidWalletStatus reports whether s is a known wallet status.
func ValidWalletStatus(s string) bool {
	switch s {
	case WalletStatusActive, WalletStatusFrozen, WalletStatusClosed:
		return true
	}
	return false
}
