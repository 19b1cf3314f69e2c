package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger entry directions.
const (
	DirectionCredit = "CREDIT"
	DirectionDebit  = "DEBIT"
)

// Ledger entry categories (business reason for the movement).
const (
	CategoryPurchase        = "PURCHASE"
	CategoryRefund          = "REFUND"
	CategoryAdminAdjustment = "ADMIN_ADJUSTMENT"
	CategoryTopUp           = "TOP_UP"
	CategoryBonus           = "BONUS"
)

// Ledger entry statuses. Only COMPLETED entries count toward the balance.
const (
	EntryStatusPending   = "PENDING"
	EntryStatusCompleted = "COMPLETED"
	EntryStatusFailed    = "FAILED"
	EntryStatusReversed  = "REVERSED"
)

// Metadata keys written by the ledger engine.
const (
	MetaOriginalEntryID = "original_entry_id"
	MetaRefundReason    = "reason"
	MetaInitiatedBy     = "initiated_by"
	MetaFrozenCredit    = "frozen_credit"
)

// LedgerEntry is one immutable movement of money against a wallet.
type LedgerEntry struct {
	ID                uuid.UUID       `json:"id"`
	WalletID          uuid.UUID       `json:"wallet_id"`
	Direction         string          `json:"direction"`
	Category          string          `json:"category"`
	Amount            decimal.Decimal `json:"amount"`
	BalanceBefore     decimal.Decimal `json:"balance_before"`
	BalanceAfter      decimal.Decimal `json:"balance_after"`
	Status            string          `json:"status"`
	IdempotencyKey    string          `json:"idempotency_key"`
	ExternalReference *string         `json:"external_reference,omitempty"`
	ReferenceID       *uuid.UUID      `json:"reference_id,omitempty"`
	Description       string          `json:"description"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// SignedAmount returns the entry's contribution to the wallet balance.
func (e *LedgerEntry) SignedAmount() decimal.Decimal {
	if e.Status != EntryStatusCompleted {
		return decimal.Zero
	}
	if e.Direction == DirectionDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}
