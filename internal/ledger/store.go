package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/netpulse/backend/internal/models"
)

// Store is the append-only ledger persistence. It never updates or deletes
// ledger entries; the only mutable wallet columns are status and the advisory
// cached balance.
type Store interface {
	// InTx runs fn inside a serializable transaction. Implementations retry fn
	// when the database aborts the transaction for a serialization conflict, so
	// fn must not have side effects outside tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateWallet(ctx context.Context, w *models.Wallet) error
	GetWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	GetWalletByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	GetEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error)
	ListEntries(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error)
	// Balance sums COMPLETED entries for the wallet.
	Balance(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error)
}

// Tx is the write-side view of the store inside one transaction.
type Tx interface {
	GetWalletForUpdate(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error)
	ExternalReferenceExists(ctx context.Context, ref string) (bool, error)
	Balance(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error)
	// InsertEntry appends e. Returns ErrDuplicateKey or ErrDuplicateReference
	// when a unique constraint rejects it.
	InsertEntry(ctx context.Context, e *models.LedgerEntry) error
	SetCachedBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal) error
	SetWalletStatus(ctx context.Context, walletID uuid.UUID, status string) error
}
