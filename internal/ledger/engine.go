// Package ledger implements the wallet ledger: an append-only list of entries
// whose COMPLETED sum is the only authoritative balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/netpulse/backend/internal/idempotency"
	"github.com/netpulse/backend/internal/lock"
	"github.com/netpulse/backend/internal/metrics"
	"github.com/netpulse/backend/internal/models"
)

// Initiators recorded in refund metadata.
const (
	InitiatedBySystem = "SYSTEM_AUTO_REFUND"
)

// DebitRequest removes money from a wallet owned by UserID.
type DebitRequest struct {
	WalletID          uuid.UUID
	UserID            uuid.UUID
	Amount            decimal.Decimal
	Category          string
	IdempotencyKey    string
	Description       string
	ExternalReference *string
	ReferenceID       *uuid.UUID
	Metadata          map[string]any
}

// CreditRequest adds money to a wallet. UserID is optional; when set the
// wallet must belong to it.
type CreditRequest struct {
	WalletID          uuid.UUID
	UserID            uuid.UUID
	Amount            decimal.Decimal
	Category          string
	IdempotencyKey    string
	Description       string
	ExternalReference *string
	ReferenceID       *uuid.UUID
	Metadata          map[string]any
}

// Options configure an Engine.
type Options struct {
	MaxTransactionAmount decimal.Decimal
	Lock                 lock.Options
	Cache                BalanceCache
	Metrics              *metrics.Metrics
	Logger               *slog.Logger
}

// Engine is the only writer of ledger entries.
type Engine struct {
	store   Store
	mutex   *lock.Mutex
	maxAmt  decimal.Decimal
	lockOpt lock.Options
	cache   BalanceCache
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewEngine(store Store, mutex *lock.Mutex, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:   store,
		mutex:   mutex,
		maxAmt:  opts.MaxTransactionAmount,
		lockOpt: opts.Lock,
		cache:   opts.Cache,
		metrics: opts.Metrics,
		log:     log.With("component", "ledger"),
		now:     time.Now,
	}
}

// movement is the direction-neutral form of a debit or credit.
type movement struct {
	direction   string
	walletID    uuid.UUID
	userID      uuid.UUID
	amount      decimal.Decimal
	category    string
	key         string
	description string
	externalRef *string
	referenceID *uuid.UUID
	metadata    map[string]any

	// refunds mirror an already accepted debit and skip the ceiling check
	refund bool
}

// Debit appends a COMPLETED DEBIT. A replayed key returns the original entry.
func (e *Engine) Debit(ctx context.Context, req DebitRequest) (*models.LedgerEntry, error) {
	category := req.Category
	if category == "" {
		category = models.CategoryPurchase
	}
	return e.apply(ctx, "debit", movement{
		direction:   models.DirectionDebit,
		walletID:    req.WalletID,
		userID:      req.UserID,
		amount:      req.Amount,
		category:    category,
		key:         req.IdempotencyKey,
		description: req.Description,
		externalRef: req.ExternalReference,
		referenceID: req.ReferenceID,
		metadata:    req.Metadata,
	})
}

// Credit appends a COMPLETED CREDIT. Frozen wallets accept credits; closed
// wallets do not.
func (e *Engine) Credit(ctx context.Context, req CreditRequest) (*models.LedgerEntry, error) {
	category := req.Category
	if category == "" {
		category = models.CategoryTopUp
	}
	return e.apply(ctx, "credit", movement{
		direction:   models.DirectionCredit,
		walletID:    req.WalletID,
		userID:      req.UserID,
		amount:      req.Amount,
		category:    category,
		key:         req.IdempotencyKey,
		description: req.Description,
		externalRef: req.ExternalReference,
		referenceID: req.ReferenceID,
		metadata:    req.Metadata,
	})
}

// Refund credits back a completed debit. The key is derived from the original
// entry, so a refund can be requested any number of times and lands once.
func (e *Engine) Refund(ctx context.Context, originalEntryID uuid.UUID, reason, initiatedBy string) (*models.LedgerEntry, error) {
	orig, err := e.store.GetEntry(ctx, originalEntryID)
	if err != nil {
		return nil, err
	}
	if orig.Direction != models.DirectionDebit || orig.Status != models.EntryStatusCompleted {
		return nil, fmt.Errorf("%w: %s %s", ErrInvalidRefund, orig.Direction, orig.Status)
	}
	if initiatedBy == "" {
		initiatedBy = InitiatedBySystem
	}
	return e.apply(ctx, "refund", movement{
		direction:   models.DirectionCredit,
		walletID:    orig.WalletID,
		amount:      orig.Amount,
		category:    models.CategoryRefund,
		key:         idempotency.Refund(orig.ID),
		description: "Refund: " + reason,
		referenceID: orig.ReferenceID,
		refund:      true,
		metadata: map[string]any{
			models.MetaOriginalEntryID: orig.ID.String(),
			models.MetaRefundReason:    reason,
			models.MetaInitiatedBy:     initiatedBy,
		},
	})
}

func (e *Engine) apply(ctx context.Context, op string, mv movement) (*models.LedgerEntry, error) {
	if mv.key == "" {
		return nil, ErrMissingKey
	}
	if err := e.validateAmount(mv.amount, !mv.refund); err != nil {
		e.metrics.LedgerOp(op, "invalid")
		return nil, err
	}

	// Fast path: a replay needs neither the lock nor a transaction.
	if existing, err := e.store.FindByIdempotencyKey(ctx, mv.key); err == nil {
		return e.replay(op, existing, mv)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	w, err := e.store.GetWallet(ctx, mv.walletID)
	if err != nil {
		return nil, err
	}
	if err := checkWallet(w, mv); err != nil {
		e.metrics.LedgerOp(op, "rejected")
		return nil, err
	}

	start := e.now()
	var (
		out    *models.LedgerEntry
		replay bool
	)
	err = e.mutex.WithLock(ctx, lock.WalletKey(mv.walletID), func(ctx context.Context) error {
		return e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			out, replay = nil, false
			existing, err := tx.FindByIdempotencyKey(ctx, mv.key)
			if err == nil {
				out, replay = existing, true
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			if mv.externalRef != nil {
				used, err := tx.ExternalReferenceExists(ctx, *mv.externalRef)
				if err != nil {
					return err
				}
				if used {
					return fmt.Errorf("%w: external reference %q already recorded", ErrConflict, *mv.externalRef)
				}
			}

			w, err := tx.GetWalletForUpdate(ctx, mv.walletID)
			if err != nil {
				return err
			}
			if err := checkWallet(w, mv); err != nil {
				return err
			}
			before, err := tx.Balance(ctx, mv.walletID)
			if err != nil {
				return err
			}
			after := before.Add(mv.amount)
			if mv.direction == models.DirectionDebit {
				if before.LessThan(mv.amount) {
					return fmt.Errorf("%w: balance %s, required %s", ErrInsufficientBalance, before.StringFixed(2), mv.amount.StringFixed(2))
				}
				after = before.Sub(mv.amount)
			}

			meta := make(map[string]any, len(mv.metadata)+1)
			for k, v := range mv.metadata {
				meta[k] = v
			}
			if mv.direction == models.DirectionCredit && w.Status == models.WalletStatusFrozen {
				meta[models.MetaFrozenCredit] = true
			}

			entry := &models.LedgerEntry{
				ID:                uuid.New(),
				WalletID:          mv.walletID,
				Direction:         mv.direction,
				Category:          mv.category,
				Amount:            mv.amount,
				BalanceBefore:     before,
				BalanceAfter:      after,
				Status:            models.EntryStatusCompleted,
				IdempotencyKey:    mv.key,
				ExternalReference: mv.externalRef,
				ReferenceID:       mv.referenceID,
				Description:       mv.description,
				Metadata:          meta,
			}
			if err := tx.InsertEntry(ctx, entry); err != nil {
				return err
			}
			if err := tx.SetCachedBalance(ctx, mv.walletID, after); err != nil {
				return err
			}
			out = entry
			return nil
		})
	}, e.lockOpt)
	e.metrics.ObserveLedgerWrite(e.now().Sub(start))

	switch {
	case errors.Is(err, ErrDuplicateKey):
		// Lost a race that bypassed the mutex; the winner's entry is the answer.
		existing, ferr := e.store.FindByIdempotencyKey(ctx, mv.key)
		if ferr != nil {
			return nil, ferr
		}
		return e.replay(op, existing, mv)
	case errors.Is(err, ErrDuplicateReference):
		e.metrics.LedgerOp(op, "conflict")
		return nil, fmt.Errorf("%w: external reference already recorded", ErrConflict)
	case err != nil:
		e.metrics.LedgerOp(op, outcomeOf(err))
		return nil, err
	}
	if replay {
		return e.replay(op, out, mv)
	}

	e.metrics.LedgerOp(op, "ok")
	if frozen, _ := out.Metadata[models.MetaFrozenCredit].(bool); frozen {
		e.log.Warn("credit applied to frozen wallet",
			"wallet_id", mv.walletID, "entry_id", out.ID, "amount", out.Amount.StringFixed(2), "category", out.Category)
	}
	e.log.Info("ledger entry appended",
		"op", op, "wallet_id", mv.walletID, "entry_id", out.ID,
		"amount", out.Amount.StringFixed(2), "balance_after", out.BalanceAfter.StringFixed(2))
	e.refreshCache(ctx, mv.walletID, out.BalanceAfter)
	return out, nil
}

func (e *Engine) replay(op string, existing *models.LedgerEntry, mv movement) (*models.LedgerEntry, error) {
	if existing.WalletID != mv.walletID || existing.Direction != mv.direction {
		e.metrics.LedgerOp(op, "conflict")
		return nil, fmt.Errorf("%w: idempotency key %q belongs to another operation", ErrConflict, mv.key)
	}
	e.metrics.LedgerOp(op, "replay")
	e.log.Debug("idempotent replay", "op", op, "key", mv.key, "entry_id", existing.ID)
	return existing, nil
}

func (e *Engine) validateAmount(amount decimal.Decimal, ceiling bool) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if ceiling && e.maxAmt.IsPositive() && amount.GreaterThan(e.maxAmt) {
		return fmt.Errorf("%w: exceeds maximum %s", ErrInvalidAmount, e.maxAmt.StringFixed(2))
	}
	if !amount.Equal(amount.Round(2)) {
		return fmt.Errorf("%w: more than two decimal places", ErrInvalidAmount)
	}
	return nil
}

func checkWallet(w *models.Wallet, mv movement) error {
	if mv.userID != uuid.Nil && w.UserID != mv.userID {
		return fmt.Errorf("%w: wallet belongs to another user", ErrForbidden)
	}
	switch w.Status {
	case models.WalletStatusClosed:
		return fmt.Errorf("%w: wallet is closed", ErrForbidden)
	case models.WalletStatusFrozen:
		if mv.direction == models.DirectionDebit {
			return fmt.Errorf("%w: wallet is frozen", ErrForbidden)
		}
	}
	return nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient"
	case errors.Is(err, ErrForbidden):
		return "rejected"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, lock.ErrLockContention):
		return "contention"
	default:
		return "error"
	}
}

// Balance is the authoritative balance: the live sum of COMPLETED entries.
func (e *Engine) Balance(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	if _, err := e.store.GetWallet(ctx, walletID); err != nil {
		return decimal.Zero, err
	}
	return e.store.Balance(ctx, walletID)
}

// CachedBalance is for display only. It never feeds a write decision.
func (e *Engine) CachedBalance(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	if e.cache != nil {
		bal, ok, err := e.cache.Get(ctx, walletID)
		if err != nil {
			e.log.Warn("balance cache read failed", "wallet_id", walletID, "error", err)
		} else if ok {
			return bal, nil
		}
	}
	w, err := e.store.GetWallet(ctx, walletID)
	if err != nil {
		return decimal.Zero, err
	}
	return w.CachedBalance, nil
}

func (e *Engine) refreshCache(ctx context.Context, walletID uuid.UUID, bal decimal.Decimal) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(ctx, walletID, bal); err != nil {
		e.log.Warn("balance cache write failed", "wallet_id", walletID, "error", err)
	}
}

// CreateWallet opens an ACTIVE, empty wallet for userID.
func (e *Engine) CreateWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	w := &models.Wallet{
		ID:            uuid.New(),
		UserID:        userID,
		Status:        models.WalletStatusActive,
		CachedBalance: decimal.Zero,
	}
	if err := e.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	e.log.Info("wallet created", "wallet_id", w.ID, "user_id", userID)
	return w, nil
}

// SetWalletStatus is an audited admin action. CLOSED is final.
func (e *Engine) SetWalletStatus(ctx context.Context, walletID uuid.UUID, status string, adminID uuid.UUID) (*models.Wallet, error) {
	if !models.ValidWalletStatus(status) {
		return nil, fmt.Errorf("%w: unknown wallet status %q", ErrInvalidState, status)
	}
	var (
		updated  *models.Wallet
		previous string
	)
	err := e.mutex.WithLock(ctx, lock.WalletKey(walletID), func(ctx context.Context) error {
		return e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			w, err := tx.GetWalletForUpdate(ctx, walletID)
			if err != nil {
				return err
			}
			if w.Status == models.WalletStatusClosed && status != models.WalletStatusClosed {
				return fmt.Errorf("%w: closed wallets cannot be reopened", ErrForbidden)
			}
			previous = w.Status
			if err := tx.SetWalletStatus(ctx, walletID, status); err != nil {
				return err
			}
			w.Status = status
			updated = w
			return nil
		})
	}, e.lockOpt)
	if err != nil {
		return nil, err
	}
	e.log.Info("wallet status changed",
		"wallet_id", walletID, "from", previous, "to", status, "admin_id", adminID)
	return updated, nil
}

func (e *Engine) GetWallet(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	return e.store.GetWallet(ctx, walletID)
}

func (e *Engine) GetWalletByUser(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return e.store.GetWalletByUserID(ctx, userID)
}

// FindEntry looks an entry up by its idempotency key.
func (e *Engine) FindEntry(ctx context.Context, key string) (*models.LedgerEntry, error) {
	return e.store.FindByIdempotencyKey(ctx, key)
}

func (e *Engine) GetEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	return e.store.GetEntry(ctx, id)
}

func (e *Engine) ListEntries(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	return e.store.ListEntries(ctx, walletID, limit, offset)
}
