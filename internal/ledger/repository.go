package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/netpulse/backend/internal/models"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	idempotencyKeyConstraint = "ledger_entries_idempotency_key_key"
	externalRefConstraint    = "ledger_entries_external_reference_key"
)

// PostgresStore is the pgx implementation of Store.
type PostgresStore struct {
	pool       *pgxpool.Pool
	txTimeout  time.Duration
	maxRetries uint64
}

// NewPostgresStore returns a store over pool. txTimeout bounds each
// serializable attempt; maxRetries bounds retries after serialization aborts.
func NewPostgresStore(pool *pgxpool.Pool, txTimeout time.Duration, maxRetries uint64) *PostgresStore {
	if txTimeout <= 0 {
		txTimeout = 5 * time.Second
	}
	if maxRetries == 0 {
		maxRetries = 5
	}
	return &PostgresStore{pool: pool, txTimeout: txTimeout, maxRetries: maxRetries}
}

var _ Store = (*PostgresStore)(nil)

const entryColumns = `id, wallet_id, direction, category, amount, balance_before, balance_after, status,
	idempotency_key, external_reference, reference_id, description, metadata, created_at`

const walletColumns = `id, user_id, status, cached_balance, created_at, updated_at`

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.txTimeout)
		defer cancel()

		tx, err := s.pool.BeginTx(attemptCtx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("begin serializable tx: %w", err))
		}
		defer tx.Rollback(attemptCtx)

		if err := fn(attemptCtx, &pgTx{tx: tx}); err != nil {
			return classifyTxError(err)
		}
		if err := tx.Commit(attemptCtx); err != nil {
			return classifyTxError(fmt.Errorf("commit: %w", err))
		}
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, s.maxRetries), ctx))
}

// classifyTxError marks everything except serialization aborts as permanent.
func classifyTxError(err error) error {
	if IsSerializationFailure(err) {
		return err
	}
	return backoff.Permanent(err)
}

// IsSerializationFailure reports whether err is a retryable isolation conflict.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w *models.Wallet) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO wallets (id, user_id, status, cached_balance)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, w.ID, w.UserID, w.Status, w.CachedBalance).Scan(&w.CreatedAt, &w.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: user already has a wallet", ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	return scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
}

func (s *PostgresStore) GetWalletByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
}

func (s *PostgresStore) GetEntry(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error) {
	return scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	return scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key))
}

func (s *PostgresStore) ListEntries(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries WHERE wallet_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

func (s *PostgresStore) Balance(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	return sumBalance(ctx, s.pool, walletID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func sumBalance(ctx context.Context, q querier, walletID uuid.UUID) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN direction = 'CREDIT' THEN amount ELSE -amount END), 0)
		FROM ledger_entries
		WHERE wallet_id = $1 AND status = 'COMPLETED'
	`, walletID).Scan(&bal)
	return bal, err
}

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetWalletForUpdate(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	return scanWallet(t.tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) FindByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error) {
	return scanEntry(t.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key))
}

func (t *pgTx) ExternalReferenceExists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE external_reference = $1)`, ref).Scan(&exists)
	return exists, err
}

func (t *pgTx) Balance(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	return sumBalance(ctx, t.tx, walletID)
}

func (t *pgTx) InsertEntry(ctx context.Context, e *models.LedgerEntry) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, wallet_id, direction, category, amount, balance_before, balance_after, status,
			idempotency_key, external_reference, reference_id, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`, e.ID, e.WalletID, e.Direction, e.Category, e.Amount, e.BalanceBefore, e.BalanceAfter, e.Status,
		e.IdempotencyKey, e.ExternalReference, e.ReferenceID, e.Description, e.Metadata).Scan(&e.CreatedAt)
	return entryInsertError(err)
}

// entryInsertError maps unique violations on ledger_entries to the
// duplicate sentinels the engine replays on.
func entryInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case idempotencyKeyConstraint:
			return ErrDuplicateKey
		case externalRefConstraint:
			return ErrDuplicateReference
		}
	}
	return err
}

func (t *pgTx) SetCachedBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `UPDATE wallets SET cached_balance = $2, updated_at = now() WHERE id = $1`, walletID, balance)
	return err
}

func (t *pgTx) SetWalletStatus(ctx context.Context, walletID uuid.UUID, status string) error {
	_, err := t.tx.Exec(ctx, `UPDATE wallets SET status = $2, updated_at = now() WHERE id = $1`, walletID, status)
	return err
}

func scanWallet(row pgx.Row) (*models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.Status, &w.CachedBalance, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("wallet: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.WalletID, &e.Direction, &e.Category, &e.Amount, &e.BalanceBefore, &e.BalanceAfter, &e.Status,
		&e.IdempotencyKey, &e.ExternalReference, &e.ReferenceID, &e.Description, &e.Metadata, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ledger entry: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
