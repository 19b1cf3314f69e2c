package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/netpulse/backend/internal/models"
)

// Repository persists execution logs and the service catalogue.
type Repository interface {
	GetPackage(ctx context.Context, id uuid.UUID) (*models.ServicePackage, error)

	CreateLog(ctx context.Context, l *models.ExecutionLog) error
	GetLog(ctx context.Context, id uuid.UUID) (*models.ExecutionLog, error)
	// DeleteLog is only used when the debit was rejected and nothing happened.
	DeleteLog(ctx context.Context, id uuid.UUID) error
	// TransitionLog writes l only if the stored status is one of from. It
	// reports whether the row was updated.
	TransitionLog(ctx context.Context, l *models.ExecutionLog, from ...string) (bool, error)
	// ListStale returns non-terminal logs that stopped moving before cutoff:
	// EXECUTING without a job, and PENDING without a debit.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.ExecutionLog, error)

	// ClaimVoucher atomically marks one AVAILABLE voucher of the package SOLD.
	ClaimVoucher(ctx context.Context, packageID, userID, logID uuid.UUID) (*models.Voucher, error)

	GetActiveSubscription(ctx context.Context, lineID string) (*models.Subscription, error)
	ExpireSubscription(ctx context.Context, id uuid.UUID) error
	// SaveSubscription inserts a new ACTIVE subscription or extends the
	// existing one with the same ID.
	SaveSubscription(ctx context.Context, s *models.Subscription) error

	InsertServiceRecord(ctx context.Context, r *models.ServiceRecord) error
}

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

var _ Repository = (*PostgresRepository)(nil)

const logColumns = `id, service_type, user_id, wallet_id, package_id, status, idempotency_key,
	debit_entry_id, refund_entry_id, request_payload, response_payload, error_message,
	job_id, attempts, started_at, completed_at, created_at, updated_at`

func (r *PostgresRepository) GetPackage(ctx context.Context, id uuid.UUID) (*models.ServicePackage, error) {
	var p models.ServicePackage
	err := r.pool.QueryRow(ctx, `
		SELECT id, service_type, code, name, price, status, duration_days, created_at
		FROM service_packages WHERE id = $1
	`, id).Scan(&p.ID, &p.ServiceType, &p.Code, &p.Name, &p.Price, &p.Status, &p.DurationDays, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("package: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) CreateLog(ctx context.Context, l *models.ExecutionLog) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO execution_logs (id, service_type, user_id, wallet_id, package_id, status, idempotency_key, request_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, l.ID, l.ServiceType, l.UserID, l.WalletID, l.PackageID, l.Status, l.IdempotencyKey, l.RequestPayload).
		Scan(&l.CreatedAt, &l.UpdatedAt)
}

func (r *PostgresRepository) GetLog(ctx context.Context, id uuid.UUID) (*models.ExecutionLog, error) {
	return scanLog(r.pool.QueryRow(ctx, `SELECT `+logColumns+` FROM execution_logs WHERE id = $1`, id))
}

func (r *PostgresRepository) DeleteLog(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM execution_logs WHERE id = $1 AND debit_entry_id IS NULL`, id)
	return err
}

func (r *PostgresRepository) TransitionLog(ctx context.Context, l *models.ExecutionLog, from ...string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE execution_logs
		SET status = $2, debit_entry_id = $3, refund_entry_id = $4, response_payload = $5,
		    error_message = $6, job_id = $7, attempts = $8, started_at = $9, completed_at = $10,
		    updated_at = now()
		WHERE id = $1 AND status = ANY($11)
	`, l.ID, l.Status, l.DebitEntryID, l.RefundEntryID, l.ResponsePayload, l.ErrorMessage,
		l.JobID, l.Attempts, l.StartedAt, l.CompletedAt, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.ExecutionLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+logColumns+`
		FROM execution_logs
		WHERE updated_at < $1
		  AND ((status = 'EXECUTING' AND job_id IS NULL) OR (status = 'PENDING' AND debit_entry_id IS NULL))
		ORDER BY updated_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.ExecutionLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, l)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) ClaimVoucher(ctx context.Context, packageID, userID, logID uuid.UUID) (*models.Voucher, error) {
	var v models.Voucher
	err := r.pool.QueryRow(ctx, `
		UPDATE vouchers
		SET status = 'SOLD', sold_to = $2, sold_at = now(), execution_log_id = $3
		WHERE id = (
			SELECT id FROM vouchers
			WHERE package_id = $1 AND status = 'AVAILABLE'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, package_id, code, status, sold_to, sold_at, execution_log_id
	`, packageID, userID, logID).Scan(&v.ID, &v.PackageID, &v.Code, &v.Status, &v.SoldTo, &v.SoldAt, &v.ExecutionLogID)
	if err := claimError(err); err != nil {
		return nil, err
	}
	return &v, nil
}

// claimError reads an empty claim as exhausted stock.
func claimError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOutOfStock
	}
	return err
}

func (r *PostgresRepository) GetActiveSubscription(ctx context.Context, lineID string) (*models.Subscription, error) {
	var s models.Subscription
	err := r.pool.QueryRow(ctx, `
		SELECT id, line_id, user_id, package_id, status, expires_at, created_at, updated_at
		FROM subscriptions WHERE line_id = $1 AND status = 'ACTIVE'
	`, lineID).Scan(&s.ID, &s.LineID, &s.UserID, &s.PackageID, &s.Status, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) ExpireSubscription(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE subscriptions SET status = 'EXPIRED', updated_at = now() WHERE id = $1`, id)
	return err
}

func (r *PostgresRepository) SaveSubscription(ctx context.Context, s *models.Subscription) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (id, line_id, user_id, package_id, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET package_id = EXCLUDED.package_id, status = EXCLUDED.status,
		    expires_at = EXCLUDED.expires_at, updated_at = now()
		RETURNING created_at, updated_at
	`, s.ID, s.LineID, s.UserID, s.PackageID, s.Status, s.ExpiresAt).Scan(&s.CreatedAt, &s.UpdatedAt)
	return subscriptionError(err, s.LineID)
}

// subscriptionError maps a hit on subscriptions_active_line_idx to ErrConflict.
func subscriptionError(err error, lineID string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: line %s already has an active subscription", ErrConflict, lineID)
	}
	return err
}

func (r *PostgresRepository) InsertServiceRecord(ctx context.Context, rec *models.ServiceRecord) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO service_records (id, execution_log_id, service_type, user_id, reference, details)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_log_id) DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.ExecutionLogID, rec.ServiceType, rec.UserID, rec.Reference, rec.Details).Scan(&rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// a record for this execution already exists
		return nil
	}
	return err
}

func scanLog(row pgx.Row) (*models.ExecutionLog, error) {
	var l models.ExecutionLog
	err := row.Scan(&l.ID, &l.ServiceType, &l.UserID, &l.WalletID, &l.PackageID, &l.Status, &l.IdempotencyKey,
		&l.DebitEntryID, &l.RefundEntryID, &l.RequestPayload, &l.ResponsePayload, &l.ErrorMessage,
		&l.JobID, &l.Attempts, &l.StartedAt, &l.CompletedAt, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution log: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}
