package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"referral-settlement/internal/model"
)

// ErrWithdrawNotFound is returned when a withdraw request does not exist.
var ErrWithdrawNotFound = errors.New("withdraw request not found")

const withdrawColumns = `
	withdraw_id, user_id, amount_coins, method, account_info,
	status, reject_reason, requested_at, processed_at, processed_by`

// WithdrawRepository handles withdraw request persistence.
type WithdrawRepository struct {
	pool *pgxpool.Pool
}

// NewWithdrawRepository creates a new WithdrawRepository instance.
func NewWithdrawRepository(pool *pgxpool.Pool) *WithdrawRepository {
	return &WithdrawRepository{pool: pool}
}

func scanWithdraw(row pgx.Row) (*model.WithdrawRequest, error) {
	var w model.WithdrawRequest
	err := row.Scan(
		&w.ID,
		&w.UserID,
		&w.AmountCoins,
		&w.Method,
		&w.AccountInfo,
		&w.Status,
		&w.RejectReason,
		&w.RequestedAt,
		&w.ProcessedAt,
		&w.ProcessedBy,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Create inserts a pending withdraw request inside the caller's transaction.
func (r *WithdrawRepository) Create(ctx context.Context, q Querier, w *model.WithdrawRequest) (*model.WithdrawRequest, error) {
	const query = `
		INSERT INTO withdraw_requests
			(withdraw_id, user_id, amount_coins, method, account_info, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING ` + withdrawColumns

	created, err := scanWithdraw(q.QueryRow(ctx, query,
		w.ID, w.UserID, w.AmountCoins, w.Method, w.AccountInfo, w.Status,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create withdraw request: %w", err)
	}
	return created, nil
}

// GetForUpdate retrieves a withdraw request with an exclusive row lock.
func (r *WithdrawRepository) GetForUpdate(ctx context.Context, q Querier, withdrawID int64) (*model.WithdrawRequest, error) {
	const query = `SELECT ` + withdrawColumns + ` FROM withdraw_requests WHERE withdraw_id = $1 FOR UPDATE`

	w, err := scanWithdraw(q.QueryRow(ctx, query, withdrawID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawNotFound
		}
		return nil, fmt.Errorf("failed to lock withdraw request: %w", err)
	}
	return w, nil
}

// MarkProcessed records the admin decision on a pending request.
func (r *WithdrawRepository) MarkProcessed(ctx context.Context, q Querier, withdrawID, adminID int64, status string, rejectReason *string, at time.Time) error {
	const query = `
		UPDATE withdraw_requests
		SET status = $2, reject_reason = $3, processed_at = $4, processed_by = $5
		WHERE withdraw_id = $1`

	tag, err := q.Exec(ctx, query, withdrawID, status, rejectReason, at, adminID)
	if err != nil {
		return fmt.Errorf("failed to process withdraw request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWithdrawNotFound
	}
	return nil
}

// ListByUser retrieves a user's withdraw requests, newest first.
func (r *WithdrawRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.WithdrawRequest, error) {
	const query = `
		SELECT ` + withdrawColumns + `
		FROM withdraw_requests
		WHERE user_id = $1
		ORDER BY requested_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdraw requests: %w", err)
	}
	defer rows.Close()

	return collectWithdraws(rows)
}

// List retrieves withdraw requests with an optional status filter, newest first.
func (r *WithdrawRepository) List(ctx context.Context, status string, limit int) ([]*model.WithdrawRequest, error) {
	query := `SELECT ` + withdrawColumns + ` FROM withdraw_requests`
	args := []any{}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(` WHERE status = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY requested_at DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdraw requests: %w", err)
	}
	defer rows.Close()

	return collectWithdraws(rows)
}

func collectWithdraws(rows pgx.Rows) ([]*model.WithdrawRequest, error) {
	var requests []*model.WithdrawRequest
	for rows.Next() {
		w, err := scanWithdraw(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdraw request: %w", err)
		}
		requests = append(requests, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating withdraw requests: %w", err)
	}
	return requests, nil
}
