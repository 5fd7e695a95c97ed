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

// ErrPayableNotFound is returned when no payable row exists for a (period, user).
var ErrPayableNotFound = errors.New("user payable not found")

const payableColumns = `
	period_id, user_id, amount_due_coins, amount_paid_coins, status,
	first_paid_at, paid_at, created_at, updated_at`

// PayableRepository handles per-(period, user) payment obligations.
type PayableRepository struct {
	pool *pgxpool.Pool
}

// NewPayableRepository creates a new PayableRepository instance.
func NewPayableRepository(pool *pgxpool.Pool) *PayableRepository {
	return &PayableRepository{pool: pool}
}

func scanPayable(row pgx.Row) (*model.UserPayable, error) {
	var p model.UserPayable
	err := row.Scan(
		&p.PeriodID,
		&p.UserID,
		&p.AmountDueCoins,
		&p.AmountPaidCoins,
		&p.Status,
		&p.FirstPaidAt,
		&p.PaidAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Insert writes one payable row inside the caller's transaction.
func (r *PayableRepository) Insert(ctx context.Context, q Querier, p *model.UserPayable) error {
	const query = `
		INSERT INTO user_payables
			(period_id, user_id, amount_due_coins, amount_paid_coins, status,
			 first_paid_at, paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`

	_, err := q.Exec(ctx, query,
		p.PeriodID, p.UserID, p.AmountDueCoins, p.AmountPaidCoins, p.Status,
		p.FirstPaidAt, p.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payable: %w", err)
	}
	return nil
}

// Get retrieves the payable row for a (period, user) pair.
func (r *PayableRepository) Get(ctx context.Context, periodID, userID int64) (*model.UserPayable, error) {
	const query = `SELECT ` + payableColumns + ` FROM user_payables WHERE period_id = $1 AND user_id = $2`

	p, err := scanPayable(r.pool.QueryRow(ctx, query, periodID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayableNotFound
		}
		return nil, fmt.Errorf("failed to get payable: %w", err)
	}
	return p, nil
}

// GetForUpdate retrieves a payable row with an exclusive lock.
func (r *PayableRepository) GetForUpdate(ctx context.Context, q Querier, periodID, userID int64) (*model.UserPayable, error) {
	const query = `SELECT ` + payableColumns + ` FROM user_payables WHERE period_id = $1 AND user_id = $2 FOR UPDATE`

	p, err := scanPayable(q.QueryRow(ctx, query, periodID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayableNotFound
		}
		return nil, fmt.Errorf("failed to lock payable: %w", err)
	}
	return p, nil
}

// Update persists the mutable fields of a payable row.
func (r *PayableRepository) Update(ctx context.Context, q Querier, p *model.UserPayable) error {
	const query = `
		UPDATE user_payables SET
			amount_due_coins = $3,
			amount_paid_coins = $4,
			status = $5,
			first_paid_at = $6,
			paid_at = $7,
			updated_at = NOW()
		WHERE period_id = $1 AND user_id = $2`

	tag, err := q.Exec(ctx, query,
		p.PeriodID, p.UserID, p.AmountDueCoins, p.AmountPaidCoins, p.Status,
		p.FirstPaidAt, p.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update payable: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPayableNotFound
	}
	return nil
}

// ListByPeriod retrieves payables for a period, optionally filtered by status.
func (r *PayableRepository) ListByPeriod(ctx context.Context, periodID int64, status string) ([]*model.UserPayable, error) {
	query := `SELECT ` + payableColumns + ` FROM user_payables WHERE period_id = $1`
	args := []any{periodID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY user_id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payables: %w", err)
	}
	defer rows.Close()

	var payables []*model.UserPayable
	for rows.Next() {
		p, err := scanPayable(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payable: %w", err)
		}
		payables = append(payables, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payables: %w", err)
	}
	return payables, nil
}

// ListByUser retrieves all of a user's payables across periods, newest first.
func (r *PayableRepository) ListByUser(ctx context.Context, userID int64) ([]*model.UserPayable, error) {
	const query = `SELECT ` + payableColumns + ` FROM user_payables WHERE user_id = $1 ORDER BY period_id DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user payables: %w", err)
	}
	defer rows.Close()

	var payables []*model.UserPayable
	for rows.Next() {
		p, err := scanPayable(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payable: %w", err)
		}
		payables = append(payables, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user payables: %w", err)
	}
	return payables, nil
}

// MarkOverdueForPeriod flips unpaid/partial payables to overdue once the
// period's payment window has passed. Returns the number of rows flipped.
func (r *PayableRepository) MarkOverdueForPeriod(ctx context.Context, q Querier, periodID int64, asOf time.Time) (int64, error) {
	const query = `
		UPDATE user_payables up SET status = $3, updated_at = NOW()
		FROM settlement_periods p
		WHERE up.period_id = p.period_id
		  AND up.period_id = $1
		  AND up.status IN ($4, $5)
		  AND p.pay_end < $2`

	tag, err := q.Exec(ctx, query,
		periodID, asOf, model.PayableStatusOverdue,
		model.PayableStatusUnpaid, model.PayableStatusPartial,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark payables overdue: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExistsForPeriod reports whether any payable rows exist for the period.
func (r *PayableRepository) ExistsForPeriod(ctx context.Context, q Querier, periodID int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM user_payables WHERE period_id = $1)`

	var exists bool
	if err := q.QueryRow(ctx, query, periodID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check payable existence: %w", err)
	}
	return exists, nil
}

// DeleteForPeriod removes all payable rows for a period.
func (r *PayableRepository) DeleteForPeriod(ctx context.Context, q Querier, periodID int64) error {
	if _, err := q.Exec(ctx, `DELETE FROM user_payables WHERE period_id = $1`, periodID); err != nil {
		return fmt.Errorf("failed to delete payables: %w", err)
	}
	return nil
}
