package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"referral-settlement/internal/model"
)

// ErrIncomeNotFound is returned when no income row exists for a (period, user).
var ErrIncomeNotFound = errors.New("user income not found")

const incomeColumns = `
	period_id, user_id, gross_coins, self_keep_coins, self_payable_coins,
	l1_user_id, l2_user_id, l1_commission_coins, l2_commission_coins,
	platform_retain_coins, created_at, updated_at`

// IncomeRepository handles per-(period, user) income aggregates.
type IncomeRepository struct {
	pool *pgxpool.Pool
}

// NewIncomeRepository creates a new IncomeRepository instance.
func NewIncomeRepository(pool *pgxpool.Pool) *IncomeRepository {
	return &IncomeRepository{pool: pool}
}

func scanIncome(row pgx.Row) (*model.UserIncome, error) {
	var inc model.UserIncome
	err := row.Scan(
		&inc.PeriodID,
		&inc.UserID,
		&inc.GrossCoins,
		&inc.SelfKeepCoins,
		&inc.SelfPayableCoins,
		&inc.L1UserID,
		&inc.L2UserID,
		&inc.L1CommissionCoins,
		&inc.L2CommissionCoins,
		&inc.PlatformRetainCoins,
		&inc.CreatedAt,
		&inc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

// Insert writes one income row inside the caller's transaction.
func (r *IncomeRepository) Insert(ctx context.Context, q Querier, inc *model.UserIncome) error {
	const query = `
		INSERT INTO user_income
			(period_id, user_id, gross_coins, self_keep_coins, self_payable_coins,
			 l1_user_id, l2_user_id, l1_commission_coins, l2_commission_coins,
			 platform_retain_coins, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())`

	_, err := q.Exec(ctx, query,
		inc.PeriodID, inc.UserID, inc.GrossCoins, inc.SelfKeepCoins, inc.SelfPayableCoins,
		inc.L1UserID, inc.L2UserID, inc.L1CommissionCoins, inc.L2CommissionCoins,
		inc.PlatformRetainCoins,
	)
	if err != nil {
		return fmt.Errorf("failed to insert income: %w", err)
	}
	return nil
}

// Get retrieves the income row for a (period, user) pair.
func (r *IncomeRepository) Get(ctx context.Context, periodID, userID int64) (*model.UserIncome, error) {
	const query = `SELECT ` + incomeColumns + ` FROM user_income WHERE period_id = $1 AND user_id = $2`

	inc, err := scanIncome(r.pool.QueryRow(ctx, query, periodID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIncomeNotFound
		}
		return nil, fmt.Errorf("failed to get income: %w", err)
	}
	return inc, nil
}

// GetForUpdate retrieves an income row with an exclusive lock.
func (r *IncomeRepository) GetForUpdate(ctx context.Context, q Querier, periodID, userID int64) (*model.UserIncome, error) {
	const query = `SELECT ` + incomeColumns + ` FROM user_income WHERE period_id = $1 AND user_id = $2 FOR UPDATE`

	inc, err := scanIncome(q.QueryRow(ctx, query, periodID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIncomeNotFound
		}
		return nil, fmt.Errorf("failed to lock income: %w", err)
	}
	return inc, nil
}

// UpdateAmounts rewrites every derived amount on an income row. Used by the
// ban-report apply path which recomputes the full split from the reduced gross.
func (r *IncomeRepository) UpdateAmounts(ctx context.Context, q Querier, inc *model.UserIncome) error {
	const query = `
		UPDATE user_income SET
			gross_coins = $3,
			self_keep_coins = $4,
			self_payable_coins = $5,
			l1_commission_coins = $6,
			l2_commission_coins = $7,
			platform_retain_coins = $8,
			updated_at = NOW()
		WHERE period_id = $1 AND user_id = $2`

	tag, err := q.Exec(ctx, query,
		inc.PeriodID, inc.UserID, inc.GrossCoins, inc.SelfKeepCoins, inc.SelfPayableCoins,
		inc.L1CommissionCoins, inc.L2CommissionCoins, inc.PlatformRetainCoins,
	)
	if err != nil {
		return fmt.Errorf("failed to update income: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIncomeNotFound
	}
	return nil
}

// ListByPeriod retrieves every income row for a period ordered by user.
func (r *IncomeRepository) ListByPeriod(ctx context.Context, periodID int64) ([]*model.UserIncome, error) {
	const query = `SELECT ` + incomeColumns + ` FROM user_income WHERE period_id = $1 ORDER BY user_id`

	rows, err := r.pool.Query(ctx, query, periodID)
	if err != nil {
		return nil, fmt.Errorf("failed to list income: %w", err)
	}
	defer rows.Close()

	var incomes []*model.UserIncome
	for rows.Next() {
		inc, err := scanIncome(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan income: %w", err)
		}
		incomes = append(incomes, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating income rows: %w", err)
	}
	return incomes, nil
}

// ExistsForPeriod reports whether any income rows exist for the period.
func (r *IncomeRepository) ExistsForPeriod(ctx context.Context, q Querier, periodID int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM user_income WHERE period_id = $1)`

	var exists bool
	if err := q.QueryRow(ctx, query, periodID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check income existence: %w", err)
	}
	return exists, nil
}

// DeleteForPeriod removes all income rows for a period.
func (r *IncomeRepository) DeleteForPeriod(ctx context.Context, q Querier, periodID int64) error {
	if _, err := q.Exec(ctx, `DELETE FROM user_income WHERE period_id = $1`, periodID); err != nil {
		return fmt.Errorf("failed to delete income rows: %w", err)
	}
	return nil
}
