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

// ErrCommissionNotFound is returned when a commission row does not exist.
var ErrCommissionNotFound = errors.New("commission not found")

const commissionColumns = `
	period_id, source_user_id, beneficiary_user_id, level, amount_coins,
	funding_status, funded_at, is_unlocked, unlocked_at, created_at`

// CommissionRepository handles referral commission rows and their
// funded/unlocked state machine.
type CommissionRepository struct {
	pool *pgxpool.Pool
}

// NewCommissionRepository creates a new CommissionRepository instance.
func NewCommissionRepository(pool *pgxpool.Pool) *CommissionRepository {
	return &CommissionRepository{pool: pool}
}

func scanCommission(row pgx.Row) (*model.Commission, error) {
	var c model.Commission
	err := row.Scan(
		&c.PeriodID,
		&c.SourceUserID,
		&c.BeneficiaryUserID,
		&c.Level,
		&c.AmountCoins,
		&c.FundingStatus,
		&c.FundedAt,
		&c.IsUnlocked,
		&c.UnlockedAt,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Insert writes one commission row inside the caller's transaction.
func (r *CommissionRepository) Insert(ctx context.Context, q Querier, c *model.Commission) error {
	const query = `
		INSERT INTO commissions
			(period_id, source_user_id, beneficiary_user_id, level, amount_coins,
			 funding_status, is_unlocked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW())`

	_, err := q.Exec(ctx, query,
		c.PeriodID, c.SourceUserID, c.BeneficiaryUserID, c.Level, c.AmountCoins, c.FundingStatus,
	)
	if err != nil {
		return fmt.Errorf("failed to insert commission: %w", err)
	}
	return nil
}

// InsertIfAbsent writes a commission row only if the key does not already
// exist. Returns true when a row was inserted.
func (r *CommissionRepository) InsertIfAbsent(ctx context.Context, q Querier, c *model.Commission) (bool, error) {
	const query = `
		INSERT INTO commissions
			(period_id, source_user_id, beneficiary_user_id, level, amount_coins,
			 funding_status, is_unlocked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW())
		ON CONFLICT (period_id, source_user_id, beneficiary_user_id, level) DO NOTHING`

	tag, err := q.Exec(ctx, query,
		c.PeriodID, c.SourceUserID, c.BeneficiaryUserID, c.Level, c.AmountCoins, c.FundingStatus,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert commission: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FundedAmount is the per-beneficiary aggregate produced by FundBySource.
type FundedAmount struct {
	BeneficiaryUserID int64
	AmountCoins       int64
}

// FundBySource flips every unfunded commission sourced from the given user
// in the period to funded, and returns the freshly funded amounts grouped
// by beneficiary. Already funded rows are untouched, which makes the call
// idempotent.
func (r *CommissionRepository) FundBySource(ctx context.Context, q Querier, periodID, sourceUserID int64, at time.Time) ([]FundedAmount, error) {
	const query = `
		UPDATE commissions
		SET funding_status = $4, funded_at = $3
		WHERE period_id = $1 AND source_user_id = $2 AND funding_status = $5
		RETURNING beneficiary_user_id, amount_coins`

	rows, err := q.Query(ctx, query, periodID, sourceUserID, at,
		model.FundingStatusFunded, model.FundingStatusUnfunded)
	if err != nil {
		return nil, fmt.Errorf("failed to fund commissions: %w", err)
	}
	defer rows.Close()

	sums := make(map[int64]int64)
	var order []int64
	for rows.Next() {
		var beneficiary, amount int64
		if err := rows.Scan(&beneficiary, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan funded commission: %w", err)
		}
		if _, seen := sums[beneficiary]; !seen {
			order = append(order, beneficiary)
		}
		sums[beneficiary] += amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating funded commissions: %w", err)
	}

	funded := make([]FundedAmount, 0, len(order))
	for _, beneficiary := range order {
		funded = append(funded, FundedAmount{BeneficiaryUserID: beneficiary, AmountCoins: sums[beneficiary]})
	}
	return funded, nil
}

// ListFundedLockedBeneficiaries returns the distinct beneficiaries who still
// hold funded but locked commissions in the period.
func (r *CommissionRepository) ListFundedLockedBeneficiaries(ctx context.Context, q Querier, periodID int64) ([]int64, error) {
	const query = `
		SELECT DISTINCT beneficiary_user_id
		FROM commissions
		WHERE period_id = $1 AND funding_status = $2 AND NOT is_unlocked
		ORDER BY beneficiary_user_id`

	rows, err := q.Query(ctx, query, periodID, model.FundingStatusFunded)
	if err != nil {
		return nil, fmt.Errorf("failed to list locked beneficiaries: %w", err)
	}
	defer rows.Close()

	var beneficiaries []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan beneficiary: %w", err)
		}
		beneficiaries = append(beneficiaries, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating beneficiaries: %w", err)
	}
	return beneficiaries, nil
}

// MarkUnlocked flips a beneficiary's funded, still-locked commissions in a
// period to unlocked. Returns the total amount unlocked.
func (r *CommissionRepository) MarkUnlocked(ctx context.Context, q Querier, periodID, beneficiaryUserID int64, at time.Time) (int64, error) {
	const query = `
		UPDATE commissions
		SET is_unlocked = TRUE, unlocked_at = $3
		WHERE period_id = $1 AND beneficiary_user_id = $2
		  AND funding_status = $4 AND NOT is_unlocked
		RETURNING amount_coins`

	rows, err := q.Query(ctx, query, periodID, beneficiaryUserID, at, model.FundingStatusFunded)
	if err != nil {
		return 0, fmt.Errorf("failed to unlock commissions: %w", err)
	}
	defer rows.Close()

	var total int64
	for rows.Next() {
		var amount int64
		if err := rows.Scan(&amount); err != nil {
			return 0, fmt.Errorf("failed to scan unlocked commission: %w", err)
		}
		total += amount
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating unlocked commissions: %w", err)
	}
	return total, nil
}

// UpdateAmount rewrites the amount of one commission row; the ban-report
// apply path uses it to shrink unfunded commissions after a gross reduction.
func (r *CommissionRepository) UpdateAmount(ctx context.Context, q Querier, periodID, sourceUserID, beneficiaryUserID int64, level int, amount int64) error {
	const query = `
		UPDATE commissions SET amount_coins = $5
		WHERE period_id = $1 AND source_user_id = $2 AND beneficiary_user_id = $3 AND level = $4`

	tag, err := q.Exec(ctx, query, periodID, sourceUserID, beneficiaryUserID, level, amount)
	if err != nil {
		return fmt.Errorf("failed to update commission amount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCommissionNotFound
	}
	return nil
}

// HasFundedOrUnlockedBySource reports whether any commission sourced from
// the user in the period has already been funded or unlocked.
func (r *CommissionRepository) HasFundedOrUnlockedBySource(ctx context.Context, q Querier, periodID, sourceUserID int64) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM commissions
			WHERE period_id = $1 AND source_user_id = $2
			  AND (funding_status = $3 OR is_unlocked)
		)`

	var exists bool
	if err := q.QueryRow(ctx, query, periodID, sourceUserID, model.FundingStatusFunded).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check funded commissions: %w", err)
	}
	return exists, nil
}

// ListBySource retrieves commissions produced by the user's income in a period.
func (r *CommissionRepository) ListBySource(ctx context.Context, periodID, sourceUserID int64) ([]*model.Commission, error) {
	const query = `
		SELECT ` + commissionColumns + `
		FROM commissions
		WHERE period_id = $1 AND source_user_id = $2
		ORDER BY level`

	rows, err := r.pool.Query(ctx, query, periodID, sourceUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list commissions by source: %w", err)
	}
	defer rows.Close()

	return collectCommissions(rows)
}

// ListByBeneficiary retrieves commissions owed to the user, newest period first.
func (r *CommissionRepository) ListByBeneficiary(ctx context.Context, beneficiaryUserID int64, limit int) ([]*model.Commission, error) {
	const query = `
		SELECT ` + commissionColumns + `
		FROM commissions
		WHERE beneficiary_user_id = $1
		ORDER BY period_id DESC, source_user_id
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, beneficiaryUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list commissions by beneficiary: %w", err)
	}
	defer rows.Close()

	return collectCommissions(rows)
}

func collectCommissions(rows pgx.Rows) ([]*model.Commission, error) {
	var commissions []*model.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan commission: %w", err)
		}
		commissions = append(commissions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commissions: %w", err)
	}
	return commissions, nil
}

// ExistsForPeriod reports whether any commission rows exist for the period.
func (r *CommissionRepository) ExistsForPeriod(ctx context.Context, q Querier, periodID int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM commissions WHERE period_id = $1)`

	var exists bool
	if err := q.QueryRow(ctx, query, periodID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check commission existence: %w", err)
	}
	return exists, nil
}

// HasFundedForPeriod reports whether any commission in the period has been
// funded or unlocked; the regenerate and delete guards use it.
func (r *CommissionRepository) HasFundedForPeriod(ctx context.Context, q Querier, periodID int64) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM commissions
			WHERE period_id = $1 AND (funding_status = $2 OR is_unlocked)
		)`

	var exists bool
	if err := q.QueryRow(ctx, query, periodID, model.FundingStatusFunded).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check funded commissions: %w", err)
	}
	return exists, nil
}

// DeleteForPeriod removes all commission rows for a period.
func (r *CommissionRepository) DeleteForPeriod(ctx context.Context, q Querier, periodID int64) error {
	if _, err := q.Exec(ctx, `DELETE FROM commissions WHERE period_id = $1`, periodID); err != nil {
		return fmt.Errorf("failed to delete commissions: %w", err)
	}
	return nil
}
