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

// Common errors for repository operations.
var (
	ErrPeriodNotFound = errors.New("settlement period not found")
)

const periodColumns = `
	period_id, stat_start, stat_end, pay_start, pay_end,
	coin_rate, host_bps, collect_bps, l1_bps, l2_bps,
	status, is_active, created_at, updated_at`

// PeriodRepository handles settlement period persistence.
type PeriodRepository struct {
	pool *pgxpool.Pool
}

// NewPeriodRepository creates a new PeriodRepository instance.
func NewPeriodRepository(pool *pgxpool.Pool) *PeriodRepository {
	return &PeriodRepository{pool: pool}
}

func scanPeriod(row pgx.Row) (*model.Period, error) {
	var p model.Period
	err := row.Scan(
		&p.ID,
		&p.StatStart,
		&p.StatEnd,
		&p.PayStart,
		&p.PayEnd,
		&p.CoinRate,
		&p.HostBps,
		&p.CollectBps,
		&p.L1Bps,
		&p.L2Bps,
		&p.Status,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new settlement period.
func (r *PeriodRepository) Create(ctx context.Context, p *model.Period) (*model.Period, error) {
	const query = `
		INSERT INTO settlement_periods
			(period_id, stat_start, stat_end, pay_start, pay_end,
			 coin_rate, host_bps, collect_bps, l1_bps, l2_bps,
			 status, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING ` + periodColumns

	created, err := scanPeriod(r.pool.QueryRow(ctx, query,
		p.ID, p.StatStart, p.StatEnd, p.PayStart, p.PayEnd,
		p.CoinRate, p.HostBps, p.CollectBps, p.L1Bps, p.L2Bps,
		p.Status, p.IsActive,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create period: %w", err)
	}
	return created, nil
}

// GetByID retrieves a period by its id.
// Returns ErrPeriodNotFound if the period does not exist.
func (r *PeriodRepository) GetByID(ctx context.Context, periodID int64) (*model.Period, error) {
	const query = `SELECT ` + periodColumns + ` FROM settlement_periods WHERE period_id = $1`

	p, err := scanPeriod(r.pool.QueryRow(ctx, query, periodID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPeriodNotFound
		}
		return nil, fmt.Errorf("failed to get period: %w", err)
	}
	return p, nil
}

// GetForUpdate retrieves a period with an exclusive row lock inside the
// caller's transaction.
func (r *PeriodRepository) GetForUpdate(ctx context.Context, q Querier, periodID int64) (*model.Period, error) {
	const query = `SELECT ` + periodColumns + ` FROM settlement_periods WHERE period_id = $1 FOR UPDATE`

	p, err := scanPeriod(q.QueryRow(ctx, query, periodID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPeriodNotFound
		}
		return nil, fmt.Errorf("failed to lock period: %w", err)
	}
	return p, nil
}

// GetForShare retrieves a period with a shared row lock inside the caller's
// transaction. Generation holds the row FOR UPDATE, so a payment-side
// mutation taking the shared lock cannot interleave with a regeneration.
func (r *PeriodRepository) GetForShare(ctx context.Context, q Querier, periodID int64) (*model.Period, error) {
	const query = `SELECT ` + periodColumns + ` FROM settlement_periods WHERE period_id = $1 FOR SHARE`

	p, err := scanPeriod(q.QueryRow(ctx, query, periodID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPeriodNotFound
		}
		return nil, fmt.Errorf("failed to lock period: %w", err)
	}
	return p, nil
}

// GetByStatRange retrieves the period with the exact statistics window, if any.
func (r *PeriodRepository) GetByStatRange(ctx context.Context, statStart, statEnd time.Time) (*model.Period, error) {
	const query = `SELECT ` + periodColumns + ` FROM settlement_periods WHERE stat_start = $1 AND stat_end = $2`

	p, err := scanPeriod(r.pool.QueryRow(ctx, query, statStart, statEnd))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPeriodNotFound
		}
		return nil, fmt.Errorf("failed to get period by range: %w", err)
	}
	return p, nil
}

// List retrieves all periods, newest first.
func (r *PeriodRepository) List(ctx context.Context) ([]*model.Period, error) {
	const query = `SELECT ` + periodColumns + ` FROM settlement_periods ORDER BY period_id DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list periods: %w", err)
	}
	defer rows.Close()

	var periods []*model.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan period: %w", err)
		}
		periods = append(periods, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating periods: %w", err)
	}
	return periods, nil
}

// GetActive retrieves the single active period, if one is set.
func (r *PeriodRepository) GetActive(ctx context.Context) (*model.Period, error) {
	const query = `SELECT ` + periodColumns + ` FROM settlement_periods WHERE is_active LIMIT 1`

	p, err := scanPeriod(r.pool.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPeriodNotFound
		}
		return nil, fmt.Errorf("failed to get active period: %w", err)
	}
	return p, nil
}

// GetLatestUnpaidForUser retrieves the newest open/paying period in which
// the user still has an unsettled payable.
func (r *PeriodRepository) GetLatestUnpaidForUser(ctx context.Context, userID int64) (*model.Period, error) {
	const query = `
		SELECT ` + periodColumns + `
		FROM settlement_periods p
		JOIN user_payables up ON up.period_id = p.period_id
		WHERE up.user_id = $1
		  AND up.status <> $2
		  AND p.status IN ($3, $4)
		ORDER BY p.period_id DESC
		LIMIT 1`

	p, err := scanPeriod(r.pool.QueryRow(ctx, query,
		userID, model.PayableStatusPaid, model.PeriodStatusOpen, model.PeriodStatusPaying))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPeriodNotFound
		}
		return nil, fmt.Errorf("failed to get unpaid period for user: %w", err)
	}
	return p, nil
}

// GetLatestOpenOrPaying retrieves the newest period still accepting payments.
func (r *PeriodRepository) GetLatestOpenOrPaying(ctx context.Context) (*model.Period, error) {
	const query = `
		SELECT ` + periodColumns + `
		FROM settlement_periods
		WHERE status IN ($1, $2)
		ORDER BY period_id DESC
		LIMIT 1`

	p, err := scanPeriod(r.pool.QueryRow(ctx, query, model.PeriodStatusOpen, model.PeriodStatusPaying))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPeriodNotFound
		}
		return nil, fmt.Errorf("failed to get latest period: %w", err)
	}
	return p, nil
}

// ActivateExclusive marks one period active and clears the flag on every
// other period in a single statement pair; run inside a transaction so the
// single-active invariant holds atomically.
func (r *PeriodRepository) ActivateExclusive(ctx context.Context, q Querier, periodID int64) error {
	if _, err := q.Exec(ctx,
		`UPDATE settlement_periods SET is_active = FALSE, updated_at = NOW() WHERE period_id <> $1 AND is_active`,
		periodID,
	); err != nil {
		return fmt.Errorf("failed to clear active periods: %w", err)
	}

	tag, err := q.Exec(ctx,
		`UPDATE settlement_periods SET is_active = TRUE, updated_at = NOW() WHERE period_id = $1`,
		periodID,
	)
	if err != nil {
		return fmt.Errorf("failed to activate period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

// UpdateStatus transitions a period's lifecycle status.
func (r *PeriodRepository) UpdateStatus(ctx context.Context, q Querier, periodID int64, status string) error {
	tag, err := q.Exec(ctx,
		`UPDATE settlement_periods SET status = $2, updated_at = NOW() WHERE period_id = $1`,
		periodID, status,
	)
	if err != nil {
		return fmt.Errorf("failed to update period status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}

// Delete removes a period row. Callers are responsible for the no-payment /
// no-ledger guards and for cascading the generated rows first.
func (r *PeriodRepository) Delete(ctx context.Context, q Querier, periodID int64) error {
	tag, err := q.Exec(ctx, `DELETE FROM settlement_periods WHERE period_id = $1`, periodID)
	if err != nil {
		return fmt.Errorf("failed to delete period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodNotFound
	}
	return nil
}
