package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"referral-settlement/internal/model"
)

// EarningRepository handles raw daily earning records supplied by the
// external earnings source.
type EarningRepository struct {
	pool *pgxpool.Pool
}

// NewEarningRepository creates a new EarningRepository instance.
func NewEarningRepository(pool *pgxpool.Pool) *EarningRepository {
	return &EarningRepository{pool: pool}
}

// Upsert writes one daily earning record, replacing the total for the day
// if it already exists.
func (r *EarningRepository) Upsert(ctx context.Context, rec *model.EarningRecord) (*model.EarningRecord, error) {
	const query = `
		INSERT INTO earning_records (user_id, stat_date, coins_total, note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (user_id, stat_date) DO UPDATE SET
			coins_total = EXCLUDED.coins_total,
			note = EXCLUDED.note,
			updated_at = NOW()
		RETURNING user_id, stat_date, coins_total, note, created_at, updated_at`

	var out model.EarningRecord
	err := r.pool.QueryRow(ctx, query, rec.UserID, rec.StatDate, rec.CoinsTotal, rec.Note).Scan(
		&out.UserID,
		&out.StatDate,
		&out.CoinsTotal,
		&out.Note,
		&out.CreatedAt,
		&out.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert earning record: %w", err)
	}
	return &out, nil
}

// UserGrossWithInviters joins a user's summed earnings with their frozen
// inviters for the period being generated.
type UserGrossWithInviters struct {
	UserID     int64
	GrossCoins int64
	InviterL1  *int64
	InviterL2  *int64
}

// SumByUserWithInviters aggregates earnings per user over the statistics
// window and attaches the period's frozen inviters. Users without a snapshot
// row come back with nil inviters.
func (r *EarningRepository) SumByUserWithInviters(ctx context.Context, q Querier, periodID int64, statStart, statEnd time.Time) ([]UserGrossWithInviters, error) {
	const query = `
		SELECT e.user_id, COALESCE(SUM(e.coins_total), 0) AS gross_coins,
		       s.inviter_level1, s.inviter_level2
		FROM earning_records e
		LEFT JOIN referral_snapshots s ON s.period_id = $1 AND s.user_id = e.user_id
		WHERE e.stat_date BETWEEN $2 AND $3
		GROUP BY e.user_id, s.inviter_level1, s.inviter_level2
		ORDER BY e.user_id`

	rows, err := q.Query(ctx, query, periodID, statStart, statEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to sum earnings with inviters: %w", err)
	}
	defer rows.Close()

	var totals []UserGrossWithInviters
	for rows.Next() {
		var g UserGrossWithInviters
		if err := rows.Scan(&g.UserID, &g.GrossCoins, &g.InviterL1, &g.InviterL2); err != nil {
			return nil, fmt.Errorf("failed to scan earning sum: %w", err)
		}
		totals = append(totals, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating earning sums: %w", err)
	}
	return totals, nil
}

// ListByUser retrieves a user's daily records, newest first.
func (r *EarningRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.EarningRecord, error) {
	const query = `
		SELECT user_id, stat_date, coins_total, note, created_at, updated_at
		FROM earning_records
		WHERE user_id = $1
		ORDER BY stat_date DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list earnings: %w", err)
	}
	defer rows.Close()

	var records []*model.EarningRecord
	for rows.Next() {
		var rec model.EarningRecord
		err := rows.Scan(
			&rec.UserID,
			&rec.StatDate,
			&rec.CoinsTotal,
			&rec.Note,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan earning record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating earning records: %w", err)
	}
	return records, nil
}
