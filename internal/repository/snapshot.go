package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"referral-settlement/internal/model"
)

// ErrSnapshotNotFound is returned when no snapshot row exists.
var ErrSnapshotNotFound = errors.New("referral snapshot not found")

// SnapshotRepository handles frozen per-period referral snapshots.
type SnapshotRepository struct {
	pool *pgxpool.Pool
}

// NewSnapshotRepository creates a new SnapshotRepository instance.
func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{pool: pool}
}

// CopyFromLiveGraph freezes the entire current referral graph into snapshot
// rows for the period in one bulk insert.
func (r *SnapshotRepository) CopyFromLiveGraph(ctx context.Context, q Querier, periodID int64) (int64, error) {
	const query = `
		INSERT INTO referral_snapshots (period_id, user_id, inviter_level1, inviter_level2, created_at)
		SELECT $1, user_id, inviter_level1, inviter_level2, NOW()
		FROM referral_edges`

	tag, err := q.Exec(ctx, query, periodID)
	if err != nil {
		return 0, fmt.Errorf("failed to snapshot referral graph: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get retrieves the frozen inviters for a (period, user) pair.
func (r *SnapshotRepository) Get(ctx context.Context, periodID, userID int64) (*model.ReferralSnapshot, error) {
	const query = `
		SELECT period_id, user_id, inviter_level1, inviter_level2, created_at
		FROM referral_snapshots
		WHERE period_id = $1 AND user_id = $2`

	var snap model.ReferralSnapshot
	err := r.pool.QueryRow(ctx, query, periodID, userID).Scan(
		&snap.PeriodID,
		&snap.UserID,
		&snap.InviterL1,
		&snap.InviterL2,
		&snap.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &snap, nil
}

// ExistsForPeriod reports whether any snapshot rows exist for the period.
func (r *SnapshotRepository) ExistsForPeriod(ctx context.Context, q Querier, periodID int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM referral_snapshots WHERE period_id = $1)`

	var exists bool
	if err := q.QueryRow(ctx, query, periodID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check snapshot existence: %w", err)
	}
	return exists, nil
}

// DeleteForPeriod removes all snapshot rows for a period (regenerate/delete paths).
func (r *SnapshotRepository) DeleteForPeriod(ctx context.Context, q Querier, periodID int64) error {
	if _, err := q.Exec(ctx, `DELETE FROM referral_snapshots WHERE period_id = $1`, periodID); err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return nil
}
