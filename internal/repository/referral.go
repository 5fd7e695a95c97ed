package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"referral-settlement/internal/model"
)

// ErrReferralEdgeNotFound is returned when a user has no referral edge.
var ErrReferralEdgeNotFound = errors.New("referral edge not found")

// ReferralRepository handles the live referral graph. The graph itself is
// owned by an upstream system; this repository only mirrors the
// (user, inviter1, inviter2) edges the snapshotter copies from.
type ReferralRepository struct {
	pool *pgxpool.Pool
}

// NewReferralRepository creates a new ReferralRepository instance.
func NewReferralRepository(pool *pgxpool.Pool) *ReferralRepository {
	return &ReferralRepository{pool: pool}
}

// Set upserts a user's inviter edges.
func (r *ReferralRepository) Set(ctx context.Context, userID int64, inviterL1, inviterL2 *int64) (*model.ReferralEdge, error) {
	const query = `
		INSERT INTO referral_edges (user_id, inviter_level1, inviter_level2, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			inviter_level1 = EXCLUDED.inviter_level1,
			inviter_level2 = EXCLUDED.inviter_level2,
			updated_at = NOW()
		RETURNING user_id, inviter_level1, inviter_level2, updated_at`

	var edge model.ReferralEdge
	err := r.pool.QueryRow(ctx, query, userID, inviterL1, inviterL2).Scan(
		&edge.UserID,
		&edge.InviterL1,
		&edge.InviterL2,
		&edge.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set referral edge: %w", err)
	}
	return &edge, nil
}

// Get retrieves a user's current inviter edges.
func (r *ReferralRepository) Get(ctx context.Context, userID int64) (*model.ReferralEdge, error) {
	const query = `
		SELECT user_id, inviter_level1, inviter_level2, updated_at
		FROM referral_edges
		WHERE user_id = $1`

	var edge model.ReferralEdge
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&edge.UserID,
		&edge.InviterL1,
		&edge.InviterL2,
		&edge.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReferralEdgeNotFound
		}
		return nil, fmt.Errorf("failed to get referral edge: %w", err)
	}
	return &edge, nil
}
