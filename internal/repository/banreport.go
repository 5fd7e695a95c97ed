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

// ErrBanReportNotFound is returned when a ban report does not exist.
var ErrBanReportNotFound = errors.New("ban report not found")

const banReportColumns = `
	report_id, period_id, user_id, env_ref, banned_coins, proof_path,
	status, is_applied, reject_reason, reviewed_by, reviewed_at,
	applied_by, applied_at,
	deduct_gross_coins, deduct_self_keep_coins, deduct_due_coins,
	deduct_l1_commission_coins, deduct_l2_commission_coins,
	deduct_platform_retain_coins, submitted_at`

// BanReportRepository handles ban report persistence.
type BanReportRepository struct {
	pool *pgxpool.Pool
}

// NewBanReportRepository creates a new BanReportRepository instance.
func NewBanReportRepository(pool *pgxpool.Pool) *BanReportRepository {
	return &BanReportRepository{pool: pool}
}

func scanBanReport(row pgx.Row) (*model.BanReport, error) {
	var b model.BanReport
	err := row.Scan(
		&b.ID,
		&b.PeriodID,
		&b.UserID,
		&b.EnvRef,
		&b.BannedCoins,
		&b.ProofPath,
		&b.Status,
		&b.IsApplied,
		&b.RejectReason,
		&b.ReviewedBy,
		&b.ReviewedAt,
		&b.AppliedBy,
		&b.AppliedAt,
		&b.DeductGrossCoins,
		&b.DeductSelfKeepCoins,
		&b.DeductDueCoins,
		&b.DeductL1CommissionCoins,
		&b.DeductL2CommissionCoins,
		&b.DeductPlatformRetainCoins,
		&b.SubmittedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Create inserts a submitted ban report.
func (r *BanReportRepository) Create(ctx context.Context, b *model.BanReport) (*model.BanReport, error) {
	const query = `
		INSERT INTO ban_reports
			(report_id, period_id, user_id, env_ref, banned_coins, proof_path,
			 status, is_applied, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, NOW())
		RETURNING ` + banReportColumns

	created, err := scanBanReport(r.pool.QueryRow(ctx, query,
		b.ID, b.PeriodID, b.UserID, b.EnvRef, b.BannedCoins, b.ProofPath, b.Status,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create ban report: %w", err)
	}
	return created, nil
}

// GetByID retrieves a ban report by its id.
func (r *BanReportRepository) GetByID(ctx context.Context, reportID int64) (*model.BanReport, error) {
	const query = `SELECT ` + banReportColumns + ` FROM ban_reports WHERE report_id = $1`

	b, err := scanBanReport(r.pool.QueryRow(ctx, query, reportID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBanReportNotFound
		}
		return nil, fmt.Errorf("failed to get ban report: %w", err)
	}
	return b, nil
}

// GetForUpdate retrieves a ban report with an exclusive row lock.
func (r *BanReportRepository) GetForUpdate(ctx context.Context, q Querier, reportID int64) (*model.BanReport, error) {
	const query = `SELECT ` + banReportColumns + ` FROM ban_reports WHERE report_id = $1 FOR UPDATE`

	b, err := scanBanReport(q.QueryRow(ctx, query, reportID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBanReportNotFound
		}
		return nil, fmt.Errorf("failed to lock ban report: %w", err)
	}
	return b, nil
}

// UpdateReview records an approve or reject decision on a submitted report.
func (r *BanReportRepository) UpdateReview(ctx context.Context, q Querier, reportID, reviewerID int64, status string, rejectReason *string, at time.Time) error {
	const query = `
		UPDATE ban_reports
		SET status = $2, reject_reason = $3, reviewed_by = $4, reviewed_at = $5
		WHERE report_id = $1`

	tag, err := q.Exec(ctx, query, reportID, status, rejectReason, reviewerID, at)
	if err != nil {
		return fmt.Errorf("failed to review ban report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBanReportNotFound
	}
	return nil
}

// UpdateApplied marks a report applied and stores the audit deltas produced
// by the recompute.
func (r *BanReportRepository) UpdateApplied(ctx context.Context, q Querier, b *model.BanReport) error {
	const query = `
		UPDATE ban_reports SET
			is_applied = TRUE,
			applied_by = $2,
			applied_at = $3,
			deduct_gross_coins = $4,
			deduct_self_keep_coins = $5,
			deduct_due_coins = $6,
			deduct_l1_commission_coins = $7,
			deduct_l2_commission_coins = $8,
			deduct_platform_retain_coins = $9
		WHERE report_id = $1`

	tag, err := q.Exec(ctx, query,
		b.ID, b.AppliedBy, b.AppliedAt,
		b.DeductGrossCoins, b.DeductSelfKeepCoins, b.DeductDueCoins,
		b.DeductL1CommissionCoins, b.DeductL2CommissionCoins, b.DeductPlatformRetainCoins,
	)
	if err != nil {
		return fmt.Errorf("failed to mark ban report applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBanReportNotFound
	}
	return nil
}

// ListByUser retrieves reports targeting a user, newest first.
func (r *BanReportRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.BanReport, error) {
	const query = `
		SELECT ` + banReportColumns + `
		FROM ban_reports
		WHERE user_id = $1
		ORDER BY submitted_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ban reports: %w", err)
	}
	defer rows.Close()

	return collectBanReports(rows)
}

// List retrieves reports with optional period and status filters, newest first.
func (r *BanReportRepository) List(ctx context.Context, periodID int64, status string, limit int) ([]*model.BanReport, error) {
	query := `SELECT ` + banReportColumns + ` FROM ban_reports WHERE 1=1`
	args := []any{}
	if periodID > 0 {
		args = append(args, periodID)
		query += fmt.Sprintf(` AND period_id = $%d`, len(args))
	}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY submitted_at DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ban reports: %w", err)
	}
	defer rows.Close()

	return collectBanReports(rows)
}

func collectBanReports(rows pgx.Rows) ([]*model.BanReport, error) {
	var reports []*model.BanReport
	for rows.Next() {
		b, err := scanBanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ban report: %w", err)
		}
		reports = append(reports, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ban reports: %w", err)
	}
	return reports, nil
}
