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

// ErrPaymentNotFound is returned when a payment does not exist.
var ErrPaymentNotFound = errors.New("payment not found")

const paymentColumns = `
	payment_id, period_id, payer_user_id, amount_coins, method, proof_url,
	status, submitted_at, confirmed_at, confirmed_by, reject_reason`

// PaymentRepository handles submitted payment records.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository creates a new PaymentRepository instance.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var p model.Payment
	err := row.Scan(
		&p.ID,
		&p.PeriodID,
		&p.PayerUserID,
		&p.AmountCoins,
		&p.Method,
		&p.ProofURL,
		&p.Status,
		&p.SubmittedAt,
		&p.ConfirmedAt,
		&p.ConfirmedBy,
		&p.RejectReason,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a submitted payment.
func (r *PaymentRepository) Create(ctx context.Context, p *model.Payment) (*model.Payment, error) {
	const query = `
		INSERT INTO payments
			(payment_id, period_id, payer_user_id, amount_coins, method, proof_url,
			 status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING ` + paymentColumns

	created, err := scanPayment(r.pool.QueryRow(ctx, query,
		p.ID, p.PeriodID, p.PayerUserID, p.AmountCoins, p.Method, p.ProofURL, p.Status,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	return created, nil
}

// GetByID retrieves a payment by its id.
func (r *PaymentRepository) GetByID(ctx context.Context, paymentID int64) (*model.Payment, error) {
	const query = `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = $1`

	p, err := scanPayment(r.pool.QueryRow(ctx, query, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// GetForUpdate retrieves a payment with an exclusive row lock.
func (r *PaymentRepository) GetForUpdate(ctx context.Context, q Querier, paymentID int64) (*model.Payment, error) {
	const query = `SELECT ` + paymentColumns + ` FROM payments WHERE payment_id = $1 FOR UPDATE`

	p, err := scanPayment(q.QueryRow(ctx, query, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to lock payment: %w", err)
	}
	return p, nil
}

// MarkConfirmed records a reviewer's confirmation of a submitted payment.
func (r *PaymentRepository) MarkConfirmed(ctx context.Context, q Querier, paymentID, reviewerID int64, at time.Time) error {
	const query = `
		UPDATE payments SET status = $2, confirmed_at = $3, confirmed_by = $4
		WHERE payment_id = $1`

	tag, err := q.Exec(ctx, query, paymentID, model.PaymentStatusConfirmed, at, reviewerID)
	if err != nil {
		return fmt.Errorf("failed to confirm payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// MarkRejected records a reviewer's rejection of a submitted payment.
func (r *PaymentRepository) MarkRejected(ctx context.Context, q Querier, paymentID, reviewerID int64, reason string, at time.Time) error {
	const query = `
		UPDATE payments SET status = $2, confirmed_at = $3, confirmed_by = $4, reject_reason = $5
		WHERE payment_id = $1`

	tag, err := q.Exec(ctx, query, paymentID, model.PaymentStatusRejected, at, reviewerID, reason)
	if err != nil {
		return fmt.Errorf("failed to reject payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// ListByPayer retrieves a user's payments, newest first.
func (r *PaymentRepository) ListByPayer(ctx context.Context, payerUserID int64, limit int) ([]*model.Payment, error) {
	const query = `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE payer_user_id = $1
		ORDER BY submitted_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, payerUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	return collectPayments(rows)
}

// List retrieves payments with optional period and status filters, newest first.
func (r *PaymentRepository) List(ctx context.Context, periodID int64, status string, limit int) ([]*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE 1=1`
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
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	return collectPayments(rows)
}

func collectPayments(rows pgx.Rows) ([]*model.Payment, error) {
	var payments []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payments: %w", err)
	}
	return payments, nil
}

// ExistsForPeriod reports whether any payments reference the period.
func (r *PaymentRepository) ExistsForPeriod(ctx context.Context, q Querier, periodID int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM payments WHERE period_id = $1)`

	var exists bool
	if err := q.QueryRow(ctx, query, periodID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check payment existence: %w", err)
	}
	return exists, nil
}
