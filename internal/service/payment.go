package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"referral-settlement/internal/model"
	"referral-settlement/internal/pkg/ids"
	"referral-settlement/internal/pkg/lock"
	"referral-settlement/internal/pkg/metrics"
	"referral-settlement/internal/repository"
)

// PaymentService handles payment submission and review. Confirmation is the
// trigger for the whole downstream money flow: payable settlement, commission
// funding and the unlock cascade.
type PaymentService struct {
	pool          *pgxpool.Pool
	periods       *PeriodService
	funding       *FundingService
	periodRepo    *repository.PeriodRepository
	payableRepo   *repository.PayableRepository
	paymentRepo   *repository.PaymentRepository
	locks         *lock.SettlementLock
	ids           *ids.Generator
	lockTimeout   time.Duration
	defaultMethod string
	metrics       *metrics.Metrics
	log           zerolog.Logger
}

// NewPaymentService creates a new PaymentService instance.
func NewPaymentService(
	pool *pgxpool.Pool,
	periods *PeriodService,
	funding *FundingService,
	periodRepo *repository.PeriodRepository,
	payableRepo *repository.PayableRepository,
	paymentRepo *repository.PaymentRepository,
	locks *lock.SettlementLock,
	idGen *ids.Generator,
	lockTimeout time.Duration,
	defaultMethod string,
	m *metrics.Metrics,
	log zerolog.Logger,
) *PaymentService {
	return &PaymentService{
		pool:          pool,
		periods:       periods,
		funding:       funding,
		periodRepo:    periodRepo,
		payableRepo:   payableRepo,
		paymentRepo:   paymentRepo,
		locks:         locks,
		ids:           idGen,
		lockTimeout:   lockTimeout,
		defaultMethod: defaultMethod,
		metrics:       m,
		log:           log,
	}
}

// SubmitPaymentInput carries a payer's payment submission. PeriodID zero
// means "my current period".
type SubmitPaymentInput struct {
	PayerUserID int64
	PeriodID    int64
	AmountCoins int64
	Method      string
	ProofURL    *string
}

// Submit records a payment against the payer's payable for review.
func (s *PaymentService) Submit(ctx context.Context, in *SubmitPaymentInput) (*model.Payment, error) {
	payment, err := s.submit(ctx, in)
	s.metrics.ObserveOperation("payment_submit", err)
	return payment, err
}

func (s *PaymentService) submit(ctx context.Context, in *SubmitPaymentInput) (*model.Payment, error) {
	if in.AmountCoins <= 0 {
		return nil, Validationf("amount must be positive, got %d", in.AmountCoins)
	}

	var period *model.Period
	var err error
	if in.PeriodID > 0 {
		period, err = s.periods.Get(ctx, in.PeriodID)
	} else {
		period, err = s.periods.ResolveCurrent(ctx, in.PayerUserID)
	}
	if err != nil {
		return nil, err
	}
	if period.Status == model.PeriodStatusClosed {
		return nil, Statef("period %d is closed", period.ID)
	}

	now := time.Now()
	if now.Before(period.PayStart) || now.After(endOfDay(period.PayEnd)) {
		return nil, Validationf("payment window for period %d is %s..%s",
			period.ID, period.PayStart.Format(time.DateOnly), period.PayEnd.Format(time.DateOnly))
	}

	payable, err := s.payableRepo.Get(ctx, period.ID, in.PayerUserID)
	if err != nil {
		if errors.Is(err, repository.ErrPayableNotFound) {
			return nil, NotFoundf("no payable for user %d in period %d", in.PayerUserID, period.ID)
		}
		return nil, err
	}
	if payable.Status == model.PayableStatusPaid {
		return nil, Statef("payable for period %d is already settled", period.ID)
	}
	if remaining := payable.Remaining(); in.AmountCoins > remaining {
		return nil, Validationf("amount %d exceeds remaining %d for period %d",
			in.AmountCoins, remaining, period.ID)
	}

	method := in.Method
	if method == "" {
		method = s.defaultMethod
	}

	payment := &model.Payment{
		ID:          s.ids.Next(),
		PeriodID:    period.ID,
		PayerUserID: in.PayerUserID,
		AmountCoins: in.AmountCoins,
		Method:      method,
		ProofURL:    in.ProofURL,
		Status:      model.PaymentStatusSubmitted,
	}
	created, err := s.paymentRepo.Create(ctx, payment)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("payment_id", created.ID).
		Int64("period_id", created.PeriodID).
		Int64("payer_user_id", created.PayerUserID).
		Int64("amount_coins", created.AmountCoins).
		Msg("payment submitted")
	return created, nil
}

// Confirm accepts a submitted payment, credits it against the payer's
// payable, and, when the payable newly reaches paid, runs the commission
// funding and unlock cascade in the same transaction.
func (s *PaymentService) Confirm(ctx context.Context, paymentID, reviewerID int64) (*model.UserPayable, error) {
	payment, err := s.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			err = NotFoundf("payment %d not found", paymentID)
		}
		s.metrics.ObserveOperation("payment_confirm", err)
		return nil, err
	}

	key := lock.Key{PeriodID: payment.PeriodID, UserID: payment.PayerUserID}
	var payable *model.UserPayable
	err = s.locks.WithLockContext(ctx, key, s.lockTimeout, func() error {
		var err error
		payable, err = s.confirmInTx(ctx, paymentID, reviewerID)
		return err
	})
	if errors.Is(err, lock.ErrLockTimeout) {
		err = Conflictf("payment %d is being processed, try again", paymentID)
	}
	s.metrics.ObserveOperation("payment_confirm", err)
	if err != nil {
		return nil, err
	}
	return payable, nil
}

func (s *PaymentService) confirmInTx(ctx context.Context, paymentID, reviewerID int64) (*model.UserPayable, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	payment, err := s.paymentRepo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return nil, NotFoundf("payment %d not found", paymentID)
		}
		return nil, err
	}
	if payment.Status != model.PaymentStatusSubmitted {
		return nil, Statef("payment %d is %s, not submitted", paymentID, payment.Status)
	}

	// Shared lock on the period row: generation holds it FOR UPDATE, so a
	// confirmation can never interleave with a regeneration of the period.
	period, err := s.periodRepo.GetForShare(ctx, tx, payment.PeriodID)
	if err != nil {
		return nil, err
	}

	payable, err := s.payableRepo.GetForUpdate(ctx, tx, payment.PeriodID, payment.PayerUserID)
	if err != nil {
		if errors.Is(err, repository.ErrPayableNotFound) {
			return nil, NotFoundf("no payable for user %d in period %d", payment.PayerUserID, payment.PeriodID)
		}
		return nil, err
	}

	now := time.Now()
	wasPaid := payable.Status == model.PayableStatusPaid

	payable.AmountPaidCoins += payment.AmountCoins
	if payable.FirstPaidAt == nil && payable.AmountPaidCoins > 0 {
		payable.FirstPaidAt = &now
	}
	payable.Status = EvaluatePayableStatus(payable.AmountDueCoins, payable.AmountPaidCoins, now, period.PayEnd)
	newlyPaid := !wasPaid && payable.Status == model.PayableStatusPaid
	if newlyPaid && payable.PaidAt == nil {
		payable.PaidAt = &now
	}

	if err := s.payableRepo.Update(ctx, tx, payable); err != nil {
		return nil, err
	}
	if err := s.paymentRepo.MarkConfirmed(ctx, tx, paymentID, reviewerID, now); err != nil {
		return nil, err
	}

	if newlyPaid {
		if err := s.funding.FundAndUnlock(ctx, tx, payment.PeriodID, payment.PayerUserID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info().
		Int64("payment_id", paymentID).
		Int64("period_id", payment.PeriodID).
		Int64("payer_user_id", payment.PayerUserID).
		Str("payable_status", payable.Status).
		Bool("newly_paid", newlyPaid).
		Msg("payment confirmed")
	return payable, nil
}

// Reject declines a submitted payment. The payable is untouched.
func (s *PaymentService) Reject(ctx context.Context, paymentID, reviewerID int64, reason string) error {
	err := s.reject(ctx, paymentID, reviewerID, reason)
	s.metrics.ObserveOperation("payment_reject", err)
	return err
}

func (s *PaymentService) reject(ctx context.Context, paymentID, reviewerID int64, reason string) error {
	if reason == "" {
		return Validationf("reject reason is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	payment, err := s.paymentRepo.GetForUpdate(ctx, tx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			return NotFoundf("payment %d not found", paymentID)
		}
		return err
	}
	if payment.Status != model.PaymentStatusSubmitted {
		return Statef("payment %d is %s, not submitted", paymentID, payment.Status)
	}

	if err := s.paymentRepo.MarkRejected(ctx, tx, paymentID, reviewerID, reason, time.Now()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info().
		Int64("payment_id", paymentID).
		Str("reason", reason).
		Msg("payment rejected")
	return nil
}

// ListByPayer retrieves a user's payments, newest first.
func (s *PaymentService) ListByPayer(ctx context.Context, payerUserID int64, limit int) ([]*model.Payment, error) {
	return s.paymentRepo.ListByPayer(ctx, payerUserID, normalizeLimit(limit))
}

// List retrieves payments with optional period and status filters.
func (s *PaymentService) List(ctx context.Context, periodID int64, status string, limit int) ([]*model.Payment, error) {
	return s.paymentRepo.List(ctx, periodID, status, normalizeLimit(limit))
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
