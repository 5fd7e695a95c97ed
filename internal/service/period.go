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
	"referral-settlement/internal/repository"
)

// PeriodService handles the settlement period lifecycle.
type PeriodService struct {
	pool           *pgxpool.Pool
	periodRepo     *repository.PeriodRepository
	snapshotRepo   *repository.SnapshotRepository
	incomeRepo     *repository.IncomeRepository
	payableRepo    *repository.PayableRepository
	paymentRepo    *repository.PaymentRepository
	commissionRepo *repository.CommissionRepository
	walletRepo     *repository.WalletRepository
	locks          *lock.SettlementLock
	ids            *ids.Generator
	lockTimeout    time.Duration
	log            zerolog.Logger
}

// NewPeriodService creates a new PeriodService instance.
func NewPeriodService(
	pool *pgxpool.Pool,
	periodRepo *repository.PeriodRepository,
	snapshotRepo *repository.SnapshotRepository,
	incomeRepo *repository.IncomeRepository,
	payableRepo *repository.PayableRepository,
	paymentRepo *repository.PaymentRepository,
	commissionRepo *repository.CommissionRepository,
	walletRepo *repository.WalletRepository,
	locks *lock.SettlementLock,
	idGen *ids.Generator,
	lockTimeout time.Duration,
	log zerolog.Logger,
) *PeriodService {
	return &PeriodService{
		pool:           pool,
		periodRepo:     periodRepo,
		snapshotRepo:   snapshotRepo,
		incomeRepo:     incomeRepo,
		payableRepo:    payableRepo,
		paymentRepo:    paymentRepo,
		commissionRepo: commissionRepo,
		walletRepo:     walletRepo,
		locks:          locks,
		ids:            idGen,
		lockTimeout:    lockTimeout,
		log:            log,
	}
}

// CreatePeriodInput carries the parameters for a new settlement period.
type CreatePeriodInput struct {
	StatStart  time.Time
	StatEnd    time.Time
	PayStart   time.Time
	PayEnd     time.Time
	CoinRate   int64
	HostBps    int32
	CollectBps int32
	L1Bps      int32
	L2Bps      int32
}

func (in *CreatePeriodInput) validate() error {
	if in.StatStart.After(in.StatEnd) {
		return Validationf("stat_start %s is after stat_end %s",
			in.StatStart.Format(time.DateOnly), in.StatEnd.Format(time.DateOnly))
	}
	if in.PayStart.After(in.PayEnd) {
		return Validationf("pay_start %s is after pay_end %s",
			in.PayStart.Format(time.DateOnly), in.PayEnd.Format(time.DateOnly))
	}
	if in.PayStart.Before(in.StatEnd) {
		return Validationf("pay window must start on or after stat_end")
	}
	if in.CoinRate <= 0 {
		return Validationf("coin_rate must be positive, got %d", in.CoinRate)
	}
	for _, bps := range []int32{in.HostBps, in.CollectBps, in.L1Bps, in.L2Bps} {
		if bps < 0 || bps > model.BpsDenominator {
			return Validationf("bps values must be within [0, %d]", model.BpsDenominator)
		}
	}
	if in.HostBps+in.CollectBps != model.BpsDenominator {
		return Validationf("host_bps + collect_bps must equal %d, got %d",
			model.BpsDenominator, in.HostBps+in.CollectBps)
	}
	if in.L1Bps+in.L2Bps > in.CollectBps {
		return Validationf("l1_bps + l2_bps (%d) exceeds collect_bps (%d)",
			in.L1Bps+in.L2Bps, in.CollectBps)
	}
	return nil
}

// Create validates and inserts a new period in the open state.
func (s *PeriodService) Create(ctx context.Context, in *CreatePeriodInput) (*model.Period, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	existing, err := s.periodRepo.GetByStatRange(ctx, in.StatStart, in.StatEnd)
	if err != nil && !errors.Is(err, repository.ErrPeriodNotFound) {
		return nil, fmt.Errorf("failed to check existing period: %w", err)
	}
	if existing != nil {
		return nil, Statef("period %d already covers stat window %s..%s",
			existing.ID, in.StatStart.Format(time.DateOnly), in.StatEnd.Format(time.DateOnly))
	}

	period := &model.Period{
		ID:         s.ids.Next(),
		StatStart:  in.StatStart,
		StatEnd:    in.StatEnd,
		PayStart:   in.PayStart,
		PayEnd:     in.PayEnd,
		CoinRate:   in.CoinRate,
		HostBps:    in.HostBps,
		CollectBps: in.CollectBps,
		L1Bps:      in.L1Bps,
		L2Bps:      in.L2Bps,
		Status:     model.PeriodStatusOpen,
		IsActive:   false,
	}

	created, err := s.periodRepo.Create(ctx, period)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("period_id", created.ID).
		Str("label", created.Label()).
		Msg("settlement period created")
	return created, nil
}

// Get retrieves a period by id.
func (s *PeriodService) Get(ctx context.Context, periodID int64) (*model.Period, error) {
	p, err := s.periodRepo.GetByID(ctx, periodID)
	if err != nil {
		if errors.Is(err, repository.ErrPeriodNotFound) {
			return nil, NotFoundf("period %d not found", periodID)
		}
		return nil, err
	}
	return p, nil
}

// List retrieves all periods, newest first.
func (s *PeriodService) List(ctx context.Context) ([]*model.Period, error) {
	return s.periodRepo.List(ctx)
}

// Activate marks one period as the active default, clearing the flag
// everywhere else.
func (s *PeriodService) Activate(ctx context.Context, periodID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	period, err := s.periodRepo.GetForUpdate(ctx, tx, periodID)
	if err != nil {
		if errors.Is(err, repository.ErrPeriodNotFound) {
			return NotFoundf("period %d not found", periodID)
		}
		return err
	}
	if period.Status == model.PeriodStatusClosed {
		return Statef("period %d is closed and cannot be activated", periodID)
	}

	if err := s.periodRepo.ActivateExclusive(ctx, tx, periodID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close transitions a period to the closed state. Closed periods accept no
// further payments or mutations.
func (s *PeriodService) Close(ctx context.Context, periodID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	period, err := s.periodRepo.GetForUpdate(ctx, tx, periodID)
	if err != nil {
		if errors.Is(err, repository.ErrPeriodNotFound) {
			return NotFoundf("period %d not found", periodID)
		}
		return err
	}
	if period.Status == model.PeriodStatusClosed {
		return Statef("period %d is already closed", periodID)
	}

	if err := s.periodRepo.UpdateStatus(ctx, tx, periodID, model.PeriodStatusClosed); err != nil {
		return err
	}
	// Anything still outstanding is overdue once the window shuts for good.
	flipped, err := s.payableRepo.MarkOverdueForPeriod(ctx, tx, periodID, time.Now())
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info().
		Int64("period_id", periodID).
		Int64("overdue_payables", flipped).
		Msg("period closed")
	return nil
}

// Delete removes a period and all of its generated rows. Refused once any
// payment, funded commission or ledger entry references the period.
func (s *PeriodService) Delete(ctx context.Context, periodID int64) error {
	key := lock.PeriodKey(periodID)
	err := s.locks.WithLockContext(ctx, key, s.lockTimeout, func() error {
		return s.deleteInTx(ctx, periodID)
	})
	if errors.Is(err, lock.ErrLockTimeout) {
		return Conflictf("period %d is busy, try again", periodID)
	}
	return err
}

func (s *PeriodService) deleteInTx(ctx context.Context, periodID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := s.periodRepo.GetForUpdate(ctx, tx, periodID); err != nil {
		if errors.Is(err, repository.ErrPeriodNotFound) {
			return NotFoundf("period %d not found", periodID)
		}
		return err
	}

	hasPayments, err := s.paymentRepo.ExistsForPeriod(ctx, tx, periodID)
	if err != nil {
		return err
	}
	if hasPayments {
		return Statef("period %d has payments and cannot be deleted", periodID)
	}

	hasFunded, err := s.commissionRepo.HasFundedForPeriod(ctx, tx, periodID)
	if err != nil {
		return err
	}
	if hasFunded {
		return Statef("period %d has funded commissions and cannot be deleted", periodID)
	}

	hasLedger, err := s.walletRepo.HasEntriesForPeriod(ctx, tx, periodID)
	if err != nil {
		return err
	}
	if hasLedger {
		return Statef("period %d has ledger entries and cannot be deleted", periodID)
	}

	if err := s.commissionRepo.DeleteForPeriod(ctx, tx, periodID); err != nil {
		return err
	}
	if err := s.payableRepo.DeleteForPeriod(ctx, tx, periodID); err != nil {
		return err
	}
	if err := s.incomeRepo.DeleteForPeriod(ctx, tx, periodID); err != nil {
		return err
	}
	if err := s.snapshotRepo.DeleteForPeriod(ctx, tx, periodID); err != nil {
		return err
	}
	if err := s.periodRepo.Delete(ctx, tx, periodID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info().Int64("period_id", periodID).Msg("settlement period deleted")
	return nil
}

// ResolveCurrent picks the period a user's payment applies to when they do
// not name one: the active period first, then the newest open or paying
// period where the user still owes, then the newest open or paying period.
func (s *PeriodService) ResolveCurrent(ctx context.Context, userID int64) (*model.Period, error) {
	p, err := s.periodRepo.GetActive(ctx)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repository.ErrPeriodNotFound) {
		return nil, err
	}

	p, err = s.periodRepo.GetLatestUnpaidForUser(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, repository.ErrPeriodNotFound) {
		return nil, err
	}

	p, err = s.periodRepo.GetLatestOpenOrPaying(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrPeriodNotFound) {
			return nil, NotFoundf("no open settlement period")
		}
		return nil, err
	}
	return p, nil
}
