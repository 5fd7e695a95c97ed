package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"referral-settlement/internal/model"
	"referral-settlement/internal/pkg/lock"
	"referral-settlement/internal/pkg/metrics"
	"referral-settlement/internal/repository"
)

// GenerationService builds a period's settlement rows: the referral
// snapshot, the income splits, the commissions and the payables.
type GenerationService struct {
	pool           *pgxpool.Pool
	periodRepo     *repository.PeriodRepository
	snapshotRepo   *repository.SnapshotRepository
	earningRepo    *repository.EarningRepository
	incomeRepo     *repository.IncomeRepository
	payableRepo    *repository.PayableRepository
	paymentRepo    *repository.PaymentRepository
	commissionRepo *repository.CommissionRepository
	walletRepo     *repository.WalletRepository
	locks          *lock.SettlementLock
	lockTimeout    time.Duration
	metrics        *metrics.Metrics
	log            zerolog.Logger
}

// NewGenerationService creates a new GenerationService instance.
func NewGenerationService(
	pool *pgxpool.Pool,
	periodRepo *repository.PeriodRepository,
	snapshotRepo *repository.SnapshotRepository,
	earningRepo *repository.EarningRepository,
	incomeRepo *repository.IncomeRepository,
	payableRepo *repository.PayableRepository,
	paymentRepo *repository.PaymentRepository,
	commissionRepo *repository.CommissionRepository,
	walletRepo *repository.WalletRepository,
	locks *lock.SettlementLock,
	lockTimeout time.Duration,
	m *metrics.Metrics,
	log zerolog.Logger,
) *GenerationService {
	return &GenerationService{
		pool:           pool,
		periodRepo:     periodRepo,
		snapshotRepo:   snapshotRepo,
		earningRepo:    earningRepo,
		incomeRepo:     incomeRepo,
		payableRepo:    payableRepo,
		paymentRepo:    paymentRepo,
		commissionRepo: commissionRepo,
		walletRepo:     walletRepo,
		locks:          locks,
		lockTimeout:    lockTimeout,
		metrics:        m,
		log:            log,
	}
}

// GenerateResult summarizes one generation run.
type GenerateResult struct {
	PeriodID    int64 `json:"period_id"`
	Users       int   `json:"users"`
	Commissions int   `json:"commissions"`
	GrossCoins  int64 `json:"gross_coins"`
	Snapshotted int64 `json:"snapshotted"`
}

// Generate builds the full settlement for a period in one transaction:
// freeze the referral graph, aggregate earnings over the statistics window,
// split every user's gross, and write income, commission and payable rows.
// With regenerate set, existing rows are rebuilt as long as no payment,
// funded commission or ledger entry references the period yet.
func (s *GenerationService) Generate(ctx context.Context, periodID int64, regenerate bool) (*GenerateResult, error) {
	key := lock.PeriodKey(periodID)
	var result *GenerateResult
	err := s.locks.WithLockContext(ctx, key, s.lockTimeout, func() error {
		var err error
		result, err = s.generateInTx(ctx, periodID, regenerate)
		return err
	})
	if errors.Is(err, lock.ErrLockTimeout) {
		err = Conflictf("period %d is busy, try again", periodID)
	}
	s.metrics.ObserveOperation("generate", err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *GenerationService) generateInTx(ctx context.Context, periodID int64, regenerate bool) (*GenerateResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	period, err := s.periodRepo.GetForUpdate(ctx, tx, periodID)
	if err != nil {
		if errors.Is(err, repository.ErrPeriodNotFound) {
			return nil, NotFoundf("period %d not found", periodID)
		}
		return nil, err
	}
	if period.Status == model.PeriodStatusClosed {
		return nil, Statef("period %d is closed", periodID)
	}

	generated, err := s.hasGeneratedRows(ctx, tx, periodID)
	if err != nil {
		return nil, err
	}
	if generated {
		if !regenerate {
			return nil, Statef("period %d is already generated", periodID)
		}
		if err := s.clearGenerated(ctx, tx, periodID); err != nil {
			return nil, err
		}
	}

	snapshotted, err := s.snapshotRepo.CopyFromLiveGraph(ctx, tx, periodID)
	if err != nil {
		return nil, err
	}

	totals, err := s.earningRepo.SumByUserWithInviters(ctx, tx, periodID, period.StatStart, period.StatEnd)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	result := &GenerateResult{PeriodID: periodID, Snapshotted: snapshotted}
	for _, t := range totals {
		split := ComputeSplit(t.GrossCoins, period, t.InviterL1 != nil, t.InviterL2 != nil)

		income := &model.UserIncome{
			PeriodID:            periodID,
			UserID:              t.UserID,
			GrossCoins:          t.GrossCoins,
			SelfKeepCoins:       split.SelfKeep,
			SelfPayableCoins:    split.SelfPayable,
			L1UserID:            t.InviterL1,
			L2UserID:            t.InviterL2,
			L1CommissionCoins:   split.L1,
			L2CommissionCoins:   split.L2,
			PlatformRetainCoins: split.PlatformRetain,
		}
		if err := s.incomeRepo.Insert(ctx, tx, income); err != nil {
			return nil, err
		}

		inserted, err := s.insertCommissions(ctx, tx, income, false)
		if err != nil {
			return nil, err
		}
		result.Commissions += inserted

		payable := &model.UserPayable{
			PeriodID:        periodID,
			UserID:          t.UserID,
			AmountDueCoins:  split.SelfPayable,
			AmountPaidCoins: 0,
			Status:          EvaluatePayableStatus(split.SelfPayable, 0, now, period.PayEnd),
		}
		if err := s.payableRepo.Insert(ctx, tx, payable); err != nil {
			return nil, err
		}

		result.Users++
		result.GrossCoins += t.GrossCoins
	}

	if period.Status == model.PeriodStatusOpen {
		if err := s.periodRepo.UpdateStatus(ctx, tx, periodID, model.PeriodStatusPaying); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info().
		Int64("period_id", periodID).
		Int("users", result.Users).
		Int("commissions", result.Commissions).
		Int64("gross_coins", result.GrossCoins).
		Bool("regenerate", regenerate).
		Msg("settlement generated")
	return result, nil
}

// hasGeneratedRows reports whether any generated row exists for the period.
// Snapshot, payable and commission rows count too, so a partial earlier run
// is refused cleanly instead of failing on a key collision mid-insert.
func (s *GenerationService) hasGeneratedRows(ctx context.Context, tx pgx.Tx, periodID int64) (bool, error) {
	if exists, err := s.incomeRepo.ExistsForPeriod(ctx, tx, periodID); err != nil || exists {
		return exists, err
	}
	if exists, err := s.snapshotRepo.ExistsForPeriod(ctx, tx, periodID); err != nil || exists {
		return exists, err
	}
	if exists, err := s.payableRepo.ExistsForPeriod(ctx, tx, periodID); err != nil || exists {
		return exists, err
	}
	exists, err := s.commissionRepo.ExistsForPeriod(ctx, tx, periodID)
	return exists, err
}

// clearGenerated wipes a period's generated rows ahead of a regenerate.
// Refused once money has moved: payments, funded commissions or ledger
// entries pin the period.
func (s *GenerationService) clearGenerated(ctx context.Context, tx pgx.Tx, periodID int64) error {
	hasPayments, err := s.paymentRepo.ExistsForPeriod(ctx, tx, periodID)
	if err != nil {
		return err
	}
	if hasPayments {
		return Statef("period %d has payments and cannot be regenerated", periodID)
	}

	hasFunded, err := s.commissionRepo.HasFundedForPeriod(ctx, tx, periodID)
	if err != nil {
		return err
	}
	if hasFunded {
		return Statef("period %d has funded commissions and cannot be regenerated", periodID)
	}

	hasLedger, err := s.walletRepo.HasEntriesForPeriod(ctx, tx, periodID)
	if err != nil {
		return err
	}
	if hasLedger {
		return Statef("period %d has ledger entries and cannot be regenerated", periodID)
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
	return s.snapshotRepo.DeleteForPeriod(ctx, tx, periodID)
}

// insertCommissions writes the L1/L2 commission rows an income row implies.
// Zero-amount levels and missing inviters produce no row. With ifAbsent set,
// rows that already exist are left alone.
func (s *GenerationService) insertCommissions(ctx context.Context, tx pgx.Tx, income *model.UserIncome, ifAbsent bool) (int, error) {
	type pending struct {
		beneficiary int64
		level       int
		amount      int64
	}
	var rows []pending
	if income.L1UserID != nil && income.L1CommissionCoins > 0 {
		rows = append(rows, pending{*income.L1UserID, 1, income.L1CommissionCoins})
	}
	if income.L2UserID != nil && income.L2CommissionCoins > 0 {
		rows = append(rows, pending{*income.L2UserID, 2, income.L2CommissionCoins})
	}

	inserted := 0
	for _, row := range rows {
		c := &model.Commission{
			PeriodID:          income.PeriodID,
			SourceUserID:      income.UserID,
			BeneficiaryUserID: row.beneficiary,
			Level:             row.level,
			AmountCoins:       row.amount,
			FundingStatus:     model.FundingStatusUnfunded,
		}
		if ifAbsent {
			ok, err := s.commissionRepo.InsertIfAbsent(ctx, tx, c)
			if err != nil {
				return 0, err
			}
			if ok {
				inserted++
			}
			continue
		}
		if err := s.commissionRepo.Insert(ctx, tx, c); err != nil {
			return 0, err
		}
		inserted++
	}
	return inserted, nil
}

// GenerateCommissionsOnly backfills missing commission rows from a period's
// existing income rows. Idempotent; rows that already exist are untouched.
func (s *GenerationService) GenerateCommissionsOnly(ctx context.Context, periodID int64) (int, error) {
	key := lock.PeriodKey(periodID)
	var inserted int
	err := s.locks.WithLockContext(ctx, key, s.lockTimeout, func() error {
		var err error
		inserted, err = s.backfillCommissions(ctx, periodID)
		return err
	})
	if errors.Is(err, lock.ErrLockTimeout) {
		err = Conflictf("period %d is busy, try again", periodID)
	}
	s.metrics.ObserveOperation("generate_commissions", err)
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *GenerationService) backfillCommissions(ctx context.Context, periodID int64) (int, error) {
	incomes, err := s.incomeRepo.ListByPeriod(ctx, periodID)
	if err != nil {
		return 0, err
	}
	if len(incomes) == 0 {
		return 0, NotFoundf("period %d has no generated income", periodID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	total := 0
	for _, income := range incomes {
		inserted, err := s.insertCommissions(ctx, tx, income, true)
		if err != nil {
			return 0, err
		}
		total += inserted
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info().
		Int64("period_id", periodID).
		Int("inserted", total).
		Msg("commission backfill completed")
	return total, nil
}
