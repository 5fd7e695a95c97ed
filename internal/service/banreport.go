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
	"referral-settlement/internal/pkg/ids"
	"referral-settlement/internal/pkg/lock"
	"referral-settlement/internal/pkg/metrics"
	"referral-settlement/internal/repository"
)

// BanReportService handles reviewed retroactive income deductions. A report
// names a user whose earnings in a period were produced under a ban; once
// approved and applied, the user's whole split is recomputed from the
// reduced gross with the same formulas generation used.
type BanReportService struct {
	pool           *pgxpool.Pool
	funding        *FundingService
	periodRepo     *repository.PeriodRepository
	incomeRepo     *repository.IncomeRepository
	payableRepo    *repository.PayableRepository
	commissionRepo *repository.CommissionRepository
	walletRepo     *repository.WalletRepository
	banRepo        *repository.BanReportRepository
	locks          *lock.SettlementLock
	ids            *ids.Generator
	lockTimeout    time.Duration
	metrics        *metrics.Metrics
	log            zerolog.Logger
}

// NewBanReportService creates a new BanReportService instance.
func NewBanReportService(
	pool *pgxpool.Pool,
	funding *FundingService,
	periodRepo *repository.PeriodRepository,
	incomeRepo *repository.IncomeRepository,
	payableRepo *repository.PayableRepository,
	commissionRepo *repository.CommissionRepository,
	walletRepo *repository.WalletRepository,
	banRepo *repository.BanReportRepository,
	locks *lock.SettlementLock,
	idGen *ids.Generator,
	lockTimeout time.Duration,
	m *metrics.Metrics,
	log zerolog.Logger,
) *BanReportService {
	return &BanReportService{
		pool:           pool,
		funding:        funding,
		periodRepo:     periodRepo,
		incomeRepo:     incomeRepo,
		payableRepo:    payableRepo,
		commissionRepo: commissionRepo,
		walletRepo:     walletRepo,
		banRepo:        banRepo,
		locks:          locks,
		ids:            idGen,
		lockTimeout:    lockTimeout,
		metrics:        m,
		log:            log,
	}
}

// SubmitBanReportInput carries a new ban report.
type SubmitBanReportInput struct {
	PeriodID    int64
	UserID      int64
	EnvRef      *string
	BannedCoins int64
	ProofPath   string
}

// Submit records a ban report for review.
func (s *BanReportService) Submit(ctx context.Context, in *SubmitBanReportInput) (*model.BanReport, error) {
	if in.BannedCoins <= 0 {
		return nil, Validationf("banned_coins must be positive, got %d", in.BannedCoins)
	}
	if in.ProofPath == "" {
		return nil, Validationf("proof_path is required")
	}

	if _, err := s.periodRepo.GetByID(ctx, in.PeriodID); err != nil {
		if errors.Is(err, repository.ErrPeriodNotFound) {
			return nil, NotFoundf("period %d not found", in.PeriodID)
		}
		return nil, err
	}
	income, err := s.incomeRepo.Get(ctx, in.PeriodID, in.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrIncomeNotFound) {
			return nil, NotFoundf("no income for user %d in period %d", in.UserID, in.PeriodID)
		}
		return nil, err
	}
	if in.BannedCoins > income.GrossCoins {
		return nil, Validationf("banned_coins %d exceeds gross %d", in.BannedCoins, income.GrossCoins)
	}

	report := &model.BanReport{
		ID:          s.ids.Next(),
		PeriodID:    in.PeriodID,
		UserID:      in.UserID,
		EnvRef:      in.EnvRef,
		BannedCoins: in.BannedCoins,
		ProofPath:   in.ProofPath,
		Status:      model.BanReportStatusSubmitted,
	}
	created, err := s.banRepo.Create(ctx, report)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("report_id", created.ID).
		Int64("period_id", created.PeriodID).
		Int64("user_id", created.UserID).
		Int64("banned_coins", created.BannedCoins).
		Msg("ban report submitted")
	return created, nil
}

// Review approves or rejects a submitted report. Approval makes the report
// eligible for Apply; it does not touch any amounts by itself.
func (s *BanReportService) Review(ctx context.Context, reportID, reviewerID int64, approve bool, rejectReason string) (*model.BanReport, error) {
	if !approve && rejectReason == "" {
		return nil, Validationf("reject reason is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	report, err := s.banRepo.GetForUpdate(ctx, tx, reportID)
	if err != nil {
		if errors.Is(err, repository.ErrBanReportNotFound) {
			return nil, NotFoundf("ban report %d not found", reportID)
		}
		return nil, err
	}
	if report.Status != model.BanReportStatusSubmitted {
		return nil, Statef("ban report %d is %s, not submitted", reportID, report.Status)
	}

	now := time.Now()
	status := model.BanReportStatusApproved
	var reason *string
	if !approve {
		status = model.BanReportStatusRejected
		reason = &rejectReason
	}
	if err := s.banRepo.UpdateReview(ctx, tx, reportID, reviewerID, status, reason, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	report.Status = status
	report.RejectReason = reason
	report.ReviewedBy = &reviewerID
	report.ReviewedAt = &now
	return report, nil
}

// Apply executes an approved report: recompute the target user's split from
// the reduced gross, shrink their payable and commissions, and record the
// deltas on the report. Refused once the user's commissions have been funded
// or any ledger entry references them as a source, since money already moved
// under the old amounts. May itself trigger the funding cascade when the
// reduced due is already covered by past payments.
func (s *BanReportService) Apply(ctx context.Context, reportID, adminID int64) (*model.BanReport, error) {
	report, err := s.banRepo.GetByID(ctx, reportID)
	if err != nil {
		if errors.Is(err, repository.ErrBanReportNotFound) {
			err = NotFoundf("ban report %d not found", reportID)
		}
		s.metrics.ObserveOperation("ban_apply", err)
		return nil, err
	}

	key := lock.Key{PeriodID: report.PeriodID, UserID: report.UserID}
	var applied *model.BanReport
	err = s.locks.WithLockContext(ctx, key, s.lockTimeout, func() error {
		var err error
		applied, err = s.applyInTx(ctx, reportID, adminID)
		return err
	})
	if errors.Is(err, lock.ErrLockTimeout) {
		err = Conflictf("ban report %d is being processed, try again", reportID)
	}
	s.metrics.ObserveOperation("ban_apply", err)
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func (s *BanReportService) applyInTx(ctx context.Context, reportID, adminID int64) (*model.BanReport, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	report, err := s.banRepo.GetForUpdate(ctx, tx, reportID)
	if err != nil {
		if errors.Is(err, repository.ErrBanReportNotFound) {
			return nil, NotFoundf("ban report %d not found", reportID)
		}
		return nil, err
	}
	if report.Status != model.BanReportStatusApproved {
		return nil, Statef("ban report %d is %s, not approved", reportID, report.Status)
	}
	if report.IsApplied {
		return nil, Statef("ban report %d is already applied", reportID)
	}

	fundedOrUnlocked, err := s.commissionRepo.HasFundedOrUnlockedBySource(ctx, tx, report.PeriodID, report.UserID)
	if err != nil {
		return nil, err
	}
	if fundedOrUnlocked {
		return nil, Statef("commissions sourced from user %d in period %d are already funded",
			report.UserID, report.PeriodID)
	}
	referenced, err := s.walletRepo.HasEntryForSource(ctx, tx, report.PeriodID, report.UserID)
	if err != nil {
		return nil, err
	}
	if referenced {
		return nil, Statef("wallet ledger already references user %d in period %d",
			report.UserID, report.PeriodID)
	}

	// Shared lock on the period row so the apply cannot interleave with a
	// regeneration rewriting the rows it is about to adjust.
	period, err := s.periodRepo.GetForShare(ctx, tx, report.PeriodID)
	if err != nil {
		return nil, err
	}
	if period.Status == model.PeriodStatusClosed {
		return nil, Statef("period %d is closed", period.ID)
	}
	income, err := s.incomeRepo.GetForUpdate(ctx, tx, report.PeriodID, report.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrIncomeNotFound) {
			return nil, NotFoundf("no income for user %d in period %d", report.UserID, report.PeriodID)
		}
		return nil, err
	}

	// A report can legitimately exceed the gross once earlier reports have
	// already shrunk it; the deduction clamps to what is left.
	deductGross := report.BannedCoins
	if deductGross > income.GrossCoins {
		deductGross = income.GrossCoins
	}
	newGross := income.GrossCoins - deductGross

	// Always a full recompute from the reduced gross, never an incremental
	// subtraction, so the rounding matches what generation would produce.
	split := ComputeSplit(newGross, period, income.L1UserID != nil, income.L2UserID != nil)

	deduct := func(before, after int64) *int64 {
		d := before - after
		return &d
	}
	report.DeductGrossCoins = deduct(income.GrossCoins, newGross)
	report.DeductSelfKeepCoins = deduct(income.SelfKeepCoins, split.SelfKeep)
	report.DeductDueCoins = deduct(income.SelfPayableCoins, split.SelfPayable)
	report.DeductL1CommissionCoins = deduct(income.L1CommissionCoins, split.L1)
	report.DeductL2CommissionCoins = deduct(income.L2CommissionCoins, split.L2)
	report.DeductPlatformRetainCoins = deduct(income.PlatformRetainCoins, split.PlatformRetain)

	oldL1, oldL2 := income.L1CommissionCoins, income.L2CommissionCoins

	income.GrossCoins = newGross
	income.SelfKeepCoins = split.SelfKeep
	income.SelfPayableCoins = split.SelfPayable
	income.L1CommissionCoins = split.L1
	income.L2CommissionCoins = split.L2
	income.PlatformRetainCoins = split.PlatformRetain
	if err := s.incomeRepo.UpdateAmounts(ctx, tx, income); err != nil {
		return nil, err
	}

	if err := s.shrinkCommission(ctx, tx, income, 1, income.L1UserID, oldL1, split.L1); err != nil {
		return nil, err
	}
	if err := s.shrinkCommission(ctx, tx, income, 2, income.L2UserID, oldL2, split.L2); err != nil {
		return nil, err
	}

	payable, err := s.payableRepo.GetForUpdate(ctx, tx, report.PeriodID, report.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrPayableNotFound) {
			return nil, NotFoundf("no payable for user %d in period %d", report.UserID, report.PeriodID)
		}
		return nil, err
	}

	now := time.Now()
	wasPaid := payable.Status == model.PayableStatusPaid
	payable.AmountDueCoins = split.SelfPayable
	payable.Status = EvaluatePayableStatus(payable.AmountDueCoins, payable.AmountPaidCoins, now, period.PayEnd)
	newlyPaid := !wasPaid && payable.Status == model.PayableStatusPaid
	if newlyPaid && payable.PaidAt == nil {
		payable.PaidAt = &now
	}
	if err := s.payableRepo.Update(ctx, tx, payable); err != nil {
		return nil, err
	}

	report.IsApplied = true
	report.AppliedBy = &adminID
	report.AppliedAt = &now
	if err := s.banRepo.UpdateApplied(ctx, tx, report); err != nil {
		return nil, err
	}

	// The reduced due may already be covered by earlier confirmed payments,
	// in which case the deduction itself settles the payable.
	if newlyPaid {
		if err := s.funding.FundAndUnlock(ctx, tx, report.PeriodID, report.UserID, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info().
		Int64("report_id", reportID).
		Int64("period_id", report.PeriodID).
		Int64("user_id", report.UserID).
		Int64("banned_coins", report.BannedCoins).
		Bool("newly_paid", newlyPaid).
		Msg("ban report applied")
	return report, nil
}

// shrinkCommission rewrites one level's commission row to the recomputed
// amount. A level that never produced a row (missing inviter or zero amount
// at generation) has nothing to shrink.
func (s *BanReportService) shrinkCommission(ctx context.Context, tx pgx.Tx, income *model.UserIncome, level int, beneficiary *int64, oldAmount, newAmount int64) error {
	if beneficiary == nil || oldAmount == 0 || oldAmount == newAmount {
		return nil
	}
	err := s.commissionRepo.UpdateAmount(ctx, tx, income.PeriodID, income.UserID, *beneficiary, level, newAmount)
	if errors.Is(err, repository.ErrCommissionNotFound) {
		return nil
	}
	return err
}

// ListByUser retrieves reports targeting a user, newest first.
func (s *BanReportService) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.BanReport, error) {
	return s.banRepo.ListByUser(ctx, userID, normalizeLimit(limit))
}

// List retrieves reports with optional period and status filters.
func (s *BanReportService) List(ctx context.Context, periodID int64, status string, limit int) ([]*model.BanReport, error) {
	return s.banRepo.List(ctx, periodID, status, normalizeLimit(limit))
}
