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

// FundingService drives the commission money flow. Funding moves a source
// user's commissions from promised to backed by real payment, crediting
// each beneficiary's locked balance. Unlock releases a beneficiary's funded
// commissions to their available balance once their own payable is settled.
type FundingService struct {
	pool           *pgxpool.Pool
	payableRepo    *repository.PayableRepository
	commissionRepo *repository.CommissionRepository
	walletRepo     *repository.WalletRepository
	locks          *lock.SettlementLock
	ids            *ids.Generator
	lockTimeout    time.Duration
	metrics        *metrics.Metrics
	log            zerolog.Logger
}

// NewFundingService creates a new FundingService instance.
func NewFundingService(
	pool *pgxpool.Pool,
	payableRepo *repository.PayableRepository,
	commissionRepo *repository.CommissionRepository,
	walletRepo *repository.WalletRepository,
	locks *lock.SettlementLock,
	idGen *ids.Generator,
	lockTimeout time.Duration,
	m *metrics.Metrics,
	log zerolog.Logger,
) *FundingService {
	return &FundingService{
		pool:           pool,
		payableRepo:    payableRepo,
		commissionRepo: commissionRepo,
		walletRepo:     walletRepo,
		locks:          locks,
		ids:            idGen,
		lockTimeout:    lockTimeout,
		metrics:        m,
		log:            log,
	}
}

// FundAndUnlock runs inside the caller's transaction after a source user's
// payable reaches paid. It funds every unfunded commission sourced from the
// user, credits the beneficiaries' locked balances, then attempts an unlock
// for each beneficiary and for the source user themselves. Idempotent: a
// second call finds nothing left to fund or unlock.
func (s *FundingService) FundAndUnlock(ctx context.Context, tx pgx.Tx, periodID, sourceUserID int64, now time.Time) error {
	funded, err := s.commissionRepo.FundBySource(ctx, tx, periodID, sourceUserID, now)
	if err != nil {
		return err
	}

	for _, f := range funded {
		if err := s.walletRepo.ApplyDeltas(ctx, tx, f.BeneficiaryUserID, 0, f.AmountCoins); err != nil {
			return err
		}
		entry := &model.WalletLedgerEntry{
			ID:               s.ids.Next(),
			UserID:           f.BeneficiaryUserID,
			PeriodID:         &periodID,
			EntryType:        model.LedgerTypeCommissionLockedIn,
			DeltaLockedCoins: f.AmountCoins,
			RefSourceUserID:  &sourceUserID,
		}
		if err := s.walletRepo.AppendEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	seen := map[int64]bool{}
	for _, f := range funded {
		if seen[f.BeneficiaryUserID] {
			continue
		}
		seen[f.BeneficiaryUserID] = true
		if _, err := s.unlockInTx(ctx, tx, periodID, f.BeneficiaryUserID, now); err != nil {
			return err
		}
	}

	// The source user's own payable just got settled; their earlier funded
	// commissions in this period may now be eligible.
	if !seen[sourceUserID] {
		if _, err := s.unlockInTx(ctx, tx, periodID, sourceUserID, now); err != nil {
			return err
		}
	}

	if len(funded) > 0 {
		s.log.Info().
			Int64("period_id", periodID).
			Int64("source_user_id", sourceUserID).
			Int("beneficiaries", len(funded)).
			Msg("commissions funded")
	}
	return nil
}

// unlockInTx releases a beneficiary's funded, still-locked commissions when
// their own payable for the period is settled. A beneficiary with no payable
// row in the period has nothing to settle against and stays locked.
func (s *FundingService) unlockInTx(ctx context.Context, tx pgx.Tx, periodID, beneficiaryUserID int64, now time.Time) (int64, error) {
	payable, err := s.payableRepo.GetForUpdate(ctx, tx, periodID, beneficiaryUserID)
	if err != nil {
		if errors.Is(err, repository.ErrPayableNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if payable.Status != model.PayableStatusPaid {
		return 0, nil
	}

	total, err := s.commissionRepo.MarkUnlocked(ctx, tx, periodID, beneficiaryUserID, now)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}

	if err := s.walletRepo.ApplyDeltas(ctx, tx, beneficiaryUserID, total, -total); err != nil {
		return 0, err
	}
	entry := &model.WalletLedgerEntry{
		ID:                  s.ids.Next(),
		UserID:              beneficiaryUserID,
		PeriodID:            &periodID,
		EntryType:           model.LedgerTypeCommissionUnlock,
		DeltaAvailableCoins: total,
		DeltaLockedCoins:    -total,
	}
	if err := s.walletRepo.AppendEntry(ctx, tx, entry); err != nil {
		return 0, err
	}

	s.log.Info().
		Int64("period_id", periodID).
		Int64("beneficiary_user_id", beneficiaryUserID).
		Int64("amount_coins", total).
		Msg("commissions unlocked")
	return total, nil
}

// UnlockBeneficiary attempts the unlock for one beneficiary in a period.
// Returns the amount moved to the available balance, zero when nothing was
// eligible.
func (s *FundingService) UnlockBeneficiary(ctx context.Context, periodID, beneficiaryUserID int64) (int64, error) {
	key := lock.Key{PeriodID: periodID, UserID: beneficiaryUserID}
	var total int64
	err := s.locks.WithLockContext(ctx, key, s.lockTimeout, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		total, err = s.unlockInTx(ctx, tx, periodID, beneficiaryUserID, time.Now())
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
	if errors.Is(err, lock.ErrLockTimeout) {
		err = Conflictf("user %d in period %d is busy, try again", beneficiaryUserID, periodID)
	}
	s.metrics.ObserveOperation("unlock", err)
	if err != nil {
		return 0, err
	}
	return total, nil
}

// UnlockPeriod sweeps a period, attempting the unlock for every beneficiary
// still holding funded locked commissions. Returns the total amount released.
func (s *FundingService) UnlockPeriod(ctx context.Context, periodID int64) (int64, error) {
	key := lock.PeriodKey(periodID)
	var total int64
	err := s.locks.WithLockContext(ctx, key, s.lockTimeout, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		beneficiaries, err := s.commissionRepo.ListFundedLockedBeneficiaries(ctx, tx, periodID)
		if err != nil {
			return err
		}

		now := time.Now()
		for _, beneficiary := range beneficiaries {
			amount, err := s.unlockInTx(ctx, tx, periodID, beneficiary, now)
			if err != nil {
				return err
			}
			total += amount
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
	if errors.Is(err, lock.ErrLockTimeout) {
		err = Conflictf("period %d is busy, try again", periodID)
	}
	s.metrics.ObserveOperation("unlock_period", err)
	if err != nil {
		return 0, err
	}
	return total, nil
}
