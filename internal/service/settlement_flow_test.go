// End-to-end settlement flow tests against a real PostgreSQL container:
// generation, payment confirmation, the funding/unlock cascade, ban report
// application and withdraw handling.
package service

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"referral-settlement/internal/model"
	"referral-settlement/internal/pkg/ids"
	"referral-settlement/internal/pkg/lock"
	"referral-settlement/internal/pkg/metrics"
	"referral-settlement/internal/repository"
)

// checkDockerAvailable checks if Docker is available and running
func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

type testEnv struct {
	pool *pgxpool.Pool

	periods    *PeriodService
	generation *GenerationService
	funding    *FundingService
	payments   *PaymentService
	banReports *BanReportService
	wallets    *WalletService
	earnings   *EarningService

	incomeRepo     *repository.IncomeRepository
	payableRepo    *repository.PayableRepository
	commissionRepo *repository.CommissionRepository
	walletRepo     *repository.WalletRepository
}

// setupTestEnv starts a PostgreSQL container, applies the schema and wires
// the full service stack against it. Skips when Docker is unavailable.
func setupTestEnv(t *testing.T) (*testEnv, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, applyTestSchema(ctx, pool))

	idGen, err := ids.NewGenerator(1)
	require.NoError(t, err)
	locks := lock.New()
	m := metrics.New()
	log := zerolog.Nop()
	lockTimeout := 5 * time.Second

	periodRepo := repository.NewPeriodRepository(pool)
	referralRepo := repository.NewReferralRepository(pool)
	snapshotRepo := repository.NewSnapshotRepository(pool)
	earningRepo := repository.NewEarningRepository(pool)
	incomeRepo := repository.NewIncomeRepository(pool)
	payableRepo := repository.NewPayableRepository(pool)
	paymentRepo := repository.NewPaymentRepository(pool)
	commissionRepo := repository.NewCommissionRepository(pool)
	banRepo := repository.NewBanReportRepository(pool)
	walletRepo := repository.NewWalletRepository(pool)
	withdrawRepo := repository.NewWithdrawRepository(pool)

	periods := NewPeriodService(pool, periodRepo, snapshotRepo, incomeRepo, payableRepo,
		paymentRepo, commissionRepo, walletRepo, locks, idGen, lockTimeout, log)
	funding := NewFundingService(pool, payableRepo, commissionRepo, walletRepo,
		locks, idGen, lockTimeout, m, log)
	generation := NewGenerationService(pool, periodRepo, snapshotRepo, earningRepo,
		incomeRepo, payableRepo, paymentRepo, commissionRepo, walletRepo,
		locks, lockTimeout, m, log)
	payments := NewPaymentService(pool, periods, funding, periodRepo, payableRepo,
		paymentRepo, locks, idGen, lockTimeout, "bank_transfer", m, log)
	banReports := NewBanReportService(pool, funding, periodRepo, incomeRepo,
		payableRepo, commissionRepo, walletRepo, banRepo, locks, idGen, lockTimeout, m, log)
	wallets := NewWalletService(pool, periods, incomeRepo, payableRepo,
		commissionRepo, walletRepo, withdrawRepo, idGen, m, log)
	earnings := NewEarningService(earningRepo, referralRepo, log)

	env := &testEnv{
		pool:           pool,
		periods:        periods,
		generation:     generation,
		funding:        funding,
		payments:       payments,
		banReports:     banReports,
		wallets:        wallets,
		earnings:       earnings,
		incomeRepo:     incomeRepo,
		payableRepo:    payableRepo,
		commissionRepo: commissionRepo,
		walletRepo:     walletRepo,
	}
	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return env, cleanup
}

func applyTestSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS settlement_periods (
			period_id BIGINT PRIMARY KEY,
			stat_start DATE NOT NULL,
			stat_end DATE NOT NULL,
			pay_start DATE NOT NULL,
			pay_end DATE NOT NULL,
			coin_rate BIGINT NOT NULL,
			host_bps INT NOT NULL,
			collect_bps INT NOT NULL,
			l1_bps INT NOT NULL,
			l2_bps INT NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'open',
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (stat_start, stat_end)
		);
		CREATE TABLE IF NOT EXISTS referral_edges (
			user_id BIGINT PRIMARY KEY,
			inviter_level1 BIGINT,
			inviter_level2 BIGINT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS referral_snapshots (
			period_id BIGINT NOT NULL REFERENCES settlement_periods(period_id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL,
			inviter_level1 BIGINT,
			inviter_level2 BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (period_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS earning_records (
			user_id BIGINT NOT NULL,
			stat_date DATE NOT NULL,
			coins_total BIGINT NOT NULL,
			note TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, stat_date)
		);
		CREATE TABLE IF NOT EXISTS user_income (
			period_id BIGINT NOT NULL REFERENCES settlement_periods(period_id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL,
			gross_coins BIGINT NOT NULL,
			self_keep_coins BIGINT NOT NULL,
			self_payable_coins BIGINT NOT NULL,
			l1_user_id BIGINT,
			l2_user_id BIGINT,
			l1_commission_coins BIGINT NOT NULL DEFAULT 0,
			l2_commission_coins BIGINT NOT NULL DEFAULT 0,
			platform_retain_coins BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (period_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS user_payables (
			period_id BIGINT NOT NULL REFERENCES settlement_periods(period_id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL,
			amount_due_coins BIGINT NOT NULL,
			amount_paid_coins BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'unpaid',
			first_paid_at TIMESTAMPTZ,
			paid_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (period_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS payments (
			payment_id BIGINT PRIMARY KEY,
			period_id BIGINT NOT NULL REFERENCES settlement_periods(period_id),
			payer_user_id BIGINT NOT NULL,
			amount_coins BIGINT NOT NULL,
			method VARCHAR(50) NOT NULL,
			proof_url TEXT,
			status VARCHAR(20) NOT NULL DEFAULT 'submitted',
			submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			confirmed_at TIMESTAMPTZ,
			confirmed_by BIGINT,
			reject_reason TEXT
		);
		CREATE TABLE IF NOT EXISTS commissions (
			period_id BIGINT NOT NULL REFERENCES settlement_periods(period_id) ON DELETE CASCADE,
			source_user_id BIGINT NOT NULL,
			beneficiary_user_id BIGINT NOT NULL,
			level INT NOT NULL,
			amount_coins BIGINT NOT NULL,
			funding_status VARCHAR(20) NOT NULL DEFAULT 'unfunded',
			funded_at TIMESTAMPTZ,
			is_unlocked BOOLEAN NOT NULL DEFAULT FALSE,
			unlocked_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (period_id, source_user_id, beneficiary_user_id, level)
		);
		CREATE TABLE IF NOT EXISTS ban_reports (
			report_id BIGINT PRIMARY KEY,
			period_id BIGINT NOT NULL REFERENCES settlement_periods(period_id),
			user_id BIGINT NOT NULL,
			env_ref TEXT,
			banned_coins BIGINT NOT NULL,
			proof_path TEXT NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'submitted',
			is_applied BOOLEAN NOT NULL DEFAULT FALSE,
			reject_reason TEXT,
			reviewed_by BIGINT,
			reviewed_at TIMESTAMPTZ,
			applied_by BIGINT,
			applied_at TIMESTAMPTZ,
			deduct_gross_coins BIGINT,
			deduct_self_keep_coins BIGINT,
			deduct_due_coins BIGINT,
			deduct_l1_commission_coins BIGINT,
			deduct_l2_commission_coins BIGINT,
			deduct_platform_retain_coins BIGINT,
			submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS wallet_accounts (
			user_id BIGINT PRIMARY KEY,
			available_coins BIGINT NOT NULL DEFAULT 0 CHECK (available_coins >= 0),
			locked_coins BIGINT NOT NULL DEFAULT 0 CHECK (locked_coins >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS wallet_ledger (
			ledger_id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			period_id BIGINT,
			entry_type VARCHAR(40) NOT NULL,
			delta_available_coins BIGINT NOT NULL DEFAULT 0,
			delta_locked_coins BIGINT NOT NULL DEFAULT 0,
			ref_source_user_id BIGINT,
			remark TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS withdraw_requests (
			withdraw_id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			amount_coins BIGINT NOT NULL,
			method VARCHAR(50) NOT NULL,
			account_info TEXT,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			reject_reason TEXT,
			requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			processed_by BIGINT
		);
	`)
	return err
}

const (
	userHost = int64(100) // earns, owes the payable
	userL1   = int64(200) // level-1 inviter of userHost
	userL2   = int64(300) // level-2 inviter of userHost, level-1 inviter of userL1
	adminID  = int64(1)
)

// seedScenario creates a period whose pay window contains "now", wires the
// referral chain host <- L1 <- L2 and loads earnings:
// host 100,000, L1 50,000, L2 10,000 over the statistics window.
func seedScenario(t *testing.T, env *testEnv) *model.Period {
	ctx := context.Background()
	today := time.Now().UTC().Truncate(24 * time.Hour)

	period, err := env.periods.Create(ctx, &CreatePeriodInput{
		StatStart:  today.AddDate(0, 0, -10),
		StatEnd:    today.AddDate(0, 0, -3),
		PayStart:   today.AddDate(0, 0, -2),
		PayEnd:     today.AddDate(0, 0, 7),
		CoinRate:   100,
		HostBps:    6000,
		CollectBps: 4000,
		L1Bps:      2000,
		L2Bps:      400,
	})
	require.NoError(t, err)

	l1 := userL1
	l2 := userL2
	_, err = env.earnings.SetReferral(ctx, userHost, &l1, &l2)
	require.NoError(t, err)
	_, err = env.earnings.SetReferral(ctx, userL1, &l2, nil)
	require.NoError(t, err)

	for userID, coins := range map[int64][]int64{
		userHost: {60_000, 40_000},
		userL1:   {50_000},
		userL2:   {10_000},
	} {
		for i, c := range coins {
			_, err = env.earnings.UpsertEarning(ctx, userID, period.StatStart.AddDate(0, 0, i), c, nil)
			require.NoError(t, err)
		}
	}
	return period
}

func payAndConfirm(t *testing.T, env *testEnv, periodID, payerID, amount int64) *model.UserPayable {
	ctx := context.Background()
	payment, err := env.payments.Submit(ctx, &SubmitPaymentInput{
		PayerUserID: payerID,
		PeriodID:    periodID,
		AmountCoins: amount,
	})
	require.NoError(t, err)
	require.Equal(t, model.PaymentStatusSubmitted, payment.Status)

	payable, err := env.payments.Confirm(ctx, payment.ID, adminID)
	require.NoError(t, err)
	return payable
}

func TestSettlementFlow_GenerateSplits(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	period := seedScenario(t, env)

	result, err := env.generation.Generate(ctx, period.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Users)
	assert.Equal(t, int64(160_000), result.GrossCoins)
	// host -> L1, host -> L2, L1 -> L2
	assert.Equal(t, 3, result.Commissions)
	// Only host and L1 have referral edges to freeze.
	assert.Equal(t, int64(2), result.Snapshotted)

	income, err := env.incomeRepo.Get(ctx, period.ID, userHost)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), income.GrossCoins)
	assert.Equal(t, int64(60_000), income.SelfKeepCoins)
	assert.Equal(t, int64(40_000), income.SelfPayableCoins)
	assert.Equal(t, int64(20_000), income.L1CommissionCoins)
	assert.Equal(t, int64(4_000), income.L2CommissionCoins)
	assert.Equal(t, int64(16_000), income.PlatformRetainCoins)
	require.NotNil(t, income.L1UserID)
	assert.Equal(t, userL1, *income.L1UserID)

	payable, err := env.payableRepo.Get(ctx, period.ID, userHost)
	require.NoError(t, err)
	assert.Equal(t, int64(40_000), payable.AmountDueCoins)
	assert.Equal(t, model.PayableStatusUnpaid, payable.Status)

	// L2 has no inviters: whole collected share retained, no commissions out.
	income, err = env.incomeRepo.Get(ctx, period.ID, userL2)
	require.NoError(t, err)
	assert.Equal(t, int64(4_000), income.PlatformRetainCoins)
	assert.Equal(t, int64(0), income.L1CommissionCoins)

	// Generating again without the regenerate flag is refused.
	_, err = env.generation.Generate(ctx, period.ID, false)
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)

	// With the flag it rebuilds to the same numbers.
	result, err = env.generation.Generate(ctx, period.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Users)
}

func TestSettlementFlow_PaymentFundingUnlock(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	period := seedScenario(t, env)
	_, err := env.generation.Generate(ctx, period.ID, false)
	require.NoError(t, err)

	// Host settles their 40,000 payable in full.
	payable := payAndConfirm(t, env, period.ID, userHost, 40_000)
	assert.Equal(t, model.PayableStatusPaid, payable.Status)
	assert.NotNil(t, payable.PaidAt)

	// Commissions sourced from host are funded into locked balances.
	accL1, err := env.walletRepo.GetAccount(ctx, userL1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), accL1.AvailableCoins)
	assert.Equal(t, int64(20_000), accL1.LockedCoins)

	accL2, err := env.walletRepo.GetAccount(ctx, userL2)
	require.NoError(t, err)
	assert.Equal(t, int64(4_000), accL2.LockedCoins)

	// L2 settles their own 4,000 payable: their funded commission unlocks.
	payable = payAndConfirm(t, env, period.ID, userL2, 4_000)
	assert.Equal(t, model.PayableStatusPaid, payable.Status)

	accL2, err = env.walletRepo.GetAccount(ctx, userL2)
	require.NoError(t, err)
	assert.Equal(t, int64(4_000), accL2.AvailableCoins)
	assert.Equal(t, int64(0), accL2.LockedCoins)

	// L1 pays in two parts; partial first.
	payment, err := env.payments.Submit(ctx, &SubmitPaymentInput{
		PayerUserID: userL1, PeriodID: period.ID, AmountCoins: 5_000,
	})
	require.NoError(t, err)
	payable, err = env.payments.Confirm(ctx, payment.ID, adminID)
	require.NoError(t, err)
	assert.Equal(t, model.PayableStatusPartial, payable.Status)
	assert.NotNil(t, payable.FirstPaidAt)
	assert.Nil(t, payable.PaidAt)

	// Nothing unlocks for L1 on a partial payment.
	accL1, err = env.walletRepo.GetAccount(ctx, userL1)
	require.NoError(t, err)
	assert.Equal(t, int64(20_000), accL1.LockedCoins)

	// The remainder settles the payable and cascades.
	payable = payAndConfirm(t, env, period.ID, userL1, 15_000)
	assert.Equal(t, model.PayableStatusPaid, payable.Status)

	// L1's own 20,000 unlocks, and the commission L1 sourced for L2
	// (50,000 * 20% = 10,000) funds and unlocks immediately because
	// L2's payable is already settled.
	accL1, err = env.walletRepo.GetAccount(ctx, userL1)
	require.NoError(t, err)
	assert.Equal(t, int64(20_000), accL1.AvailableCoins)
	assert.Equal(t, int64(0), accL1.LockedCoins)

	accL2, err = env.walletRepo.GetAccount(ctx, userL2)
	require.NoError(t, err)
	assert.Equal(t, int64(14_000), accL2.AvailableCoins)
	assert.Equal(t, int64(0), accL2.LockedCoins)

	// A repeated unlock sweep finds nothing.
	unlocked, err := env.funding.UnlockBeneficiary(ctx, period.ID, userL2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), unlocked)

	// The ledger reconstructs every balance exactly.
	for _, userID := range []int64{userHost, userL1, userL2} {
		available, locked, err := env.walletRepo.SumDeltasByUser(ctx, userID)
		require.NoError(t, err)
		acc, accErr := env.walletRepo.GetAccount(ctx, userID)
		if errors.Is(accErr, repository.ErrWalletNotFound) {
			assert.Zero(t, available)
			assert.Zero(t, locked)
			continue
		}
		require.NoError(t, accErr)
		assert.Equal(t, acc.AvailableCoins, available, "user %d available", userID)
		assert.Equal(t, acc.LockedCoins, locked, "user %d locked", userID)
	}

	// Regeneration is off the table once money moved.
	_, err = env.generation.Generate(ctx, period.ID, true)
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestSettlementFlow_PaymentValidation(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	period := seedScenario(t, env)
	_, err := env.generation.Generate(ctx, period.ID, false)
	require.NoError(t, err)

	// Overpayment is rejected up front.
	_, err = env.payments.Submit(ctx, &SubmitPaymentInput{
		PayerUserID: userHost, PeriodID: period.ID, AmountCoins: 40_001,
	})
	var valErr *ValidationError
	assert.ErrorAs(t, err, &valErr)

	// A user with no payable in the period cannot submit.
	_, err = env.payments.Submit(ctx, &SubmitPaymentInput{
		PayerUserID: 999, PeriodID: period.ID, AmountCoins: 100,
	})
	var nfErr *NotFoundError
	assert.ErrorAs(t, err, &nfErr)

	// Confirming twice fails the second time.
	payment, err := env.payments.Submit(ctx, &SubmitPaymentInput{
		PayerUserID: userHost, PeriodID: period.ID, AmountCoins: 40_000,
	})
	require.NoError(t, err)
	assert.Equal(t, "bank_transfer", payment.Method)

	_, err = env.payments.Confirm(ctx, payment.ID, adminID)
	require.NoError(t, err)
	_, err = env.payments.Confirm(ctx, payment.ID, adminID)
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)

	// Rejecting a confirmed payment fails too.
	err = env.payments.Reject(ctx, payment.ID, adminID, "late")
	assert.ErrorAs(t, err, &stateErr)
}

func TestSettlementFlow_BanReportApply(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	period := seedScenario(t, env)
	_, err := env.generation.Generate(ctx, period.ID, false)
	require.NoError(t, err)

	// 30,000 of the host's 100,000 gross turns out to be ban-tainted.
	report, err := env.banReports.Submit(ctx, &SubmitBanReportInput{
		PeriodID:    period.ID,
		UserID:      userHost,
		BannedCoins: 30_000,
		ProofPath:   "/proofs/2025/host-ban.png",
	})
	require.NoError(t, err)

	// Apply before approval is refused.
	_, err = env.banReports.Apply(ctx, report.ID, adminID)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)

	report, err = env.banReports.Review(ctx, report.ID, adminID, true, "")
	require.NoError(t, err)
	assert.Equal(t, model.BanReportStatusApproved, report.Status)

	report, err = env.banReports.Apply(ctx, report.ID, adminID)
	require.NoError(t, err)
	assert.True(t, report.IsApplied)

	// The whole split recomputes from the reduced 70,000 gross.
	income, err := env.incomeRepo.Get(ctx, period.ID, userHost)
	require.NoError(t, err)
	assert.Equal(t, int64(70_000), income.GrossCoins)
	assert.Equal(t, int64(42_000), income.SelfKeepCoins)
	assert.Equal(t, int64(28_000), income.SelfPayableCoins)
	assert.Equal(t, int64(14_000), income.L1CommissionCoins)
	assert.Equal(t, int64(2_800), income.L2CommissionCoins)
	assert.Equal(t, int64(11_200), income.PlatformRetainCoins)

	// The audit deltas record exactly what was taken away.
	require.NotNil(t, report.DeductGrossCoins)
	assert.Equal(t, int64(30_000), *report.DeductGrossCoins)
	require.NotNil(t, report.DeductDueCoins)
	assert.Equal(t, int64(12_000), *report.DeductDueCoins)
	require.NotNil(t, report.DeductL1CommissionCoins)
	assert.Equal(t, int64(6_000), *report.DeductL1CommissionCoins)
	require.NotNil(t, report.DeductL2CommissionCoins)
	assert.Equal(t, int64(1_200), *report.DeductL2CommissionCoins)

	// Commission rows shrink with the income.
	commissions, err := env.commissionRepo.ListBySource(ctx, period.ID, userHost)
	require.NoError(t, err)
	byLevel := map[int]int64{}
	for _, c := range commissions {
		byLevel[c.Level] = c.AmountCoins
	}
	assert.Equal(t, int64(14_000), byLevel[1])
	assert.Equal(t, int64(2_800), byLevel[2])

	payable, err := env.payableRepo.Get(ctx, period.ID, userHost)
	require.NoError(t, err)
	assert.Equal(t, int64(28_000), payable.AmountDueCoins)
	assert.Equal(t, model.PayableStatusUnpaid, payable.Status)

	// Applying a second time is refused.
	_, err = env.banReports.Apply(ctx, report.ID, adminID)
	require.ErrorAs(t, err, &stateErr)
}

func TestSettlementFlow_BanReportBlockedAfterFunding(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	period := seedScenario(t, env)
	_, err := env.generation.Generate(ctx, period.ID, false)
	require.NoError(t, err)

	// Host pays in full: commissions sourced from host get funded.
	payAndConfirm(t, env, period.ID, userHost, 40_000)

	report, err := env.banReports.Submit(ctx, &SubmitBanReportInput{
		PeriodID:    period.ID,
		UserID:      userHost,
		BannedCoins: 30_000,
		ProofPath:   "/proofs/2025/host-ban.png",
	})
	require.NoError(t, err)
	_, err = env.banReports.Review(ctx, report.ID, adminID, true, "")
	require.NoError(t, err)

	_, err = env.banReports.Apply(ctx, report.ID, adminID)
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestSettlementFlow_BanDeductionSettlesResidualPayable(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	period := seedScenario(t, env)
	_, err := env.generation.Generate(ctx, period.ID, false)
	require.NoError(t, err)

	// L2 pays 3,000 of their 4,000 due, then the rest of their earnings
	// turns out to be banned: due drops to 1,600 which the prior payment
	// already covers, so the payable flips to paid on apply.
	payment, err := env.payments.Submit(ctx, &SubmitPaymentInput{
		PayerUserID: userL2, PeriodID: period.ID, AmountCoins: 3_000,
	})
	require.NoError(t, err)
	_, err = env.payments.Confirm(ctx, payment.ID, adminID)
	require.NoError(t, err)

	report, err := env.banReports.Submit(ctx, &SubmitBanReportInput{
		PeriodID:    period.ID,
		UserID:      userL2,
		BannedCoins: 6_000,
		ProofPath:   "/proofs/2025/l2-ban.png",
	})
	require.NoError(t, err)
	_, err = env.banReports.Review(ctx, report.ID, adminID, true, "")
	require.NoError(t, err)
	_, err = env.banReports.Apply(ctx, report.ID, adminID)
	require.NoError(t, err)

	payable, err := env.payableRepo.Get(ctx, period.ID, userL2)
	require.NoError(t, err)
	assert.Equal(t, int64(1_600), payable.AmountDueCoins)
	assert.Equal(t, model.PayableStatusPaid, payable.Status)

	// L2 sources no commissions, so nothing else moves; their own
	// commissions from upstream are still unfunded at this point.
	acc, err := env.walletRepo.GetAccount(ctx, userL2)
	if !errors.Is(err, repository.ErrWalletNotFound) {
		require.NoError(t, err)
		assert.Equal(t, int64(0), acc.LockedCoins)
		assert.Equal(t, int64(0), acc.AvailableCoins)
	}
}

func TestWithdrawFlow(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	period := seedScenario(t, env)
	_, err := env.generation.Generate(ctx, period.ID, false)
	require.NoError(t, err)

	// Settle host and L2 so L2 ends up with 4,000 available.
	payAndConfirm(t, env, period.ID, userHost, 40_000)
	payAndConfirm(t, env, period.ID, userL2, 4_000)

	balance, err := env.wallets.Balance(ctx, userL2)
	require.NoError(t, err)
	require.Equal(t, int64(4_000), balance.AvailableCoins)

	// Requesting more than available is refused.
	_, err = env.wallets.RequestWithdraw(ctx, userL2, 5_000, "bank_transfer", nil)
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)

	// A granted request deducts availability immediately.
	wd, err := env.wallets.RequestWithdraw(ctx, userL2, 3_000, "bank_transfer", nil)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawStatusPending, wd.Status)

	balance, err = env.wallets.Balance(ctx, userL2)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), balance.AvailableCoins)

	// Rejection refunds.
	wd, err = env.wallets.ReviewWithdraw(ctx, wd.ID, adminID, false, "account mismatch")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawStatusRejected, wd.Status)

	balance, err = env.wallets.Balance(ctx, userL2)
	require.NoError(t, err)
	assert.Equal(t, int64(4_000), balance.AvailableCoins)

	// Approval pays out without touching the balance again.
	wd, err = env.wallets.RequestWithdraw(ctx, userL2, 4_000, "bank_transfer", nil)
	require.NoError(t, err)
	wd, err = env.wallets.ReviewWithdraw(ctx, wd.ID, adminID, true, "")
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawStatusPaid, wd.Status)

	balance, err = env.wallets.Balance(ctx, userL2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.AvailableCoins)

	// The ledger carries the request and refund trail.
	entries, err := env.wallets.Ledger(ctx, userL2, 50)
	require.NoError(t, err)
	types := map[string]int{}
	for _, e := range entries {
		types[e.EntryType]++
	}
	assert.Equal(t, 2, types[model.LedgerTypeWithdrawRequest])
	assert.Equal(t, 1, types[model.LedgerTypeWithdrawRefund])
	assert.Equal(t, 1, types[model.LedgerTypeCommissionUnlock])
}

func TestSettlementFlow_SequentialBanReportsClamp(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	period := seedScenario(t, env)
	_, err := env.generation.Generate(ctx, period.ID, false)
	require.NoError(t, err)

	// Two reports against L2's 10,000 gross, both filed before either is
	// applied. Together they name more than the gross; the second one
	// clamps to what the first left behind.
	first, err := env.banReports.Submit(ctx, &SubmitBanReportInput{
		PeriodID:    period.ID,
		UserID:      userL2,
		BannedCoins: 6_000,
		ProofPath:   "/proofs/2025/l2-ban-1.png",
	})
	require.NoError(t, err)
	second, err := env.banReports.Submit(ctx, &SubmitBanReportInput{
		PeriodID:    period.ID,
		UserID:      userL2,
		BannedCoins: 8_000,
		ProofPath:   "/proofs/2025/l2-ban-2.png",
	})
	require.NoError(t, err)

	for _, id := range []int64{first.ID, second.ID} {
		_, err = env.banReports.Review(ctx, id, adminID, true, "")
		require.NoError(t, err)
	}

	_, err = env.banReports.Apply(ctx, first.ID, adminID)
	require.NoError(t, err)

	income, err := env.incomeRepo.Get(ctx, period.ID, userL2)
	require.NoError(t, err)
	assert.Equal(t, int64(4_000), income.GrossCoins)

	second, err = env.banReports.Apply(ctx, second.ID, adminID)
	require.NoError(t, err)

	// Only the remaining 4,000 could come off.
	require.NotNil(t, second.DeductGrossCoins)
	assert.Equal(t, int64(4_000), *second.DeductGrossCoins)
	require.NotNil(t, second.DeductDueCoins)
	assert.Equal(t, int64(1_600), *second.DeductDueCoins)

	income, err = env.incomeRepo.Get(ctx, period.ID, userL2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), income.GrossCoins)
	assert.Equal(t, int64(0), income.SelfPayableCoins)

	// A zero due with zero paid is settled.
	payable, err := env.payableRepo.Get(ctx, period.ID, userL2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), payable.AmountDueCoins)
	assert.Equal(t, model.PayableStatusPaid, payable.Status)
}

func TestSettlementFlow_ConfirmWaitsForPeriodLock(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	period := seedScenario(t, env)
	_, err := env.generation.Generate(ctx, period.ID, false)
	require.NoError(t, err)

	payment, err := env.payments.Submit(ctx, &SubmitPaymentInput{
		PayerUserID: userHost, PeriodID: period.ID, AmountCoins: 40_000,
	})
	require.NoError(t, err)

	// Hold the period row the way a running regeneration does.
	blocker, err := env.pool.Begin(ctx)
	require.NoError(t, err)
	_, err = blocker.Exec(ctx,
		"SELECT period_id FROM settlement_periods WHERE period_id = $1 FOR UPDATE", period.ID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, confirmErr := env.payments.Confirm(context.Background(), payment.ID, adminID)
		done <- confirmErr
	}()

	select {
	case confirmErr := <-done:
		t.Fatalf("confirm completed while the period row was held: %v", confirmErr)
	case <-time.After(500 * time.Millisecond):
	}

	require.NoError(t, blocker.Rollback(ctx))
	select {
	case confirmErr := <-done:
		require.NoError(t, confirmErr)
	case <-time.After(10 * time.Second):
		t.Fatal("confirm did not complete after the period row was released")
	}

	payable, err := env.payableRepo.Get(ctx, period.ID, userHost)
	require.NoError(t, err)
	assert.Equal(t, model.PayableStatusPaid, payable.Status)
}

func TestSettlementFlow_GenerateRefusesPartialRows(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	period := seedScenario(t, env)

	// A stray snapshot row left behind by an interrupted earlier run.
	_, err := env.pool.Exec(ctx,
		"INSERT INTO referral_snapshots (period_id, user_id) VALUES ($1, $2)", period.ID, userHost)
	require.NoError(t, err)

	_, err = env.generation.Generate(ctx, period.ID, false)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)

	// Regenerate clears the stray row and completes normally.
	result, err := env.generation.Generate(ctx, period.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Users)
}

func TestSettlementFlow_ResolveCurrentPeriod(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	period := seedScenario(t, env)
	_, err := env.generation.Generate(ctx, period.ID, false)
	require.NoError(t, err)

	// With no active flag set, the host's latest unpaid period wins.
	resolved, err := env.periods.ResolveCurrent(ctx, userHost)
	require.NoError(t, err)
	assert.Equal(t, period.ID, resolved.ID)

	// Submitting without naming a period targets the resolved one.
	payment, err := env.payments.Submit(ctx, &SubmitPaymentInput{
		PayerUserID: userHost, AmountCoins: 1_000,
	})
	require.NoError(t, err)
	assert.Equal(t, period.ID, payment.PeriodID)

	// The active flag takes priority once set.
	require.NoError(t, env.periods.Activate(ctx, period.ID))
	resolved, err = env.periods.ResolveCurrent(ctx, 999)
	require.NoError(t, err)
	assert.Equal(t, period.ID, resolved.ID)
}
