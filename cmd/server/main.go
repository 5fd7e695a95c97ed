// Package main is the entry point for the referral settlement service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"referral-settlement/internal/config"
	"referral-settlement/internal/handler"
	"referral-settlement/internal/pkg/db"
	"referral-settlement/internal/pkg/ids"
	"referral-settlement/internal/pkg/lock"
	"referral-settlement/internal/pkg/metrics"
	"referral-settlement/internal/repository"
	"referral-settlement/internal/service"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	// Run database migrations
	if err := runMigrations(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize id generator
	idGen, err := ids.NewGenerator(cfg.Settlement.NodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create id generator")
	}

	// Initialize repositories
	periodRepo := repository.NewPeriodRepository(dbPool.Pool)
	snapshotRepo := repository.NewSnapshotRepository(dbPool.Pool)
	referralRepo := repository.NewReferralRepository(dbPool.Pool)
	earningRepo := repository.NewEarningRepository(dbPool.Pool)
	incomeRepo := repository.NewIncomeRepository(dbPool.Pool)
	payableRepo := repository.NewPayableRepository(dbPool.Pool)
	paymentRepo := repository.NewPaymentRepository(dbPool.Pool)
	commissionRepo := repository.NewCommissionRepository(dbPool.Pool)
	banRepo := repository.NewBanReportRepository(dbPool.Pool)
	walletRepo := repository.NewWalletRepository(dbPool.Pool)
	withdrawRepo := repository.NewWithdrawRepository(dbPool.Pool)

	// Initialize settlement lock and metrics
	settlementLock := lock.New()
	m := metrics.New()

	// Initialize services
	lockTimeout := cfg.Settlement.LockTimeout

	periodService := service.NewPeriodService(
		dbPool.Pool, periodRepo, snapshotRepo, incomeRepo, payableRepo,
		paymentRepo, commissionRepo, walletRepo,
		settlementLock, idGen, lockTimeout, log.Logger,
	)
	fundingService := service.NewFundingService(
		dbPool.Pool, payableRepo, commissionRepo, walletRepo,
		settlementLock, idGen, lockTimeout, m, log.Logger,
	)
	generationService := service.NewGenerationService(
		dbPool.Pool, periodRepo, snapshotRepo, earningRepo, incomeRepo,
		payableRepo, paymentRepo, commissionRepo, walletRepo,
		settlementLock, lockTimeout, m, log.Logger,
	)
	paymentService := service.NewPaymentService(
		dbPool.Pool, periodService, fundingService, periodRepo, payableRepo, paymentRepo,
		settlementLock, idGen, lockTimeout, cfg.Settlement.DefaultMethod, m, log.Logger,
	)
	banService := service.NewBanReportService(
		dbPool.Pool, fundingService, periodRepo, incomeRepo, payableRepo,
		commissionRepo, walletRepo, banRepo,
		settlementLock, idGen, lockTimeout, m, log.Logger,
	)
	walletService := service.NewWalletService(
		dbPool.Pool, periodService, incomeRepo, payableRepo, commissionRepo,
		walletRepo, withdrawRepo, idGen, m, log.Logger,
	)
	earningService := service.NewEarningService(earningRepo, referralRepo, log.Logger)

	// Initialize HTTP server
	server := handler.New(
		dbPool, periodService, generationService, paymentService,
		fundingService, banService, walletService, earningService,
		m, log.Logger,
	)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	log.Info().Msg("Server stopped gracefully")
}

// runMigrations executes database migrations.
func runMigrations(ctx context.Context, pool *db.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: Settlement periods
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
		CREATE INDEX IF NOT EXISTS idx_periods_status ON settlement_periods(status);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: settlement_periods table created")

	// Migration 2: Referral graph and per-period snapshots
	_, err = pool.Exec(ctx, `
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
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: referral tables created")

	// Migration 3: Raw earning records
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS earning_records (
			user_id BIGINT NOT NULL,
			stat_date DATE NOT NULL,
			coins_total BIGINT NOT NULL,
			note TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, stat_date)
		);
		CREATE INDEX IF NOT EXISTS idx_earnings_date ON earning_records(stat_date);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 3: earning_records table created")

	// Migration 4: Income splits and payables
	_, err = pool.Exec(ctx, `
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
		CREATE INDEX IF NOT EXISTS idx_payables_user_status ON user_payables(user_id, status);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 4: user_income and user_payables tables created")

	// Migration 5: Payments
	_, err = pool.Exec(ctx, `
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
		CREATE INDEX IF NOT EXISTS idx_payments_payer ON payments(payer_user_id, submitted_at DESC);
		CREATE INDEX IF NOT EXISTS idx_payments_period_status ON payments(period_id, status);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 5: payments table created")

	// Migration 6: Commissions
	_, err = pool.Exec(ctx, `
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
		CREATE INDEX IF NOT EXISTS idx_commissions_beneficiary ON commissions(beneficiary_user_id, period_id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 6: commissions table created")

	// Migration 7: Ban reports
	_, err = pool.Exec(ctx, `
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
		CREATE INDEX IF NOT EXISTS idx_ban_reports_user ON ban_reports(user_id, submitted_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ban_reports_period_status ON ban_reports(period_id, status);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 7: ban_reports table created")

	// Migration 8: Wallet accounts and ledger
	_, err = pool.Exec(ctx, `
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
		CREATE INDEX IF NOT EXISTS idx_ledger_user ON wallet_ledger(user_id, ledger_id DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_period_source ON wallet_ledger(period_id, ref_source_user_id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 8: wallet tables created")

	// Migration 9: Withdraw requests
	_, err = pool.Exec(ctx, `
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
		CREATE INDEX IF NOT EXISTS idx_withdraws_user ON withdraw_requests(user_id, requested_at DESC);
		CREATE INDEX IF NOT EXISTS idx_withdraws_status ON withdraw_requests(status, requested_at DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 9: withdraw_requests table created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}
