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
	"referral-settlement/internal/pkg/metrics"
	"referral-settlement/internal/repository"
)

// WalletService exposes balances, the ledger and withdraw requests.
type WalletService struct {
	pool           *pgxpool.Pool
	periods        *PeriodService
	incomeRepo     *repository.IncomeRepository
	payableRepo    *repository.PayableRepository
	commissionRepo *repository.CommissionRepository
	walletRepo     *repository.WalletRepository
	withdrawRepo   *repository.WithdrawRepository
	ids            *ids.Generator
	metrics        *metrics.Metrics
	log            zerolog.Logger
}

// NewWalletService creates a new WalletService instance.
func NewWalletService(
	pool *pgxpool.Pool,
	periods *PeriodService,
	incomeRepo *repository.IncomeRepository,
	payableRepo *repository.PayableRepository,
	commissionRepo *repository.CommissionRepository,
	walletRepo *repository.WalletRepository,
	withdrawRepo *repository.WithdrawRepository,
	idGen *ids.Generator,
	m *metrics.Metrics,
	log zerolog.Logger,
) *WalletService {
	return &WalletService{
		pool:           pool,
		periods:        periods,
		incomeRepo:     incomeRepo,
		payableRepo:    payableRepo,
		commissionRepo: commissionRepo,
		walletRepo:     walletRepo,
		withdrawRepo:   withdrawRepo,
		ids:            idGen,
		metrics:        m,
		log:            log,
	}
}

// Balance retrieves a user's wallet balances. A user the ledger has never
// touched gets a zero account.
func (s *WalletService) Balance(ctx context.Context, userID int64) (*model.WalletAccount, error) {
	acc, err := s.walletRepo.GetAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return &model.WalletAccount{UserID: userID}, nil
		}
		return nil, err
	}
	return acc, nil
}

// Ledger retrieves a user's ledger entries, newest first.
func (s *WalletService) Ledger(ctx context.Context, userID int64, limit int) ([]*model.WalletLedgerEntry, error) {
	return s.walletRepo.ListEntries(ctx, userID, normalizeLimit(limit))
}

// SettlementView is the combined "my settlement" picture for one user in
// their current period.
type SettlementView struct {
	Period      *model.Period        `json:"period"`
	PeriodLabel string               `json:"period_label"`
	Income      *model.UserIncome    `json:"income,omitempty"`
	Payable     *model.UserPayable   `json:"payable,omitempty"`
	Commissions []*model.Commission  `json:"commissions"`
	Wallet      *model.WalletAccount `json:"wallet"`
}

// MySettlement assembles a user's current-period income, payable, incoming
// commissions and wallet balances in one view.
func (s *WalletService) MySettlement(ctx context.Context, userID int64) (*SettlementView, error) {
	period, err := s.periods.ResolveCurrent(ctx, userID)
	if err != nil {
		return nil, err
	}

	view := &SettlementView{Period: period, PeriodLabel: period.Label()}

	income, err := s.incomeRepo.Get(ctx, period.ID, userID)
	if err != nil && !errors.Is(err, repository.ErrIncomeNotFound) {
		return nil, err
	}
	view.Income = income

	payable, err := s.payableRepo.Get(ctx, period.ID, userID)
	if err != nil && !errors.Is(err, repository.ErrPayableNotFound) {
		return nil, err
	}
	view.Payable = payable

	commissions, err := s.commissionRepo.ListByBeneficiary(ctx, userID, defaultListLimit)
	if err != nil {
		return nil, err
	}
	for _, c := range commissions {
		if c.PeriodID == period.ID {
			view.Commissions = append(view.Commissions, c)
		}
	}

	wallet, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	view.Wallet = wallet
	return view, nil
}

// RequestWithdraw moves coins out of the available balance into a pending
// withdraw request. The deduction is ledgered immediately so the balance
// cannot be double-spent while the request awaits review.
func (s *WalletService) RequestWithdraw(ctx context.Context, userID, amount int64, method string, accountInfo *string) (*model.WithdrawRequest, error) {
	req, err := s.requestWithdraw(ctx, userID, amount, method, accountInfo)
	s.metrics.ObserveOperation("withdraw_request", err)
	return req, err
}

func (s *WalletService) requestWithdraw(ctx context.Context, userID, amount int64, method string, accountInfo *string) (*model.WithdrawRequest, error) {
	if amount <= 0 {
		return nil, Validationf("amount must be positive, got %d", amount)
	}
	if method == "" {
		return nil, Validationf("method is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	acc, err := s.walletRepo.GetAccountForUpdate(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return nil, Statef("insufficient available balance: 0 < %d", amount)
		}
		return nil, err
	}
	if acc.AvailableCoins < amount {
		return nil, Statef("insufficient available balance: %d < %d", acc.AvailableCoins, amount)
	}

	req := &model.WithdrawRequest{
		ID:          s.ids.Next(),
		UserID:      userID,
		AmountCoins: amount,
		Method:      method,
		AccountInfo: accountInfo,
		Status:      model.WithdrawStatusPending,
	}
	created, err := s.withdrawRepo.Create(ctx, tx, req)
	if err != nil {
		return nil, err
	}

	if err := s.walletRepo.ApplyDeltas(ctx, tx, userID, -amount, 0); err != nil {
		return nil, err
	}
	remark := fmt.Sprintf("withdraw request %d", created.ID)
	entry := &model.WalletLedgerEntry{
		ID:                  s.ids.Next(),
		UserID:              userID,
		EntryType:           model.LedgerTypeWithdrawRequest,
		DeltaAvailableCoins: -amount,
		Remark:              &remark,
	}
	if err := s.walletRepo.AppendEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info().
		Int64("withdraw_id", created.ID).
		Int64("user_id", userID).
		Int64("amount_coins", amount).
		Msg("withdraw requested")
	return created, nil
}

// ReviewWithdraw settles a pending request. Approval marks it paid; the
// coins already left the available balance at request time. Rejection
// refunds them with a ledger entry.
func (s *WalletService) ReviewWithdraw(ctx context.Context, withdrawID, adminID int64, approve bool, rejectReason string) (*model.WithdrawRequest, error) {
	req, err := s.reviewWithdraw(ctx, withdrawID, adminID, approve, rejectReason)
	s.metrics.ObserveOperation("withdraw_review", err)
	return req, err
}

func (s *WalletService) reviewWithdraw(ctx context.Context, withdrawID, adminID int64, approve bool, rejectReason string) (*model.WithdrawRequest, error) {
	if !approve && rejectReason == "" {
		return nil, Validationf("reject reason is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	req, err := s.withdrawRepo.GetForUpdate(ctx, tx, withdrawID)
	if err != nil {
		if errors.Is(err, repository.ErrWithdrawNotFound) {
			return nil, NotFoundf("withdraw request %d not found", withdrawID)
		}
		return nil, err
	}
	if req.Status != model.WithdrawStatusPending {
		return nil, Statef("withdraw request %d is %s, not pending", withdrawID, req.Status)
	}

	now := time.Now()
	status := model.WithdrawStatusPaid
	var reason *string
	if !approve {
		status = model.WithdrawStatusRejected
		reason = &rejectReason

		if err := s.walletRepo.ApplyDeltas(ctx, tx, req.UserID, req.AmountCoins, 0); err != nil {
			return nil, err
		}
		remark := fmt.Sprintf("withdraw request %d rejected", withdrawID)
		entry := &model.WalletLedgerEntry{
			ID:                  s.ids.Next(),
			UserID:              req.UserID,
			EntryType:           model.LedgerTypeWithdrawRefund,
			DeltaAvailableCoins: req.AmountCoins,
			Remark:              &remark,
		}
		if err := s.walletRepo.AppendEntry(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if err := s.withdrawRepo.MarkProcessed(ctx, tx, withdrawID, adminID, status, reason, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	req.Status = status
	req.RejectReason = reason
	req.ProcessedAt = &now
	req.ProcessedBy = &adminID

	s.log.Info().
		Int64("withdraw_id", withdrawID).
		Str("status", status).
		Msg("withdraw reviewed")
	return req, nil
}

// ListWithdrawsByUser retrieves a user's withdraw requests, newest first.
func (s *WalletService) ListWithdrawsByUser(ctx context.Context, userID int64, limit int) ([]*model.WithdrawRequest, error) {
	return s.withdrawRepo.ListByUser(ctx, userID, normalizeLimit(limit))
}

// ListWithdraws retrieves withdraw requests with an optional status filter.
func (s *WalletService) ListWithdraws(ctx context.Context, status string, limit int) ([]*model.WithdrawRequest, error) {
	return s.withdrawRepo.List(ctx, status, normalizeLimit(limit))
}
