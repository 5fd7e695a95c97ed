package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"referral-settlement/internal/model"
)

// ErrWalletNotFound is returned when a user has no wallet account.
var ErrWalletNotFound = errors.New("wallet account not found")

// WalletRepository handles wallet accounts and the append-only ledger that
// backs them. Every balance mutation goes through ApplyDeltas together with
// an AppendEntry in the same transaction.
type WalletRepository struct {
	pool *pgxpool.Pool
}

// NewWalletRepository creates a new WalletRepository instance.
func NewWalletRepository(pool *pgxpool.Pool) *WalletRepository {
	return &WalletRepository{pool: pool}
}

// GetAccount retrieves a user's wallet balances.
func (r *WalletRepository) GetAccount(ctx context.Context, userID int64) (*model.WalletAccount, error) {
	const query = `
		SELECT user_id, available_coins, locked_coins, updated_at
		FROM wallet_accounts
		WHERE user_id = $1`

	var acc model.WalletAccount
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&acc.UserID,
		&acc.AvailableCoins,
		&acc.LockedCoins,
		&acc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet account: %w", err)
	}
	return &acc, nil
}

// GetAccountForUpdate retrieves a wallet account with an exclusive row lock.
func (r *WalletRepository) GetAccountForUpdate(ctx context.Context, q Querier, userID int64) (*model.WalletAccount, error) {
	const query = `
		SELECT user_id, available_coins, locked_coins, updated_at
		FROM wallet_accounts
		WHERE user_id = $1
		FOR UPDATE`

	var acc model.WalletAccount
	err := q.QueryRow(ctx, query, userID).Scan(
		&acc.UserID,
		&acc.AvailableCoins,
		&acc.LockedCoins,
		&acc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to lock wallet account: %w", err)
	}
	return &acc, nil
}

// ApplyDeltas adjusts a user's balances, creating the account row on first
// touch. The check constraint on wallet_accounts rejects negative balances.
func (r *WalletRepository) ApplyDeltas(ctx context.Context, q Querier, userID, deltaAvailable, deltaLocked int64) error {
	const query = `
		INSERT INTO wallet_accounts (user_id, available_coins, locked_coins, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available_coins = wallet_accounts.available_coins + EXCLUDED.available_coins,
			locked_coins = wallet_accounts.locked_coins + EXCLUDED.locked_coins,
			updated_at = NOW()`

	if _, err := q.Exec(ctx, query, userID, deltaAvailable, deltaLocked); err != nil {
		return fmt.Errorf("failed to apply wallet deltas: %w", err)
	}
	return nil
}

// AppendEntry writes one immutable ledger entry.
func (r *WalletRepository) AppendEntry(ctx context.Context, q Querier, e *model.WalletLedgerEntry) error {
	const query = `
		INSERT INTO wallet_ledger
			(ledger_id, user_id, period_id, entry_type,
			 delta_available_coins, delta_locked_coins,
			 ref_source_user_id, remark, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`

	_, err := q.Exec(ctx, query,
		e.ID, e.UserID, e.PeriodID, e.EntryType,
		e.DeltaAvailableCoins, e.DeltaLockedCoins,
		e.RefSourceUserID, e.Remark,
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// ListEntries retrieves a user's ledger entries, newest first.
func (r *WalletRepository) ListEntries(ctx context.Context, userID int64, limit int) ([]*model.WalletLedgerEntry, error) {
	const query = `
		SELECT ledger_id, user_id, period_id, entry_type,
		       delta_available_coins, delta_locked_coins,
		       ref_source_user_id, remark, created_at
		FROM wallet_ledger
		WHERE user_id = $1
		ORDER BY ledger_id DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.WalletLedgerEntry
	for rows.Next() {
		var e model.WalletLedgerEntry
		err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.PeriodID,
			&e.EntryType,
			&e.DeltaAvailableCoins,
			&e.DeltaLockedCoins,
			&e.RefSourceUserID,
			&e.Remark,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

// HasEntryForSource reports whether any ledger entry in the period references
// the user as its commission source. The ban-apply guard depends on this.
func (r *WalletRepository) HasEntryForSource(ctx context.Context, q Querier, periodID, sourceUserID int64) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM wallet_ledger
			WHERE period_id = $1 AND ref_source_user_id = $2
		)`

	var exists bool
	if err := q.QueryRow(ctx, query, periodID, sourceUserID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check ledger source references: %w", err)
	}
	return exists, nil
}

// HasEntriesForPeriod reports whether any ledger entries reference the period.
func (r *WalletRepository) HasEntriesForPeriod(ctx context.Context, q Querier, periodID int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM wallet_ledger WHERE period_id = $1)`

	var exists bool
	if err := q.QueryRow(ctx, query, periodID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check period ledger entries: %w", err)
	}
	return exists, nil
}

// SumDeltasByUser sums all ledger deltas for a user. The result must always
// match the wallet account balances.
func (r *WalletRepository) SumDeltasByUser(ctx context.Context, userID int64) (available, locked int64, err error) {
	const query = `
		SELECT COALESCE(SUM(delta_available_coins), 0),
		       COALESCE(SUM(delta_locked_coins), 0)
		FROM wallet_ledger
		WHERE user_id = $1`

	if err := r.pool.QueryRow(ctx, query, userID).Scan(&available, &locked); err != nil {
		return 0, 0, fmt.Errorf("failed to sum ledger deltas: %w", err)
	}
	return available, locked, nil
}
