// Package model defines the data models for the settlement service.
package model

import (
	"fmt"
	"time"
)

// Period statuses.
const (
	PeriodStatusOpen   = "open"
	PeriodStatusPaying = "paying"
	PeriodStatusClosed = "closed"
)

// Payable statuses.
const (
	PayableStatusUnpaid  = "unpaid"
	PayableStatusPartial = "partial"
	PayableStatusPaid    = "paid"
	PayableStatusOverdue = "overdue"
)

// Payment statuses.
const (
	PaymentStatusSubmitted = "submitted"
	PaymentStatusConfirmed = "confirmed"
	PaymentStatusRejected  = "rejected"
)

// Commission funding statuses.
const (
	FundingStatusUnfunded = "unfunded"
	FundingStatusFunded   = "funded"
)

// Ban report statuses.
const (
	BanReportStatusSubmitted = "submitted"
	BanReportStatusApproved  = "approved"
	BanReportStatusRejected  = "rejected"
)

// Withdraw request statuses.
const (
	WithdrawStatusPending  = "pending"
	WithdrawStatusPaid     = "paid"
	WithdrawStatusRejected = "rejected"
)

// Wallet ledger entry types.
const (
	LedgerTypeCommissionLockedIn = "commission_locked_in"
	LedgerTypeCommissionUnlock   = "commission_unlock"
	LedgerTypeWithdrawRequest    = "withdraw_request"
	LedgerTypeWithdrawRefund     = "withdraw_refund"
	LedgerTypeAdjust             = "adjust"
)

// BpsDenominator is the basis-point scale used for all income splits.
const BpsDenominator = 10000

// Period defines a settlement period: the statistics window earnings are
// aggregated from, the payment window, and the split ratios in force.
// Split ratios are immutable once income rows reference the period.
type Period struct {
	ID         int64     `db:"period_id"`
	StatStart  time.Time `db:"stat_start"`
	StatEnd    time.Time `db:"stat_end"`
	PayStart   time.Time `db:"pay_start"`
	PayEnd     time.Time `db:"pay_end"`
	CoinRate   int64     `db:"coin_rate"`
	HostBps    int32     `db:"host_bps"`
	CollectBps int32     `db:"collect_bps"`
	L1Bps      int32     `db:"l1_bps"`
	L2Bps      int32     `db:"l2_bps"`
	Status     string    `db:"status"`
	IsActive   bool      `db:"is_active"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Label renders a human-readable period identifier: "2025W07" for windows
// of a week or less, "2025-07" otherwise.
func (p *Period) Label() string {
	days := int(p.StatEnd.Sub(p.StatStart).Hours() / 24)
	if days <= 7 {
		year, week := p.StatStart.ISOWeek()
		return fmt.Sprintf("%dW%02d", year, week)
	}
	return fmt.Sprintf("%d-%02d", p.StatStart.Year(), int(p.StatStart.Month()))
}

// ReferralSnapshot freezes a user's level-1/level-2 inviters for a period.
// Rows are written once at generation and never mutated afterward.
type ReferralSnapshot struct {
	PeriodID  int64     `db:"period_id"`
	UserID    int64     `db:"user_id"`
	InviterL1 *int64    `db:"inviter_level1"`
	InviterL2 *int64    `db:"inviter_level2"`
	CreatedAt time.Time `db:"created_at"`
}

// UserIncome is the per-(period,user) income aggregate and its split.
// All derived fields recompute deterministically from GrossCoins and the
// period's bps ratios; there is no independent source of truth for them.
type UserIncome struct {
	PeriodID            int64     `db:"period_id"`
	UserID              int64     `db:"user_id"`
	GrossCoins          int64     `db:"gross_coins"`
	SelfKeepCoins       int64     `db:"self_keep_coins"`
	SelfPayableCoins    int64     `db:"self_payable_coins"`
	L1UserID            *int64    `db:"l1_user_id"`
	L2UserID            *int64    `db:"l2_user_id"`
	L1CommissionCoins   int64     `db:"l1_commission_coins"`
	L2CommissionCoins   int64     `db:"l2_commission_coins"`
	PlatformRetainCoins int64     `db:"platform_retain_coins"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

// UserPayable tracks what a user owes the platform for a period against
// their cumulative confirmed payments. AmountPaidCoins never decreases.
type UserPayable struct {
	PeriodID        int64      `db:"period_id"`
	UserID          int64      `db:"user_id"`
	AmountDueCoins  int64      `db:"amount_due_coins"`
	AmountPaidCoins int64      `db:"amount_paid_coins"`
	Status          string     `db:"status"`
	FirstPaidAt     *time.Time `db:"first_paid_at"`
	PaidAt          *time.Time `db:"paid_at"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// Remaining returns the outstanding amount for this payable.
func (p *UserPayable) Remaining() int64 {
	return p.AmountDueCoins - p.AmountPaidCoins
}

// Payment is a single submitted payment against a payable. Once confirmed
// it is immutable apart from the ledger side effects it triggers.
type Payment struct {
	ID           int64      `db:"payment_id"`
	PeriodID     int64      `db:"period_id"`
	PayerUserID  int64      `db:"payer_user_id"`
	AmountCoins  int64      `db:"amount_coins"`
	Method       string     `db:"method"`
	ProofURL     *string    `db:"proof_url"`
	Status       string     `db:"status"`
	SubmittedAt  time.Time  `db:"submitted_at"`
	ConfirmedAt  *time.Time `db:"confirmed_at"`
	ConfirmedBy  *int64     `db:"confirmed_by"`
	RejectReason *string    `db:"reject_reason"`
}

// Commission is an amount owed to an upstream referrer (level 1 or 2),
// keyed by (period, source, beneficiary, level). Funding and unlock are
// both one-way transitions.
type Commission struct {
	PeriodID          int64      `db:"period_id"`
	SourceUserID      int64      `db:"source_user_id"`
	BeneficiaryUserID int64      `db:"beneficiary_user_id"`
	Level             int        `db:"level"`
	AmountCoins       int64      `db:"amount_coins"`
	FundingStatus     string     `db:"funding_status"`
	FundedAt          *time.Time `db:"funded_at"`
	IsUnlocked        bool       `db:"is_unlocked"`
	UnlockedAt        *time.Time `db:"unlocked_at"`
	CreatedAt         time.Time  `db:"created_at"`
}

// BanReport is a reviewed retroactive reduction of a user's gross income.
// Apply is one-way; the deduct fields record the before/after deltas for
// audit once the report has been applied.
type BanReport struct {
	ID           int64      `db:"report_id"`
	PeriodID     int64      `db:"period_id"`
	UserID       int64      `db:"user_id"`
	EnvRef       *string    `db:"env_ref"`
	BannedCoins  int64      `db:"banned_coins"`
	ProofPath    string     `db:"proof_path"`
	Status       string     `db:"status"`
	IsApplied    bool       `db:"is_applied"`
	RejectReason *string    `db:"reject_reason"`
	ReviewedBy   *int64     `db:"reviewed_by"`
	ReviewedAt   *time.Time `db:"reviewed_at"`
	AppliedBy    *int64     `db:"applied_by"`
	AppliedAt    *time.Time `db:"applied_at"`

	DeductGrossCoins          *int64 `db:"deduct_gross_coins"`
	DeductSelfKeepCoins       *int64 `db:"deduct_self_keep_coins"`
	DeductDueCoins            *int64 `db:"deduct_due_coins"`
	DeductL1CommissionCoins   *int64 `db:"deduct_l1_commission_coins"`
	DeductL2CommissionCoins   *int64 `db:"deduct_l2_commission_coins"`
	DeductPlatformRetainCoins *int64 `db:"deduct_platform_retain_coins"`

	SubmittedAt time.Time `db:"submitted_at"`
}

// WalletAccount holds a user's aggregate balances. Balances are maintained
// in lockstep with the wallet ledger and must always equal the running sum
// of ledger deltas for the user.
type WalletAccount struct {
	UserID         int64     `db:"user_id"`
	AvailableCoins int64     `db:"available_coins"`
	LockedCoins    int64     `db:"locked_coins"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// WalletLedgerEntry is an append-only balance mutation record. Entries are
// immutable once written; the ledger is the system of record.
type WalletLedgerEntry struct {
	ID                  int64     `db:"ledger_id"`
	UserID              int64     `db:"user_id"`
	PeriodID            *int64    `db:"period_id"`
	EntryType           string    `db:"entry_type"`
	DeltaAvailableCoins int64     `db:"delta_available_coins"`
	DeltaLockedCoins    int64     `db:"delta_locked_coins"`
	RefSourceUserID     *int64    `db:"ref_source_user_id"`
	Remark              *string   `db:"remark"`
	CreatedAt           time.Time `db:"created_at"`
}

// EarningRecord is one day of raw coin earnings for a user, supplied by the
// external earnings source and aggregated at generation time.
type EarningRecord struct {
	UserID     int64     `db:"user_id"`
	StatDate   time.Time `db:"stat_date"`
	CoinsTotal int64     `db:"coins_total"`
	Note       *string   `db:"note"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// ReferralEdge is the live referral graph: a user's current level-1/level-2
// inviters. Snapshotting copies these into ReferralSnapshot rows, after
// which edits here no longer affect the period.
type ReferralEdge struct {
	UserID    int64     `db:"user_id"`
	InviterL1 *int64    `db:"inviter_level1"`
	InviterL2 *int64    `db:"inviter_level2"`
	UpdatedAt time.Time `db:"updated_at"`
}

// WithdrawRequest tracks a user's request to pay out available coins.
type WithdrawRequest struct {
	ID           int64      `db:"withdraw_id"`
	UserID       int64      `db:"user_id"`
	AmountCoins  int64      `db:"amount_coins"`
	Method       string     `db:"method"`
	AccountInfo  *string    `db:"account_info"`
	Status       string     `db:"status"`
	RejectReason *string    `db:"reject_reason"`
	RequestedAt  time.Time  `db:"requested_at"`
	ProcessedAt  *time.Time `db:"processed_at"`
	ProcessedBy  *int64     `db:"processed_by"`
}
