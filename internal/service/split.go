package service

import (
	"time"

	"referral-settlement/internal/model"
)

// Split is the deterministic decomposition of one user's gross income under
// a period's ratios. All fields are coins. Every share floors independently,
// so SelfKeep + SelfPayable may undershoot the gross by one coin; within the
// payable, L1 + L2 + PlatformRetain equals SelfPayable exactly.
type Split struct {
	SelfKeep       int64
	SelfPayable    int64
	L1             int64
	L2             int64
	PlatformRetain int64
}

// ComputeSplit derives a user's income split from their gross coins.
// Each basis-point product rounds down on its own; the platform retain
// absorbs the payable-side remainder, and the commission for a missing
// inviter level is zero.
func ComputeSplit(gross int64, p *model.Period, hasL1, hasL2 bool) Split {
	selfKeep := gross * int64(p.HostBps) / model.BpsDenominator
	selfPayable := gross * int64(p.CollectBps) / model.BpsDenominator

	var l1, l2 int64
	if hasL1 {
		l1 = gross * int64(p.L1Bps) / model.BpsDenominator
	}
	if hasL2 {
		l2 = gross * int64(p.L2Bps) / model.BpsDenominator
	}

	return Split{
		SelfKeep:       selfKeep,
		SelfPayable:    selfPayable,
		L1:             l1,
		L2:             l2,
		PlatformRetain: selfPayable - l1 - l2,
	}
}

// EvaluatePayableStatus derives a payable's status from its amounts and the
// period's payment deadline. A zero or fully covered due is paid regardless
// of the deadline; past the deadline anything unsettled is overdue.
func EvaluatePayableStatus(due, paid int64, now, payEnd time.Time) string {
	if due <= 0 || paid >= due {
		return model.PayableStatusPaid
	}
	if now.After(endOfDay(payEnd)) {
		return model.PayableStatusOverdue
	}
	if paid > 0 {
		return model.PayableStatusPartial
	}
	return model.PayableStatusUnpaid
}

// endOfDay returns the last instant of the calendar day containing t.
// Payment deadlines are dates; a payment on the deadline day is on time.
func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Nanosecond), t.Location())
}
