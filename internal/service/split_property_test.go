package service

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"referral-settlement/internal/model"
)

func genPeriod(t *rapid.T) *model.Period {
	hostBps := rapid.Int32Range(0, model.BpsDenominator).Draw(t, "hostBps")
	collectBps := int32(model.BpsDenominator) - hostBps
	l1Bps := rapid.Int32Range(0, collectBps).Draw(t, "l1Bps")
	l2Bps := rapid.Int32Range(0, collectBps-l1Bps).Draw(t, "l2Bps")
	return &model.Period{
		HostBps:    hostBps,
		CollectBps: collectBps,
		L1Bps:      l1Bps,
		L2Bps:      l2Bps,
	}
}

// TestSplitConservationProperty checks the rounding contract: every share
// floors independently, so keep + payable never exceeds the gross and drops
// at most one coin of it, while the payable decomposes exactly into
// commissions plus platform retain.
func TestSplitConservationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gross := rapid.Int64Range(0, 1_000_000_000).Draw(t, "gross")
		period := genPeriod(t)
		hasL1 := rapid.Bool().Draw(t, "hasL1")
		hasL2 := rapid.Bool().Draw(t, "hasL2")

		split := ComputeSplit(gross, period, hasL1, hasL2)

		if dropped := gross - split.SelfKeep - split.SelfPayable; dropped < 0 || dropped > 1 {
			t.Fatalf("keep %d + payable %d misses gross %d by %d coins",
				split.SelfKeep, split.SelfPayable, gross, dropped)
		}
		if split.L1+split.L2+split.PlatformRetain != split.SelfPayable {
			t.Fatalf("l1 %d + l2 %d + retain %d != payable %d",
				split.L1, split.L2, split.PlatformRetain, split.SelfPayable)
		}
	})
}

// TestSplitIndependentFloorsProperty checks that the payable share depends
// only on the collect ratio: scaling the gross by the denominator makes the
// payable exact, and for any gross the payable stays within one coin of the
// exact collect share.
func TestSplitIndependentFloorsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gross := rapid.Int64Range(0, 1_000_000).Draw(t, "gross")
		period := genPeriod(t)

		split := ComputeSplit(gross, period, true, true)
		exactNum := gross * int64(period.CollectBps)
		if split.SelfPayable*model.BpsDenominator > exactNum {
			t.Fatalf("payable %d exceeds the exact collect share %d/%d",
				split.SelfPayable, exactNum, model.BpsDenominator)
		}
		if (split.SelfPayable+1)*model.BpsDenominator <= exactNum {
			t.Fatalf("payable %d is more than a coin below the exact collect share %d/%d",
				split.SelfPayable, exactNum, model.BpsDenominator)
		}

		scaled := ComputeSplit(gross*model.BpsDenominator, period, true, true)
		if scaled.SelfPayable != gross*int64(period.CollectBps) {
			t.Fatalf("scaled payable %d != exact %d", scaled.SelfPayable, gross*int64(period.CollectBps))
		}
	})
}

// TestSplitNonNegativeProperty checks that no component of a split can go
// negative for any valid ratio set.
func TestSplitNonNegativeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gross := rapid.Int64Range(0, 1_000_000_000).Draw(t, "gross")
		period := genPeriod(t)
		hasL1 := rapid.Bool().Draw(t, "hasL1")
		hasL2 := rapid.Bool().Draw(t, "hasL2")

		split := ComputeSplit(gross, period, hasL1, hasL2)

		for name, v := range map[string]int64{
			"selfKeep":       split.SelfKeep,
			"selfPayable":    split.SelfPayable,
			"l1":             split.L1,
			"l2":             split.L2,
			"platformRetain": split.PlatformRetain,
		} {
			if v < 0 {
				t.Fatalf("%s is negative: %d (gross=%d host=%d l1=%d l2=%d)",
					name, v, gross, period.HostBps, period.L1Bps, period.L2Bps)
			}
		}
	})
}

// TestSplitMissingInviterProperty checks that a missing inviter level always
// zeroes that commission and routes the amount to the platform retain.
func TestSplitMissingInviterProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gross := rapid.Int64Range(0, 1_000_000_000).Draw(t, "gross")
		period := genPeriod(t)

		full := ComputeSplit(gross, period, true, true)
		noL1 := ComputeSplit(gross, period, false, true)
		noL2 := ComputeSplit(gross, period, true, false)

		if noL1.L1 != 0 || noL2.L2 != 0 {
			t.Fatalf("missing inviter produced a commission: noL1.L1=%d noL2.L2=%d", noL1.L1, noL2.L2)
		}
		if noL1.PlatformRetain != full.PlatformRetain+full.L1 {
			t.Fatalf("dropped L1 did not route to retain: %d != %d+%d",
				noL1.PlatformRetain, full.PlatformRetain, full.L1)
		}
		if noL2.PlatformRetain != full.PlatformRetain+full.L2 {
			t.Fatalf("dropped L2 did not route to retain: %d != %d+%d",
				noL2.PlatformRetain, full.PlatformRetain, full.L2)
		}
	})
}

// TestSplitMonotonicDeductionProperty checks that the ban-apply recompute
// never increases any component: splitting a smaller gross yields
// component-wise smaller-or-equal results.
func TestSplitMonotonicDeductionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gross := rapid.Int64Range(1, 1_000_000_000).Draw(t, "gross")
		banned := rapid.Int64Range(0, gross).Draw(t, "banned")
		period := genPeriod(t)

		before := ComputeSplit(gross, period, true, true)
		after := ComputeSplit(gross-banned, period, true, true)

		if after.SelfKeep > before.SelfKeep ||
			after.SelfPayable > before.SelfPayable ||
			after.L1 > before.L1 ||
			after.L2 > before.L2 {
			t.Fatalf("deduction increased a component: before=%+v after=%+v", before, after)
		}
	})
}

// TestPayableStatusTotalProperty checks that the status function always
// returns one of the four statuses and that paid wins over overdue.
func TestPayableStatusTotalProperty(t *testing.T) {
	payEnd := time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)
	rapid.Check(t, func(t *rapid.T) {
		due := rapid.Int64Range(-100, 1_000_000).Draw(t, "due")
		paid := rapid.Int64Range(0, 1_000_000).Draw(t, "paid")
		offsetHours := rapid.IntRange(-24*30, 24*30).Draw(t, "offsetHours")
		now := payEnd.Add(time.Duration(offsetHours) * time.Hour)

		status := EvaluatePayableStatus(due, paid, now, payEnd)

		switch status {
		case model.PayableStatusPaid, model.PayableStatusPartial,
			model.PayableStatusUnpaid, model.PayableStatusOverdue:
		default:
			t.Fatalf("unknown status %q", status)
		}
		if (due <= 0 || paid >= due) && status != model.PayableStatusPaid {
			t.Fatalf("covered payable reported %q (due=%d paid=%d)", status, due, paid)
		}
		if status == model.PayableStatusPaid && due > 0 && paid < due {
			t.Fatalf("uncovered payable reported paid (due=%d paid=%d)", due, paid)
		}
	})
}
