package lock

import (
	"sync"
	"sync/atomic"
	"testing"

	"pgregory.net/rapid"
)

// TestConcurrentMutationSafetyProperty checks that concurrent read-modify-write
// sequences on the same settlement key serialize to the sequential result.
func TestConcurrentMutationSafetyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := rapid.Int64Range(1000, 100000).Draw(t, "initial")
		numOps := rapid.IntRange(2, 20).Draw(t, "numOps")

		amounts := make([]int64, numOps)
		expected := initial
		for i := 0; i < numOps; i++ {
			amounts[i] = rapid.Int64Range(-500, 500).Draw(t, "amount")
			expected += amounts[i]
		}

		key := Key{
			PeriodID: rapid.Int64Range(1, 1000).Draw(t, "periodID"),
			UserID:   rapid.Int64Range(1, 1000000).Draw(t, "userID"),
		}
		sl := New()
		total := initial

		var wg sync.WaitGroup
		wg.Add(numOps)
		for _, amount := range amounts {
			go func(amount int64) {
				defer wg.Done()
				sl.Lock(key)
				defer sl.Unlock(key)
				total += amount
			}(amount)
		}
		wg.Wait()

		if total != expected {
			t.Fatalf("total mismatch with locking: expected %d, got %d (initial=%d, numOps=%d)",
				expected, total, initial, numOps)
		}
	})
}

// TestWithLockSerializationProperty checks that WithLock serializes updates.
func TestWithLockSerializationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := rapid.Int64Range(1000, 100000).Draw(t, "initial")
		numOps := rapid.IntRange(5, 30).Draw(t, "numOps")
		amountPerOp := rapid.Int64Range(1, 100).Draw(t, "amountPerOp")
		expected := initial + int64(numOps)*amountPerOp

		key := Key{
			PeriodID: rapid.Int64Range(1, 1000).Draw(t, "periodID"),
			UserID:   rapid.Int64Range(1, 1000000).Draw(t, "userID"),
		}
		sl := New()
		total := initial

		var wg sync.WaitGroup
		wg.Add(numOps)
		for i := 0; i < numOps; i++ {
			go func() {
				defer wg.Done()
				_ = sl.WithLock(key, func() error {
					total += amountPerOp
					return nil
				})
			}()
		}
		wg.Wait()

		if total != expected {
			t.Fatalf("total mismatch with WithLock: expected %d, got %d", expected, total)
		}
	})
}

// TestIndependentKeysProperty checks that locks for different settlement keys
// do not interfere with each other's serialized updates.
func TestIndependentKeysProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numKeys := rapid.IntRange(2, 10).Draw(t, "numKeys")
		opsPerKey := rapid.IntRange(5, 20).Draw(t, "opsPerKey")
		periodID := rapid.Int64Range(1, 1000).Draw(t, "periodID")

		totals := make(map[int64]*int64)
		expected := make(map[int64]int64)
		for i := 0; i < numKeys; i++ {
			userID := int64(i + 1)
			initial := rapid.Int64Range(1000, 10000).Draw(t, "initial")
			v := initial
			totals[userID] = &v
			expected[userID] = initial + int64(opsPerKey)*10
		}

		sl := New()
		var wg sync.WaitGroup
		wg.Add(numKeys * opsPerKey)
		for userID := int64(1); userID <= int64(numKeys); userID++ {
			for j := 0; j < opsPerKey; j++ {
				go func(uid int64) {
					defer wg.Done()
					key := Key{PeriodID: periodID, UserID: uid}
					sl.Lock(key)
					defer sl.Unlock(key)
					*totals[uid] += 10
				}(userID)
			}
		}
		wg.Wait()

		for userID := int64(1); userID <= int64(numKeys); userID++ {
			if *totals[userID] != expected[userID] {
				t.Fatalf("key %d total mismatch: expected %d, got %d",
					userID, expected[userID], *totals[userID])
			}
		}
	})
}

// TestTryLockExclusionProperty checks that TryLock admits at least one caller
// under contention and leaves the lock free afterwards.
func TestTryLockExclusionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := Key{
			PeriodID: rapid.Int64Range(1, 1000).Draw(t, "periodID"),
			UserID:   rapid.Int64Range(1, 1000000).Draw(t, "userID"),
		}
		numAttempts := rapid.IntRange(5, 20).Draw(t, "numAttempts")

		sl := New()
		var successCount atomic.Int32
		var wg sync.WaitGroup
		wg.Add(numAttempts)
		startCh := make(chan struct{})

		for i := 0; i < numAttempts; i++ {
			go func() {
				defer wg.Done()
				<-startCh
				if sl.TryLock(key) {
					successCount.Add(1)
					sl.Unlock(key)
				}
			}()
		}
		close(startCh)
		wg.Wait()

		if successCount.Load() < 1 {
			t.Fatalf("at least one TryLock should succeed, got %d successes", successCount.Load())
		}
		if !sl.TryLock(key) {
			t.Fatal("lock should be available after all attempts complete")
		}
		sl.Unlock(key)
	})
}

// TestLockUnlockSymmetryProperty checks that symmetric lock/unlock cycles
// leave the lock available.
func TestLockUnlockSymmetryProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := Key{
			PeriodID: rapid.Int64Range(1, 1000).Draw(t, "periodID"),
			UserID:   rapid.Int64Range(1, 1000000).Draw(t, "userID"),
		}
		numCycles := rapid.IntRange(1, 50).Draw(t, "numCycles")

		sl := New()
		for i := 0; i < numCycles; i++ {
			sl.Lock(key)
			sl.Unlock(key)
		}

		if !sl.TryLock(key) {
			t.Fatal("lock should be available after symmetric lock/unlock cycles")
		}
		sl.Unlock(key)
	})
}
