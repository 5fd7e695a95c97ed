// Package lock provides per-(period,user) locking for settlement mutations.
// Payment confirmation, ban application and commission unlock all
// read-then-write the same payable and commission rows; serializing them on
// a settlement key prevents two concurrent mutations from interleaving
// before the database row locks are even acquired.
package lock

import (
	"context"
	"sync"
	"time"
)

// Key identifies a settlement lock scope. UserID 0 locks the whole period
// (used by generation, which writes rows for every user at once).
type Key struct {
	PeriodID int64
	UserID   int64
}

// PeriodKey returns the coarse whole-period lock key.
func PeriodKey(periodID int64) Key {
	return Key{PeriodID: periodID}
}

// settlementMutex wraps a mutex with reference counting for cleanup.
type settlementMutex struct {
	mu       sync.Mutex
	refCount int
}

// SettlementLock provides per-key locking to prevent race conditions
// during settlement mutations.
type SettlementLock struct {
	locks sync.Map // map[Key]*settlementMutex
	pool  sync.Pool
}

// New creates a new SettlementLock instance.
func New() *SettlementLock {
	return &SettlementLock{
		pool: sync.Pool{
			New: func() any {
				return &settlementMutex{}
			},
		},
	}
}

// getLock retrieves or creates a mutex for the given key.
func (sl *SettlementLock) getLock(key Key) *settlementMutex {
	// Try to load existing lock
	if v, ok := sl.locks.Load(key); ok {
		return v.(*settlementMutex)
	}

	// Create new lock from pool
	newLock := sl.pool.Get().(*settlementMutex)
	newLock.refCount = 0

	// Store or load existing (handles race condition)
	actual, loaded := sl.locks.LoadOrStore(key, newLock)
	if loaded {
		// Another goroutine created the lock first, return ours to pool
		sl.pool.Put(newLock)
	}
	return actual.(*settlementMutex)
}

// Lock acquires the lock for a settlement key.
func (sl *SettlementLock) Lock(key Key) {
	lock := sl.getLock(key)
	lock.mu.Lock()
	lock.refCount++
}

// Unlock releases the lock for a settlement key.
func (sl *SettlementLock) Unlock(key Key) {
	if v, ok := sl.locks.Load(key); ok {
		lock := v.(*settlementMutex)
		lock.refCount--
		lock.mu.Unlock()
	}
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false otherwise.
func (sl *SettlementLock) TryLock(key Key) bool {
	lock := sl.getLock(key)
	if lock.mu.TryLock() {
		lock.refCount++
		return true
	}
	return false
}

// LockWithTimeout attempts to acquire the lock with a timeout.
// Returns true if the lock was acquired, false if timeout occurred.
func (sl *SettlementLock) LockWithTimeout(ctx context.Context, key Key, timeout time.Duration) bool {
	lock := sl.getLock(key)

	// Create a channel to signal lock acquisition
	done := make(chan struct{})

	go func() {
		lock.mu.Lock()
		close(done)
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-done:
		lock.refCount++
		return true
	case <-timeoutCtx.Done():
		// Timeout occurred - the goroutine waiting for the lock will
		// eventually acquire it; release immediately once it does.
		go func() {
			<-done
			lock.mu.Unlock()
		}()
		return false
	}
}

// WithLock executes a function while holding the key's lock.
func (sl *SettlementLock) WithLock(key Key, fn func() error) error {
	sl.Lock(key)
	defer sl.Unlock(key)
	return fn()
}

// WithLockContext executes a function while holding the key's lock,
// with context support for cancellation. Returns ErrLockTimeout if the
// lock cannot be acquired within the timeout; callers surface this as a
// retryable conflict.
func (sl *SettlementLock) WithLockContext(ctx context.Context, key Key, timeout time.Duration, fn func() error) error {
	if !sl.LockWithTimeout(ctx, key, timeout) {
		return ErrLockTimeout
	}
	defer sl.Unlock(key)

	// Check if context was cancelled while waiting for lock
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// IsLocked checks if a key currently has an active lock.
// Note: This is a point-in-time check and may change immediately after.
func (sl *SettlementLock) IsLocked(key Key) bool {
	if v, ok := sl.locks.Load(key); ok {
		lock := v.(*settlementMutex)
		if lock.mu.TryLock() {
			lock.mu.Unlock()
			return false
		}
		return true
	}
	return false
}
