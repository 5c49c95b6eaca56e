package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// SupplierMergeLockKey builds redis keys for per-supplier merge critical sections.
func SupplierMergeLockKey(supplierID string) string {
	return fmt.Sprintf("merge:supplier:%s:lock", supplierID)
}

// MergeLocker serialises merges per supplier through a redis mutex.
type MergeLocker struct {
	locker *redislock.Client
	ttl    time.Duration
}

// NewMergeLocker wraps a redis client into a merge lock provider.
func NewMergeLocker(client redis.UniversalClient, ttl time.Duration) *MergeLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MergeLocker{locker: redislock.New(client), ttl: ttl}
}

// Acquire takes the supplier lock, retrying briefly so queued merges for the
// same supplier wait instead of failing immediately.
func (m *MergeLocker) Acquire(ctx context.Context, supplierID string) (*redislock.Lock, error) {
	if m == nil || m.locker == nil {
		return nil, errors.New("merge locker not initialised")
	}
	lock, err := m.locker.Obtain(ctx, SupplierMergeLockKey(supplierID), m.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(250*time.Millisecond), 40),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("%w: supplier %s merge in progress", ErrLocked, supplierID)
		}
		return nil, err
	}
	return lock, nil
}

// WithLock runs fn while holding the supplier merge lock.
func (m *MergeLocker) WithLock(ctx context.Context, supplierID string, fn func(context.Context) error) error {
	lock, err := m.Acquire(ctx, supplierID)
	if err != nil {
		return err
	}
	defer func() {
		_ = m.Release(ctx, lock)
	}()
	return fn(ctx)
}

// Release frees the lock, tolerating an already-expired hold.
func (m *MergeLocker) Release(ctx context.Context, lock *redislock.Lock) error {
	if lock == nil {
		return nil
	}
	if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return err
	}
	return nil
}
