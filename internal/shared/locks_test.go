package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestMergeLockerSerialisesSameSupplier(t *testing.T) {
	client := newTestRedis(t)
	locker := NewMergeLocker(client, time.Minute)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "sup-1")
	require.NoError(t, err)
	require.NotNil(t, lock)

	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(shortCtx, "sup-1")
	require.Error(t, err)

	require.NoError(t, locker.Release(ctx, lock))

	lock2, err := locker.Acquire(ctx, "sup-1")
	require.NoError(t, err)
	require.NoError(t, locker.Release(ctx, lock2))
}

func TestMergeLockerAllowsDifferentSuppliers(t *testing.T) {
	client := newTestRedis(t)
	locker := NewMergeLocker(client, time.Minute)
	ctx := context.Background()

	lockA, err := locker.Acquire(ctx, "sup-a")
	require.NoError(t, err)
	lockB, err := locker.Acquire(ctx, "sup-b")
	require.NoError(t, err)

	require.NoError(t, locker.Release(ctx, lockA))
	require.NoError(t, locker.Release(ctx, lockB))
}

func TestMergeLockerContendedErrorWrapsErrLocked(t *testing.T) {
	client := newTestRedis(t)
	locker := NewMergeLocker(client, time.Minute)
	ctx := context.Background()

	lock, err := locker.Acquire(ctx, "sup-1")
	require.NoError(t, err)
	defer func() { _ = locker.Release(ctx, lock) }()

	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(shortCtx, "sup-1")
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		require.ErrorIs(t, err, ErrLocked)
	}
}
