package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/ridebooking/internal/booking/repository"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisDriverLockLockAndUnlock(t *testing.T) {
	client, _ := newRedisClient(t)
	lock := repository.NewRedisDriverLock(client, "")
	ctx := context.Background()
	driverID := uuid.New()

	bookingID := uuid.New()
	locked, err := lock.TryLock(ctx, driverID, bookingID, time.Second)
	require.NoError(t, err)
	require.True(t, locked)

	locked, err = lock.TryLock(ctx, driverID, uuid.New(), time.Second)
	require.NoError(t, err)
	require.False(t, locked)

	require.NoError(t, lock.Unlock(ctx, driverID, bookingID))

	locked, err = lock.TryLock(ctx, driverID, uuid.New(), time.Second)
	require.NoError(t, err)
	require.True(t, locked)
}

func TestRedisDriverLockTTLExpiry(t *testing.T) {
	client, mr := newRedisClient(t)
	lock := repository.NewRedisDriverLock(client, "")
	ctx := context.Background()
	driverID := uuid.New()

	locked, err := lock.TryLock(ctx, driverID, uuid.New(), time.Second)
	require.NoError(t, err)
	require.True(t, locked)

	mr.FastForward(2 * time.Second)

	locked, err = lock.TryLock(ctx, driverID, uuid.New(), time.Second)
	require.NoError(t, err)
	require.True(t, locked)
}

func TestMemoryDriverLock(t *testing.T) {
	lock := repository.NewMemoryDriverLock()
	ctx := context.Background()
	driverID := uuid.New()

	bookingID := uuid.New()
	locked, err := lock.TryLock(ctx, driverID, bookingID, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	locked, err = lock.TryLock(ctx, driverID, uuid.New(), time.Minute)
	require.NoError(t, err)
	require.False(t, locked)

	locked, err = lock.TryLock(ctx, uuid.New(), uuid.New(), time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	require.NoError(t, lock.Unlock(ctx, driverID, uuid.New()))
	locked, err = lock.TryLock(ctx, driverID, uuid.New(), time.Minute)
	require.NoError(t, err)
	require.False(t, locked)

	require.NoError(t, lock.Unlock(ctx, driverID, bookingID))
	locked, err = lock.TryLock(ctx, driverID, uuid.New(), time.Minute)
	require.NoError(t, err)
	require.True(t, locked)
}

func TestRedisDriverLockExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	client, mr := newRedisClient(t)
	lock := repository.NewRedisDriverLock(client, "")
	ctx := context.Background()
	driverID := uuid.New()
	first, second := uuid.New(), uuid.New()

	locked, err := lock.TryLock(ctx, driverID, first, time.Second)
	require.NoError(t, err)
	require.True(t, locked)

	mr.FastForward(2 * time.Second)
	locked, err = lock.TryLock(ctx, driverID, second, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	// The slow first attempt finishing late must not free the second's lock.
	require.NoError(t, lock.Unlock(ctx, driverID, first))
	locked, err = lock.TryLock(ctx, driverID, uuid.New(), time.Minute)
	require.NoError(t, err)
	require.False(t, locked)

	require.NoError(t, lock.Unlock(ctx, driverID, second))
	locked, err = lock.TryLock(ctx, driverID, uuid.New(), time.Minute)
	require.NoError(t, err)
	require.True(t, locked)
}
