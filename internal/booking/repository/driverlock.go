package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultDriverLockPrefix = "lock:driver:"

// RedisDriverLock serialises accept attempts per driver across instances using
// SET NX. A TTL is attached to every lock to avoid stale holders.
type RedisDriverLock struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisDriverLock constructs the lock helper.
func NewRedisDriverLock(client redis.Cmdable, prefix string) *RedisDriverLock {
	if prefix == "" {
		prefix = defaultDriverLockPrefix
	}
	return &RedisDriverLock{client: client, keyPrefix: prefix}
}

// TryLock acquires the driver's lock on behalf of bookingID.
func (r *RedisDriverLock) TryLock(ctx context.Context, driverID, bookingID uuid.UUID, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	ok, err := r.client.SetNX(ctx, r.keyPrefix+driverID.String(), bookingID.String(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// releaseLockLua deletes the key only when it still names the caller's booking.
var releaseLockLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Unlock releases the driver's lock if bookingID still holds it. A lock that
// expired and was taken by another attempt is left alone.
func (r *RedisDriverLock) Unlock(ctx context.Context, driverID, bookingID uuid.UUID) error {
	key := r.keyPrefix + driverID.String()
	if err := releaseLockLua.Run(ctx, r.client, []string{key}, bookingID.String()).Err(); err != nil {
		return fmt.Errorf("redis release lock: %w", err)
	}
	return nil
}

// MemoryDriverLock is the single-process variant.
type MemoryDriverLock struct {
	mu     sync.Mutex
	now    func() time.Time
	locked map[uuid.UUID]heldLock
}

type heldLock struct {
	bookingID uuid.UUID
	expires   time.Time
}

// NewMemoryDriverLock constructs MemoryDriverLock.
func NewMemoryDriverLock() *MemoryDriverLock {
	return &MemoryDriverLock{now: time.Now, locked: make(map[uuid.UUID]heldLock)}
}

// TryLock acquires the driver's lock unless a live one exists.
func (m *MemoryDriverLock) TryLock(_ context.Context, driverID, bookingID uuid.UUID, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if held, ok := m.locked[driverID]; ok && now.Before(held.expires) {
		return false, nil
	}
	m.locked[driverID] = heldLock{bookingID: bookingID, expires: now.Add(ttl)}
	return true, nil
}

// Unlock releases the driver's lock if bookingID still holds it.
func (m *MemoryDriverLock) Unlock(_ context.Context, driverID, bookingID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locked[driverID]; ok && held.bookingID == bookingID {
		delete(m.locked, driverID)
	}
	return nil
}
