package repository

import (
	"context"
	"sync"
	"time"
)

type cachedResponse struct {
	body    []byte
	expires time.Time
}

// MemoryIdempotencyRepo keeps create responses in process. Entries older
// than the TTL are treated as absent and swept on write.
type MemoryIdempotencyRepo struct {
	mu      sync.Mutex
	entries map[string]cachedResponse
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryIdempotencyRepo(ttl time.Duration) *MemoryIdempotencyRepo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryIdempotencyRepo{entries: make(map[string]cachedResponse), ttl: ttl, now: time.Now}
}

func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || !m.now().Before(entry.expires) {
		return nil, false, nil
	}
	return append([]byte(nil), entry.body...), true, nil
}

// PutResponse is first-write-wins while the earlier entry is live.
func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, entry := range m.entries {
		if !now.Before(entry.expires) {
			delete(m.entries, k)
		}
	}
	if _, live := m.entries[key]; live {
		return nil
	}
	m.entries[key] = cachedResponse{body: append([]byte(nil), payload...), expires: now.Add(m.ttl)}
	return nil
}
