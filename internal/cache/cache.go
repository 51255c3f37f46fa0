package cache

import (
	"context"
	"sync"
	"time"
)

// GrantStore holds short-lived single-use values. Take must read and delete
// atomically so a value can be redeemed at most once.
type GrantStore interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Take(ctx context.Context, key string) ([]byte, bool, error)
}

type memoryGrant struct {
	value     []byte
	expiresAt time.Time
}

// MemoryGrantStore is the single-process GrantStore used when no redis is
// configured.
type MemoryGrantStore struct {
	mu     sync.Mutex
	now    func() time.Time
	grants map[string]memoryGrant
}

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{now: time.Now, grants: make(map[string]memoryGrant)}
}

func (m *MemoryGrantStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.evictExpired(now)
	if _, exists := m.grants[key]; exists {
		return false, nil
	}
	m.grants[key] = memoryGrant{
		value:     append([]byte(nil), value...),
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

func (m *MemoryGrantStore) Take(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	grant, ok := m.grants[key]
	if !ok {
		return nil, false, nil
	}
	delete(m.grants, key)
	if !m.now().Before(grant.expiresAt) {
		return nil, false, nil
	}
	return grant.value, true, nil
}

func (m *MemoryGrantStore) evictExpired(now time.Time) {
	for key, grant := range m.grants {
		if !now.Before(grant.expiresAt) {
			delete(m.grants, key)
		}
	}
}
