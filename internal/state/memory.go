package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"intentline/internal/domain"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore implements Store with the same semantics as SQLiteStore but
// no persistence across restarts. Intended for tests.
type MemoryStore struct {
	Now func() time.Time

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemory() *MemoryStore {
	return &MemoryStore{Now: time.Now, entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func memKey(namespace, tenantID, key string) string {
	return namespace + "\x00" + tenantID + "\x00" + key
}

func (m *MemoryStore) Get(ctx context.Context, namespace, tenantID, key string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.entries[memKey(namespace, tenantID, key)]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, memKey(namespace, tenantID, key))
		m.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (m *MemoryStore) Set(ctx context.Context, namespace, tenantID, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[memKey(namespace, tenantID, key)] = entry
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, namespace, tenantID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(namespace, tenantID, key)
	if _, ok := m.entries[k]; !ok {
		return domain.ErrNotFound
	}
	delete(m.entries, k)
	return nil
}

func (m *MemoryStore) ListKeys(ctx context.Context, namespace, tenantID string, limit int) ([]string, error) {
	prefix := namespace + "\x00" + tenantID + "\x00"
	now := m.now()
	m.mu.RLock()
	var keys []string
	for k, entry := range m.entries {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			continue
		}
		keys = append(keys, k[len(prefix):])
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
