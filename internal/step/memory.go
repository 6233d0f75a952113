package step

import (
	"context"
	"sync"
)

// MemoryCache is a process-local Cache. It does not survive restarts and is
// meant for tests and one-shot CLI runs.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]byte)}
}

// GetStep implements Cache.
func (m *MemoryCache) GetStep(_ context.Context, instanceID, step string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[Key(instanceID, step)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// PutStep implements Cache.
func (m *MemoryCache) PutStep(_ context.Context, instanceID, step string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(result))
	copy(v, result)
	m.entries[Key(instanceID, step)] = v
	return nil
}

// Len returns the number of cached results.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Key is the canonical cache key for a step result.
func Key(instanceID, step string) string {
	return instanceID + "/" + step
}
