package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	// defaultMaxEntries bounds the in-process cache.
	defaultMaxEntries = 10000
	// evictionPercent of capacity is dropped when the cache is full.
	evictionPercent = 10
	// evictionThresholdPercent of capacity triggers an expiry scan.
	evictionThresholdPercent = 80
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is the in-process cache used when no external cache is
// configured. Expired entries are dropped lazily on read and in
// amortised scans on write.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]memEntry
	maxEntries int
}

// NewMemory creates an in-process cache. maxEntries <= 0 uses the
// default capacity.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Memory{
		entries:    make(map[string]memEntry),
		maxEntries: maxEntries,
	}
}

var _ Cache = (*Memory)(nil)

// Get returns the value when present and unexpired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key for ttl.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Only scan for expired entries near capacity (amortised cleanup).
	if len(m.entries) >= m.maxEntries*evictionThresholdPercent/100 {
		for k, v := range m.entries {
			if now.After(v.expiresAt) {
				delete(m.entries, k)
			}
		}
	}
	// Still full: evict a slice in random map order.
	if len(m.entries) >= m.maxEntries {
		evict := max(m.maxEntries*evictionPercent/100, 1)
		for k := range m.entries {
			delete(m.entries, k)
			evict--
			if evict == 0 {
				break
			}
		}
	}

	m.entries[key] = memEntry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

// Delete removes one key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
	return nil
}

// Close is a no-op for the in-process cache.
func (m *Memory) Close() error { return nil }

// Len reports the current entry count (for stats and tests).
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
