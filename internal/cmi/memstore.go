package cmi

import (
	"context"
	"sort"
	"sync"

	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/vector"
)

type memKey struct {
	userID   string
	moduleID string
	remoteID string
}

// MemStore is the in-process CMI store for tests and the no-database
// development mode.
type MemStore struct {
	mu      sync.RWMutex
	entries map[memKey]*Entry
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[memKey]*Entry)}
}

var _ Store = (*MemStore)(nil)

// Upsert inserts or replaces the entry under its composite key.
func (s *MemStore) Upsert(_ context.Context, entry Entry) error {
	cp := entry
	cp.CVec = append([]float32(nil), entry.CVec...)

	s.mu.Lock()
	s.entries[memKey{entry.UserID, entry.ModuleID, entry.RemoteID}] = &cp
	s.mu.Unlock()
	return nil
}

// Get fetches one entry by composite key.
func (s *MemStore) Get(_ context.Context, userID, moduleID, remoteID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[memKey{userID, moduleID, remoteID}]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "cmi entry %s/%s not found", moduleID, remoteID)
	}
	cp := *entry
	return &cp, nil
}

// Delete removes the entry regardless of user.
func (s *MemStore) Delete(_ context.Context, moduleID, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if key.moduleID == moduleID && key.remoteID == remoteID {
			delete(s.entries, key)
		}
	}
	return nil
}

// TopK scans the user's entries by cosine similarity.
func (s *MemStore) TopK(_ context.Context, userID string, cvec []float32, k int) ([]ScoredEntry, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var scored []ScoredEntry
	for key, entry := range s.entries {
		if key.userID != userID {
			continue
		}
		scored = append(scored, ScoredEntry{
			Entry: *entry,
			Score: vector.CosineSimilarity(cvec, entry.CVec),
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].RemoteID < scored[j].RemoteID
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// ListByModule pages through one module's entries ordered by key.
func (s *MemStore) ListByModule(_ context.Context, moduleID string, limit, offset int) ([]Entry, error) {
	s.mu.RLock()
	var keys []memKey
	for key := range s.entries {
		if key.moduleID == moduleID {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].userID != keys[j].userID {
			return keys[i].userID < keys[j].userID
		}
		return keys[i].remoteID < keys[j].remoteID
	})
	if offset >= len(keys) {
		return nil, nil
	}
	keys = keys[offset:]
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		if entry, ok := s.entries[key]; ok {
			out = append(out, *entry)
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }
