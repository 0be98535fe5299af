// Package memstore provides an in-process vector store adapter.
//
// It backs tests and the no-database development mode. Search is a
// linear cosine scan, which is fine for the sizes a single process
// holds.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/vector"
)

// Provider hands out independent in-memory adapters per table name.
type Provider struct {
	mu     sync.Mutex
	tables map[string]*Store
}

// NewProvider creates an empty provider.
func NewProvider() *Provider {
	return &Provider{tables: make(map[string]*Store)}
}

// Open returns the adapter for tableName, creating it on first use.
func (p *Provider) Open(_ context.Context, tableName string, dims int, _ []string) (vector.Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.tables[tableName]; ok {
		return s, nil
	}
	s := New(dims)
	p.tables[tableName] = s
	return s, nil
}

// Close releases nothing; in-memory tables live until GC.
func (p *Provider) Close() error { return nil }

var _ vector.Provider = (*Provider)(nil)

// Store is one in-memory relation.
type Store struct {
	mu   sync.RWMutex
	dims int
	rows map[string]*vector.Row // keyed by row id
}

// New creates an empty store expecting dims-length embeddings.
// dims <= 0 disables the dimension check.
func New(dims int) *Store {
	return &Store{dims: dims, rows: make(map[string]*vector.Row)}
}

var _ vector.Adapter = (*Store)(nil)

// Insert stores a row, assigning an id when absent.
func (s *Store) Insert(_ context.Context, row vector.Row) (string, error) {
	if s.dims > 0 && len(row.Embedding) != s.dims {
		return "", errs.New(errs.KindInvalid, "embedding has %d dims, store expects %d", len(row.Embedding), s.dims)
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}
	if row.LastAccessed.IsZero() {
		row.LastAccessed = row.CreatedAt
	}
	cp := cloneRow(&row)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.ID] = cp
	return row.ID, nil
}

// GetByID returns the row if it exists and belongs to userID.
func (s *Store) GetByID(_ context.Context, userID, id string) (*vector.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok || row.UserID != userID {
		return nil, errs.New(errs.KindNotFound, "memory %s not found", id)
	}
	return cloneRow(row), nil
}

// Update applies patch; returns false when the row does not exist.
func (s *Store) Update(_ context.Context, userID, id string, patch vector.Patch) (bool, error) {
	if s.dims > 0 && patch.Embedding != nil && len(patch.Embedding) != s.dims {
		return false, errs.New(errs.KindInvalid, "embedding has %d dims, store expects %d", len(patch.Embedding), s.dims)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.UserID != userID {
		return false, nil
	}
	if patch.Content != nil {
		row.Content = *patch.Content
	}
	if patch.Embedding != nil {
		row.Embedding = append([]float32(nil), patch.Embedding...)
	}
	if patch.Metadata != nil {
		row.Metadata = cloneMeta(patch.Metadata)
	}
	row.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Delete removes the row. Deleting an absent row returns false, nil.
func (s *Store) Delete(_ context.Context, userID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.UserID != userID {
		return false, nil
	}
	delete(s.rows, id)
	return true, nil
}

// TopK scans the user's rows and returns the best k by cosine score.
func (s *Store) TopK(_ context.Context, userID string, vec []float32, k int, minScore float64, filter vector.Filter) ([]vector.ScoredRow, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	scored := make([]vector.ScoredRow, 0, k)
	for _, row := range s.rows {
		if row.UserID != userID {
			continue
		}
		if !matchesFilter(row.Metadata, filter) {
			continue
		}
		score := vector.CosineSimilarity(vec, row.Embedding)
		if score < minScore {
			continue
		}
		scored = append(scored, vector.ScoredRow{Row: *cloneRow(row), Score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Touch bumps access counters for the given ids.
func (s *Store) Touch(_ context.Context, userID string, ids []string) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if row, ok := s.rows[id]; ok && row.UserID == userID {
			row.AccessCount++
			row.LastAccessed = now
		}
	}
	return nil
}

// List pages through all rows ordered by id.
func (s *Store) List(_ context.Context, limit, offset int) ([]vector.Row, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]vector.Row, 0, len(ids))
	for _, id := range ids {
		if row, ok := s.rows[id]; ok {
			out = append(out, *cloneRow(row))
		}
	}
	return out, nil
}

// Stats aggregates the user's rows. An empty userID aggregates over
// every user.
func (s *Store) Stats(_ context.Context, userID string) (vector.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st vector.Stats
	for _, row := range s.rows {
		if userID != "" && row.UserID != userID {
			continue
		}
		st.TotalRows++
		st.TotalBytes += int64(len(row.Content))
		if row.UpdatedAt.After(st.LastWrite) {
			st.LastWrite = row.UpdatedAt
		}
	}
	return st, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *Store) HealthCheck(context.Context) error { return nil }

// matchesFilter applies equality predicates to metadata. String values
// also match elements of string slices, so {"categories": "code"}
// matches a categories list containing "code".
func matchesFilter(meta map[string]any, filter vector.Filter) bool {
	for key, want := range filter {
		got, ok := meta[key]
		if !ok {
			return false
		}
		if !valueMatches(got, want) {
			return false
		}
	}
	return true
}

func valueMatches(got, want any) bool {
	if gs, ok := got.([]string); ok {
		ws, ok := want.(string)
		if !ok {
			return false
		}
		for _, g := range gs {
			if strings.EqualFold(g, ws) {
				return true
			}
		}
		return false
	}
	if ga, ok := got.([]any); ok {
		for _, g := range ga {
			if valueMatches(g, want) {
				return true
			}
		}
		return false
	}
	return got == want
}

func cloneRow(row *vector.Row) *vector.Row {
	cp := *row
	cp.Embedding = append([]float32(nil), row.Embedding...)
	cp.Metadata = cloneMeta(row.Metadata)
	return &cp
}

func cloneMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	cp := make(map[string]any, len(meta))
	for k, v := range meta {
		if ss, ok := v.([]string); ok {
			cp[k] = append([]string(nil), ss...)
			continue
		}
		cp[k] = v
	}
	return cp
}
