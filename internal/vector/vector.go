// Package vector defines the per-module vector store adapter contract.
//
// Each memory module owns one logical relation of rows with a
// full-fidelity embedding column. Implementations must return search
// results sorted descending by cosine similarity.
package vector

import (
	"context"
	"time"
)

// Row is one stored memory as the adapter sees it.
type Row struct {
	ID           string
	UserID       string
	Content      string
	Embedding    []float32
	Metadata     map[string]any
	AccessCount  int64
	LastAccessed time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ScoredRow is a row with its similarity score (1 - cosine distance).
type ScoredRow struct {
	Row
	Score float64
}

// Filter is an opaque metadata predicate: every key must equal the
// given value. Adapters may push it down or post-filter; either is
// acceptable as long as the final order is by score.
type Filter map[string]any

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	Content   *string
	Embedding []float32
	Metadata  map[string]any
}

// Stats is a per-user aggregate over one module's relation.
type Stats struct {
	TotalRows  int64
	TotalBytes int64
	LastWrite  time.Time
}

// Adapter is the low-level persistence surface behind one module.
// Every operation is scoped by userID; rows of other users are
// invisible.
type Adapter interface {
	Insert(ctx context.Context, row Row) (string, error)
	GetByID(ctx context.Context, userID, id string) (*Row, error)
	Update(ctx context.Context, userID, id string, patch Patch) (bool, error)
	Delete(ctx context.Context, userID, id string) (bool, error)

	// TopK returns up to k rows with score >= minScore, best first.
	TopK(ctx context.Context, userID string, vec []float32, k int, minScore float64, filter Filter) ([]ScoredRow, error)

	// Touch increments access counts and stamps lastAccessed.
	Touch(ctx context.Context, userID string, ids []string) error

	// List pages through the module's rows across users, ordered by id.
	// Used by the reconciliation worker.
	List(ctx context.Context, limit, offset int) ([]Row, error)

	// Stats aggregates one user's rows; an empty userID aggregates
	// the whole relation.
	Stats(ctx context.Context, userID string) (Stats, error)
	HealthCheck(ctx context.Context) error
}

// Provider opens adapters, one logical relation per module.
type Provider interface {
	Open(ctx context.Context, tableName string, dims int, indexedFields []string) (Adapter, error)
	Close() error
}
