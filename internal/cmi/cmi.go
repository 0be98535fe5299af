// Package cmi implements the Central Memory Index.
//
// The CMI keeps one compressed vector per memory across every module
// and answers the routing question: which modules should a query fan
// out to. Modules push entries after each write; the reconciliation
// worker repairs the correspondence when a push was lost.
package cmi

import (
	"context"
	"time"
)

// Entry is one compressed-vector pointer into a module's table.
// (UserID, ModuleID, RemoteID) is the composite key.
type Entry struct {
	UserID   string
	ModuleID string
	RemoteID string

	CVec       []float32
	Title      string
	Summary    string
	Keywords   []string
	Categories []string
	Importance float64

	// ContentHash fingerprints the source content so reindexing an
	// unchanged memory is a no-op.
	ContentHash string

	AccessCount  int64
	LastAccessed time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ScoredEntry is an entry with its routing similarity.
type ScoredEntry struct {
	Entry
	Score float64
}

// Store is the CMI persistence surface.
type Store interface {
	// Upsert is idempotent on the composite key.
	Upsert(ctx context.Context, entry Entry) error
	Get(ctx context.Context, userID, moduleID, remoteID string) (*Entry, error)
	// Delete removes the entry for every user; only one matches.
	Delete(ctx context.Context, moduleID, remoteID string) error
	// TopK returns the user's best entries by cosine similarity.
	TopK(ctx context.Context, userID string, cvec []float32, k int) ([]ScoredEntry, error)
	// ListByModule pages through one module's entries across users.
	ListByModule(ctx context.Context, moduleID string, limit, offset int) ([]Entry, error)
	Close() error
}
