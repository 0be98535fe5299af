// Package module defines the uniform memory-module contract and the
// shared base implementation behind all six domain modules.
//
// A module owns one vector relation and differs from its siblings only
// in its metadata enrichment. The write path is embed, enrich, insert,
// index, invalidate; the read path is cache, embed, topK.
package module

import (
	"context"

	"github.com/plexmem/plexmem/pkg/models"
)

// SearchOptions tune a module-level search.
type SearchOptions struct {
	// Limit caps the result count; zero means an empty result, not an
	// error. Negative falls back to the module's configured limit.
	Limit int `json:"limit"`
	// MinScore drops results below the threshold.
	MinScore float64 `json:"min_score"`
	// IncludeEmbedding returns the stored vectors with each result.
	IncludeEmbedding bool `json:"include_embedding"`
}

// UpdatePatch is a partial memory update. Nil fields stay untouched.
// A content change regenerates the embedding and the enrichment.
type UpdatePatch struct {
	Content  *string        `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Enricher derives module-specific metadata at write time.
//
// It must be pure and idempotent: enriching its own output with the
// same content produces the same mapping. Caller-supplied keys win
// over derived ones.
type Enricher func(content string, metadata map[string]any) map[string]any

// MetricsSnapshot is what the supervisor samples from a module.
type MetricsSnapshot struct {
	Ops                   int64
	Errors                int64
	ErrorRate             float64
	AverageResponseTimeMs float64
	P95ResponseTimeMs     float64
}

// ReconcileQueue receives repair tasks when the second step of a
// two-step mutation fails. Enqueueing is best effort and must not
// block the request path.
type ReconcileQueue interface {
	// EnqueueReindex asks for the memory's CMI entry to be rebuilt.
	EnqueueReindex(userID, moduleID, memoryID string)
	// EnqueueIndexDelete asks for an orphaned CMI entry to be removed.
	EnqueueIndexDelete(moduleID, memoryID string)
}

// Module is the uniform contract every memory module implements.
// The only per-module variation is the enrichment body.
type Module interface {
	ID() string
	Config() models.ModuleConfig

	Store(ctx context.Context, userID, content string, metadata map[string]any) (string, error)
	Search(ctx context.Context, userID, query string, opts SearchOptions) ([]models.SearchResult, error)
	SearchByEmbedding(ctx context.Context, userID string, vec []float32, opts SearchOptions) ([]models.SearchResult, error)
	Get(ctx context.Context, userID, id string) (*models.Memory, error)
	Update(ctx context.Context, userID, id string, patch UpdatePatch) (bool, error)
	Delete(ctx context.Context, userID, id string) (bool, error)
	Stats(ctx context.Context, userID string) (models.ModuleStats, error)

	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	OnConfigUpdate(cfg models.ModuleConfig)
	OnModuleConnect(otherID string, other Module)
	OnEvent(ctx context.Context, name string, payload map[string]any)

	// Requires lists module ids that must be live before this one loads.
	Requires() []string
	// Optional lists module ids this one uses when present.
	Optional() []string

	// Metrics returns the counters the supervisor classifies health from.
	Metrics() MetricsSnapshot
}
