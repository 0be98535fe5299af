// Package models defines the shared data types for plexmem.
package models

import "time"

// MaxContentBytes is the maximum size of a memory's content.
// Writes above this limit are rejected as invalid.
const MaxContentBytes = 50 * 1024

// Well-known metadata keys. Module enrichment writes these; the CMI
// reads them. Everything else in metadata passes through opaquely.
const (
	MetaTitle      = "title"
	MetaSummary    = "summary"
	MetaKeywords   = "keywords"
	MetaCategories = "categories"
	MetaImportance = "importanceScore"
)

// Limits on the tracked CMI fields.
const (
	MaxTitleLen   = 60
	MaxSummaryLen = 120
	MaxKeywords   = 10
	MaxCategories = 10
)

// Memory is one text artefact with its metadata and full-fidelity
// embedding. A memory is owned by exactly one module.
type Memory struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Embedding    []float32      `json:"embedding,omitempty"`
	AccessCount  int64          `json:"access_count"`
	LastAccessed time.Time      `json:"last_accessed"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// SearchResult is a memory returned from a search, stamped with the
// similarity score and the module that owns it. Module is part of the
// result identity: ids are unique per module, not globally.
type SearchResult struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
	Module string  `json:"module"`
}

// ModuleRoute is one entry of a routing decision.
type ModuleRoute struct {
	ModuleID   string  `json:"module_id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// RoutingDecision is the ordered list of modules the CMI selected for a
// query, best first.
type RoutingDecision []ModuleRoute

// ModuleStats is the per-user aggregate a module reports.
type ModuleStats struct {
	TotalMemories int64     `json:"total_memories"`
	TotalBytes    int64     `json:"total_bytes"`
	LastWrite     time.Time `json:"last_write"`
}
