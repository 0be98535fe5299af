package models

import "time"

// ModuleType classifies a module for configuration defaults.
type ModuleType string

const (
	ModuleTypeStandard    ModuleType = "standard"
	ModuleTypeSpecialised ModuleType = "specialised"
	ModuleTypeExternal    ModuleType = "external"
)

// ConfigMetadata describes which metadata fields a module searches,
// requires on write, and asks the adapter to index.
type ConfigMetadata struct {
	SearchableFields []string `json:"searchable_fields,omitempty" yaml:"searchable_fields"`
	RequiredFields   []string `json:"required_fields,omitempty" yaml:"required_fields"`
	IndexedFields    []string `json:"indexed_fields,omitempty" yaml:"indexed_fields"`
}

// ModuleConfig is the per-module configuration stored in the registry.
type ModuleConfig struct {
	ID               string          `json:"id" yaml:"id"`
	Name             string          `json:"name" yaml:"name"`
	Description      string          `json:"description" yaml:"description"`
	TableName        string          `json:"table_name" yaml:"table_name"`
	MaxMemorySize    int             `json:"max_memory_size" yaml:"max_memory_size"`
	RetentionDays    int             `json:"retention_days" yaml:"retention_days"`
	SearchLimit      int             `json:"search_limit" yaml:"search_limit"`
	EnableVersioning bool            `json:"enable_versioning" yaml:"enable_versioning"`
	EnableEncryption bool            `json:"enable_encryption" yaml:"enable_encryption"`
	Features         map[string]bool `json:"features,omitempty" yaml:"features"`
	Metadata         ConfigMetadata  `json:"metadata" yaml:"metadata"`
}

// RetentionNever disables retention-based expiry.
const RetentionNever = -1

// ApplyTypeDefaults fills zero-valued fields with the defaults for the
// given module type. Stamped once at register time.
func (c *ModuleConfig) ApplyTypeDefaults(t ModuleType) {
	type defaults struct {
		maxSize    int
		retention  int
		limit      int
		versioning bool
		encryption bool
	}
	var d defaults
	switch t {
	case ModuleTypeSpecialised:
		d = defaults{5000, 180, 30, true, false}
	case ModuleTypeExternal:
		d = defaults{1000, 90, 20, false, true}
	default:
		d = defaults{10000, 365, 50, false, false}
	}
	if c.MaxMemorySize == 0 {
		c.MaxMemorySize = d.maxSize
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = d.retention
	}
	if c.SearchLimit == 0 {
		c.SearchLimit = d.limit
	}
	if !c.EnableVersioning {
		c.EnableVersioning = d.versioning
	}
	if !c.EnableEncryption {
		c.EnableEncryption = d.encryption
	}
	if c.TableName == "" {
		c.TableName = "memories_" + c.ID
	}
}

// Merge overlays non-zero fields of patch onto c.
func (c *ModuleConfig) Merge(patch ModuleConfig) {
	if patch.Name != "" {
		c.Name = patch.Name
	}
	if patch.Description != "" {
		c.Description = patch.Description
	}
	if patch.TableName != "" {
		c.TableName = patch.TableName
	}
	if patch.MaxMemorySize != 0 {
		c.MaxMemorySize = patch.MaxMemorySize
	}
	if patch.RetentionDays != 0 {
		c.RetentionDays = patch.RetentionDays
	}
	if patch.SearchLimit != 0 {
		c.SearchLimit = patch.SearchLimit
	}
	if patch.Features != nil {
		if c.Features == nil {
			c.Features = make(map[string]bool, len(patch.Features))
		}
		for k, v := range patch.Features {
			c.Features[k] = v
		}
	}
	if len(patch.Metadata.SearchableFields) > 0 {
		c.Metadata.SearchableFields = patch.Metadata.SearchableFields
	}
	if len(patch.Metadata.RequiredFields) > 0 {
		c.Metadata.RequiredFields = patch.Metadata.RequiredFields
	}
	if len(patch.Metadata.IndexedFields) > 0 {
		c.Metadata.IndexedFields = patch.Metadata.IndexedFields
	}
}

// ModuleDescriptor is the registry's record of a module.
type ModuleDescriptor struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Type        ModuleType   `json:"type"`
	Config      ModuleConfig `json:"configuration"`
	IsActive    bool         `json:"is_active"`
}

// HealthStatus is the supervisor's classification of a module.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthMetrics are the samples backing a health classification.
type HealthMetrics struct {
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	P95ResponseTimeMs     float64 `json:"p95_response_time_ms"`
	ErrorRate             float64 `json:"error_rate"`
	TotalMemories         int64   `json:"total_memories"`
}

// ModuleHealth is the supervisor's latest verdict for one module.
type ModuleHealth struct {
	Status    HealthStatus  `json:"status"`
	LastCheck time.Time     `json:"last_check"`
	Metrics   HealthMetrics `json:"metrics"`
	Issues    []string      `json:"issues,omitempty"`
}
