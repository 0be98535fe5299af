// Package config loads service configuration from the environment and
// the optional modules.yaml overrides file.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/plexmem/plexmem/internal/errs"
)

// Config holds all environment-based configuration. Field names map to
// unprefixed environment variables.
type Config struct {
	// Host is the HTTP bind address.
	// Env: HOST (default: 0.0.0.0)
	Host string `envconfig:"HOST" default:"0.0.0.0"`

	// Port is the HTTP listen port.
	// Env: PORT (default: 8080)
	Port int `envconfig:"PORT" default:"8080"`

	// DatabaseURL is the PostgreSQL DSN. Empty selects the in-process
	// vector store, suitable for development only.
	// Env: DATABASE_URL
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// DBMaxConns bounds the connection pool.
	// Env: DB_MAX_CONNS (default: 10)
	DBMaxConns int `envconfig:"DB_MAX_CONNS" default:"10"`

	// CacheURL is the optional Redis endpoint. Empty selects the
	// in-process LRU cache.
	// Env: CACHE_URL
	CacheURL string `envconfig:"CACHE_URL"`

	// EmbeddingURL overrides the embedding endpoint base URL.
	// Env: EMBEDDING_URL
	EmbeddingURL string `envconfig:"EMBEDDING_URL"`

	// EmbeddingKey is the bearer token for the embedding endpoint.
	// Env: EMBEDDING_KEY
	EmbeddingKey string `envconfig:"EMBEDDING_KEY"`

	// EmbeddingModel is the embedding model identifier.
	// Env: EMBEDDING_MODEL
	EmbeddingModel string `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`

	// AllowMockEmbed permits the deterministic hash embedder when no
	// embedding key is configured. Never set in production.
	// Env: ALLOW_MOCK_EMBED
	AllowMockEmbed bool `envconfig:"ALLOW_MOCK_EMBED" default:"false"`

	// FullDim is the full embedding dimensionality; must match the
	// provider's output.
	// Env: F_DIM (default: 1536)
	FullDim int `envconfig:"F_DIM" default:"1536"`

	// CompressedDim is the routing-index dimensionality.
	// Env: C_DIM (default: 512)
	CompressedDim int `envconfig:"C_DIM" default:"512"`

	// HealthProbeSeconds is the supervisor probe period.
	// Env: HEALTH_PROBE_SECONDS (default: 60)
	HealthProbeSeconds int `envconfig:"HEALTH_PROBE_SECONDS" default:"60"`

	// SearchFanout is the default number of modules consulted per query.
	// Env: SEARCH_FANOUT (default: 3)
	SearchFanout int `envconfig:"SEARCH_FANOUT" default:"3"`

	// SearchDeadlineMS is the federated fan-out deadline.
	// Env: SEARCH_DEADLINE_MS (default: 2000)
	SearchDeadlineMS int `envconfig:"SEARCH_DEADLINE_MS" default:"2000"`

	// ReconcileMinutes is the reconciliation scan interval.
	// Env: RECONCILE_MINUTES (default: 15)
	ReconcileMinutes int `envconfig:"RECONCILE_MINUTES" default:"15"`

	// ModulesFile is the optional per-module overrides file; changes are
	// picked up at runtime.
	// Env: MODULES_FILE (default: modules.yaml)
	ModulesFile string `envconfig:"MODULES_FILE" default:"modules.yaml"`

	// LogLevel is the zerolog level name.
	// Env: LOG_LEVEL (default: info)
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// LogFormat selects console or json output.
	// Env: LOG_FORMAT (default: json)
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads the optional .env file, then the environment, then
// validates. A missing .env file is not an error.
func Load(envPath string) (Config, error) {
	if envPath == "" {
		envPath = ".env"
	}
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return Config{}, errs.Wrap(errs.KindFatal, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errs.Wrap(errs.KindFatal, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	if c.EmbeddingKey == "" && !c.AllowMockEmbed {
		return errs.New(errs.KindFatal, "EMBEDDING_KEY is required unless ALLOW_MOCK_EMBED=1")
	}
	if c.FullDim <= 0 || c.CompressedDim <= 0 {
		return errs.New(errs.KindFatal, "embedding dims must be positive (F_DIM=%d C_DIM=%d)", c.FullDim, c.CompressedDim)
	}
	if c.CompressedDim > c.FullDim {
		return errs.New(errs.KindFatal, "C_DIM=%d exceeds F_DIM=%d", c.CompressedDim, c.FullDim)
	}
	if c.SearchFanout <= 0 {
		return errs.New(errs.KindFatal, "SEARCH_FANOUT must be positive, got %d", c.SearchFanout)
	}
	if c.SearchDeadlineMS <= 0 {
		return errs.New(errs.KindFatal, "SEARCH_DEADLINE_MS must be positive, got %d", c.SearchDeadlineMS)
	}
	if c.HealthProbeSeconds <= 0 {
		return errs.New(errs.KindFatal, "HEALTH_PROBE_SECONDS must be positive, got %d", c.HealthProbeSeconds)
	}
	return nil
}

// MockEmbedding reports whether the deterministic embedder is in use.
func (c Config) MockEmbedding() bool {
	return c.EmbeddingKey == "" && c.AllowMockEmbed
}

// ProbePeriod returns the supervisor period as a duration.
func (c Config) ProbePeriod() time.Duration {
	return time.Duration(c.HealthProbeSeconds) * time.Second
}

// SearchDeadline returns the fan-out deadline as a duration.
func (c Config) SearchDeadline() time.Duration {
	return time.Duration(c.SearchDeadlineMS) * time.Millisecond
}

// ReconcileInterval returns the scan interval as a duration.
func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileMinutes) * time.Minute
}
