// Package moduletest provides a scriptable module implementation for
// registry, loader, supervisor, and federation tests.
package moduletest

import (
	"context"
	"sync"

	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/pkg/models"
)

// Fake implements module.Module with overridable behaviour. The zero
// value is unusable; construct with New.
type Fake struct {
	ModuleID  string
	Type      models.ModuleType
	RequireOn []string
	OptionOn  []string

	// Overridable behaviour; nil fields fall back to benign defaults.
	SearchByEmbeddingFn func(ctx context.Context, userID string, vec []float32, opts module.SearchOptions) ([]models.SearchResult, error)
	HealthCheckFn       func(ctx context.Context) error
	InitializeFn        func(ctx context.Context) error
	MetricsFn           func() module.MetricsSnapshot

	mu          sync.Mutex
	initialized bool
	shutdown    bool
	events      []string
	connects    []string
	configs     []models.ModuleConfig
}

// New creates a healthy fake with the given id.
func New(id string) *Fake {
	return &Fake{ModuleID: id, Type: models.ModuleTypeStandard}
}

var _ module.Module = (*Fake)(nil)

func (f *Fake) ID() string { return f.ModuleID }

func (f *Fake) Config() models.ModuleConfig {
	return models.ModuleConfig{ID: f.ModuleID, Name: f.ModuleID}
}

func (f *Fake) Requires() []string { return f.RequireOn }
func (f *Fake) Optional() []string { return f.OptionOn }

func (f *Fake) Store(context.Context, string, string, map[string]any) (string, error) {
	return "", errs.New(errs.KindInvalid, "fake module does not store")
}

func (f *Fake) Search(context.Context, string, string, module.SearchOptions) ([]models.SearchResult, error) {
	return nil, nil
}

func (f *Fake) SearchByEmbedding(ctx context.Context, userID string, vec []float32, opts module.SearchOptions) ([]models.SearchResult, error) {
	if f.SearchByEmbeddingFn != nil {
		return f.SearchByEmbeddingFn(ctx, userID, vec, opts)
	}
	return nil, nil
}

func (f *Fake) Get(context.Context, string, string) (*models.Memory, error) {
	return nil, errs.New(errs.KindNotFound, "fake module is empty")
}

func (f *Fake) Update(context.Context, string, string, module.UpdatePatch) (bool, error) {
	return false, nil
}

func (f *Fake) Delete(context.Context, string, string) (bool, error) { return false, nil }

func (f *Fake) Stats(context.Context, string) (models.ModuleStats, error) {
	return models.ModuleStats{}, nil
}

func (f *Fake) Initialize(ctx context.Context) error {
	if f.InitializeFn != nil {
		if err := f.InitializeFn(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.initialized = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) Shutdown(context.Context) error {
	f.mu.Lock()
	f.shutdown = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) HealthCheck(ctx context.Context) error {
	if f.HealthCheckFn != nil {
		return f.HealthCheckFn(ctx)
	}
	return nil
}

func (f *Fake) OnConfigUpdate(cfg models.ModuleConfig) {
	f.mu.Lock()
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()
}

func (f *Fake) OnModuleConnect(otherID string, _ module.Module) {
	f.mu.Lock()
	f.connects = append(f.connects, otherID)
	f.mu.Unlock()
}

func (f *Fake) OnEvent(_ context.Context, name string, _ map[string]any) {
	f.mu.Lock()
	f.events = append(f.events, name)
	f.mu.Unlock()
}

func (f *Fake) Metrics() module.MetricsSnapshot {
	if f.MetricsFn != nil {
		return f.MetricsFn()
	}
	return module.MetricsSnapshot{}
}

// Initialized reports whether Initialize ran.
func (f *Fake) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// ShutdownCalled reports whether Shutdown ran.
func (f *Fake) ShutdownCalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

// Events returns the broadcast names received, in order.
func (f *Fake) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// Connects returns the peer ids wired in, in order.
func (f *Fake) Connects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connects...)
}

// Configs returns every configuration pushed via OnConfigUpdate.
func (f *Fake) Configs() []models.ModuleConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ModuleConfig(nil), f.configs...)
}
