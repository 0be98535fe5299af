// Package registry tracks the live set of memory modules, their
// configuration, and their health. It is the single source of truth
// for which modules exist right now.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/pkg/models"
)

// DescriptorStore persists module descriptors across restarts.
type DescriptorStore interface {
	Save(ctx context.Context, desc models.ModuleDescriptor) error
	List(ctx context.Context) ([]models.ModuleDescriptor, error)
	Close() error
}

// Hook observes registration changes; the supervisor uses it to start
// and stop per-module probe loops.
type Hook func(moduleID string)

type entry struct {
	descriptor models.ModuleDescriptor
	instance   module.Module
	health     models.ModuleHealth
}

// Registry is the thread-safe module lookup. Reads vastly outnumber
// registration, so it takes a reader-writer lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store  DescriptorStore
	logger zerolog.Logger

	onRegister   Hook
	onUnregister Hook
}

// New creates a registry. store may be nil for ephemeral setups.
func New(store DescriptorStore) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		store:   store,
		logger:  log.With().Str("component", "registry").Logger(),
	}
}

// SetHooks wires the registration observers. Call before loading.
func (r *Registry) SetHooks(onRegister, onUnregister Hook) {
	r.mu.Lock()
	r.onRegister = onRegister
	r.onUnregister = onUnregister
	r.mu.Unlock()
}

// Register upserts the module's descriptor and makes the instance
// addressable. Config defaults for the module type are stamped here.
func (r *Registry) Register(ctx context.Context, inst module.Module, typ models.ModuleType, patch *models.ModuleConfig) error {
	cfg := inst.Config()
	if cfg.ID == "" {
		return errs.New(errs.KindInvalid, "module has no id")
	}
	if patch != nil {
		cfg.Merge(*patch)
	}
	cfg.ApplyTypeDefaults(typ)

	desc := models.ModuleDescriptor{
		ID:          cfg.ID,
		Name:        cfg.Name,
		Description: cfg.Description,
		Type:        typ,
		Config:      cfg,
		IsActive:    true,
	}
	if r.store != nil {
		if err := r.store.Save(ctx, desc); err != nil {
			return fmt.Errorf("persist descriptor %s: %w", cfg.ID, err)
		}
	}

	r.mu.Lock()
	r.entries[cfg.ID] = &entry{
		descriptor: desc,
		instance:   inst,
		health:     models.ModuleHealth{Status: models.HealthHealthy, LastCheck: time.Now().UTC()},
	}
	hook := r.onRegister
	r.mu.Unlock()

	if patch != nil {
		inst.OnConfigUpdate(cfg)
	}
	if hook != nil {
		hook(cfg.ID)
	}
	r.logger.Info().Str("module", cfg.ID).Str("type", string(typ)).Msg("Module registered")
	return nil
}

// Unregister marks the module inactive and removes it from lookup.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return errs.New(errs.KindNotFound, "module %s not registered", id)
	}
	delete(r.entries, id)
	desc := e.descriptor
	hook := r.onUnregister
	r.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	if r.store != nil {
		desc.IsActive = false
		if err := r.store.Save(ctx, desc); err != nil {
			r.logger.Warn().Err(err).Str("module", id).Msg("Descriptor deactivation failed")
		}
	}
	r.logger.Info().Str("module", id).Msg("Module unregistered")
	return nil
}

// Get returns the live instance for id.
func (r *Registry) Get(id string) (module.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.instance, true
}

// ListActive returns every registered instance, id-sorted.
func (r *Registry) ListActive() []module.Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]module.Module, 0, len(r.entries))
	for _, id := range r.sortedIDsLocked() {
		out = append(out, r.entries[id].instance)
	}
	return out
}

// ListByType returns the registered instances of one type, id-sorted.
func (r *Registry) ListByType(t models.ModuleType) []module.Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []module.Module
	for _, id := range r.sortedIDsLocked() {
		if r.entries[id].descriptor.Type == t {
			out = append(out, r.entries[id].instance)
		}
	}
	return out
}

// ActiveIDs returns every registered module id, sorted.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedIDsLocked()
}

// RoutableIDs returns the ids a search may fan out to: registered and
// not currently unhealthy.
func (r *Registry) RoutableIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.sortedIDsLocked() {
		if r.entries[id].health.Status != models.HealthUnhealthy {
			out = append(out, id)
		}
	}
	return out
}

// Descriptors returns a snapshot of every descriptor, id-sorted.
func (r *Registry) Descriptors() []models.ModuleDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ModuleDescriptor, 0, len(r.entries))
	for _, id := range r.sortedIDsLocked() {
		out = append(out, r.entries[id].descriptor)
	}
	return out
}

// UpdateConfig merges the patch into the stored configuration and
// notifies the live instance.
func (r *Registry) UpdateConfig(ctx context.Context, id string, patch models.ModuleConfig) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return errs.New(errs.KindNotFound, "module %s not registered", id)
	}
	cfg := e.descriptor.Config
	cfg.Merge(patch)
	e.descriptor.Config = cfg
	e.descriptor.Name = cfg.Name
	e.descriptor.Description = cfg.Description
	desc := e.descriptor
	inst := e.instance
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Save(ctx, desc); err != nil {
			return fmt.Errorf("persist descriptor %s: %w", id, err)
		}
	}
	inst.OnConfigUpdate(cfg)
	return nil
}

// SetHealth records the supervisor's verdict.
func (r *Registry) SetHealth(id string, health models.ModuleHealth) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		e.health = health
	}
	r.mu.Unlock()
}

// Health returns the latest verdict for id.
func (r *Registry) Health(id string) (models.ModuleHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return models.ModuleHealth{}, false
	}
	return e.health, true
}

func (r *Registry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
