// Package loader instantiates, initialises, connects, and tears down
// memory modules in dependency order.
//
// The loader is the only place that hands one module a handle to
// another; cross-module reads at query time go through the CMI, which
// keeps the dependency declarations acyclic.
package loader

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/internal/module/communication"
	"github.com/plexmem/plexmem/internal/module/creative"
	"github.com/plexmem/plexmem/internal/module/learning"
	"github.com/plexmem/plexmem/internal/module/personal"
	"github.com/plexmem/plexmem/internal/module/technical"
	"github.com/plexmem/plexmem/internal/module/work"
	"github.com/plexmem/plexmem/internal/registry"
	"github.com/plexmem/plexmem/pkg/models"
)

// Entry describes how to build one module.
type Entry struct {
	Type models.ModuleType
	New  func() (module.Module, error)
}

// Catalogue is the static factory table the loader discovers from.
type Catalogue map[string]Entry

// AdapterOpener builds the per-module vector adapter for a table.
type AdapterOpener func(ctx context.Context, tableName string, indexedFields []string) (module.Deps, error)

// DefaultCatalogue wires the six built-in modules. open builds the
// dependency set for each module's table.
func DefaultCatalogue(ctx context.Context, open AdapterOpener) (Catalogue, error) {
	type builder struct {
		typ models.ModuleType
		cfg models.ModuleConfig
		mk  func(module.Deps) *module.Base
	}
	builders := map[string]builder{
		technical.ModuleID:     {models.ModuleTypeSpecialised, models.ModuleConfig{ID: technical.ModuleID}, technical.New},
		personal.ModuleID:      {models.ModuleTypeSpecialised, models.ModuleConfig{ID: personal.ModuleID}, personal.New},
		work.ModuleID:          {models.ModuleTypeStandard, models.ModuleConfig{ID: work.ModuleID}, work.New},
		learning.ModuleID:      {models.ModuleTypeSpecialised, models.ModuleConfig{ID: learning.ModuleID}, learning.New},
		communication.ModuleID: {models.ModuleTypeStandard, models.ModuleConfig{ID: communication.ModuleID}, communication.New},
		creative.ModuleID:      {models.ModuleTypeStandard, models.ModuleConfig{ID: creative.ModuleID}, creative.New},
	}

	catalogue := make(Catalogue, len(builders))
	for id, b := range builders {
		b.cfg.ApplyTypeDefaults(b.typ)
		deps, err := open(ctx, b.cfg.TableName, b.cfg.Metadata.IndexedFields)
		if err != nil {
			return nil, fmt.Errorf("open adapter for %s: %w", id, err)
		}
		mk := b.mk
		catalogue[id] = Entry{
			Type: b.typ,
			New:  func() (module.Module, error) { return mk(deps), nil },
		}
	}
	return catalogue, nil
}

// Loader owns the module dependency graph and lifecycle.
type Loader struct {
	mu        sync.Mutex
	catalogue Catalogue
	registry  *registry.Registry
	loaded    map[string]module.Module
	logger    zerolog.Logger
}

// New creates a loader over the catalogue and registry.
func New(catalogue Catalogue, reg *registry.Registry) *Loader {
	return &Loader{
		catalogue: catalogue,
		registry:  reg,
		loaded:    make(map[string]module.Module),
		logger:    log.With().Str("component", "loader").Logger(),
	}
}

// LoadAll loads every catalogued module in dependency order. A failed
// required dependency aborts only its downstream subtree; cyclic
// subsets are logged and skipped.
func (l *Loader) LoadAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, cyclic := l.topoOrder()
	for _, id := range cyclic {
		l.logger.Error().Str("module", id).Msg("Module skipped: dependency cycle")
	}

	failed := make(map[string]bool)
	for _, id := range order {
		if _, ok := l.loaded[id]; ok {
			continue
		}
		if dep := l.failedRequirement(id, failed); dep != "" {
			l.logger.Error().Str("module", id).Str("dependency", dep).
				Msg("Module skipped: required dependency unavailable")
			failed[id] = true
			continue
		}
		if err := l.loadLocked(ctx, id); err != nil {
			l.logger.Error().Err(err).Str("module", id).Msg("Module load failed")
			failed[id] = true
		}
	}

	if len(failed)+len(cyclic) > 0 {
		return errs.New(errs.KindDegraded, "%d of %d modules failed to load",
			len(failed)+len(cyclic), len(l.catalogue))
	}
	return nil
}

// LoadOne loads a single module; its required dependencies must
// already be live.
func (l *Loader) LoadOne(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.loaded[id]; ok {
		return nil
	}
	if _, ok := l.catalogue[id]; !ok {
		return errs.New(errs.KindInvalid, "unknown module %q", id)
	}
	for _, dep := range l.requiresOf(id) {
		if _, ok := l.loaded[dep]; !ok {
			return errs.New(errs.KindInvalid, "module %s requires %s, which is not loaded", id, dep)
		}
	}
	return l.loadLocked(ctx, id)
}

// Unload shuts a module down and unregisters it. Refused while live
// dependents exist.
func (l *Loader) Unload(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unloadLocked(ctx, id)
}

// Reload unloads then loads the module, picking up new configuration.
func (l *Loader) Reload(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.loaded[id]; ok {
		if err := l.unloadLocked(ctx, id); err != nil {
			return err
		}
	}
	return l.loadLocked(ctx, id)
}

// Broadcast fans an event out to every live module, best effort.
func (l *Loader) Broadcast(ctx context.Context, event string, payload map[string]any) {
	l.mu.Lock()
	instances := make([]module.Module, 0, len(l.loaded))
	for _, id := range l.loadedIDsLocked() {
		instances = append(instances, l.loaded[id])
	}
	l.mu.Unlock()

	for _, inst := range instances {
		inst.OnEvent(ctx, event, payload)
	}
}

// Loaded returns the live module ids, sorted.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadedIDsLocked()
}

// UnloadAll tears every module down, dependents before dependencies.
func (l *Loader) UnloadAll(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, _ := l.topoOrder()
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if _, ok := l.loaded[id]; !ok {
			continue
		}
		if err := l.unloadLocked(ctx, id); err != nil {
			l.logger.Warn().Err(err).Str("module", id).Msg("Module unload failed during shutdown")
		}
	}
}

func (l *Loader) loadLocked(ctx context.Context, id string) error {
	entry, ok := l.catalogue[id]
	if !ok {
		return errs.New(errs.KindInvalid, "unknown module %q", id)
	}

	inst, err := entry.New()
	if err != nil {
		return fmt.Errorf("instantiate %s: %w", id, err)
	}
	if inst.ID() != id {
		return errs.New(errs.KindFatal, "factory for %q built module %q", id, inst.ID())
	}

	if err := inst.Initialize(ctx); err != nil {
		return fmt.Errorf("initialise %s: %w", id, err)
	}
	if err := l.registry.Register(ctx, inst, entry.Type, nil); err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}
	l.loaded[id] = inst

	l.connectLocked(id, inst)
	l.logger.Info().Str("module", id).Msg("Module loaded")
	return nil
}

func (l *Loader) unloadLocked(ctx context.Context, id string) error {
	inst, ok := l.loaded[id]
	if !ok {
		return errs.New(errs.KindNotFound, "module %s is not loaded", id)
	}
	for otherID := range l.loaded {
		if otherID == id {
			continue
		}
		for _, dep := range l.requiresOf(otherID) {
			if dep == id {
				return errs.New(errs.KindInvalid, "module %s is required by live module %s", id, otherID)
			}
		}
	}

	if err := l.registry.Unregister(ctx, id); err != nil && !errs.IsNotFound(err) {
		return err
	}
	if err := inst.Shutdown(ctx); err != nil {
		l.logger.Warn().Err(err).Str("module", id).Msg("Module shutdown returned an error")
	}
	delete(l.loaded, id)
	l.logger.Info().Str("module", id).Msg("Module unloaded")
	return nil
}

// connectLocked hands the new module its live dependencies and tells
// live modules that declared it as a dependency about the newcomer.
func (l *Loader) connectLocked(id string, inst module.Module) {
	for _, dep := range append(inst.Requires(), inst.Optional()...) {
		if other, ok := l.loaded[dep]; ok {
			inst.OnModuleConnect(dep, other)
		}
	}
	for otherID, other := range l.loaded {
		if otherID == id {
			continue
		}
		for _, dep := range append(other.Requires(), other.Optional()...) {
			if dep == id {
				other.OnModuleConnect(id, inst)
			}
		}
	}
}

// topoOrder sorts catalogue ids so dependencies precede dependents.
// Ids left with unsatisfied in-degree are cyclic. Output is
// deterministic: ready ids are taken in sorted order.
func (l *Loader) topoOrder() (order, cyclic []string) {
	indegree := make(map[string]int, len(l.catalogue))
	dependents := make(map[string][]string)
	for id := range l.catalogue {
		indegree[id] = 0
	}
	for id := range l.catalogue {
		for _, dep := range l.requiresOf(id) {
			if _, known := indegree[dep]; !known {
				// Unknown dependency; surfaces later as a load failure.
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = insertSorted(ready, dependent)
			}
		}
	}

	for id, deg := range indegree {
		if deg > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return order, cyclic
}

// requiresOf reads the required dependencies without instantiating:
// live instances are asked directly, otherwise a throwaway instance
// provides the declaration.
func (l *Loader) requiresOf(id string) []string {
	if inst, ok := l.loaded[id]; ok {
		return inst.Requires()
	}
	entry, ok := l.catalogue[id]
	if !ok {
		return nil
	}
	inst, err := entry.New()
	if err != nil {
		return nil
	}
	return inst.Requires()
}

func (l *Loader) failedRequirement(id string, failed map[string]bool) string {
	for _, dep := range l.requiresOf(id) {
		if failed[dep] {
			return dep
		}
		if _, known := l.catalogue[dep]; !known {
			return dep
		}
	}
	return ""
}

func (l *Loader) loadedIDsLocked() []string {
	ids := make([]string, 0, len(l.loaded))
	for id := range l.loaded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func insertSorted(list []string, id string) []string {
	i := sort.SearchStrings(list, id)
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = id
	return list
}
