// Package service assembles the whole system: storage, embedding,
// cache, CMI, registry, loader, supervisor, reconciler, federation, and
// the HTTP surface, with ordered startup and reverse teardown.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/plexmem/plexmem/internal/cache"
	"github.com/plexmem/plexmem/internal/cmi"
	"github.com/plexmem/plexmem/internal/config"
	"github.com/plexmem/plexmem/internal/embedding"
	"github.com/plexmem/plexmem/internal/federation"
	"github.com/plexmem/plexmem/internal/loader"
	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/internal/reconcile"
	"github.com/plexmem/plexmem/internal/registry"
	"github.com/plexmem/plexmem/internal/server"
	"github.com/plexmem/plexmem/internal/supervisor"
	"github.com/plexmem/plexmem/internal/telemetry"
	"github.com/plexmem/plexmem/internal/vector"
	"github.com/plexmem/plexmem/internal/vector/memstore"
	"github.com/plexmem/plexmem/internal/vector/pgstore"
)

// Service owns every component and their lifecycle.
type Service struct {
	cfg     config.Config
	version string

	provider  vector.Provider
	embedder  embedding.Provider
	cacheImpl cache.Cache
	cmiStore  cmi.Store
	index     *cmi.Index

	registry   *registry.Registry
	descStore  registry.DescriptorStore
	loader     *loader.Loader
	supervisor *supervisor.Supervisor
	reconciler *reconcile.Worker
	orch       *federation.Orchestrator
	metrics    *telemetry.Metrics

	httpServer *http.Server
	watcher    *fsnotify.Watcher
	wg         sync.WaitGroup
	logger     zerolog.Logger
}

// New wires every component from configuration. No background work
// starts until Start.
func New(ctx context.Context, cfg config.Config, version string) (*Service, error) {
	s := &Service{
		cfg:     cfg,
		version: version,
		logger:  log.With().Str("component", "service").Logger(),
	}

	if cfg.MockEmbedding() {
		s.logger.Warn().Msg("Mock embedding provider in use, not for production")
		s.embedder = embedding.NewMockProvider(cfg.FullDim, cfg.CompressedDim)
	} else {
		provider, err := embedding.NewHTTPProvider(embedding.HTTPConfig{
			BaseURL:       cfg.EmbeddingURL,
			APIKey:        cfg.EmbeddingKey,
			Model:         cfg.EmbeddingModel,
			FullDim:       cfg.FullDim,
			CompressedDim: cfg.CompressedDim,
		})
		if err != nil {
			return nil, fmt.Errorf("embedding provider: %w", err)
		}
		s.embedder = provider
	}

	if cfg.CacheURL != "" {
		redis, err := cache.NewRedis(cfg.CacheURL)
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		s.cacheImpl = redis
	} else {
		s.cacheImpl = cache.NewMemory(0)
	}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.NewProvider(pgstore.Config{
			DSN:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			LogLevel: logger.Silent,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		s.provider = pg

		cmiStore, err := cmi.NewPGStore(pg.DB(), cfg.CompressedDim)
		if err != nil {
			return nil, fmt.Errorf("cmi store: %w", err)
		}
		s.cmiStore = cmiStore

		descStore, err := registry.NewPGDescriptorStore(pg.DB())
		if err != nil {
			return nil, fmt.Errorf("descriptor store: %w", err)
		}
		s.descStore = descStore
	} else {
		s.logger.Warn().Msg("No DATABASE_URL, using in-process storage")
		s.provider = memstore.NewProvider()
		s.cmiStore = cmi.NewMemStore()
		s.descStore = registry.NewMemDescriptorStore()
	}

	s.index = cmi.New(s.cmiStore, s.embedder)
	s.registry = registry.New(s.descStore)
	s.reconciler = reconcile.New(s.registry, s.cmiStore,
		reconcile.WithInterval(cfg.ReconcileInterval()))

	catalogue, err := loader.DefaultCatalogue(ctx, func(ctx context.Context, tableName string, indexedFields []string) (module.Deps, error) {
		adapter, err := s.provider.Open(ctx, tableName, cfg.FullDim, indexedFields)
		if err != nil {
			return module.Deps{}, err
		}
		return module.Deps{
			Adapter:   adapter,
			Embedder:  s.embedder,
			Cache:     s.cacheImpl,
			Index:     s.index,
			Reconcile: s.reconciler,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("module catalogue: %w", err)
	}
	s.loader = loader.New(catalogue, s.registry)

	s.supervisor = supervisor.New(s.registry, supervisor.WithPeriod(cfg.ProbePeriod()))
	s.orch = federation.New(s.registry, s.index, s.embedder, s.cacheImpl,
		federation.WithFanout(cfg.SearchFanout),
		federation.WithDeadline(cfg.SearchDeadline()))
	s.metrics = telemetry.New()

	return s, nil
}

// Orchestrator exposes the federation layer for embedding callers.
func (s *Service) Orchestrator() *federation.Orchestrator { return s.orch }

// Registry exposes the module registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Start brings the system up: supervisor hooks first so every module
// registration is watched, then modules, then background workers, then
// the HTTP listener.
func (s *Service) Start(ctx context.Context) error {
	s.supervisor.Start()

	if err := s.loader.LoadAll(ctx); err != nil {
		// Degraded is survivable; the loaded subset serves.
		s.logger.Warn().Err(err).Msg("Not all modules loaded")
	}
	if err := s.applyOverrides(ctx); err != nil {
		return err
	}

	s.reconciler.Start()
	s.startWatcher()

	srv := server.New(s.registry, s.orch, s.metrics, s.version)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown tears everything down in reverse start order.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
	}
	s.reconciler.Stop()
	s.supervisor.Stop()
	s.loader.UnloadAll(ctx)

	if err := s.cacheImpl.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Cache close failed")
	}
	if err := s.descStore.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Descriptor store close failed")
	}
	if err := s.provider.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Storage close failed")
	}

	s.wg.Wait()
	s.logger.Info().Msg("Service stopped")
	return nil
}

// applyOverrides reads the modules file and reconciles the live set
// against it: disabled modules are unloaded, enabled ones loaded, and
// config patches pushed through the registry.
func (s *Service) applyOverrides(ctx context.Context) error {
	overrides, err := config.LoadModules(s.cfg.ModulesFile)
	if err != nil {
		return fmt.Errorf("module overrides: %w", err)
	}

	for id, ov := range overrides {
		if ov.Disabled {
			if err := s.loader.Unload(ctx, id); err != nil {
				s.logger.Warn().Err(err).Str("module", id).Msg("Disable override not applied")
			}
			continue
		}
		if err := s.loader.LoadOne(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("module", id).Msg("Module load from overrides failed")
			continue
		}
		if err := s.registry.UpdateConfig(ctx, id, ov.ModuleConfig); err != nil {
			s.logger.Warn().Err(err).Str("module", id).Msg("Config override not applied")
		}
	}
	return nil
}

// startWatcher re-applies the overrides file whenever it changes.
// Watcher failures are logged, never fatal: the file is optional.
func (s *Service) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Config watcher unavailable")
		return
	}
	// Watch the directory: editors replace the file, which would drop a
	// watch on the file itself.
	dir := filepath.Dir(s.cfg.ModulesFile)
	if err := watcher.Add(dir); err != nil {
		s.logger.Warn().Err(err).Str("dir", dir).Msg("Config watch failed")
		_ = watcher.Close()
		return
	}
	s.watcher = watcher

	target := filepath.Clean(s.cfg.ModulesFile)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				s.logger.Info().Str("file", target).Msg("Module overrides changed, reapplying")
				if err := s.applyOverrides(context.Background()); err != nil {
					s.logger.Warn().Err(err).Msg("Override reload failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
}
