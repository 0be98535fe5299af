package module

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/plexmem/plexmem/internal/cache"
	"github.com/plexmem/plexmem/internal/cmi"
	"github.com/plexmem/plexmem/internal/embedding"
	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/vector"
	"github.com/plexmem/plexmem/pkg/models"
)

// Deps are the process-wide services injected into every module.
type Deps struct {
	Adapter  vector.Adapter
	Embedder embedding.Provider
	Cache    cache.Cache
	Index    *cmi.Index

	// Reconcile receives repair tasks; nil disables enqueueing.
	Reconcile ReconcileQueue
}

// Base implements the full module contract around an Enricher. The six
// domain modules are a Base plus their own enrichment body.
type Base struct {
	id       string
	typ      models.ModuleType
	deps     Deps
	enrich   Enricher
	requires []string
	optional []string

	cfg   syncedConfig
	peers syncedPeers

	metrics *opMetrics
	sf      singleflight.Group
	logger  zerolog.Logger
}

var _ Module = (*Base)(nil)

// NewBase builds a module from its enrichment function. cfg.ID must be
// set; zero-valued config fields get the defaults for typ.
func NewBase(typ models.ModuleType, cfg models.ModuleConfig, deps Deps, enrich Enricher, requires, optional []string) *Base {
	cfg.ApplyTypeDefaults(typ)
	b := &Base{
		id:       cfg.ID,
		typ:      typ,
		deps:     deps,
		enrich:   enrich,
		requires: requires,
		optional: optional,
		metrics:  newOpMetrics(),
		logger:   log.With().Str("component", "module").Str("module", cfg.ID).Logger(),
	}
	b.cfg.set(cfg)
	return b
}

func (b *Base) ID() string                  { return b.id }
func (b *Base) Type() models.ModuleType     { return b.typ }
func (b *Base) Config() models.ModuleConfig { return b.cfg.get() }
func (b *Base) Requires() []string          { return b.requires }
func (b *Base) Optional() []string          { return b.optional }
func (b *Base) Metrics() MetricsSnapshot    { return b.metrics.snapshot() }

// Initialize verifies the storage path before the module goes live.
func (b *Base) Initialize(ctx context.Context) error {
	if err := b.deps.Adapter.HealthCheck(ctx); err != nil {
		return errs.Module(b.id, errs.Wrap(errs.KindFatal, fmt.Errorf("adapter probe: %w", err)))
	}
	b.logger.Info().Str("type", string(b.typ)).Msg("Module initialised")
	return nil
}

// Shutdown releases nothing directly; adapter pools are provider-owned.
func (b *Base) Shutdown(context.Context) error {
	b.logger.Info().Msg("Module shut down")
	return nil
}

// HealthCheck pings the adapter.
func (b *Base) HealthCheck(ctx context.Context) error {
	return b.deps.Adapter.HealthCheck(ctx)
}

// OnConfigUpdate swaps in the new configuration.
func (b *Base) OnConfigUpdate(cfg models.ModuleConfig) {
	cfg.ApplyTypeDefaults(b.typ)
	b.cfg.set(cfg)
	b.logger.Info().Msg("Module configuration updated")
}

// OnModuleConnect records a handle to another live module.
func (b *Base) OnModuleConnect(otherID string, other Module) {
	b.peers.set(otherID, other)
	b.logger.Debug().Str("peer", otherID).Msg("Module connected")
}

// OnEvent receives loader broadcasts. The base only logs; domain
// modules may shadow behaviour by watching well-known event names.
func (b *Base) OnEvent(_ context.Context, name string, _ map[string]any) {
	b.logger.Debug().Str("event", name).Msg("Module event received")
}

// Peer returns a connected module, if the loader wired one.
func (b *Base) Peer(id string) (Module, bool) { return b.peers.get(id) }

// Store embeds, enriches, inserts, and indexes one memory.
//
// A CMI indexing failure keeps the row: the id is returned together
// with a reconcile-kind error and a repair task is enqueued, so the
// memory stays reachable through direct module search meanwhile.
func (b *Base) Store(ctx context.Context, userID, content string, metadata map[string]any) (id string, err error) {
	defer b.observe(time.Now(), &err)

	if len(content) > models.MaxContentBytes {
		return "", errs.Module(b.id, errs.New(errs.KindInvalid,
			"content is %d bytes, limit is %d", len(content), models.MaxContentBytes))
	}
	if userID == "" {
		return "", errs.Module(b.id, errs.New(errs.KindInvalid, "empty user id"))
	}

	full, err := b.deps.Embedder.Full(ctx, content)
	if err != nil {
		return "", errs.Module(b.id, err)
	}

	enriched := b.applyEnrichment(content, metadata)

	now := time.Now().UTC()
	row := vector.Row{
		ID:           uuid.NewString(),
		UserID:       userID,
		Content:      content,
		Embedding:    full,
		Metadata:     enriched,
		LastAccessed: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	id, err = b.deps.Adapter.Insert(ctx, row)
	if err != nil {
		return "", errs.Module(b.id, err)
	}

	b.invalidate(ctx, userID)

	if err := b.indexInCMI(ctx, userID, id, content, enriched); err != nil {
		b.logger.Warn().Err(err).Str("memory_id", id).Msg("CMI indexing deferred, row kept")
		if b.deps.Reconcile != nil {
			b.deps.Reconcile.EnqueueReindex(userID, b.id, id)
		}
		return id, errs.Module(b.id, errs.Wrap(errs.KindReconcile, err))
	}
	return id, nil
}

// Search embeds the query and searches, caching the result set.
func (b *Base) Search(ctx context.Context, userID, query string, opts SearchOptions) (results []models.SearchResult, err error) {
	defer b.observe(time.Now(), &err)

	if opts.Limit == 0 {
		return nil, nil
	}

	key := cache.Key(b.id, userID, "search", hashQuery(query, opts))
	if cached, ok := b.cacheGet(ctx, key); ok {
		var out []models.SearchResult
		if err := json.Unmarshal(cached, &out); err == nil {
			return out, nil
		}
		// Corrupt entry; fall through and overwrite it.
	}

	v, err, _ := b.sf.Do(key, func() (any, error) {
		qv, err := b.deps.Embedder.Full(ctx, query)
		if err != nil {
			return nil, errs.Module(b.id, err)
		}
		found, err := b.SearchByEmbedding(ctx, userID, qv, opts)
		if err != nil {
			return nil, err
		}
		b.cacheSet(ctx, key, found)
		b.touchAsync(userID, found)
		return found, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.SearchResult), nil
}

// SearchByEmbedding runs the full-precision top-K for a prepared
// query vector. The federation layer calls this directly so the query
// is embedded once across all modules.
func (b *Base) SearchByEmbedding(ctx context.Context, userID string, vec []float32, opts SearchOptions) (results []models.SearchResult, err error) {
	defer b.observe(time.Now(), &err)

	limit := opts.Limit
	if max := b.cfg.get().SearchLimit; limit < 0 || limit > max {
		limit = max
	}
	if limit == 0 {
		return nil, nil
	}

	rows, err := b.deps.Adapter.TopK(ctx, userID, vec, limit, opts.MinScore, nil)
	if err != nil {
		return nil, errs.Module(b.id, err)
	}

	out := make([]models.SearchResult, 0, len(rows))
	for _, row := range rows {
		mem := rowToMemory(row.Row)
		if !opts.IncludeEmbedding {
			mem.Embedding = nil
		}
		out = append(out, models.SearchResult{Memory: mem, Score: row.Score, Module: b.id})
	}
	return out, nil
}

// Get fetches one memory and counts the access synchronously.
func (b *Base) Get(ctx context.Context, userID, id string) (mem *models.Memory, err error) {
	defer b.observe(time.Now(), &err)

	row, err := b.deps.Adapter.GetByID(ctx, userID, id)
	if err != nil {
		return nil, errs.Module(b.id, err)
	}

	if err := b.deps.Adapter.Touch(ctx, userID, []string{id}); err != nil {
		b.logger.Warn().Err(err).Str("memory_id", id).Msg("Access count update failed")
	}

	m := rowToMemory(*row)
	m.AccessCount++
	m.LastAccessed = time.Now().UTC()
	return &m, nil
}

// Update patches content and/or metadata. A content change re-embeds
// and re-enriches; either way the CMI copy of the tracked fields is
// refreshed.
func (b *Base) Update(ctx context.Context, userID, id string, patch UpdatePatch) (ok bool, err error) {
	defer b.observe(time.Now(), &err)

	row, err := b.deps.Adapter.GetByID(ctx, userID, id)
	if errs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errs.Module(b.id, err)
	}

	content := row.Content
	merged := cloneMeta(row.Metadata)
	for k, v := range patch.Metadata {
		merged[k] = v
	}

	adapterPatch := vector.Patch{}
	if patch.Content != nil && *patch.Content != row.Content {
		content = *patch.Content
		if len(content) > models.MaxContentBytes {
			return false, errs.Module(b.id, errs.New(errs.KindInvalid,
				"content is %d bytes, limit is %d", len(content), models.MaxContentBytes))
		}
		full, err := b.deps.Embedder.Full(ctx, content)
		if err != nil {
			return false, errs.Module(b.id, err)
		}
		adapterPatch.Content = &content
		adapterPatch.Embedding = full
		merged = b.applyEnrichment(content, merged)
	}
	adapterPatch.Metadata = merged

	ok, err = b.deps.Adapter.Update(ctx, userID, id, adapterPatch)
	if err != nil {
		return false, errs.Module(b.id, err)
	}
	if !ok {
		return false, nil
	}

	b.invalidate(ctx, userID)

	if err := b.indexInCMI(ctx, userID, id, content, merged); err != nil {
		b.logger.Warn().Err(err).Str("memory_id", id).Msg("CMI reindex deferred after update")
		if b.deps.Reconcile != nil {
			b.deps.Reconcile.EnqueueReindex(userID, b.id, id)
		}
		return true, errs.Module(b.id, errs.Wrap(errs.KindReconcile, err))
	}
	return true, nil
}

// Delete removes the module row then the CMI entry. Deleting an absent
// id is success; a failed CMI removal enqueues reconciliation.
func (b *Base) Delete(ctx context.Context, userID, id string) (ok bool, err error) {
	defer b.observe(time.Now(), &err)

	ok, err = b.deps.Adapter.Delete(ctx, userID, id)
	if err != nil {
		return false, errs.Module(b.id, err)
	}
	if !ok {
		return false, nil
	}

	b.invalidate(ctx, userID)

	if err := b.deps.Index.DeleteIndex(ctx, b.id, id); err != nil {
		b.logger.Warn().Err(err).Str("memory_id", id).Msg("CMI entry orphaned, reconciliation enqueued")
		if b.deps.Reconcile != nil {
			b.deps.Reconcile.EnqueueIndexDelete(b.id, id)
		}
		return true, errs.Module(b.id, errs.Wrap(errs.KindReconcile, err))
	}
	return true, nil
}

// Stats reports the user's aggregate, cached briefly.
func (b *Base) Stats(ctx context.Context, userID string) (stats models.ModuleStats, err error) {
	defer b.observe(time.Now(), &err)

	key := cache.Key(b.id, userID, "stats")
	if cached, ok := b.cacheGet(ctx, key); ok {
		var out models.ModuleStats
		if err := json.Unmarshal(cached, &out); err == nil {
			return out, nil
		}
	}

	raw, err := b.deps.Adapter.Stats(ctx, userID)
	if err != nil {
		return models.ModuleStats{}, errs.Module(b.id, err)
	}
	stats = models.ModuleStats{
		TotalMemories: raw.TotalRows,
		TotalBytes:    raw.TotalBytes,
		LastWrite:     raw.LastWrite,
	}
	b.cacheSet(ctx, key, stats)
	return stats, nil
}

// Touch bumps access counters for the given memories. The federation
// layer calls this off the request path for returned results.
func (b *Base) Touch(ctx context.Context, userID string, ids []string) error {
	if err := b.deps.Adapter.Touch(ctx, userID, ids); err != nil {
		return errs.Module(b.id, err)
	}
	return nil
}

// TotalMemories counts rows across all users, for health reporting.
func (b *Base) TotalMemories(ctx context.Context) (int64, error) {
	stats, err := b.deps.Adapter.Stats(ctx, "")
	if err != nil {
		return 0, errs.Module(b.id, err)
	}
	return stats.TotalRows, nil
}

// ReindexMemory rebuilds the CMI entry from the stored row. Used by the
// reconciliation worker.
func (b *Base) ReindexMemory(ctx context.Context, userID, id string) error {
	row, err := b.deps.Adapter.GetByID(ctx, userID, id)
	if err != nil {
		return errs.Module(b.id, err)
	}
	return b.indexInCMI(ctx, userID, id, row.Content, row.Metadata)
}

// HasMemory reports row existence without counting an access.
func (b *Base) HasMemory(ctx context.Context, userID, id string) (bool, error) {
	_, err := b.deps.Adapter.GetByID(ctx, userID, id)
	if errs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errs.Module(b.id, err)
	}
	return true, nil
}

// Rows pages through the module's relation across users. Used by the
// reconciliation worker to find unindexed rows.
func (b *Base) Rows(ctx context.Context, limit, offset int) ([]vector.Row, error) {
	rows, err := b.deps.Adapter.List(ctx, limit, offset)
	if err != nil {
		return nil, errs.Module(b.id, err)
	}
	return rows, nil
}

// applyEnrichment runs the module's enricher and guarantees the tracked
// CMI fields exist afterwards.
func (b *Base) applyEnrichment(content string, metadata map[string]any) map[string]any {
	out := cloneMeta(metadata)
	if b.enrich != nil {
		out = b.enrich(content, out)
		if out == nil {
			out = cloneMeta(metadata)
		}
	}
	if metaString(out, models.MetaTitle) == "" {
		out[models.MetaTitle] = DeriveTitle(content)
	}
	if metaString(out, models.MetaSummary) == "" {
		out[models.MetaSummary] = DeriveSummary(content)
	}
	if len(metaStrings(out, models.MetaKeywords)) == 0 {
		if kws := DeriveKeywords(content, models.MaxKeywords); len(kws) > 0 {
			out[models.MetaKeywords] = kws
		}
	}
	return out
}

func (b *Base) indexInCMI(ctx context.Context, userID, id, content string, metadata map[string]any) error {
	return b.deps.Index.IndexMemory(ctx, userID, b.id, id, content, cmi.IndexFields{
		Title:      metaString(metadata, models.MetaTitle),
		Summary:    metaString(metadata, models.MetaSummary),
		Keywords:   metaStrings(metadata, models.MetaKeywords),
		Categories: metaStrings(metadata, models.MetaCategories),
		Importance: metaFloat(metadata, models.MetaImportance),
	})
}

// invalidate drops the user's cached entries for this module.
func (b *Base) invalidate(ctx context.Context, userID string) {
	if b.deps.Cache == nil {
		return
	}
	if err := b.deps.Cache.DeletePrefix(ctx, cache.UserPrefix(b.id, userID)); err != nil {
		b.logger.Warn().Err(err).Msg("Cache invalidation failed")
	}
}

func (b *Base) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if b.deps.Cache == nil {
		return nil, false
	}
	val, ok, err := b.deps.Cache.Get(ctx, key)
	if err != nil {
		b.logger.Debug().Err(err).Msg("Cache read failed")
		return nil, false
	}
	return val, ok
}

func (b *Base) cacheSet(ctx context.Context, key string, value any) {
	if b.deps.Cache == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := b.deps.Cache.Set(ctx, key, raw, cache.DefaultTTL); err != nil {
		b.logger.Debug().Err(err).Msg("Cache write failed")
	}
}

// touchAsync bumps access counters off the request path.
func (b *Base) touchAsync(userID string, results []models.SearchResult) {
	if len(results) == 0 {
		return
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Memory.ID
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.deps.Adapter.Touch(ctx, userID, ids); err != nil {
			b.logger.Debug().Err(err).Msg("Async access count update failed")
		}
	}()
}

// observe feeds the supervisor's counters. Caller mistakes and deferred
// indexing do not count against the module's error rate.
func (b *Base) observe(start time.Time, err *error) {
	e := *err
	if e != nil {
		switch errs.KindOf(e) {
		case errs.KindInvalid, errs.KindNotFound, errs.KindReconcile:
			e = nil
		}
	}
	b.metrics.observe(time.Since(start), e)
}

func hashQuery(query string, opts SearchOptions) string {
	raw, _ := json.Marshal(opts)
	sum := sha256.Sum256(append([]byte(query+"\x00"), raw...))
	return hex.EncodeToString(sum[:12])
}

func rowToMemory(row vector.Row) models.Memory {
	return models.Memory{
		ID:           row.ID,
		UserID:       row.UserID,
		Content:      row.Content,
		Metadata:     row.Metadata,
		Embedding:    row.Embedding,
		AccessCount:  row.AccessCount,
		LastAccessed: row.LastAccessed,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func metaString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func metaStrings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func metaFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}
