package cmi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/plexmem/plexmem/internal/embedding"
	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/pkg/models"
)

// Routing defaults. The 0.7/0.3 split between raw similarity and
// stored importance is a tunable, not a law.
const (
	defaultFanout     = 3
	defaultScanLimit  = 50
	defaultBaseWeight = 0.7
	defaultImpWeight  = 0.3
)

// ReasonRanked annotates routes produced from index rows.
const ReasonRanked = "top-N CMI cosine + importance"

// ReasonFallback annotates routes for users with no index yet.
const ReasonFallback = "no-index-fallback"

// IndexFields are the tracked metadata fields stored per entry.
type IndexFields struct {
	Title      string
	Summary    string
	Keywords   []string
	Categories []string
	Importance float64
}

// Option tunes an Index.
type Option func(*Index)

// WithFanout sets the default number of modules Route returns.
func WithFanout(k int) Option {
	return func(ix *Index) {
		if k > 0 {
			ix.fanout = k
		}
	}
}

// WithScanLimit sets how many index rows a routing query examines.
func WithScanLimit(k int) Option {
	return func(ix *Index) {
		if k > 0 {
			ix.scanLimit = k
		}
	}
}

// WithRoutingWeights overrides the similarity/importance split.
func WithRoutingWeights(base, importance float64) Option {
	return func(ix *Index) {
		ix.baseWeight = base
		ix.impWeight = importance
	}
}

// Index is the routing service on top of a Store.
type Index struct {
	store    Store
	embedder embedding.Provider

	fanout     int
	scanLimit  int
	baseWeight float64
	impWeight  float64

	// rr rotates the cold-user fallback so repeated cold queries do
	// not always sample the same modules.
	rr atomic.Uint64
}

// New creates an Index over store using embedder's compressed vectors.
func New(store Store, embedder embedding.Provider, opts ...Option) *Index {
	ix := &Index{
		store:      store,
		embedder:   embedder,
		fanout:     defaultFanout,
		scanLimit:  defaultScanLimit,
		baseWeight: defaultBaseWeight,
		impWeight:  defaultImpWeight,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// ContentHash fingerprints content for reindex no-op detection.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}

// IndexMemory upserts the entry for (userID, moduleID, remoteID).
// Reindexing with unchanged content and tracked fields is a no-op.
func (ix *Index) IndexMemory(ctx context.Context, userID, moduleID, remoteID, content string, fields IndexFields) error {
	hash := ContentHash(content)

	existing, err := ix.store.Get(ctx, userID, moduleID, remoteID)
	if err != nil && !errs.IsNotFound(err) {
		return errs.CMI(err)
	}

	entry := Entry{
		UserID:      userID,
		ModuleID:    moduleID,
		RemoteID:    remoteID,
		Title:       clip(fields.Title, models.MaxTitleLen),
		Summary:     clip(fields.Summary, models.MaxSummaryLen),
		Keywords:    clipSet(fields.Keywords, models.MaxKeywords),
		Categories:  clipSet(fields.Categories, models.MaxCategories),
		Importance:  clamp01(fields.Importance),
		ContentHash: hash,
	}

	if existing != nil {
		if existing.ContentHash == hash && sameTracked(existing, &entry) {
			return nil
		}
		entry.CreatedAt = existing.CreatedAt
		entry.AccessCount = existing.AccessCount
		entry.LastAccessed = existing.LastAccessed
		if existing.ContentHash == hash {
			entry.CVec = existing.CVec
		}
	}

	if entry.CVec == nil {
		cvec, err := ix.embedder.Compressed(ctx, content)
		if err != nil {
			return errs.CMI(err)
		}
		entry.CVec = cvec
	}

	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastAccessed.IsZero() {
		entry.LastAccessed = now
	}
	entry.UpdatedAt = now

	if err := ix.store.Upsert(ctx, entry); err != nil {
		return errs.CMI(err)
	}
	return nil
}

// DeleteIndex removes the entry for (moduleID, remoteID).
func (ix *Index) DeleteIndex(ctx context.Context, moduleID, remoteID string) error {
	if err := ix.store.Delete(ctx, moduleID, remoteID); err != nil {
		return errs.CMI(err)
	}
	return nil
}

// Store exposes the underlying store for the reconciliation worker.
func (ix *Index) Store() Store { return ix.store }

// Route decides which modules to consult for query.
//
// activeModules is the registry's current routable set; a user with no
// index rows gets every active module at confidence zero, rotated so
// the caller's "take the first two" sampling varies across calls.
func (ix *Index) Route(ctx context.Context, userID, query string, kModules int, activeModules []string) (models.RoutingDecision, error) {
	if kModules <= 0 {
		kModules = ix.fanout
	}

	qv, err := ix.embedder.Compressed(ctx, query)
	if err != nil {
		return nil, errs.CMI(err)
	}

	rows, err := ix.store.TopK(ctx, userID, qv, ix.scanLimit)
	if err != nil {
		return nil, errs.CMI(err)
	}

	if len(rows) == 0 {
		return ix.fallbackRoute(activeModules), nil
	}

	type agg struct {
		conf float64
		hits int
	}
	byModule := make(map[string]*agg)
	for _, row := range rows {
		conf := row.Score * (ix.baseWeight + ix.impWeight*row.Importance)
		a, ok := byModule[row.ModuleID]
		if !ok {
			byModule[row.ModuleID] = &agg{conf: conf, hits: 1}
			continue
		}
		a.hits++
		if conf > a.conf {
			a.conf = conf
		}
	}

	ids := make([]string, 0, len(byModule))
	for id := range byModule {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ai, aj := byModule[ids[i]], byModule[ids[j]]
		if ai.conf != aj.conf {
			return ai.conf > aj.conf
		}
		if ai.hits != aj.hits {
			return ai.hits > aj.hits
		}
		return ids[i] < ids[j]
	})
	if len(ids) > kModules {
		ids = ids[:kModules]
	}

	decision := make(models.RoutingDecision, len(ids))
	for i, id := range ids {
		decision[i] = models.ModuleRoute{
			ModuleID:   id,
			Confidence: byModule[id].conf,
			Reason:     ReasonRanked,
		}
	}
	return decision, nil
}

// fallbackRoute serves cold users with no index rows yet.
func (ix *Index) fallbackRoute(activeModules []string) models.RoutingDecision {
	if len(activeModules) == 0 {
		return nil
	}
	ids := slices.Clone(activeModules)
	sort.Strings(ids)

	offset := int(ix.rr.Add(1)-1) % len(ids)
	rotated := append(ids[offset:], ids[:offset]...)

	log.Debug().Int("modules", len(rotated)).Msg("CMI routing fallback for cold user")
	decision := make(models.RoutingDecision, len(rotated))
	for i, id := range rotated {
		decision[i] = models.ModuleRoute{ModuleID: id, Confidence: 0, Reason: ReasonFallback}
	}
	return decision
}

func sameTracked(a, b *Entry) bool {
	return a.Title == b.Title &&
		a.Summary == b.Summary &&
		slices.Equal(a.Keywords, b.Keywords) &&
		slices.Equal(a.Categories, b.Categories) &&
		a.Importance == b.Importance
}

func clip(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

func clipSet(values []string, maxLen int) []string {
	if len(values) <= maxLen {
		return values
	}
	return values[:maxLen]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
