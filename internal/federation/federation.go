// Package federation orchestrates cross-module search and the write
// and delete entry points above the module layer.
//
// A query is embedded once, routed through the CMI, fanned out to the
// chosen modules in parallel under a hard deadline, and merged by
// global score order. Slow or failing modules are elided and the
// response is flagged partial rather than failed.
package federation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/plexmem/plexmem/internal/cache"
	"github.com/plexmem/plexmem/internal/cmi"
	"github.com/plexmem/plexmem/internal/embedding"
	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/internal/registry"
	"github.com/plexmem/plexmem/pkg/models"
)

// Defaults.
const (
	DefaultLimit       = 10
	DefaultMinScore    = 0.5
	DefaultFanout      = 3
	DefaultDeadline    = 2 * time.Second
	defaultMaxInFlight = 128
	fanoutParallelism  = 8
	// coldFanout bounds how many modules a cold-user fallback consults.
	coldFanout = 2
)

// cacheModule namespaces federated entries next to per-module ones.
const cacheModule = "federated"

// SearchOptions tune a federated search.
type SearchOptions struct {
	Limit            int      `json:"limit"`
	MinScore         float64  `json:"min_score"`
	Modules          []string `json:"modules,omitempty"`
	IncludeEmbedding bool     `json:"include_embedding"`
}

// SearchResponse is the federated result envelope.
type SearchResponse struct {
	Results []models.SearchResult  `json:"results"`
	Partial bool                   `json:"partial"`
	Routing models.RoutingDecision `json:"routing,omitempty"`
	Failed  []string               `json:"failed_modules,omitempty"`
}

// StoreResult reports a federated write. Indexed is false when the
// row was stored but CMI indexing is deferred to reconciliation.
type StoreResult struct {
	ID      string `json:"id"`
	Module  string `json:"module"`
	Indexed bool   `json:"indexed"`
}

// DeleteResult reports a federated delete. Pending is true when the
// index removal is deferred to reconciliation.
type DeleteResult struct {
	Deleted bool `json:"deleted"`
	Pending bool `json:"pending"`
}

// Calibration is the per-module affine score adjustment applied before
// merging; identity unless a module uses a different embedding model.
type Calibration struct {
	A float64
	B float64
}

// toucher is implemented by modules that support access-count bumps.
type toucher interface {
	Touch(ctx context.Context, userID string, ids []string) error
}

// Orchestrator is the federated search service.
type Orchestrator struct {
	registry *registry.Registry
	index    *cmi.Index
	embedder embedding.Provider
	cache    cache.Cache

	fanout   int
	deadline time.Duration

	inflight *semaphore.Weighted
	sf       singleflight.Group

	mu           sync.RWMutex
	calibrations map[string]Calibration

	logger zerolog.Logger
}

// Option tunes an Orchestrator.
type Option func(*Orchestrator)

// WithFanout sets the default number of modules consulted.
func WithFanout(k int) Option {
	return func(o *Orchestrator) {
		if k > 0 {
			o.fanout = k
		}
	}
}

// WithDeadline sets the fan-out deadline.
func WithDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.deadline = d
		}
	}
}

// WithMaxInFlight bounds concurrent federated searches; requests over
// capacity fail fast as busy.
func WithMaxInFlight(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.inflight = semaphore.NewWeighted(n)
		}
	}
}

// New creates an orchestrator over the registry and CMI.
func New(reg *registry.Registry, index *cmi.Index, embedder embedding.Provider, c cache.Cache, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:     reg,
		index:        index,
		embedder:     embedder,
		cache:        c,
		fanout:       DefaultFanout,
		deadline:     DefaultDeadline,
		inflight:     semaphore.NewWeighted(defaultMaxInFlight),
		calibrations: make(map[string]Calibration),
		logger:       log.With().Str("component", "federation").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetCalibration installs the affine score adjustment for one module.
func (o *Orchestrator) SetCalibration(moduleID string, cal Calibration) {
	o.mu.Lock()
	o.calibrations[moduleID] = cal
	o.mu.Unlock()
}

// Search runs the full read path: route, fan out, merge, cache.
func (o *Orchestrator) Search(ctx context.Context, userID, query string, opts SearchOptions) (*SearchResponse, error) {
	if userID == "" {
		return nil, errs.New(errs.KindInvalid, "empty user id")
	}
	if opts.Limit < 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Limit == 0 {
		return &SearchResponse{Results: []models.SearchResult{}}, nil
	}

	if !o.inflight.TryAcquire(1) {
		return nil, errs.New(errs.KindTransient, "search capacity exhausted, try again")
	}
	defer o.inflight.Release(1)

	key := cache.Key(cacheModule, userID, hashSearch(query, opts))
	if cached := o.cacheGet(ctx, key); cached != nil {
		return cached, nil
	}

	v, err, _ := o.sf.Do(key, func() (any, error) {
		resp, err := o.searchUncached(ctx, userID, query, opts)
		if err != nil {
			return nil, err
		}
		// Partial responses are not cached; the next call may do better.
		if !resp.Partial {
			o.cacheSet(ctx, key, resp)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SearchResponse), nil
}

func (o *Orchestrator) searchUncached(ctx context.Context, userID, query string, opts SearchOptions) (*SearchResponse, error) {
	routing, targets, excluded, err := o.resolveTargets(ctx, userID, query, opts)
	if err != nil {
		return nil, err
	}

	resp := &SearchResponse{
		Results: []models.SearchResult{},
		Routing: routing,
		Partial: excluded,
	}
	if len(targets) == 0 {
		resp.Partial = true
		return resp, nil
	}

	qv, err := o.embedder.Full(ctx, query)
	if err != nil {
		return nil, err
	}

	searchCtx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	var (
		mu     sync.Mutex
		merged []models.SearchResult
	)
	var g errgroup.Group
	g.SetLimit(fanoutParallelism)

	for _, id := range targets {
		inst, ok := o.registry.Get(id)
		if !ok {
			mu.Lock()
			resp.Failed = append(resp.Failed, id)
			mu.Unlock()
			continue
		}
		id := id
		g.Go(func() error {
			results, err := inst.SearchByEmbedding(searchCtx, userID, qv, module.SearchOptions{
				Limit:            opts.Limit,
				MinScore:         opts.MinScore,
				IncludeEmbedding: opts.IncludeEmbedding,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.logger.Warn().Err(err).Str("module", id).Msg("Module elided from federated result")
				resp.Failed = append(resp.Failed, id)
				return nil
			}
			merged = append(merged, o.calibrate(id, results)...)
			return nil
		})
	}
	_ = g.Wait()

	if len(resp.Failed) > 0 {
		sort.Strings(resp.Failed)
		resp.Partial = true
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		if merged[i].Module != merged[j].Module {
			return merged[i].Module < merged[j].Module
		}
		return merged[i].Memory.ID < merged[j].Memory.ID
	})
	if len(merged) > opts.Limit {
		merged = merged[:opts.Limit]
	}
	resp.Results = merged

	o.touchAsync(userID, merged)
	return resp, nil
}

// resolveTargets picks the modules to consult. Explicit module lists
// skip routing; otherwise the CMI decides and the health filter prunes.
// excluded reports whether health pruning removed a routed module.
func (o *Orchestrator) resolveTargets(ctx context.Context, userID, query string, opts SearchOptions) (models.RoutingDecision, []string, bool, error) {
	routable := make(map[string]bool)
	for _, id := range o.registry.RoutableIDs() {
		routable[id] = true
	}

	if len(opts.Modules) > 0 {
		var targets []string
		excluded := false
		for _, id := range opts.Modules {
			if _, ok := o.registry.Get(id); !ok {
				return nil, nil, false, errs.New(errs.KindInvalid, "unknown module %q", id)
			}
			if routable[id] {
				targets = append(targets, id)
			} else {
				excluded = true
			}
		}
		return nil, targets, excluded, nil
	}

	routing, err := o.index.Route(ctx, userID, query, o.fanout, o.registry.ActiveIDs())
	if err != nil {
		return nil, nil, false, err
	}

	// A cold user gets the whole active set at confidence zero; consult
	// only the first couple so one query does not hit every module.
	candidates := routing
	if len(routing) > 0 && routing[0].Reason == cmi.ReasonFallback && len(candidates) > coldFanout {
		candidates = candidates[:coldFanout]
	}

	var targets []string
	excluded := false
	for _, route := range candidates {
		if routable[route.ModuleID] {
			targets = append(targets, route.ModuleID)
		} else {
			excluded = true
		}
	}
	return routing, targets, excluded, nil
}

// Store writes through the addressed module. A deferred index step is
// a partial success: the id is returned with Indexed false.
func (o *Orchestrator) Store(ctx context.Context, userID, moduleID, content string, metadata map[string]any) (StoreResult, error) {
	inst, ok := o.registry.Get(moduleID)
	if !ok {
		return StoreResult{}, errs.New(errs.KindInvalid, "unknown module %q", moduleID)
	}

	id, err := inst.Store(ctx, userID, content, metadata)
	if err != nil && !errs.IsReconcile(err) {
		return StoreResult{}, err
	}

	o.invalidateUser(ctx, userID)
	return StoreResult{ID: id, Module: moduleID, Indexed: err == nil}, nil
}

// Delete removes through the addressed module; idempotent. A deferred
// index removal reports Pending.
func (o *Orchestrator) Delete(ctx context.Context, userID, moduleID, id string) (DeleteResult, error) {
	inst, ok := o.registry.Get(moduleID)
	if !ok {
		return DeleteResult{}, errs.New(errs.KindInvalid, "unknown module %q", moduleID)
	}

	deleted, err := inst.Delete(ctx, userID, id)
	if err != nil && !errs.IsReconcile(err) {
		return DeleteResult{}, err
	}

	o.invalidateUser(ctx, userID)
	return DeleteResult{Deleted: deleted, Pending: errs.IsReconcile(err)}, nil
}

func (o *Orchestrator) calibrate(moduleID string, results []models.SearchResult) []models.SearchResult {
	o.mu.RLock()
	cal, ok := o.calibrations[moduleID]
	o.mu.RUnlock()
	if !ok || (cal.A == 1 && cal.B == 0) {
		return results
	}
	for i := range results {
		s := cal.A*results[i].Score + cal.B
		if s < 0 {
			s = 0
		}
		if s > 1 {
			s = 1
		}
		results[i].Score = s
	}
	return results
}

// touchAsync bumps access counters for returned memories off the
// request path, grouped per owning module.
func (o *Orchestrator) touchAsync(userID string, results []models.SearchResult) {
	if len(results) == 0 {
		return
	}
	byModule := make(map[string][]string)
	for _, r := range results {
		byModule[r.Module] = append(byModule[r.Module], r.Memory.ID)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for moduleID, ids := range byModule {
			inst, ok := o.registry.Get(moduleID)
			if !ok {
				continue
			}
			tc, ok := inst.(toucher)
			if !ok {
				continue
			}
			if err := tc.Touch(ctx, userID, ids); err != nil {
				o.logger.Debug().Err(err).Str("module", moduleID).Msg("Async access update failed")
			}
		}
	}()
}

// InvalidateUser drops the user's federated cache entries. Callers
// that mutate memories outside Store/Delete use it to keep reads fresh.
func (o *Orchestrator) InvalidateUser(ctx context.Context, userID string) {
	o.invalidateUser(ctx, userID)
}

// invalidateUser drops the user's federated cache entries.
func (o *Orchestrator) invalidateUser(ctx context.Context, userID string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.DeletePrefix(ctx, cache.UserPrefix(cacheModule, userID)); err != nil {
		o.logger.Warn().Err(err).Msg("Federated cache invalidation failed")
	}
}

func (o *Orchestrator) cacheGet(ctx context.Context, key string) *SearchResponse {
	if o.cache == nil {
		return nil
	}
	raw, ok, err := o.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil
	}
	var resp SearchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	return &resp
}

func (o *Orchestrator) cacheSet(ctx context.Context, key string, resp *SearchResponse) {
	if o.cache == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := o.cache.Set(ctx, key, raw, cache.DefaultTTL); err != nil {
		o.logger.Debug().Err(err).Msg("Federated cache write failed")
	}
}

func hashSearch(query string, opts SearchOptions) string {
	raw, _ := json.Marshal(opts)
	sum := sha256.Sum256(append([]byte(query+"\x00"), raw...))
	return hex.EncodeToString(sum[:12])
}
