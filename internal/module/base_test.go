package module

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexmem/plexmem/internal/cache"
	"github.com/plexmem/plexmem/internal/cmi"
	"github.com/plexmem/plexmem/internal/embedding"
	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/vector/memstore"
	"github.com/plexmem/plexmem/pkg/models"
)

const (
	testFullDims = 64
	testCompDims = 16
)

// flakyCMIStore fails Upsert/Delete while down.
type flakyCMIStore struct {
	cmi.Store
	mu   sync.Mutex
	down bool
}

func (s *flakyCMIStore) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *flakyCMIStore) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func (s *flakyCMIStore) Upsert(ctx context.Context, entry cmi.Entry) error {
	if s.failing() {
		return errs.Wrap(errs.KindTransient, errors.New("cmi unavailable"))
	}
	return s.Store.Upsert(ctx, entry)
}

func (s *flakyCMIStore) Delete(ctx context.Context, moduleID, remoteID string) error {
	if s.failing() {
		return errs.Wrap(errs.KindTransient, errors.New("cmi unavailable"))
	}
	return s.Store.Delete(ctx, moduleID, remoteID)
}

// recordingQueue captures reconcile tasks.
type recordingQueue struct {
	mu      sync.Mutex
	reindex []string
	unindex []string
}

func (q *recordingQueue) EnqueueReindex(userID, moduleID, memoryID string) {
	q.mu.Lock()
	q.reindex = append(q.reindex, moduleID+"/"+memoryID)
	q.mu.Unlock()
}

func (q *recordingQueue) EnqueueIndexDelete(moduleID, memoryID string) {
	q.mu.Lock()
	q.unindex = append(q.unindex, moduleID+"/"+memoryID)
	q.mu.Unlock()
}

type testRig struct {
	mod      *Base
	cmiStore *flakyCMIStore
	queue    *recordingQueue
	cache    *cache.Memory
}

func newTestModule(t *testing.T, id string, enrich Enricher) *testRig {
	t.Helper()

	adapter, err := memstore.NewProvider().Open(context.Background(), "memories_"+id, testFullDims, nil)
	require.NoError(t, err)

	embedder := embedding.NewMockProvider(testFullDims, testCompDims)
	cmiStore := &flakyCMIStore{Store: cmi.NewMemStore()}
	queue := &recordingQueue{}
	mem := cache.NewMemory(1000)

	deps := Deps{
		Adapter:   adapter,
		Embedder:  embedder,
		Cache:     mem,
		Index:     cmi.New(cmiStore, embedder),
		Reconcile: queue,
	}
	mod := NewBase(models.ModuleTypeStandard, models.ModuleConfig{ID: id}, deps, enrich, nil, nil)
	return &testRig{mod: mod, cmiStore: cmiStore, queue: queue, cache: mem}
}

func TestStoreGetRoundTrip(t *testing.T) {
	rig := newTestModule(t, "technical", nil)
	ctx := context.Background()

	id, err := rig.mod.Store(ctx, "u1", "PostgreSQL uses MVCC for concurrency control", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	mem, err := rig.mod.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "PostgreSQL uses MVCC for concurrency control", mem.Content)
	assert.Equal(t, "u1", mem.UserID)
	assert.GreaterOrEqual(t, mem.AccessCount, int64(1))
	assert.False(t, mem.UpdatedAt.Before(mem.CreatedAt))

	// Derived fields landed in metadata and in the CMI.
	assert.NotEmpty(t, mem.Metadata[models.MetaTitle])
	entry, err := rig.cmiStore.Get(ctx, "u1", "technical", id)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.Title)
	assert.Len(t, entry.CVec, testCompDims)
}

func TestStoreRejectsOversizedContent(t *testing.T) {
	rig := newTestModule(t, "technical", nil)
	ctx := context.Background()

	exactly := strings.Repeat("x", models.MaxContentBytes)
	_, err := rig.mod.Store(ctx, "u1", exactly, nil)
	require.NoError(t, err, "content at the limit stores")

	_, err = rig.mod.Store(ctx, "u1", exactly+"y", nil)
	require.Error(t, err)
	assert.True(t, errs.IsInvalid(err))
}

func TestStoreKeepsRowWhenCMIDown(t *testing.T) {
	rig := newTestModule(t, "work", nil)
	ctx := context.Background()

	rig.cmiStore.setDown(true)
	id, err := rig.mod.Store(ctx, "u1", "ship the quarterly report", nil)
	require.Error(t, err)
	assert.True(t, errs.IsReconcile(err))
	require.NotEmpty(t, id, "row survives a failed index step")

	// Memory is still reachable through direct module search.
	results, err := rig.mod.Search(ctx, "u1", "quarterly report", SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, id, results[0].Memory.ID)

	// And the repair task was enqueued.
	assert.Contains(t, rig.queue.reindex, "work/"+id)
}

func TestSearchScoresAndCaches(t *testing.T) {
	rig := newTestModule(t, "learning", nil)
	ctx := context.Background()

	id, err := rig.mod.Store(ctx, "u1", "The derivative of sin(x) is cos(x)", nil)
	require.NoError(t, err)
	_, err = rig.mod.Store(ctx, "u1", "Bread needs an hour of proofing", nil)
	require.NoError(t, err)

	results, err := rig.mod.Search(ctx, "u1", "The derivative of sin(x) is cos(x)", SearchOptions{Limit: 3, MinScore: 0.5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, id, results[0].Memory.ID)
	assert.Equal(t, "learning", results[0].Module)
	assert.GreaterOrEqual(t, results[0].Score, 0.5)
	assert.Nil(t, results[0].Memory.Embedding, "embeddings omitted unless requested")

	// Second call is served from cache with the same hits and order.
	again, err := rig.mod.Search(ctx, "u1", "The derivative of sin(x) is cos(x)", SearchOptions{Limit: 3, MinScore: 0.5})
	require.NoError(t, err)
	require.Len(t, again, len(results))
	for i := range results {
		assert.Equal(t, results[i].Memory.ID, again[i].Memory.ID)
		assert.Equal(t, results[i].Score, again[i].Score)
	}
}

func TestSearchLimitZeroReturnsEmpty(t *testing.T) {
	rig := newTestModule(t, "learning", nil)
	ctx := context.Background()

	_, err := rig.mod.Store(ctx, "u1", "anything at all", nil)
	require.NoError(t, err)

	results, err := rig.mod.Search(ctx, "u1", "anything", SearchOptions{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchUserIsolation(t *testing.T) {
	rig := newTestModule(t, "personal", nil)
	ctx := context.Background()

	_, err := rig.mod.Store(ctx, "u1", "my private journal entry", nil)
	require.NoError(t, err)

	results, err := rig.mod.Search(ctx, "u2", "my private journal entry", SearchOptions{Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestUpdateContentReembedsAndReenriches(t *testing.T) {
	enrich := func(content string, meta map[string]any) map[string]any {
		if ContainsAny(content, "golang", "go ") {
			meta[models.MetaCategories] = []string{"programming"}
		}
		return meta
	}
	rig := newTestModule(t, "technical", enrich)
	ctx := context.Background()

	id, err := rig.mod.Store(ctx, "u1", "notes about cooking pasta", nil)
	require.NoError(t, err)

	newContent := "golang channels block until both sides are ready"
	ok, err := rig.mod.Update(ctx, "u1", id, UpdatePatch{Content: &newContent})
	require.NoError(t, err)
	require.True(t, ok)

	after, err := rig.mod.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, newContent, after.Content)
	assert.Equal(t, []string{"programming"}, after.Metadata[models.MetaCategories])

	// Content change means a new embedding and a new CMI vector.
	entry, err := rig.cmiStore.Get(ctx, "u1", "technical", id)
	require.NoError(t, err)
	assert.Equal(t, cmi.ContentHash(newContent), entry.ContentHash)
}

func TestUpdateMetadataOnlyKeepsEmbedding(t *testing.T) {
	rig := newTestModule(t, "work", nil)
	ctx := context.Background()

	id, err := rig.mod.Store(ctx, "u1", "prepare board slides", nil)
	require.NoError(t, err)
	entryBefore, err := rig.cmiStore.Get(ctx, "u1", "work", id)
	require.NoError(t, err)

	ok, err := rig.mod.Update(ctx, "u1", id, UpdatePatch{
		Metadata: map[string]any{"project": "board-q3", models.MetaImportance: 0.9},
	})
	require.NoError(t, err)
	require.True(t, ok)

	entryAfter, err := rig.cmiStore.Get(ctx, "u1", "work", id)
	require.NoError(t, err)
	assert.Equal(t, entryBefore.CVec, entryAfter.CVec)
	assert.Equal(t, 0.9, entryAfter.Importance)

	mem, err := rig.mod.Get(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, "board-q3", mem.Metadata["project"])
}

func TestUpdateAbsentReturnsFalse(t *testing.T) {
	rig := newTestModule(t, "work", nil)

	content := "new text"
	ok, err := rig.mod.Update(context.Background(), "u1", "missing", UpdatePatch{Content: &content})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteIsIdempotentAndRemovesIndex(t *testing.T) {
	rig := newTestModule(t, "creative", nil)
	ctx := context.Background()

	id, err := rig.mod.Store(ctx, "u1", "a short story about rain", nil)
	require.NoError(t, err)

	ok, err := rig.mod.Delete(ctx, "u1", id)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = rig.mod.Get(ctx, "u1", id)
	assert.True(t, errs.IsNotFound(err))
	_, err = rig.cmiStore.Get(ctx, "u1", "creative", id)
	assert.True(t, errs.IsNotFound(err))

	// Second delete succeeds.
	ok, err = rig.mod.Delete(ctx, "u1", id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteEnqueuesReconcileWhenCMIDown(t *testing.T) {
	rig := newTestModule(t, "creative", nil)
	ctx := context.Background()

	id, err := rig.mod.Store(ctx, "u1", "sketch for a mural", nil)
	require.NoError(t, err)

	rig.cmiStore.setDown(true)
	ok, err := rig.mod.Delete(ctx, "u1", id)
	require.Error(t, err)
	assert.True(t, errs.IsReconcile(err))
	assert.True(t, ok, "module row is gone even though the index step failed")
	assert.Contains(t, rig.queue.unindex, "creative/"+id)
}

func TestStatsReflectWrites(t *testing.T) {
	rig := newTestModule(t, "communication", nil)
	ctx := context.Background()

	_, err := rig.mod.Store(ctx, "u1", "email from dana about the offsite", nil)
	require.NoError(t, err)

	stats, err := rig.mod.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalMemories)
	assert.Positive(t, stats.TotalBytes)
}

func TestMetricsCountOps(t *testing.T) {
	rig := newTestModule(t, "technical", nil)
	ctx := context.Background()

	_, err := rig.mod.Store(ctx, "u1", "first note", nil)
	require.NoError(t, err)
	_, err = rig.mod.Search(ctx, "u1", "first", SearchOptions{Limit: 3})
	require.NoError(t, err)

	snap := rig.mod.Metrics()
	assert.GreaterOrEqual(t, snap.Ops, int64(2))
	assert.Zero(t, snap.Errors)
	assert.Zero(t, snap.ErrorRate)
}
