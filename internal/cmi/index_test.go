package cmi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexmem/plexmem/internal/embedding"
)

const (
	testFullDims = 64
	testCompDims = 16
)

func newTestIndex(t *testing.T) (*Index, *MemStore, *embedding.MockProvider) {
	t.Helper()
	store := NewMemStore()
	embedder := embedding.NewMockProvider(testFullDims, testCompDims)
	return New(store, embedder), store, embedder
}

func TestIndexMemoryRoundTrip(t *testing.T) {
	ix, store, _ := newTestIndex(t)
	ctx := context.Background()

	fields := IndexFields{
		Title:      "Go scheduler notes",
		Summary:    "How goroutines map onto OS threads",
		Keywords:   []string{"go", "scheduler"},
		Categories: []string{"languages"},
		Importance: 0.8,
	}
	require.NoError(t, ix.IndexMemory(ctx, "u1", "technical", "m1", "goroutine scheduling", fields))

	entry, err := store.Get(ctx, "u1", "technical", "m1")
	require.NoError(t, err)
	assert.Equal(t, "Go scheduler notes", entry.Title)
	assert.Equal(t, []string{"go", "scheduler"}, entry.Keywords)
	assert.Equal(t, 0.8, entry.Importance)
	assert.Len(t, entry.CVec, testCompDims)
	assert.Equal(t, ContentHash("goroutine scheduling"), entry.ContentHash)
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestIndexMemoryReindexUnchangedIsNoop(t *testing.T) {
	ix, store, _ := newTestIndex(t)
	ctx := context.Background()

	fields := IndexFields{Title: "t", Importance: 0.5}
	require.NoError(t, ix.IndexMemory(ctx, "u1", "technical", "m1", "same content", fields))

	before, err := store.Get(ctx, "u1", "technical", "m1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, ix.IndexMemory(ctx, "u1", "technical", "m1", "same content", fields))

	after, err := store.Get(ctx, "u1", "technical", "m1")
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt, "unchanged reindex must not rewrite the entry")
}

func TestIndexMemoryFieldChangeReusesVector(t *testing.T) {
	ix, store, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.IndexMemory(ctx, "u1", "work", "m1", "quarterly report", IndexFields{Importance: 0.2}))
	before, err := store.Get(ctx, "u1", "work", "m1")
	require.NoError(t, err)

	// Same content, different importance: vector survives, entry updates.
	require.NoError(t, ix.IndexMemory(ctx, "u1", "work", "m1", "quarterly report", IndexFields{Importance: 0.9}))
	after, err := store.Get(ctx, "u1", "work", "m1")
	require.NoError(t, err)

	assert.Equal(t, before.CVec, after.CVec)
	assert.Equal(t, 0.9, after.Importance)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
}

func TestIndexMemoryContentChangeReembeds(t *testing.T) {
	ix, store, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.IndexMemory(ctx, "u1", "work", "m1", "draft one", IndexFields{}))
	before, err := store.Get(ctx, "u1", "work", "m1")
	require.NoError(t, err)

	require.NoError(t, ix.IndexMemory(ctx, "u1", "work", "m1", "draft two", IndexFields{}))
	after, err := store.Get(ctx, "u1", "work", "m1")
	require.NoError(t, err)

	assert.NotEqual(t, before.CVec, after.CVec)
	assert.NotEqual(t, before.ContentHash, after.ContentHash)
}

func TestIndexMemoryClipsFields(t *testing.T) {
	ix, store, _ := newTestIndex(t)
	ctx := context.Background()

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	keywords := make([]string, 30)
	for i := range keywords {
		keywords[i] = "k"
	}
	fields := IndexFields{
		Title:      string(long),
		Summary:    string(long),
		Keywords:   keywords,
		Importance: 4.2,
	}
	require.NoError(t, ix.IndexMemory(ctx, "u1", "personal", "m1", "content", fields))

	entry, err := store.Get(ctx, "u1", "personal", "m1")
	require.NoError(t, err)
	assert.Len(t, entry.Title, 60)
	assert.Len(t, entry.Summary, 120)
	assert.Len(t, entry.Keywords, 10)
	assert.Equal(t, 1.0, entry.Importance)
}

func TestRouteConfidenceAndOrder(t *testing.T) {
	ix, store, embedder := newTestIndex(t)
	ctx := context.Background()

	query := "how do I tune postgres indexes"
	qv, err := embedder.Compressed(ctx, query)
	require.NoError(t, err)

	// Entries whose vector equals the query embed at cosine 1, so the
	// confidence reduces to the importance-weighted term exactly.
	seed := func(moduleID, remoteID string, importance float64) {
		require.NoError(t, store.Upsert(ctx, Entry{
			UserID:     "u1",
			ModuleID:   moduleID,
			RemoteID:   remoteID,
			CVec:       qv,
			Importance: importance,
		}))
	}
	seed("technical", "m1", 1.0) // conf 1.0
	seed("technical", "m2", 0.2)
	seed("work", "m3", 0.5) // conf 0.85
	seed("learning", "m4", 0.0) // conf 0.7

	decision, err := ix.Route(ctx, "u1", query, 3, nil)
	require.NoError(t, err)
	require.Len(t, decision, 3)

	assert.Equal(t, "technical", decision[0].ModuleID)
	assert.InDelta(t, 1.0, decision[0].Confidence, 1e-6)
	assert.Equal(t, "work", decision[1].ModuleID)
	assert.InDelta(t, 0.85, decision[1].Confidence, 1e-6)
	assert.Equal(t, "learning", decision[2].ModuleID)
	assert.InDelta(t, 0.7, decision[2].Confidence, 1e-6)
	for _, route := range decision {
		assert.Equal(t, ReasonRanked, route.Reason)
	}
}

func TestRouteTieBreaks(t *testing.T) {
	ix, store, embedder := newTestIndex(t)
	ctx := context.Background()

	query := "tied modules"
	qv, err := embedder.Compressed(ctx, query)
	require.NoError(t, err)

	upsert := func(moduleID, remoteID string) {
		require.NoError(t, store.Upsert(ctx, Entry{
			UserID: "u1", ModuleID: moduleID, RemoteID: remoteID,
			CVec: qv, Importance: 1.0,
		}))
	}
	// Same max confidence everywhere; "work" has two hits, the rest one.
	upsert("work", "m1")
	upsert("work", "m2")
	upsert("creative", "m3")
	upsert("communication", "m4")

	decision, err := ix.Route(ctx, "u1", query, 3, nil)
	require.NoError(t, err)
	require.Len(t, decision, 3)

	assert.Equal(t, "work", decision[0].ModuleID, "more hits wins the tie")
	// Remaining tie resolved lexicographically.
	assert.Equal(t, "communication", decision[1].ModuleID)
	assert.Equal(t, "creative", decision[2].ModuleID)
}

func TestRouteColdUserFallbackRotates(t *testing.T) {
	ix, _, _ := newTestIndex(t)
	ctx := context.Background()

	active := []string{"technical", "personal", "work"}

	first, err := ix.Route(ctx, "cold-user", "anything", 3, active)
	require.NoError(t, err)
	require.Len(t, first, 3)
	for _, route := range first {
		assert.Zero(t, route.Confidence)
		assert.Equal(t, ReasonFallback, route.Reason)
	}

	second, err := ix.Route(ctx, "cold-user", "anything", 3, active)
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.NotEqual(t, first[0].ModuleID, second[0].ModuleID, "fallback must rotate between calls")

	// Every active module is present both times.
	seen := map[string]bool{}
	for _, route := range second {
		seen[route.ModuleID] = true
	}
	for _, id := range active {
		assert.True(t, seen[id])
	}
}

func TestRouteUserIsolation(t *testing.T) {
	ix, store, embedder := newTestIndex(t)
	ctx := context.Background()

	query := "private things"
	qv, err := embedder.Compressed(ctx, query)
	require.NoError(t, err)

	require.NoError(t, store.Upsert(ctx, Entry{
		UserID: "other", ModuleID: "personal", RemoteID: "m1", CVec: qv, Importance: 1,
	}))

	decision, err := ix.Route(ctx, "u1", query, 3, []string{"personal", "work"})
	require.NoError(t, err)
	for _, route := range decision {
		assert.Equal(t, ReasonFallback, route.Reason, "another user's rows must not rank")
	}
}

func TestDeleteIndexRemovesEntry(t *testing.T) {
	ix, store, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.IndexMemory(ctx, "u1", "technical", "m1", "content", IndexFields{}))
	require.NoError(t, ix.DeleteIndex(ctx, "technical", "m1"))

	_, err := store.Get(ctx, "u1", "technical", "m1")
	assert.Error(t, err)

	// Deleting an absent entry stays idempotent.
	assert.NoError(t, ix.DeleteIndex(ctx, "technical", "m1"))
}
