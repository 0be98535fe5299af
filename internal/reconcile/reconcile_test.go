package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexmem/plexmem/internal/cache"
	"github.com/plexmem/plexmem/internal/cmi"
	"github.com/plexmem/plexmem/internal/embedding"
	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/internal/registry"
	"github.com/plexmem/plexmem/internal/vector/memstore"
	"github.com/plexmem/plexmem/pkg/models"
)

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

func (s *flakyCMIStore) Upsert(ctx context.Context, entry cmi.Entry) error {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return errs.Wrap(errs.KindTransient, errors.New("cmi unavailable"))
	}
	return s.Store.Upsert(ctx, entry)
}

type fixture struct {
	mod      *module.Base
	reg      *registry.Registry
	cmiStore *flakyCMIStore
	worker   *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	adapter, err := memstore.NewProvider().Open(ctx, "memories_work", 32, nil)
	require.NoError(t, err)
	embedder := embedding.NewMockProvider(32, 8)
	cmiStore := &flakyCMIStore{Store: cmi.NewMemStore()}
	reg := registry.New(nil)
	worker := New(reg, cmiStore, WithInterval(time.Hour))

	mod := module.NewBase(models.ModuleTypeStandard, models.ModuleConfig{ID: "work"}, module.Deps{
		Adapter:   adapter,
		Embedder:  embedder,
		Cache:     cache.NewMemory(100),
		Index:     cmi.New(cmiStore, embedder),
		Reconcile: worker,
	}, nil, nil, nil)
	require.NoError(t, reg.Register(ctx, mod, models.ModuleTypeStandard, nil))

	return &fixture{mod: mod, reg: reg, cmiStore: cmiStore, worker: worker}
}

func TestEnqueuedReindexRunsAfterRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.cmiStore.setDown(true)
	id, err := f.mod.Store(ctx, "u1", "draft the launch checklist", nil)
	require.Error(t, err)
	require.True(t, errs.IsReconcile(err))
	require.NotEmpty(t, id)

	f.cmiStore.setDown(false)
	f.worker.Start()
	defer f.worker.Stop()

	assert.Eventually(t, func() bool {
		_, err := f.cmiStore.Get(ctx, "u1", "work", id)
		return err == nil
	}, time.Second, 10*time.Millisecond, "queued task rebuilds the index entry")
}

func TestScanDeletesOrphanedIndexEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.cmiStore.Upsert(ctx, cmi.Entry{
		UserID: "u1", ModuleID: "work", RemoteID: "ghost",
		CVec: make([]float32, 8),
	}))

	f.worker.Scan(ctx)

	_, err := f.cmiStore.Get(ctx, "u1", "work", "ghost")
	assert.True(t, errs.IsNotFound(err))
}

func TestScanReindexesUnindexedRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.mod.Store(ctx, "u1", "row without an index entry", nil)
	require.NoError(t, err)

	// Drop the index entry behind the module's back.
	require.NoError(t, f.cmiStore.Delete(ctx, "work", id))
	_, err = f.cmiStore.Get(ctx, "u1", "work", id)
	require.True(t, errs.IsNotFound(err))

	f.worker.Scan(ctx)

	entry, err := f.cmiStore.Get(ctx, "u1", "work", id)
	require.NoError(t, err)
	assert.Equal(t, cmi.ContentHash("row without an index entry"), entry.ContentHash)
}

func TestEnqueueNeverBlocksWhenFull(t *testing.T) {
	reg := registry.New(nil)
	w := New(reg, cmi.NewMemStore(), WithQueueSize(2))

	// Not started, so nothing drains the queue.
	for i := 0; i < 10; i++ {
		w.EnqueueIndexDelete("work", "m")
	}
}
