// Package reconcile repairs the module-to-CMI correspondence.
//
// Two-step mutations are not atomic across layers: a store can leave a
// module row without its index entry, and a delete can orphan an index
// entry. The worker converges both directions, driven by enqueued
// tasks from the request path and by a periodic full scan.
package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plexmem/plexmem/internal/cmi"
	"github.com/plexmem/plexmem/internal/errs"
	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/internal/registry"
	"github.com/plexmem/plexmem/internal/vector"
)

// Defaults.
const (
	DefaultInterval  = 15 * time.Minute
	DefaultBatchSize = 200
	DefaultQueueSize = 1024
)

type taskKind int

const (
	taskReindex taskKind = iota
	taskIndexDelete
)

type task struct {
	kind     taskKind
	userID   string
	moduleID string
	memoryID string
}

// reconcilable is the slice of the base module the worker drives.
type reconcilable interface {
	ReindexMemory(ctx context.Context, userID, id string) error
	HasMemory(ctx context.Context, userID, id string) (bool, error)
	Rows(ctx context.Context, limit, offset int) ([]vector.Row, error)
}

// Worker converges module tables and the CMI.
type Worker struct {
	registry *registry.Registry
	store    cmi.Store

	interval  time.Duration
	batchSize int

	queue   chan task
	stopCh  chan struct{}
	doneCh  chan struct{}
	started atomic.Bool
	once    sync.Once
	logger  zerolog.Logger
}

// Option tunes a Worker.
type Option func(*Worker)

// WithInterval overrides the periodic scan interval.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBatchSize bounds per-module work per scan cycle.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithQueueSize bounds the pending task buffer.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan task, n)
		}
	}
}

// New creates a worker over the registry and the CMI store.
func New(reg *registry.Registry, store cmi.Store, opts ...Option) *Worker {
	w := &Worker{
		registry:  reg,
		store:     store,
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		queue:     make(chan task, DefaultQueueSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		logger:    log.With().Str("component", "reconcile").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var _ module.ReconcileQueue = (*Worker)(nil)

// EnqueueReindex queues an index rebuild. Never blocks; a full queue
// drops the task and the periodic scan picks the row up instead.
func (w *Worker) EnqueueReindex(userID, moduleID, memoryID string) {
	w.enqueue(task{kind: taskReindex, userID: userID, moduleID: moduleID, memoryID: memoryID})
}

// EnqueueIndexDelete queues removal of an orphaned index entry.
func (w *Worker) EnqueueIndexDelete(moduleID, memoryID string) {
	w.enqueue(task{kind: taskIndexDelete, moduleID: moduleID, memoryID: memoryID})
}

func (w *Worker) enqueue(t task) {
	select {
	case w.queue <- t:
	default:
		w.logger.Warn().Str("module", t.moduleID).Str("memory_id", t.memoryID).
			Msg("Reconcile queue full, task dropped until next scan")
	}
}

// Start launches the worker loop.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run()
	w.logger.Info().Dur("interval", w.interval).Msg("Reconciliation worker started")
}

// Stop halts the loop and waits for the in-flight task to finish.
// Safe to call on a worker that never started.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	if !w.started.Load() {
		return
	}
	<-w.doneCh
	w.logger.Info().Msg("Reconciliation worker stopped")
}

func (w *Worker) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case t := <-w.queue:
			w.handle(context.Background(), t)
		case <-ticker.C:
			w.Scan(context.Background())
		}
	}
}

func (w *Worker) handle(ctx context.Context, t task) {
	var err error
	switch t.kind {
	case taskReindex:
		err = w.reindex(ctx, t.userID, t.moduleID, t.memoryID)
	case taskIndexDelete:
		err = w.store.Delete(ctx, t.moduleID, t.memoryID)
	}
	if err != nil {
		w.logger.Warn().Err(err).Str("module", t.moduleID).Str("memory_id", t.memoryID).
			Msg("Reconcile task failed, will retry on next scan")
		return
	}
	w.logger.Debug().Str("module", t.moduleID).Str("memory_id", t.memoryID).Msg("Reconcile task done")
}

func (w *Worker) reindex(ctx context.Context, userID, moduleID, memoryID string) error {
	inst, ok := w.registry.Get(moduleID)
	if !ok {
		return errs.New(errs.KindNotFound, "module %s not registered", moduleID)
	}
	rec, ok := inst.(reconcilable)
	if !ok {
		return errs.New(errs.KindInvalid, "module %s cannot reindex", moduleID)
	}
	err := rec.ReindexMemory(ctx, userID, memoryID)
	if errs.IsNotFound(err) {
		// Row vanished since enqueue; nothing to index.
		return nil
	}
	return err
}

// Scan walks both directions of the correspondence for every
// registered module, bounded by the batch size per module per cycle.
func (w *Worker) Scan(ctx context.Context) {
	for _, inst := range w.registry.ListActive() {
		rec, ok := inst.(reconcilable)
		if !ok {
			continue
		}
		w.scanModule(ctx, inst.ID(), rec)
	}
}

func (w *Worker) scanModule(ctx context.Context, moduleID string, rec reconcilable) {
	repaired := 0

	// Direction one: CMI entries whose module row is gone.
	entries, err := w.store.ListByModule(ctx, moduleID, w.batchSize, 0)
	if err != nil {
		w.logger.Warn().Err(err).Str("module", moduleID).Msg("Reconcile scan: list index failed")
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		exists, err := rec.HasMemory(ctx, entry.UserID, entry.RemoteID)
		if err != nil {
			continue
		}
		if !exists {
			if err := w.store.Delete(ctx, moduleID, entry.RemoteID); err == nil {
				repaired++
			}
		}
	}

	// Direction two: module rows the CMI never heard of.
	rows, err := rec.Rows(ctx, w.batchSize, 0)
	if err != nil {
		w.logger.Warn().Err(err).Str("module", moduleID).Msg("Reconcile scan: list rows failed")
		return
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			return
		}
		_, err := w.store.Get(ctx, row.UserID, moduleID, row.ID)
		if errs.IsNotFound(err) {
			if err := rec.ReindexMemory(ctx, row.UserID, row.ID); err == nil {
				repaired++
			}
		}
	}

	if repaired > 0 {
		w.logger.Info().Str("module", moduleID).Int("repaired", repaired).Msg("Reconcile scan repaired entries")
	}
}
