// Package supervisor runs the periodic health probes behind module
// routing decisions.
//
// Each registered module gets its own ticker loop. A tick probes the
// module, samples its operation metrics, classifies the result, and
// records the verdict in the registry. Unhealthy modules stay listed
// but are hidden from routing; recovery is automatic on the next green
// tick.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plexmem/plexmem/internal/module"
	"github.com/plexmem/plexmem/internal/registry"
	"github.com/plexmem/plexmem/pkg/models"
)

// Defaults per the health-probe contract.
const (
	DefaultPeriod       = 60 * time.Second
	DefaultProbeTimeout = 3 * time.Second
)

// Classification thresholds.
const (
	unhealthyErrorRate = 0.05
	degradedErrorRate  = 0.01
	degradedP95Ms      = 1000.0
)

// Transition is the callback fired when a module's status changes.
type Transition func(moduleID string, from, to models.HealthStatus)

// totalCounter is implemented by modules that can report an all-user
// row count.
type totalCounter interface {
	TotalMemories(ctx context.Context) (int64, error)
}

// Supervisor owns one probe loop per registered module.
type Supervisor struct {
	registry     *registry.Registry
	period       time.Duration
	probeTimeout time.Duration
	onTransition Transition
	logger       zerolog.Logger

	mu    sync.Mutex
	stops map[string]chan struct{}
	wg    sync.WaitGroup
}

// Option tunes a Supervisor.
type Option func(*Supervisor)

// WithPeriod overrides the probe interval.
func WithPeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.period = d
		}
	}
}

// WithProbeTimeout overrides the per-probe deadline.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

// WithTransition registers the status-change callback.
func WithTransition(fn Transition) Option {
	return func(s *Supervisor) { s.onTransition = fn }
}

// New creates a supervisor over the registry.
func New(reg *registry.Registry, opts ...Option) *Supervisor {
	s := &Supervisor{
		registry:     reg,
		period:       DefaultPeriod,
		probeTimeout: DefaultProbeTimeout,
		stops:        make(map[string]chan struct{}),
		logger:       log.With().Str("component", "supervisor").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start hooks registration events and begins probing every module that
// is already registered.
func (s *Supervisor) Start() {
	s.registry.SetHooks(s.Watch, s.Unwatch)
	for _, id := range s.registry.ActiveIDs() {
		s.Watch(id)
	}
	s.logger.Info().Dur("period", s.period).Msg("Supervisor started")
}

// Stop halts every probe loop and waits for them to drain.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	for id, stop := range s.stops {
		close(stop)
		delete(s.stops, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info().Msg("Supervisor stopped")
}

// Watch starts the probe loop for one module. Idempotent.
func (s *Supervisor) Watch(moduleID string) {
	s.mu.Lock()
	if _, ok := s.stops[moduleID]; ok {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stops[moduleID] = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(moduleID, stop)
}

// Unwatch stops the probe loop for one module.
func (s *Supervisor) Unwatch(moduleID string) {
	s.mu.Lock()
	if stop, ok := s.stops[moduleID]; ok {
		close(stop)
		delete(s.stops, moduleID)
	}
	s.mu.Unlock()
}

func (s *Supervisor) loop(moduleID string, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.ProbeOnce(context.Background(), moduleID)
		}
	}
}

// ProbeOnce runs a single probe-classify-record cycle. Exported so
// operators (and tests) can force a check outside the ticker.
func (s *Supervisor) ProbeOnce(ctx context.Context, moduleID string) models.ModuleHealth {
	inst, ok := s.registry.Get(moduleID)
	if !ok {
		return models.ModuleHealth{}
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	start := time.Now()
	probeErr := inst.HealthCheck(probeCtx)
	probeMs := float64(time.Since(start).Microseconds()) / 1000
	cancel()

	snap := inst.Metrics()
	health := classify(probeErr, probeMs, snap)
	health.LastCheck = time.Now().UTC()

	if counter, ok := inst.(totalCounter); ok {
		if total, err := counter.TotalMemories(ctx); err == nil {
			health.Metrics.TotalMemories = total
		}
	}

	prev, _ := s.registry.Health(moduleID)
	s.registry.SetHealth(moduleID, health)

	if prev.Status != health.Status {
		s.logger.Warn().
			Str("module", moduleID).
			Str("from", string(prev.Status)).
			Str("to", string(health.Status)).
			Float64("error_rate", snap.ErrorRate).
			Msg("Module health transition")
		if s.onTransition != nil {
			s.onTransition(moduleID, prev.Status, health.Status)
		}
	}
	return health
}

func classify(probeErr error, probeMs float64, snap module.MetricsSnapshot) models.ModuleHealth {
	health := models.ModuleHealth{
		Status: models.HealthHealthy,
		Metrics: models.HealthMetrics{
			AverageResponseTimeMs: snap.AverageResponseTimeMs,
			P95ResponseTimeMs:     snap.P95ResponseTimeMs,
			ErrorRate:             snap.ErrorRate,
		},
	}

	switch {
	case probeErr != nil:
		health.Status = models.HealthUnhealthy
		health.Issues = append(health.Issues, fmt.Sprintf("health check failed: %v", probeErr))
	case snap.ErrorRate > unhealthyErrorRate:
		health.Status = models.HealthUnhealthy
		health.Issues = append(health.Issues, fmt.Sprintf("error rate %.1f%% above %.0f%%",
			snap.ErrorRate*100, unhealthyErrorRate*100))
	case snap.P95ResponseTimeMs > degradedP95Ms:
		health.Status = models.HealthDegraded
		health.Issues = append(health.Issues, fmt.Sprintf("p95 %.0fms above %.0fms",
			snap.P95ResponseTimeMs, degradedP95Ms))
	case snap.ErrorRate > degradedErrorRate:
		health.Status = models.HealthDegraded
		health.Issues = append(health.Issues, fmt.Sprintf("error rate %.1f%% above %.0f%%",
			snap.ErrorRate*100, degradedErrorRate*100))
	}

	// A slow probe alone degrades but never fails the module.
	if health.Status == models.HealthHealthy && probeMs > degradedP95Ms {
		health.Status = models.HealthDegraded
		health.Issues = append(health.Issues, fmt.Sprintf("probe took %.0fms", probeMs))
	}
	return health
}
