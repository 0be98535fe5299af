// Package telemetry defines the service's OpenTelemetry instruments.
//
// Instruments come from the global meter provider, which is a no-op
// unless the host process installs an SDK, so recording is always safe.
package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/plexmem/plexmem"

// Metrics is the instrument set shared by the HTTP layer and the
// orchestrator wiring.
type Metrics struct {
	searches      metric.Int64Counter
	searchSeconds metric.Float64Histogram
	partials      metric.Int64Counter
	writes        metric.Int64Counter
	deletes       metric.Int64Counter
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
}

// New creates the instrument set on the global meter.
func New() *Metrics {
	meter := otel.Meter(meterName)
	m := &Metrics{}

	var err error
	if m.searches, err = meter.Int64Counter("plexmem.searches",
		metric.WithDescription("Federated searches served")); err != nil {
		log.Warn().Err(err).Msg("Telemetry instrument creation failed")
	}
	if m.searchSeconds, err = meter.Float64Histogram("plexmem.search.duration",
		metric.WithDescription("Federated search latency"),
		metric.WithUnit("s")); err != nil {
		log.Warn().Err(err).Msg("Telemetry instrument creation failed")
	}
	if m.partials, err = meter.Int64Counter("plexmem.searches.partial",
		metric.WithDescription("Searches answered with a partial result set")); err != nil {
		log.Warn().Err(err).Msg("Telemetry instrument creation failed")
	}
	if m.writes, err = meter.Int64Counter("plexmem.memories.stored",
		metric.WithDescription("Memories written through the federation layer")); err != nil {
		log.Warn().Err(err).Msg("Telemetry instrument creation failed")
	}
	if m.deletes, err = meter.Int64Counter("plexmem.memories.deleted",
		metric.WithDescription("Memories deleted through the federation layer")); err != nil {
		log.Warn().Err(err).Msg("Telemetry instrument creation failed")
	}
	if m.cacheHits, err = meter.Int64Counter("plexmem.cache.hits",
		metric.WithDescription("Cache hits by component")); err != nil {
		log.Warn().Err(err).Msg("Telemetry instrument creation failed")
	}
	if m.cacheMisses, err = meter.Int64Counter("plexmem.cache.misses",
		metric.WithDescription("Cache misses by component")); err != nil {
		log.Warn().Err(err).Msg("Telemetry instrument creation failed")
	}
	return m
}

// RecordSearch counts one federated search and samples its latency.
func (m *Metrics) RecordSearch(ctx context.Context, modules int, partial bool, d time.Duration) {
	if m == nil || m.searches == nil || m.searchSeconds == nil || m.partials == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Int("modules", modules),
		attribute.Bool("partial", partial),
	)
	m.searches.Add(ctx, 1, attrs)
	m.searchSeconds.Record(ctx, d.Seconds(), attrs)
	if partial {
		m.partials.Add(ctx, 1)
	}
}

// RecordStore counts one federated write.
func (m *Metrics) RecordStore(ctx context.Context, moduleID string, indexed bool) {
	if m == nil || m.writes == nil {
		return
	}
	m.writes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", moduleID),
		attribute.Bool("indexed", indexed),
	))
}

// RecordDelete counts one federated delete.
func (m *Metrics) RecordDelete(ctx context.Context, moduleID string, deleted bool) {
	if m == nil || m.deletes == nil {
		return
	}
	m.deletes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", moduleID),
		attribute.Bool("deleted", deleted),
	))
}

// CacheHit counts a cache hit for the named component.
func (m *Metrics) CacheHit(ctx context.Context, component string) {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

// CacheMiss counts a cache miss for the named component.
func (m *Metrics) CacheMiss(ctx context.Context, component string) {
	if m == nil || m.cacheMisses == nil {
		return
	}
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}
