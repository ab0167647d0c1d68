// Package telemetry records outbox drain metrics to OpenTelemetry and CloudWatch.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter
const SyncMetricsMeterName = "github.com/imrishuroy/storefront-orderflow/sync"

// DrainStats summarises one drain pass.
type DrainStats struct {
	Skipped     string // empty when the pass ran
	Attempted   int
	Delivered   int
	Retried     int
	Malformed   int
	Interrupted bool
	Duration    time.Duration
}

// Recorder receives drain statistics.
type Recorder interface {
	RecordDrain(ctx context.Context, stats DrainStats)
}

// SyncMetrics holds the OpenTelemetry instruments for drain passes
type SyncMetrics struct {
	passDuration metric.Float64Histogram
	entries      metric.Int64Counter
	skipped      metric.Int64Counter
	queueDepth   metric.Int64Gauge
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	passDuration, err := meter.Float64Histogram(
		"storefront_outbox_drain_duration_seconds",
		metric.WithDescription("Duration of outbox drain passes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.5, 1, 2.5, 5, 15, 30, 60),
	)
	if err != nil {
		return nil, err
	}
	entries, err := meter.Int64Counter(
		"storefront_outbox_entries_total",
		metric.WithDescription("Outbox entries processed, by outcome"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}
	skipped, err := meter.Int64Counter(
		"storefront_outbox_drains_skipped_total",
		metric.WithDescription("Drain passes that did not run, by reason"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, err
	}
	queueDepth, err := meter.Int64Gauge(
		"storefront_outbox_entries",
		metric.WithDescription("Outbox entries by status"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		passDuration: passDuration,
		entries:      entries,
		skipped:      skipped,
		queueDepth:   queueDepth,
	}, nil
}

// RecordDrain records one drain pass
func (m *SyncMetrics) RecordDrain(ctx context.Context, stats DrainStats) {
	if m == nil {
		return
	}
	if stats.Skipped != "" {
		m.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", stats.Skipped)))
		return
	}

	m.passDuration.Record(ctx, stats.Duration.Seconds(),
		metric.WithAttributes(attribute.Bool("interrupted", stats.Interrupted)))

	for outcome, n := range map[string]int{
		"delivered": stats.Delivered,
		"retried":   stats.Retried,
		"malformed": stats.Malformed,
	} {
		if n > 0 {
			m.entries.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}
}

// RecordQueueDepth records the number of entries in a status
func (m *SyncMetrics) RecordQueueDepth(ctx context.Context, status string, count int) {
	if m == nil {
		return
	}
	m.queueDepth.Record(ctx, int64(count), metric.WithAttributes(attribute.String("status", status)))
}

type multi []Recorder

func (rs multi) RecordDrain(ctx context.Context, stats DrainStats) {
	for _, r := range rs {
		r.RecordDrain(ctx, stats)
	}
}

// Multi fans stats out to every non-nil recorder.
func Multi(recorders ...Recorder) Recorder {
	var out multi
	for _, r := range recorders {
		if r == nil {
			continue
		}
		if sm, ok := r.(*SyncMetrics); ok && sm == nil {
			continue
		}
		if cw, ok := r.(*CloudWatch); ok && cw == nil {
			continue
		}
		out = append(out, r)
	}
	return out
}
