package archive

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

const (
	// InstrumentationName is the name used for OTEL instrumentation.
	InstrumentationName = "github.com/fyrsmithlabs/ctxvault/internal/archive"
)

// Metrics records archive and restore activity. A nil *Metrics is a no-op.
type Metrics struct {
	archiveTotal     metric.Int64Counter
	archiveErrors    metric.Int64Counter
	archiveDuration  metric.Float64Histogram
	compressionRatio metric.Float64Histogram
	archivedBytes    metric.Int64Counter

	restoreTotal    metric.Int64Counter
	restoreErrors   metric.Int64Counter
	restoreDuration metric.Float64Histogram
	restoreOverrun  metric.Int64Counter

	initialized bool
}

// NewMetrics creates the instruments. If meter is nil, uses the global meter
// provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.archiveTotal, err = meter.Int64Counter(
		"ctxvault.archive.total",
		metric.WithDescription("Archives written"),
		metric.WithUnit("{archive}"),
	)
	if err != nil {
		return nil, err
	}

	m.archiveErrors, err = meter.Int64Counter(
		"ctxvault.archive.errors.total",
		metric.WithDescription("Archive operations that failed"),
		metric.WithUnit("{archive}"),
	)
	if err != nil {
		return nil, err
	}

	m.archiveDuration, err = meter.Float64Histogram(
		"ctxvault.archive.duration.seconds",
		metric.WithDescription("Time to encode and persist an archive"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return nil, err
	}

	m.compressionRatio, err = meter.Float64Histogram(
		"ctxvault.archive.compression.ratio",
		metric.WithDescription("Compressed size over original size"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1),
	)
	if err != nil {
		return nil, err
	}

	m.archivedBytes, err = meter.Int64Counter(
		"ctxvault.archive.bytes.total",
		metric.WithDescription("Compressed bytes written"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.restoreTotal, err = meter.Int64Counter(
		"ctxvault.restore.total",
		metric.WithDescription("Archives restored"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		return nil, err
	}

	m.restoreErrors, err = meter.Int64Counter(
		"ctxvault.restore.errors.total",
		metric.WithDescription("Restore operations that failed"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		return nil, err
	}

	m.restoreDuration, err = meter.Float64Histogram(
		"ctxvault.restore.duration.seconds",
		metric.WithDescription("Time to locate, decode, and reconstruct an archive"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return nil, err
	}

	m.restoreOverrun, err = meter.Int64Counter(
		"ctxvault.restore.budget_exceeded.total",
		metric.WithDescription("Restores that exceeded the time budget"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

// Context ids are left out of metric attributes to bound cardinality; they
// are on spans and logs.

// RecordArchive records a successful archive.
func (m *Metrics) RecordArchive(ctx context.Context, scope snapshot.Scope, level tiering.Level, ratio float64, bytes int64, d time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("scope", string(scope)),
		attribute.String("level", level.String()),
	)
	m.archiveTotal.Add(ctx, 1, attrs)
	m.archiveDuration.Record(ctx, d.Seconds(), attrs)
	m.compressionRatio.Record(ctx, ratio, attrs)
	m.archivedBytes.Add(ctx, bytes, attrs)
}

// RecordArchiveError records a failed archive.
func (m *Metrics) RecordArchiveError(ctx context.Context, scope snapshot.Scope, reason string) {
	if m == nil || !m.initialized {
		return
	}
	m.archiveErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", string(scope)),
		attribute.String("reason", reason),
	))
}

// RecordRestore records a successful restore.
func (m *Metrics) RecordRestore(ctx context.Context, scope snapshot.Scope, level tiering.Level, d time.Duration, withinBudget bool) {
	if m == nil || !m.initialized {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("scope", string(scope)),
		attribute.String("level", level.String()),
	)
	m.restoreTotal.Add(ctx, 1, attrs)
	m.restoreDuration.Record(ctx, d.Seconds(), attrs)
	if !withinBudget {
		m.restoreOverrun.Add(ctx, 1, attrs)
	}
}

// RecordRestoreError records a failed restore.
func (m *Metrics) RecordRestoreError(ctx context.Context, scope snapshot.Scope, reason string) {
	if m == nil || !m.initialized {
		return
	}
	m.restoreErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", string(scope)),
		attribute.String("reason", reason),
	))
}

// Tracer returns a tracer for the archive package.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts a span tagged with the context key.
func StartSpan(ctx context.Context, name string, key snapshot.Key) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("context.id", key.ContextID),
		attribute.String("context.scope", string(key.Scope)),
	))
}

// RecordError records err on span and marks it failed.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
