package archive

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ctxvault/internal/logging"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
)

// Logger wraps zap.Logger with archive-specific structured logging.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a new Logger. If logger is nil, uses a no-op logger.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("archive")}
}

// Archived logs a written archive.
func (l *Logger) Archived(ctx context.Context, res *ArchiveResult) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, snapshot.Key{ContextID: res.ContextID, Scope: res.Scope})
	fields = append(fields,
		zap.Stringer("level", res.Level),
		zap.Float64("compression_ratio", res.CompressionRatio),
		zap.Int64("original_bytes", res.Record.OriginalSizeBytes),
		zap.Int64("compressed_bytes", res.Record.CompressedSizeBytes),
		zap.Int("retained_events", res.Record.RetainedEvents),
		zap.Int("summarized_events", res.Record.SummarizedEvents),
		zap.Duration("duration", res.ArchiveTime),
	)
	l.logger.Info("context archived", fields...)
}

// ArchiveFailed logs a failed archive.
func (l *Logger) ArchiveFailed(ctx context.Context, key snapshot.Key, err error) {
	if l == nil || l.logger == nil {
		return
	}
	fields := append(l.baseFields(ctx, key), zap.Error(err))
	l.logger.Error("archive failed", fields...)
}

// Restored logs a restore.
func (l *Logger) Restored(ctx context.Context, res *RestoreResult) {
	if l == nil || l.logger == nil {
		return
	}
	fields := l.baseFields(ctx, res.Context.Key())
	fields = append(fields,
		zap.Stringer("level", res.Summary.Level),
		zap.Duration("time_gap", res.TimeGap),
		zap.Duration("restore_time", res.RestoreTime),
		zap.Bool("performance_met", res.PerformanceMet),
		zap.Int("events", len(res.Context.Events)),
	)
	if !res.PerformanceMet {
		l.logger.Warn("context restored over budget", fields...)
		return
	}
	l.logger.Info("context restored", fields...)
}

// RestoreFailed logs a failed restore.
func (l *Logger) RestoreFailed(ctx context.Context, key snapshot.Key, d time.Duration, err error) {
	if l == nil || l.logger == nil {
		return
	}
	fields := append(l.baseFields(ctx, key), zap.Duration("duration", d), zap.Error(err))
	l.logger.Warn("restore failed", fields...)
}

func (l *Logger) baseFields(ctx context.Context, key snapshot.Key) []zap.Field {
	return logging.KeyFields(ctx, key.ContextID, string(key.Scope))
}
