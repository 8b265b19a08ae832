// Package cleanup enforces the archive retention window.
//
// A sweep walks every archive record and deletes those archived longer ago
// than the retention window. Failures on single records are captured in the
// result and the sweep moves on; only invalid options or an unreadable store
// root fail the whole call.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ctxvault/internal/keylock"
	"github.com/fyrsmithlabs/ctxvault/internal/logging"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/store"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/ctxvault/internal/cleanup"

// ErrInvalidOptions is returned for a negative retention window.
var ErrInvalidOptions = errors.New("invalid cleanup options")

// Archives is the part of the archive store a sweep needs.
type Archives interface {
	List(ctx context.Context) ([]store.Entry, error)
	LocateExact(ctx context.Context, key snapshot.Key) (*store.Record, error)
	Delete(ctx context.Context, key snapshot.Key) (*store.Record, error)
}

// Options control one sweep.
type Options struct {
	// RetentionDays is how long an archive is kept after ArchivedAt.
	RetentionDays int `json:"retention_days"`
	// DryRun reports candidates without deleting anything.
	DryRun bool `json:"dry_run"`
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.RetentionDays < 0 {
		return fmt.Errorf("%w: retention days must be non-negative, got %d", ErrInvalidOptions, o.RetentionDays)
	}
	return nil
}

// Window returns the retention window as a duration.
func (o Options) Window() time.Duration {
	return time.Duration(o.RetentionDays) * 24 * time.Hour
}

// Candidate is an archive past the retention window.
type Candidate struct {
	ContextID           string         `json:"context_id"`
	Scope               snapshot.Scope `json:"scope"`
	Level               tiering.Level  `json:"archive_level"`
	ArchivedAt          time.Time      `json:"archived_at"`
	CompressedSizeBytes int64          `json:"compressed_size_bytes"`
}

// ItemError is a failure on one archive. It is captured in Result, never
// returned.
type ItemError struct {
	ContextID string         `json:"context_id"`
	Scope     snapshot.Scope `json:"scope"`
	Path      string         `json:"path,omitempty"`
	Err       error          `json:"-"`
	Message   string         `json:"error"`
}

func newItemError(key snapshot.Key, path string, err error) ItemError {
	return ItemError{ContextID: key.ContextID, Scope: key.Scope, Path: path, Err: err, Message: err.Error()}
}

func (e ItemError) Error() string {
	return fmt.Sprintf("cleanup %s/%s: %v", e.Scope, e.ContextID, e.Err)
}

func (e ItemError) Unwrap() error { return e.Err }

// Result summarizes a sweep.
type Result struct {
	// ProcessedCount is the number of archives deleted, or that would be
	// deleted on a dry run.
	ProcessedCount int `json:"processed_count"`
	// FreedBytes sums CompressedSizeBytes of successful deletions only.
	FreedBytes int64       `json:"freed_bytes"`
	Errors     []ItemError `json:"errors"`
	Candidates []Candidate `json:"candidates"`
	DryRun     bool        `json:"dry_run"`
	Scanned    int         `json:"scanned"`
	Duration   string      `json:"duration"`
}

// Service runs retention sweeps.
type Service struct {
	archives Archives
	locks    *keylock.Map
	now      func() time.Time
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLocks shares the per-context lock map with archive and restore.
func WithLocks(l *keylock.Map) Option {
	return func(s *Service) {
		if l != nil {
			s.locks = l
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates a Service over archives.
func NewService(archives Archives, opts ...Option) (*Service, error) {
	if archives == nil {
		return nil, errors.New("archive store is required")
	}
	s := &Service{
		archives: archives,
		locks:    keylock.New(),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("cleanup")
	return s, nil
}

// CleanupExpired deletes every archive whose ArchivedAt is older than the
// retention window.
func (s *Service) CleanupExpired(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer(InstrumentationName).Start(ctx, "cleanup.CleanupExpired", trace.WithAttributes(
		attribute.Int("cleanup.retention_days", opts.RetentionDays),
		attribute.Bool("cleanup.dry_run", opts.DryRun),
	))
	defer span.End()

	start := time.Now()
	entries, err := s.archives.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		SweepsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list archives: %w", err)
	}

	res := &Result{
		Errors:     []ItemError{},
		Candidates: []Candidate{},
		DryRun:     opts.DryRun,
		Scanned:    len(entries),
	}
	cutoff := s.now().Add(-opts.Window())

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, newItemError(entry.Key, entry.Paths.Metadata, err))
			break
		}
		if entry.Err != nil {
			res.Errors = append(res.Errors, newItemError(entry.Key, entry.Paths.Metadata, entry.Err))
			continue
		}
		if !entry.Record.ArchivedAt.Before(cutoff) {
			continue
		}
		s.sweepOne(ctx, entry, cutoff, res)
	}

	res.Duration = time.Since(start).String()
	span.SetAttributes(
		attribute.Int("cleanup.processed", res.ProcessedCount),
		attribute.Int("cleanup.errors", len(res.Errors)),
		attribute.Int64("cleanup.freed_bytes", res.FreedBytes),
	)
	recordSweep(res)

	s.logger.Info("cleanup sweep complete",
		zap.Int("retention_days", opts.RetentionDays),
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("scanned", res.Scanned),
		zap.Int("processed", res.ProcessedCount),
		zap.Int64("freed_bytes", res.FreedBytes),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// sweepOne re-reads the record under the key lock so an archive rewritten
// since List is judged by its new ArchivedAt.
func (s *Service) sweepOne(ctx context.Context, entry store.Entry, cutoff time.Time, res *Result) {
	key := entry.Key
	unlock := s.locks.Lock(keylock.Key(key.ContextID, string(key.Scope)))
	defer unlock()

	rec, err := s.archives.LocateExact(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		res.Errors = append(res.Errors, newItemError(key, entry.Paths.Metadata, err))
		return
	}
	if !rec.ArchivedAt.Before(cutoff) {
		return
	}

	candidate := Candidate{
		ContextID:           key.ContextID,
		Scope:               key.Scope,
		Level:               rec.Level,
		ArchivedAt:          rec.ArchivedAt,
		CompressedSizeBytes: rec.CompressedSizeBytes,
	}
	res.Candidates = append(res.Candidates, candidate)

	if res.DryRun {
		res.ProcessedCount++
		return
	}

	if _, err := s.archives.Delete(ctx, key); err != nil {
		s.logger.With(logging.KeyFields(ctx, key.ContextID, string(key.Scope))...).Warn("archive deletion failed",
			zap.Error(err),
		)
		res.Errors = append(res.Errors, newItemError(key, entry.Paths.Payload, err))
		return
	}
	res.ProcessedCount++
	res.FreedBytes += rec.CompressedSizeBytes
	s.logger.With(logging.KeyFields(ctx, key.ContextID, string(key.Scope))...).Debug("expired archive deleted",
		zap.Stringer("level", rec.Level),
		zap.Time("archived_at", rec.ArchivedAt),
	)
}
