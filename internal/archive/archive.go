// Package archive moves contexts into and out of the archive store.
//
// Manager archives a snapshot at the level its age calls for. Restorer
// reverses it and annotates the time that passed. Both hold the per-context
// lock for the duration of the store access, so an archive and a restore of
// the same context never interleave.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ctxvault/internal/codec"
	"github.com/fyrsmithlabs/ctxvault/internal/keylock"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/store"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

// DefaultRestoreBudget is the restore time under which PerformanceMet is set.
const DefaultRestoreBudget = time.Second

type options struct {
	policy  *tiering.Policy
	locks   *keylock.Map
	now     func() time.Time
	budget  time.Duration
	metrics *Metrics
	logger  *zap.Logger
}

// Option configures a Manager or Restorer.
type Option func(*options)

// WithPolicy sets the tiering policy. Defaults to tiering.DefaultPolicy.
func WithPolicy(p *tiering.Policy) Option {
	return func(o *options) {
		if p != nil {
			o.policy = p
		}
	}
}

// WithLocks shares a lock map with other components that touch the store.
func WithLocks(l *keylock.Map) Option {
	return func(o *options) {
		if l != nil {
			o.locks = l
		}
	}
}

// WithClock overrides the wall clock used for ages, timestamps, and gaps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRestoreBudget sets the restore time budget.
func WithRestoreBudget(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.budget = d
		}
	}
}

// WithMetrics sets the OTEL metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{
		policy: tiering.DefaultPolicy(),
		now:    time.Now,
		budget: DefaultRestoreBudget,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locks == nil {
		o.locks = keylock.New()
	}
	return o
}

// ArchiveResult describes a written archive.
type ArchiveResult struct {
	ContextID        string         `json:"context_id"`
	Scope            snapshot.Scope `json:"scope"`
	Level            tiering.Level  `json:"archive_level"`
	CompressionRatio float64        `json:"compression_ratio"`
	ArchiveTime      time.Duration  `json:"-"`
	ArchiveTimeMS    float64        `json:"archive_time_ms"`
	Paths            store.Paths    `json:"paths"`
	Record           *store.Record  `json:"record"`
}

// Manager writes archives.
type Manager struct {
	store *store.Store
	opts  options
	log   *Logger
}

// NewManager creates a Manager over st.
func NewManager(st *store.Store, opts ...Option) (*Manager, error) {
	if st == nil {
		return nil, errors.New("archive store is required")
	}
	o := buildOptions(opts)
	return &Manager{store: st, opts: o, log: NewLogger(o.logger)}, nil
}

// Policy returns the tiering policy in use.
func (m *Manager) Policy() *tiering.Policy { return m.opts.policy }

// Archive encodes snap at the level its age selects and persists it,
// replacing any earlier archive of the same context. snap must be sealed and
// belong to (contextID, scope).
func (m *Manager) Archive(ctx context.Context, contextID string, scope snapshot.Scope, snap *snapshot.Snapshot) (*ArchiveResult, error) {
	key := snapshot.Key{ContextID: contextID, Scope: scope}
	ctx, span := StartSpan(ctx, "archive.Archive", key)
	defer span.End()

	res, err := m.archive(ctx, key, snap)
	if err != nil {
		RecordError(span, err)
		reason := "write"
		if errors.Is(err, ErrInvalidSnapshot) {
			reason = "invalid_snapshot"
		}
		m.opts.metrics.RecordArchiveError(ctx, scope, reason)
		m.log.ArchiveFailed(ctx, key, err)
		return nil, err
	}

	m.opts.metrics.RecordArchive(ctx, scope, res.Level, res.CompressionRatio, res.Record.CompressedSizeBytes, res.ArchiveTime)
	m.log.Archived(ctx, res)
	return res, nil
}

func (m *Manager) archive(ctx context.Context, key snapshot.Key, snap *snapshot.Snapshot) (*ArchiveResult, error) {
	if err := checkSnapshot(key, snap); err != nil {
		return nil, err
	}

	now := m.opts.now()
	level := m.opts.policy.SelectLevel(snap.Age(now))

	unlock := m.opts.locks.Lock(keylock.Key(key.ContextID, string(key.Scope)))
	defer unlock()

	start := time.Now()
	payload, stats, err := codec.Encode(snap, level, now)
	if err != nil {
		return nil, &ArchiveWriteError{ContextID: key.ContextID, Scope: key.Scope, Err: fmt.Errorf("encode: %w", err)}
	}

	rec := &store.Record{
		ContextID:            key.ContextID,
		Scope:                key.Scope,
		Level:                level,
		CurrentTask:          snap.CurrentTask,
		OriginalSizeBytes:    stats.OriginalSize,
		CompressionRatio:     stats.Ratio(),
		ArchivedAt:           now,
		SourceLastActivityAt: snap.LastActivityAt,
		RetainedEvents:       stats.RetainedEvents,
		SummarizedEvents:     stats.SummarizedEvents,
		SummaryGroups:        stats.SummaryGroups,
	}
	paths, err := m.store.Put(ctx, rec, payload)
	if err != nil {
		return nil, &ArchiveWriteError{ContextID: key.ContextID, Scope: key.Scope, Err: err}
	}
	elapsed := time.Since(start)

	return &ArchiveResult{
		ContextID:        key.ContextID,
		Scope:            key.Scope,
		Level:            level,
		CompressionRatio: rec.CompressionRatio,
		ArchiveTime:      elapsed,
		ArchiveTimeMS:    float64(elapsed) / float64(time.Millisecond),
		Paths:            paths,
		Record:           rec,
	}, nil
}

func checkSnapshot(key snapshot.Key, snap *snapshot.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: snapshot is nil", ErrInvalidSnapshot)
	}
	if snap.ContextID != key.ContextID || snap.Scope != key.Scope {
		return fmt.Errorf("%w: snapshot is %s, requested %s", ErrInvalidSnapshot, snap.Key(), key)
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	return nil
}
