// Package engine wires the archive store, archive manager, restorer, health
// monitor, and cleanup service behind the four dispatch operations: archive,
// restore, health, and cleanup.
//
// The engine owns no live state. Live contexts come from a LiveContexts
// collaborator supplied by the caller, and restored contexts are handed back
// to it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ctxvault/internal/archive"
	"github.com/fyrsmithlabs/ctxvault/internal/cleanup"
	"github.com/fyrsmithlabs/ctxvault/internal/health"
	"github.com/fyrsmithlabs/ctxvault/internal/keylock"
	"github.com/fyrsmithlabs/ctxvault/internal/logging"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/store"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

// LiveContexts reads live contexts and accepts restored ones.
type LiveContexts interface {
	snapshot.Source
	snapshot.Reconstructor
}

// Watcher is implemented by live-context sources that can report changes.
type Watcher interface {
	Watch(ctx context.Context, fn func(snapshot.Key)) error
}

// ErrNoLiveContext is returned when an operation needs a live context that
// does not exist.
var ErrNoLiveContext = errors.New("no live context")

// Config assembles the engine.
type Config struct {
	// ArchiveRoot is the archive store directory.
	ArchiveRoot string
	// Policy selects archive levels. Nil means tiering.DefaultPolicy.
	Policy *tiering.Policy
	// RestoreBudget is the restore time under which PerformanceMet is set.
	RestoreBudget time.Duration
	// CacheSize bounds the store's metadata cache.
	CacheSize int
	Health    health.Config
}

// DefaultConfig returns defaults rooted at archiveRoot.
func DefaultConfig(archiveRoot string) Config {
	return Config{
		ArchiveRoot:   archiveRoot,
		Policy:        tiering.DefaultPolicy(),
		RestoreBudget: archive.DefaultRestoreBudget,
		CacheSize:     store.DefaultCacheSize,
		Health:        health.DefaultConfig(),
	}
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger  *zap.Logger
	now     func() time.Time
	metrics *archive.Metrics
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *engineOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock for every component.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMetrics sets the OTEL archive and restore metrics.
func WithMetrics(m *archive.Metrics) Option {
	return func(o *engineOptions) { o.metrics = m }
}

// Engine is the persistence and health engine.
type Engine struct {
	live     LiveContexts
	store    *store.Store
	locks    *keylock.Map
	manager  *archive.Manager
	restorer *archive.Restorer
	monitor  *health.Monitor
	cleaner  *cleanup.Service
	logger   *zap.Logger
}

// New builds an Engine over live.
func New(cfg Config, live LiveContexts, opts ...Option) (*Engine, error) {
	if live == nil {
		return nil, errors.New("live contexts are required")
	}
	o := engineOptions{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.New(cfg.ArchiveRoot,
		store.WithLogger(o.logger),
		store.WithCacheSize(cfg.CacheSize),
		store.WithClock(o.now),
	)
	if err != nil {
		return nil, fmt.Errorf("open archive store: %w", err)
	}

	locks := keylock.New()
	archiveOpts := []archive.Option{
		archive.WithPolicy(cfg.Policy),
		archive.WithLocks(locks),
		archive.WithClock(o.now),
		archive.WithRestoreBudget(cfg.RestoreBudget),
		archive.WithMetrics(o.metrics),
		archive.WithLogger(o.logger),
	}
	manager, err := archive.NewManager(st, archiveOpts...)
	if err != nil {
		return nil, err
	}
	restorer, err := archive.NewRestorer(st, archiveOpts...)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		live:     live,
		store:    st,
		locks:    locks,
		manager:  manager,
		restorer: restorer,
		logger:   o.logger.Named("engine"),
	}

	e.monitor, err = health.NewMonitor(cfg.Health, live,
		health.WithArchiver(maintenanceArchiver{e: e}),
		health.WithArchiveReader(st),
		health.WithLocks(locks),
		health.WithClock(o.now),
		health.WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}

	e.cleaner, err = cleanup.NewService(st,
		cleanup.WithLocks(locks),
		cleanup.WithClock(o.now),
		cleanup.WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Store returns the archive store.
func (e *Engine) Store() *store.Store { return e.store }

// Monitor returns the health monitor.
func (e *Engine) Monitor() *health.Monitor { return e.monitor }

// ArchiveOptions control Archive.
type ArchiveOptions struct {
	// KeepActive leaves the live context in place after archiving.
	KeepActive bool `json:"keep_active"`
}

// ArchiveResult is an archive plus what happened to the live context.
type ArchiveResult struct {
	*archive.ArchiveResult
	Released bool `json:"released"`
}

// Archive reads the live context and archives it. Unless KeepActive is set
// the live context is released afterwards. A failed release does not undo
// the archive; it is logged and Released stays false.
func (e *Engine) Archive(ctx context.Context, contextID string, scope snapshot.Scope, opts ArchiveOptions) (*ArchiveResult, error) {
	key := snapshot.Key{ContextID: contextID, Scope: scope}
	snap, err := e.liveSnapshot(ctx, key)
	if err != nil {
		return nil, err
	}

	res, err := e.manager.Archive(ctx, contextID, scope, snap)
	if err != nil {
		return nil, err
	}
	out := &ArchiveResult{ArchiveResult: res}
	if !opts.KeepActive {
		out.Released = e.release(ctx, key)
	}
	e.monitor.Invalidate(key)
	return out, nil
}

func (e *Engine) liveSnapshot(ctx context.Context, key snapshot.Key) (*snapshot.Snapshot, error) {
	snap, err := e.live.Snapshot(ctx, key.ContextID, key.Scope)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoLiveContext, key)
		}
		return nil, fmt.Errorf("read live context %s: %w", key, err)
	}
	return snap, nil
}

func (e *Engine) release(ctx context.Context, key snapshot.Key) bool {
	if err := e.live.Release(ctx, key); err != nil {
		e.logger.With(logging.KeyFields(ctx, key.ContextID, string(key.Scope))...).Warn("archived context could not be released",
			zap.Error(err),
		)
		return false
	}
	return true
}

// Restore restores the archive for (contextID, scope) and re-registers it as
// the live context.
func (e *Engine) Restore(ctx context.Context, contextID string, scope snapshot.Scope) (*archive.RestoreResult, error) {
	res, err := e.restorer.Restore(ctx, contextID, scope)
	if err != nil {
		return nil, err
	}
	if err := e.live.Reconstruct(ctx, res.Context); err != nil {
		return nil, fmt.Errorf("reconstruct %s: %w", res.Context.Key(), err)
	}
	e.monitor.Invalidate(res.Context.Key())
	return res, nil
}

// HealthOptions control Health.
type HealthOptions struct {
	// Scope of the context. Ignored for the system summary.
	Scope snapshot.Scope `json:"scope"`
	// Maintenance acts on the score instead of only reporting it.
	Maintenance bool `json:"maintenance"`
}

// HealthReport is the answer to Health. System is set for the aggregate;
// otherwise Metric is set for a live context, and Archive for a context that
// exists only as an archive.
type HealthReport struct {
	System      *health.SystemHealth      `json:"system,omitempty"`
	Metric      *health.Metric            `json:"metric,omitempty"`
	Maintenance *health.MaintenanceResult `json:"maintenance,omitempty"`
	Archive     *health.ArchiveCheck      `json:"archive,omitempty"`
}

// Health scores one context, or every live context when contextID is empty.
// A context with no live state but an archive gets an archive integrity check.
func (e *Engine) Health(ctx context.Context, contextID string, opts HealthOptions) (*HealthReport, error) {
	if contextID == "" {
		sh, err := e.monitor.Summary(ctx)
		if err != nil {
			return nil, err
		}
		return &HealthReport{System: sh}, nil
	}

	scope := opts.Scope
	if scope == "" {
		scope = snapshot.ScopeSession
	}
	if _, err := snapshot.ParseScope(string(scope)); err != nil {
		return nil, err
	}
	key := snapshot.Key{ContextID: contextID, Scope: scope}

	snap, err := e.liveSnapshot(ctx, key)
	if errors.Is(err, ErrNoLiveContext) {
		check, cerr := e.monitor.CheckArchive(ctx, key)
		if cerr != nil {
			if errors.Is(cerr, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
			}
			return nil, cerr
		}
		return &HealthReport{Archive: check}, nil
	}
	if err != nil {
		return nil, err
	}

	if opts.Maintenance {
		res := e.monitor.PerformMaintenance(ctx, contextID, snap)
		return &HealthReport{Metric: &res.Metric, Maintenance: &res}, nil
	}
	metric := e.monitor.ScoreHealth(ctx, contextID, snap)
	return &HealthReport{Metric: &metric}, nil
}

// CleanupOptions control Cleanup.
type CleanupOptions = cleanup.Options

// Cleanup deletes archives past the retention window.
func (e *Engine) Cleanup(ctx context.Context, opts CleanupOptions) (*cleanup.Result, error) {
	return e.cleaner.CleanupExpired(ctx, opts)
}

// Archives lists every archive in the store, including unreadable ones.
func (e *Engine) Archives(ctx context.Context) ([]store.Entry, error) {
	return e.store.List(ctx)
}

// CheckArchive verifies the archive for (contextID, scope).
func (e *Engine) CheckArchive(ctx context.Context, contextID string, scope snapshot.Scope) (*health.ArchiveCheck, error) {
	return e.monitor.CheckArchive(ctx, snapshot.Key{ContextID: contextID, Scope: scope})
}

// StartMaintenance starts the background health job.
func (e *Engine) StartMaintenance(ctx context.Context) error {
	return e.monitor.Start(ctx)
}

// StopMaintenance stops the background health job and waits for a running
// pass to finish.
func (e *Engine) StopMaintenance() {
	e.monitor.Stop()
}

// WatchLive drops cached health metrics whenever a live context changes. It
// blocks until ctx is done. Sources that cannot watch return immediately.
func (e *Engine) WatchLive(ctx context.Context) error {
	w, ok := e.live.(Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, e.monitor.Invalidate)
}

// Close stops background work.
func (e *Engine) Close() error {
	e.monitor.Stop()
	return nil
}

// maintenanceArchiver archives on behalf of the health monitor and releases
// the live context so the next pass does not archive it again.
type maintenanceArchiver struct {
	e *Engine
}

func (a maintenanceArchiver) Archive(ctx context.Context, contextID string, scope snapshot.Scope, snap *snapshot.Snapshot) (*archive.ArchiveResult, error) {
	res, err := a.e.manager.Archive(ctx, contextID, scope, snap)
	if err != nil {
		return nil, err
	}
	a.e.release(ctx, snapshot.Key{ContextID: contextID, Scope: scope})
	return res, nil
}
