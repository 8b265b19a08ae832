package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/ctxvault/internal/archive"
	"github.com/fyrsmithlabs/ctxvault/internal/codec"
	"github.com/fyrsmithlabs/ctxvault/internal/keylock"
	"github.com/fyrsmithlabs/ctxvault/internal/logging"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/store"
)

// Archiver archives a context on behalf of maintenance.
type Archiver interface {
	Archive(ctx context.Context, contextID string, scope snapshot.Scope, snap *snapshot.Snapshot) (*archive.ArchiveResult, error)
}

// ArchiveReader is the read side of the archive store.
type ArchiveReader interface {
	Get(ctx context.Context, key snapshot.Key) (*store.Record, []byte, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Monitor scores contexts, performs maintenance, and runs the background
// evaluation job.
type Monitor struct {
	cfg      Config
	source   snapshot.Source
	archiver Archiver
	archives ArchiveReader
	locks    *keylock.Map
	limiter  *rate.Limiter
	now      func() time.Time
	logger   *zap.Logger

	mu     sync.RWMutex
	latest map[snapshot.Key]Metric

	schedMu sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	lastRun time.Time
	runs    int64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithArchiver lets maintenance archive stale contexts.
func WithArchiver(a Archiver) Option {
	return func(m *Monitor) { m.archiver = a }
}

// WithArchiveReader enables CheckArchive and the archive section of Summary.
func WithArchiveReader(r ArchiveReader) Option {
	return func(m *Monitor) { m.archives = r }
}

// WithLocks shares the per-context lock map.
func WithLocks(l *keylock.Map) Option {
	return func(m *Monitor) {
		if l != nil {
			m.locks = l
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMonitor creates a Monitor reading live contexts from source.
func NewMonitor(cfg Config, source snapshot.Source, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid health config: %w", err)
	}
	if source == nil {
		return nil, errors.New("live context source is required")
	}
	m := &Monitor{
		cfg:     cfg,
		source:  source,
		locks:   keylock.New(),
		limiter: rate.NewLimiter(rate.Limit(cfg.ArchiveRate), cfg.ArchiveBurst),
		now:     time.Now,
		logger:  zap.NewNop(),
		latest:  make(map[snapshot.Key]Metric),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("health")
	if !cfg.CriticalByScore() {
		m.logger.Warn("critical level is reachable only through structural failures",
			zap.Float64("score_floor", cfg.ScoreFloor()),
			zap.Float64("warning_threshold", cfg.Thresholds.Warning),
		)
	}
	return m, nil
}

// Config returns the active configuration.
func (m *Monitor) Config() Config { return m.cfg }

// ScoreHealth evaluates snap and remembers the result as the latest metric
// for its key.
func (m *Monitor) ScoreHealth(ctx context.Context, contextID string, snap *snapshot.Snapshot) Metric {
	metric := m.cfg.Score(contextID, snap, m.now())
	if snap != nil {
		m.remember(metric)
	}
	return metric
}

func (m *Monitor) remember(metric Metric) {
	m.mu.Lock()
	m.latest[metric.Key()] = metric
	m.mu.Unlock()
}

// Latest returns the last metric computed for key.
func (m *Monitor) Latest(key snapshot.Key) (Metric, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metric, ok := m.latest[key]
	return metric, ok
}

// Invalidate drops the cached metric for key. It is wired to live-context
// change notifications.
func (m *Monitor) Invalidate(key snapshot.Key) {
	m.mu.Lock()
	delete(m.latest, key)
	m.mu.Unlock()
}

// PerformMaintenance scores snap and acts on the level. Excellent and good
// contexts are left alone. Warning contexts, and critical ones that are not
// corrupt, are archived (or only recommended for archival when AutoArchive is
// off or no archiver is set). Corrupt contexts are flagged and never
// repaired.
func (m *Monitor) PerformMaintenance(ctx context.Context, contextID string, snap *snapshot.Snapshot) MaintenanceResult {
	metric := m.ScoreHealth(ctx, contextID, snap)
	return m.maintain(ctx, metric, snap)
}

func (m *Monitor) maintain(ctx context.Context, metric Metric, snap *snapshot.Snapshot) MaintenanceResult {
	res := MaintenanceResult{
		ContextID:    metric.ContextID,
		Scope:        metric.Scope,
		Metric:       metric,
		ActionsTaken: []string{},
		Success:      true,
	}

	switch {
	case metric.Level == LevelExcellent || metric.Level == LevelGood:
		return res

	case metric.Corrupt:
		res.ActionsTaken = append(res.ActionsTaken, ActionFlaggedForIntervene)
		m.logger.With(logging.KeyFields(ctx, metric.ContextID, string(metric.Scope))...).Warn("context flagged for manual intervention",
			zap.Strings("problems", metric.Problems),
		)

	case !m.cfg.AutoArchive || m.archiver == nil:
		res.ActionsTaken = append(res.ActionsTaken, ActionArchiveRecommended)

	case !m.limiter.Allow():
		res.ActionsTaken = append(res.ActionsTaken, ActionArchiveRecommended, ActionArchiveDeferred)

	default:
		out, err := m.archiver.Archive(ctx, metric.ContextID, metric.Scope, snap)
		if err != nil {
			res.ActionsTaken = append(res.ActionsTaken, ActionArchiveFailed)
			res.Success = false
			res.Error = err
			res.ErrorMessage = err.Error()
			m.logger.With(logging.KeyFields(ctx, metric.ContextID, string(metric.Scope))...).Error("maintenance archive failed",
				zap.Error(err),
			)
			break
		}
		res.ActionsTaken = append(res.ActionsTaken, ActionArchived+":"+out.Level.String())
		m.logger.With(logging.KeyFields(ctx, metric.ContextID, string(metric.Scope))...).Info("stale context archived by maintenance",
			zap.Stringer("archive_level", out.Level),
			zap.Float64("score", metric.OverallScore),
		)
	}

	for _, a := range res.ActionsTaken {
		MaintenanceActions.WithLabelValues(actionLabel(a)).Inc()
	}
	return res
}

func actionLabel(a string) string {
	if strings.HasPrefix(a, ActionArchived+":") {
		return ActionArchived
	}
	return a
}

// CheckArchive decodes the archive for key and reports whether it is intact.
// Corruption is reported in the result, not as an error. Missing archives
// and scope mismatches are errors.
func (m *Monitor) CheckArchive(ctx context.Context, key snapshot.Key) (*ArchiveCheck, error) {
	if m.archives == nil {
		return nil, errors.New("archive inspection is not configured")
	}

	unlock := m.locks.Lock(keylock.Key(key.ContextID, string(key.Scope)))
	defer unlock()

	check := &ArchiveCheck{ContextID: key.ContextID, Scope: key.Scope, CheckedAt: m.now()}
	rec, payload, err := m.archives.Get(ctx, key)
	if err != nil {
		if errors.Is(err, codec.ErrCorruptArchive) || errors.Is(err, store.ErrMissingPayload) {
			check.Problems = append(check.Problems, err.Error())
			ArchiveChecks.WithLabelValues("corrupt").Inc()
			return check, nil
		}
		ArchiveChecks.WithLabelValues("error").Inc()
		return nil, err
	}
	check.Record = rec
	check.Level = rec.Level

	d, err := codec.Decode(payload)
	switch {
	case err != nil:
		check.Problems = append(check.Problems, err.Error())
	case d.Info.ContextID != key.ContextID || d.Info.Scope != key.Scope:
		check.Problems = append(check.Problems, fmt.Sprintf("payload belongs to %s/%s", d.Info.Scope, d.Info.ContextID))
	case d.Header.Level != rec.Level:
		check.Problems = append(check.Problems, fmt.Sprintf("payload level %s does not match metadata %s", d.Header.Level, rec.Level))
	case len(d.Retained) != rec.RetainedEvents || d.SummarizedEvents() != rec.SummarizedEvents:
		check.Problems = append(check.Problems, "payload event counts do not match metadata")
	}
	check.OK = len(check.Problems) == 0
	if check.OK {
		ArchiveChecks.WithLabelValues("ok").Inc()
	} else {
		ArchiveChecks.WithLabelValues("corrupt").Inc()
	}
	return check, nil
}

// RunOnce evaluates every live context and performs maintenance on each.
// Contexts that can no longer be read as valid documents are treated as
// corrupt.
func (m *Monitor) RunOnce(ctx context.Context) (*TickReport, error) {
	start := time.Now()
	report := &TickReport{ByLevel: map[Level]int{}}

	keys, err := m.source.List(ctx)
	if err != nil {
		EvaluationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list live contexts: %w", err)
	}

	seen := make(map[snapshot.Key]struct{}, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			EvaluationsTotal.WithLabelValues("error").Inc()
			return report, err
		}
		seen[key] = struct{}{}

		res, ok := m.evaluate(ctx, key)
		if !ok {
			continue
		}
		report.Evaluated++
		report.ByLevel[res.Metric.Level]++
		if !res.Success {
			report.Failed++
		}
		report.Results = append(report.Results, res)
	}

	m.mu.Lock()
	for key := range m.latest {
		if _, ok := seen[key]; !ok {
			delete(m.latest, key)
		}
	}
	m.mu.Unlock()

	updateLevelGauges(report.ByLevel)
	EvaluationDuration.Observe(time.Since(start).Seconds())
	EvaluationsTotal.WithLabelValues("success").Inc()

	m.schedMu.Lock()
	m.lastRun = m.now()
	m.runs++
	m.schedMu.Unlock()

	m.logger.Debug("health evaluation complete",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", time.Since(start)),
	)
	return report, nil
}

func (m *Monitor) evaluate(ctx context.Context, key snapshot.Key) (MaintenanceResult, bool) {
	snap, err := m.source.Snapshot(ctx, key.ContextID, key.Scope)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			return MaintenanceResult{}, false
		}
		metric := Metric{
			ContextID:   key.ContextID,
			Scope:       key.Scope,
			Level:       LevelCritical,
			Corrupt:     true,
			Problems:    []string{err.Error()},
			EvaluatedAt: m.now(),
		}
		m.remember(metric)
		return m.maintain(ctx, metric, nil), true
	}
	return m.PerformMaintenance(ctx, key.ContextID, snap), true
}

// Start schedules RunOnce every Interval. Calling Start while running is a
// no-op. ctx bounds the evaluations the job runs; cancelling it does not stop
// the schedule, Stop does.
func (m *Monitor) Start(ctx context.Context) error {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	if m.cron != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	clog := cronLogger{l: m.logger.Sugar()}
	c := cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)))
	if _, err := c.AddFunc("@every "+m.cfg.Interval.String(), func() {
		if _, err := m.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
			m.logger.Warn("health evaluation failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule health evaluation: %w", err)
	}
	c.Start()

	m.cron = c
	m.cancel = cancel
	SchedulerRunning.Set(1)
	m.logger.Info("health scheduler started", zap.Duration("interval", m.cfg.Interval))
	return nil
}

// Stop cancels the schedule and waits for a running evaluation to finish.
// No evaluation starts after Stop returns. Stopping a stopped monitor is a
// no-op.
func (m *Monitor) Stop() {
	m.schedMu.Lock()
	c, cancel := m.cron, m.cancel
	m.cron, m.cancel = nil, nil
	m.schedMu.Unlock()
	if c == nil {
		return
	}

	cancel()
	<-c.Stop().Done()
	SchedulerRunning.Set(0)
	m.logger.Info("health scheduler stopped")
}

// Running reports whether the scheduler is active.
func (m *Monitor) Running() bool {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	return m.cron != nil
}

// Status describes the scheduler.
func (m *Monitor) Status() SchedulerStatus {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	return SchedulerStatus{
		Running:  m.cron != nil,
		Interval: m.cfg.Interval.String(),
		LastRun:  m.lastRun,
		Runs:     m.runs,
	}
}

// Summary scores every live context without maintenance and adds the archive
// inventory when an archive reader is configured.
func (m *Monitor) Summary(ctx context.Context) (*SystemHealth, error) {
	keys, err := m.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list live contexts: %w", err)
	}

	sh := &SystemHealth{
		Status:      LevelExcellent,
		ByLevel:     map[Level]int{},
		Contexts:    []Metric{},
		EvaluatedAt: m.now(),
	}
	var total float64
	for _, key := range keys {
		snap, err := m.source.Snapshot(ctx, key.ContextID, key.Scope)
		var metric Metric
		switch {
		case errors.Is(err, snapshot.ErrNotFound):
			continue
		case err != nil:
			metric = Metric{
				ContextID: key.ContextID, Scope: key.Scope,
				Level: LevelCritical, Corrupt: true,
				Problems: []string{err.Error()}, EvaluatedAt: sh.EvaluatedAt,
			}
		default:
			metric = m.ScoreHealth(ctx, key.ContextID, snap)
		}
		sh.Contexts = append(sh.Contexts, metric)
		sh.ByLevel[metric.Level]++
		sh.Status = sh.Status.Worse(metric.Level)
		total += metric.OverallScore
	}
	sh.ContextCount = len(sh.Contexts)
	if sh.ContextCount > 0 {
		sh.AverageScore = total / float64(sh.ContextCount)
	}
	sort.Slice(sh.Contexts, func(i, j int) bool {
		return sh.Contexts[i].OverallScore < sh.Contexts[j].OverallScore
	})

	if m.archives != nil {
		st, err := m.archives.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("archive inventory: %w", err)
		}
		sh.Archive = &st
		if st.Unreadable > 0 {
			sh.Status = sh.Status.Worse(LevelWarning)
		}
	}
	sh.Scheduler = m.Status()
	return sh, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
