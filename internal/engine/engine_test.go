package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/ctxvault/internal/archive"
	"github.com/fyrsmithlabs/ctxvault/internal/health"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot/snapshottest"
	"github.com/fyrsmithlabs/ctxvault/internal/store"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type fixture struct {
	engine *Engine
	live   *snapshot.FileStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	live, err := snapshot.NewFileStore(filepath.Join(t.TempDir(), "live"), logger)
	require.NoError(t, err)

	e, err := New(DefaultConfig(filepath.Join(t.TempDir(), "archives")), live,
		WithLogger(logger),
		WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return &fixture{engine: e, live: live}
}

func (f *fixture) save(t *testing.T, snap *snapshot.Snapshot) {
	t.Helper()
	require.NoError(t, f.live.Save(context.Background(), snap))
}

func (f *fixture) isLive(t *testing.T, id string, scope snapshot.Scope) bool {
	t.Helper()
	_, err := f.live.Snapshot(context.Background(), id, scope)
	if err != nil {
		require.ErrorIs(t, err, snapshot.ErrNotFound)
		return false
	}
	return true
}

func TestArchiveRestoreScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, snapshottest.Scenario("sess-1", snapshot.ScopeSession, now, 120*day))

	res, err := f.engine.Archive(ctx, "sess-1", snapshot.ScopeSession, ArchiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, tiering.DeepSleep, res.Level)
	assert.True(t, res.Released)
	assert.False(t, f.isLive(t, "sess-1", snapshot.ScopeSession))

	restored, err := f.engine.Restore(ctx, "sess-1", snapshot.ScopeSession)
	require.NoError(t, err)
	assert.True(t, restored.PerformanceMet)
	assert.Equal(t, 8, restored.Summary.SummarizedEvents)
	assert.InDelta(t, float64(120*day/time.Millisecond), float64(restored.TimeGapMS), 1000)

	live, err := f.live.Snapshot(ctx, "sess-1", snapshot.ScopeSession)
	require.NoError(t, err)
	require.Len(t, live.Events, 4)

	var verbatim []snapshot.Event
	var summaries int
	for _, ev := range live.Events {
		switch ev.Origin {
		case snapshot.OriginArchived:
			verbatim = append(verbatim, ev)
		case snapshot.OriginSummary:
			summaries++
		}
	}
	require.Len(t, verbatim, 2)
	for _, ev := range verbatim {
		assert.Equal(t, 9, ev.Importance)
	}
	assert.Equal(t, 1, summaries)
	assert.Equal(t, archive.RestoreNoticeType, live.Events[3].Type)

	// The restored context is fresh again.
	report, err := f.engine.Health(ctx, "sess-1", HealthOptions{Scope: snapshot.ScopeSession})
	require.NoError(t, err)
	require.NotNil(t, report.Metric)
	assert.Equal(t, health.LevelExcellent, report.Metric.Level)
}

func TestArchive_KeepActive(t *testing.T) {
	f := newFixture(t)
	f.save(t, snapshottest.Scenario("p", snapshot.ScopeProject, now, 10*day))

	res, err := f.engine.Archive(context.Background(), "p", snapshot.ScopeProject, ArchiveOptions{KeepActive: true})
	require.NoError(t, err)
	assert.Equal(t, tiering.Dormant, res.Level)
	assert.False(t, res.Released)
	assert.True(t, f.isLive(t, "p", snapshot.ScopeProject))

	data, err := json.Marshal(res)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "dormant", decoded["archive_level"])
	assert.Equal(t, false, decoded["released"])
}

func TestArchive_NoLiveContext(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Archive(context.Background(), "ghost", snapshot.ScopeSession, ArchiveOptions{})
	assert.ErrorIs(t, err, ErrNoLiveContext)
}

func TestRestore_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, snapshottest.Scenario("x", snapshot.ScopeSession, now, 40*day))
	_, err := f.engine.Archive(ctx, "x", snapshot.ScopeSession, ArchiveOptions{})
	require.NoError(t, err)

	_, err = f.engine.Restore(ctx, "x", snapshot.ScopeProject)
	var mismatch *archive.ScopeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, snapshot.ScopeSession, mismatch.Actual)
	assert.False(t, f.isLive(t, "x", snapshot.ScopeProject))

	_, err = f.engine.Restore(ctx, "does-not-exist", snapshot.ScopeSession)
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestHealth_SystemSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, snapshottest.Scenario("a", snapshot.ScopeSession, now, 2*day))
	f.save(t, snapshottest.Scenario("b", snapshot.ScopeProject, now, 60*day))

	report, err := f.engine.Health(ctx, "", HealthOptions{})
	require.NoError(t, err)
	require.NotNil(t, report.System)
	assert.Nil(t, report.Metric)
	assert.Equal(t, 2, report.System.ContextCount)
	assert.Equal(t, health.LevelWarning, report.System.Status)
	require.NotNil(t, report.System.Archive)
	assert.Zero(t, report.System.Archive.Records)
}

func TestHealth_SingleContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, snapshottest.Scenario("stale", snapshot.ScopeSession, now, 60*day))

	report, err := f.engine.Health(ctx, "stale", HealthOptions{})
	require.NoError(t, err)
	require.NotNil(t, report.Metric)
	assert.Equal(t, health.LevelWarning, report.Metric.Level)
	assert.Nil(t, report.Maintenance)
	assert.True(t, f.isLive(t, "stale", snapshot.ScopeSession), "scoring alone changes nothing")

	report, err = f.engine.Health(ctx, "stale", HealthOptions{Maintenance: true})
	require.NoError(t, err)
	require.NotNil(t, report.Maintenance)
	assert.Equal(t, []string{"archived:sleeping"}, report.Maintenance.ActionsTaken)
	assert.False(t, f.isLive(t, "stale", snapshot.ScopeSession))

	// Archived-only contexts get an integrity check instead of a score.
	report, err = f.engine.Health(ctx, "stale", HealthOptions{})
	require.NoError(t, err)
	require.NotNil(t, report.Archive)
	assert.True(t, report.Archive.OK)
	assert.Equal(t, tiering.Sleeping, report.Archive.Level)

	_, err = f.engine.Health(ctx, "nowhere", HealthOptions{})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.engine.Health(ctx, "stale", HealthOptions{Scope: "global"})
	assert.ErrorIs(t, err, snapshot.ErrInvalidScope)
}

func TestHealth_CorruptLiveContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	snap := snapshottest.Scenario("broken", snapshot.ScopeSession, now, time.Hour)
	f.save(t, snap)

	// Drop events from the stored document so its end marker no longer
	// matches.
	path := filepath.Join(f.live.Dir(), "session", "broken.json")
	stored, err := f.live.Snapshot(ctx, "broken", snapshot.ScopeSession)
	require.NoError(t, err)
	stored.Events = stored.Events[:4]
	data, err := snapshot.Marshal(stored)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	report, err := f.engine.Health(ctx, "broken", HealthOptions{Maintenance: true})
	require.NoError(t, err)
	assert.Equal(t, health.LevelCritical, report.Metric.Level)
	assert.Equal(t, []string{health.ActionFlaggedForIntervene}, report.Maintenance.ActionsTaken)
	assert.True(t, f.isLive(t, "broken", snapshot.ScopeSession), "corrupt contexts are never archived")
}

func TestMaintenancePassArchivesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, snapshottest.Scenario("fresh", snapshot.ScopeSession, now, time.Hour))
	f.save(t, snapshottest.Scenario("old", snapshot.ScopeProject, now, 100*day))

	report, err := f.engine.Monitor().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Evaluated)
	assert.False(t, f.isLive(t, "old", snapshot.ScopeProject))

	rec, err := f.engine.Store().Locate(ctx, snapshot.Key{ContextID: "old", Scope: snapshot.ScopeProject})
	require.NoError(t, err)
	assert.Equal(t, tiering.DeepSleep, rec.Level)

	report, err = f.engine.Monitor().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evaluated)
	assert.Empty(t, report.Results[0].ActionsTaken)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.save(t, snapshottest.Scenario("c", snapshot.ScopeSession, now, 50*day))
	_, err := f.engine.Archive(ctx, "c", snapshot.ScopeSession, ArchiveOptions{})
	require.NoError(t, err)

	res, err := f.engine.Cleanup(ctx, CleanupOptions{RetentionDays: 30})
	require.NoError(t, err)
	assert.Zero(t, res.ProcessedCount, "archived just now")

	res, err = f.engine.Cleanup(ctx, CleanupOptions{RetentionDays: 0})
	require.NoError(t, err)
	assert.Zero(t, res.ProcessedCount, "archived_at equals the cutoff")
}

func TestStartStopMaintenance(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.StartMaintenance(context.Background()))
	assert.True(t, f.engine.Monitor().Running())
	f.engine.StopMaintenance()
	assert.False(t, f.engine.Monitor().Running())
}

func TestWatchLiveInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap := snapshottest.Scenario("w", snapshot.ScopeSession, now, time.Hour)
	f.save(t, snap)
	f.engine.Monitor().ScoreHealth(ctx, "w", snap)
	_, ok := f.engine.Monitor().Latest(snap.Key())
	require.True(t, ok)

	done := make(chan error, 1)
	go func() { done <- f.engine.WatchLive(ctx) }()

	require.Eventually(t, func() bool {
		_ = f.live.Save(ctx, snap)
		_, ok := f.engine.Monitor().Latest(snap.Key())
		return !ok
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestNew_RequiresLiveContexts(t *testing.T) {
	_, err := New(DefaultConfig(t.TempDir()), nil)
	assert.Error(t, err)
}
