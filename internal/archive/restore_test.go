package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ctxvault/internal/codec"
	"github.com/fyrsmithlabs/ctxvault/internal/fsx"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot/snapshottest"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

func TestRestore_DeepSleepScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap := snapshottest.Scenario("scenario", snapshot.ScopeSession, now, 120*day)
	res, err := f.manager.Archive(ctx, "scenario", snapshot.ScopeSession, snap)
	require.NoError(t, err)
	require.Equal(t, tiering.DeepSleep, res.Level)

	restored, err := f.restorer.Restore(ctx, "scenario", snapshot.ScopeSession)
	require.NoError(t, err)

	got := restored.Context
	require.NoError(t, got.Validate())
	assert.Equal(t, snap.CurrentTask, got.CurrentTask)

	// summary(tool_call) at the first tool_call, then the two verbatim
	// events, then the notice.
	require.Len(t, got.Events, 4)

	summary := got.Events[0]
	assert.Equal(t, snapshot.OriginSummary, summary.Origin)
	var sp snapshot.SummaryPayload
	require.NoError(t, json.Unmarshal(summary.Payload, &sp))
	assert.Equal(t, 8, sp.Count)
	assert.Equal(t, "tool_call", sp.Type)

	for i, orig := range []snapshot.Event{snap.Events[2], snap.Events[7]} {
		e := got.Events[i+1]
		assert.Equal(t, snapshot.OriginArchived, e.Origin)
		assert.Equal(t, orig.Type, e.Type)
		assert.Equal(t, 9, e.Importance)
		assert.True(t, orig.Timestamp.Equal(e.Timestamp))
		assert.True(t, bytes.Equal(orig.Payload, e.Payload))
	}

	notice := got.Events[3]
	assert.Equal(t, snapshot.OriginRestoreNotice, notice.Origin)
	assert.Equal(t, RestoreNoticeType, notice.Type)
	var np RestoreNotice
	require.NoError(t, json.Unmarshal(notice.Payload, &np))
	assert.Equal(t, 8, np.SummarizedEvents)
	assert.Equal(t, []string{"tool_call"}, np.SummarizedTypes)
	assert.Contains(t, np.Message, "deep_sleep")

	assert.Equal(t, 2, restored.Summary.RetainedEvents)
	assert.Equal(t, 8, restored.Summary.SummarizedEvents)
	assert.Equal(t, 1, restored.Summary.SummaryGroups)
}

func TestRestore_TimeGap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap := snapshottest.Scenario("gap", snapshot.ScopeProject, now, 90*day)
	_, err := f.manager.Archive(ctx, "gap", snapshot.ScopeProject, snap)
	require.NoError(t, err)

	res, err := f.restorer.Restore(ctx, "gap", snapshot.ScopeProject)
	require.NoError(t, err)

	want := (90 * day).Milliseconds()
	assert.InDelta(t, want, res.TimeGapMS, float64(time.Second.Milliseconds()))
	assert.Equal(t, 90*day, res.TimeGap)
	assert.NotEmpty(t, res.Summary.TimeGapHuman)
}

func TestRestore_ScopeStrictness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap := snapshottest.Scenario("X", snapshot.ScopeSession, now, 10*day)
	_, err := f.manager.Archive(ctx, "X", snapshot.ScopeSession, snap)
	require.NoError(t, err)

	res, err := f.restorer.Restore(ctx, "X", snapshot.ScopeProject)
	assert.Nil(t, res)
	var mismatch *ScopeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, snapshot.ScopeProject, mismatch.Requested)
	assert.Equal(t, snapshot.ScopeSession, mismatch.Actual)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRestore_NotFound(t *testing.T) {
	f := newFixture(t)
	res, err := f.restorer.Restore(context.Background(), "does-not-exist", snapshot.ScopeSession)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestore_CorruptPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap := snapshottest.Scenario("c", snapshot.ScopeSession, now, 40*day)
	res, err := f.manager.Archive(ctx, "c", snapshot.ScopeSession, snap)
	require.NoError(t, err)

	// Truncate the payload behind the store's back.
	data, err := os.ReadFile(res.Paths.Payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(res.Paths.Payload, data[:len(data)-10], 0o600))

	_, err = f.restorer.Restore(ctx, "c", snapshot.ScopeSession)
	var cae *CorruptArchiveError
	require.ErrorAs(t, err, &cae)
}

func TestRestore_InterruptedRearchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap := snapshottest.Scenario("r", snapshot.ScopeSession, now, 40*day)
	res, err := f.manager.Archive(ctx, "r", snapshot.ScopeSession, snap)
	require.NoError(t, err)

	// The second archive's payload lands, the process dies before its
	// sidecar does.
	newer := snapshottest.Scenario("r", snapshot.ScopeSession, now, 45*day)
	payload, _, err := codec.Encode(newer, res.Level, now.Add(time.Minute))
	require.NoError(t, err)
	next := f.store.PathsFor(snapshot.Key{ContextID: "r", Scope: snapshot.ScopeSession}, res.Level, uuid.NewString())
	require.NoError(t, fsx.WriteFileAtomic(next.Payload, payload, 0o600))

	restored, err := f.restorer.Restore(ctx, "r", snapshot.ScopeSession)
	require.NoError(t, err)
	assert.Equal(t, res.Record.ArchiveID, restored.Record.ArchiveID)
	assert.True(t, snap.LastActivityAt.Equal(restored.Record.SourceLastActivityAt))
}

func TestRestore_Performance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap := snapshottest.Large("perf", snapshot.ScopeProject, now, 40*day, 200)
	_, err := f.manager.Archive(ctx, "perf", snapshot.ScopeProject, snap)
	require.NoError(t, err)

	const runs = 10
	var total, worst time.Duration
	for i := 0; i < runs; i++ {
		res, err := f.restorer.Restore(ctx, "perf", snapshot.ScopeProject)
		require.NoError(t, err)
		assert.True(t, res.PerformanceMet)
		total += res.RestoreTime
		if res.RestoreTime > worst {
			worst = res.RestoreTime
		}
	}
	assert.Less(t, total/runs, DefaultRestoreBudget, "average restore time")
	assert.Less(t, worst, DefaultRestoreBudget, "max restore time")
}

func TestRestore_BudgetExceeded(t *testing.T) {
	f := newFixture(t, WithRestoreBudget(time.Nanosecond))
	ctx := context.Background()

	snap := snapshottest.Scenario("slow", snapshot.ScopeSession, now, 10*day)
	_, err := f.manager.Archive(ctx, "slow", snapshot.ScopeSession, snap)
	require.NoError(t, err)

	res, err := f.restorer.Restore(ctx, "slow", snapshot.ScopeSession)
	require.NoError(t, err)
	assert.False(t, res.PerformanceMet)
	assert.Equal(t, time.Nanosecond, f.restorer.Budget())
}

func TestRestore_RearchiveRestoredContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap := snapshottest.Scenario("loop", snapshot.ScopeSession, now, 40*day)
	_, err := f.manager.Archive(ctx, "loop", snapshot.ScopeSession, snap)
	require.NoError(t, err)
	restored, err := f.restorer.Restore(ctx, "loop", snapshot.ScopeSession)
	require.NoError(t, err)

	// The restored context is fresh again and archives at Active.
	res, err := f.manager.Archive(ctx, "loop", snapshot.ScopeSession, restored.Context)
	require.NoError(t, err)
	assert.Equal(t, tiering.Active, res.Level)

	again, err := f.restorer.Restore(ctx, "loop", snapshot.ScopeSession)
	require.NoError(t, err)
	// Prior summary, 2 verbatim, prior notice, new notice.
	assert.Len(t, again.Context.Events, 5)
	assert.Equal(t, snapshot.OriginSummary, again.Context.Events[0].Origin)
	assert.Equal(t, snapshot.OriginRestoreNotice, again.Context.Events[3].Origin)
}
