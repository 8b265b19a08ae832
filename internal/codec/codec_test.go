package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot/snapshottest"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEncodeDecode_ActiveKeepsEverything(t *testing.T) {
	snap := snapshottest.Scenario("ctx-1", snapshot.ScopeSession, now, 2*24*time.Hour)
	// Payload bytes must survive exactly, including whitespace and HTML characters.
	snap.Events[0].Payload = json.RawMessage(`{ "html": "<b>&</b>",  "n": 1 }`)

	payload, stats, err := Encode(snap, tiering.Active, now)
	require.NoError(t, err)
	assert.Equal(t, 10, stats.RetainedEvents)
	assert.Zero(t, stats.SummarizedEvents)
	assert.Zero(t, stats.SummaryGroups)
	assert.Equal(t, int64(len(payload)), stats.CompressedSize)

	d, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, tiering.Active, d.Header.Level)
	assert.False(t, d.Header.Summarized)
	assert.Equal(t, "ctx-1", d.Info.ContextID)
	assert.Equal(t, snapshot.ScopeSession, d.Info.Scope)
	assert.Equal(t, snap.CurrentTask, d.Info.CurrentTask)
	assert.True(t, snap.LastActivityAt.Equal(d.Info.LastActivityAt))
	assert.True(t, now.Equal(d.Info.ArchivedAt))
	assert.Equal(t, stats.OriginalSize, d.Info.OriginalSize)
	assert.Equal(t, 10, d.EventCount)

	events := d.Events()
	require.Len(t, events, 10)
	for i, e := range events {
		orig := snap.Events[i]
		assert.Equal(t, orig.Type, e.Type)
		assert.Equal(t, orig.Importance, e.Importance)
		assert.True(t, orig.Timestamp.Equal(e.Timestamp))
		assert.True(t, bytes.Equal(orig.Payload, e.Payload), "payload %d changed", i)
		assert.Equal(t, snapshot.OriginArchived, e.Origin)
	}
}

func TestEncodeDecode_SleepingSummarizesLowImportance(t *testing.T) {
	snap := snapshottest.Scenario("ctx-2", snapshot.ScopeProject, now, 40*24*time.Hour)

	payload, stats, err := Encode(snap, tiering.Sleeping, now)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RetainedEvents)
	assert.Equal(t, 8, stats.SummarizedEvents)
	assert.Equal(t, 1, stats.SummaryGroups)

	d, err := Decode(payload)
	require.NoError(t, err)
	assert.True(t, d.Header.Summarized)
	assert.Equal(t, 8, d.SummarizedEvents())

	events := d.Events()
	require.Len(t, events, 3)

	// tool_call summary sits where the first tool_call was (seq 0).
	assert.Equal(t, snapshot.OriginSummary, events[0].Origin)
	assert.Equal(t, "tool_call", events[0].Type)
	assert.Equal(t, 3, events[0].Importance)
	var p snapshot.SummaryPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.True(t, p.Summary)
	assert.Equal(t, 8, p.Count)
	assert.True(t, snap.Events[0].Timestamp.Equal(p.FirstAt))
	assert.True(t, snap.Events[9].Timestamp.Equal(p.LastAt))

	assert.Equal(t, "decision", events[1].Type)
	assert.Equal(t, snapshot.OriginArchived, events[1].Origin)
	assert.True(t, bytes.Equal(snap.Events[2].Payload, events[1].Payload))
	assert.Equal(t, "milestone", events[2].Type)
	assert.True(t, bytes.Equal(snap.Events[7].Payload, events[2].Payload))
}

func TestEncode_ResummarizesPriorSummaries(t *testing.T) {
	snap := snapshottest.Scenario("ctx-3", snapshot.ScopeSession, now, 40*24*time.Hour)
	payload, _, err := Encode(snap, tiering.Sleeping, now)
	require.NoError(t, err)
	d, err := Decode(payload)
	require.NoError(t, err)

	restored := snapshottest.New("ctx-3", snapshot.ScopeSession, now, 0, d.Events()...)
	again, stats, err := Encode(restored, tiering.DeepSleep, now)
	require.NoError(t, err)
	assert.Equal(t, 8, stats.SummarizedEvents)

	d2, err := Decode(again)
	require.NoError(t, err)
	assert.Equal(t, 10, d2.EventCount)
	require.Len(t, d2.Summaries, 1)
	assert.Equal(t, 8, d2.Summaries[0].Count)
}

func TestEncode_CompressionMonotonicByLevel(t *testing.T) {
	snap := snapshottest.Large("big", snapshot.ScopeProject, now, 100*24*time.Hour, 60)

	var prev Stats
	for i, level := range tiering.Levels {
		_, stats, err := Encode(snap, level, now)
		require.NoError(t, err)
		if i > 0 {
			assert.LessOrEqual(t, stats.Ratio(), prev.Ratio(), "level %s", level)
			assert.LessOrEqual(t, stats.RetainedEvents, prev.RetainedEvents, "level %s", level)
		}
		prev = stats
	}
	assert.LessOrEqual(t, prev.Ratio(), 0.20, "deep sleep ratio")
}

func TestEncode_CompressionMonotonicWhenNothingMoreIsSummarized(t *testing.T) {
	start := now.Add(-2 * time.Hour)
	var highOnly []snapshot.Event
	for i := 0; i < 12; i++ {
		highOnly = append(highOnly, snapshottest.Event("decision", 9, start.Add(time.Duration(i)*time.Minute),
			fmt.Sprintf("decision %d: keep the schema, move consumer %d first", i, i)))
	}

	tests := []struct {
		name string
		snap *snapshot.Snapshot
	}{
		{"all high importance", snapshottest.New("high", snapshot.ScopeProject, now, 100*24*time.Hour, highOnly...)},
		{"single event", snapshottest.New("one", snapshot.ScopeSession, now, 100*24*time.Hour,
			snapshottest.Event("note", 5, start, "only note"))},
		{"single low importance event", snapshottest.New("low", snapshot.ScopeSession, now, 100*24*time.Hour,
			snapshottest.Event("tool_call", 1, start, "ls"))},
		{"empty log", snapshottest.New("empty", snapshot.ScopeSession, now, 100*24*time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var prev int64
			for i, level := range tiering.Levels {
				payload, stats, err := Encode(tt.snap, level, now)
				require.NoError(t, err)
				if i > 0 {
					assert.LessOrEqual(t, stats.CompressedSize, prev, "level %s", level)
				}
				prev = stats.CompressedSize

				d, err := Decode(payload)
				require.NoError(t, err, "level %s", level)
				assert.Equal(t, level, d.Header.Level)
				assert.Equal(t, len(tt.snap.Events), d.EventCount)
			}
		})
	}
}

func TestEncode_LevelsShareBodyWhenNothingIsSummarized(t *testing.T) {
	snap := snapshottest.New("high", snapshot.ScopeProject, now, time.Hour,
		snapshottest.Event("milestone", 10, now.Add(-time.Hour), "shipped"))

	active, _, err := Encode(snap, tiering.Active, now)
	require.NoError(t, err)
	deep, _, err := Encode(snap, tiering.DeepSleep, now)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(deep), len(active))
	assert.NotEqual(t, active[8:HeaderSize], deep[8:HeaderSize], "digest covers the level")

	da, err := Decode(active)
	require.NoError(t, err)
	dd, err := Decode(deep)
	require.NoError(t, err)
	assert.Equal(t, da.Retained, dd.Retained)
	assert.Empty(t, dd.Summaries)
	assert.False(t, dd.Header.Summarized)
}

func TestEncode_EmptyEventLog(t *testing.T) {
	snap := snapshottest.New("empty", snapshot.ScopeSession, now, time.Hour)

	payload, stats, err := Encode(snap, tiering.DeepSleep, now)
	require.NoError(t, err)
	assert.Zero(t, stats.RetainedEvents)

	d, err := Decode(payload)
	require.NoError(t, err)
	assert.Empty(t, d.Events())
	assert.Zero(t, d.EventCount)
}

func TestEncode_RejectsBadInput(t *testing.T) {
	_, _, err := Encode(nil, tiering.Active, now)
	assert.Error(t, err)

	snap := snapshottest.Scenario("x", snapshot.ScopeSession, now, time.Hour)
	_, _, err = Encode(snap, tiering.Level(9), now)
	assert.Error(t, err)
}

func TestDecode_Corruption(t *testing.T) {
	snap := snapshottest.Scenario("ctx-c", snapshot.ScopeSession, now, 10*24*time.Hour)
	good, _, err := Encode(snap, tiering.Dormant, now)
	require.NoError(t, err)

	mutate := func(f func(p []byte) []byte) []byte {
		return f(append([]byte(nil), good...))
	}

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"short header", good[:HeaderSize-1]},
		{"bad magic", mutate(func(p []byte) []byte { p[0] = 'X'; return p })},
		{"future version", mutate(func(p []byte) []byte { p[4] = 2; return p })},
		{"unknown level", mutate(func(p []byte) []byte { p[5] = 7; return p })},
		{"reserved byte", mutate(func(p []byte) []byte { p[7] = 1; return p })},
		{"level swapped", mutate(func(p []byte) []byte { p[5] = byte(tiering.Sleeping); return p })},
		{"summary flag flipped", mutate(func(p []byte) []byte { p[6] ^= flagSummarized; return p })},
		{"digest flipped", mutate(func(p []byte) []byte { p[10] ^= 0xff; return p })},
		{"truncated body", good[:len(good)-8]},
		{"body byte flipped", mutate(func(p []byte) []byte { p[len(p)/2] ^= 0x5a; return p })},
		{"header only", good[:HeaderSize]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Decode(tt.payload)
			require.Error(t, err)
			assert.Nil(t, d)
			assert.True(t, errors.Is(err, ErrCorruptArchive), "got %v", err)
			var cae *CorruptArchiveError
			assert.True(t, errors.As(err, &cae))
		})
	}
}

// frame builds a payload around an arbitrary body with a valid digest so
// envelope checks can be exercised directly.
func frame(t *testing.T, b body, level tiering.Level, summarized bool) []byte {
	t.Helper()
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	digest, err := digestBody(level, raw)
	require.NoError(t, err)
	enc, err := encoderFor(level)
	require.NoError(t, err)

	out := make([]byte, HeaderSize)
	copy(out, magic)
	out[4] = Version
	out[5] = byte(level)
	if summarized {
		out[6] = flagSummarized
	}
	copy(out[8:], digest[:])
	return enc.EncodeAll(raw, out)
}

func TestDecode_EnvelopeChecks(t *testing.T) {
	snap := snapshottest.Scenario("ctx-e", snapshot.ScopeSession, now, 40*24*time.Hour)
	base := func() body { return partition(snap, tiering.Sleeping, Info{ContextID: "ctx-e", Scope: snapshot.ScopeSession}) }

	valid := base()
	_, err := Decode(frame(t, valid, tiering.Sleeping, true))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(b *body)
	}{
		{"missing begin", func(b *body) { b.Begin = beginMarker{} }},
		{"missing end", func(b *body) { b.End = endMarker{} }},
		{"context mismatch", func(b *body) { b.Begin.ContextID = "other" }},
		{"event count off", func(b *body) { b.End.EventCount++ }},
		{"retained count off", func(b *body) { b.End.Retained-- }},
		{"dropped entry", func(b *body) { b.Entries = b.Entries[:1] }},
		{"entries out of order", func(b *body) { b.Entries[0], b.Entries[1] = b.Entries[1], b.Entries[0] }},
		{"zero count summary", func(b *body) { b.End.EventCount -= b.Summaries[0].Count; b.Summaries[0].Count = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := base()
			tt.mutate(&b)
			_, err := Decode(frame(t, b, tiering.Sleeping, len(b.Summaries) > 0))
			assert.ErrorIs(t, err, ErrCorruptArchive)
		})
	}
}

func TestReadHeader(t *testing.T) {
	snap := snapshottest.Scenario("ctx-h", snapshot.ScopeProject, now, 40*24*time.Hour)
	payload, _, err := Encode(snap, tiering.DeepSleep, now)
	require.NoError(t, err)

	h, err := ReadHeader(payload)
	require.NoError(t, err)
	assert.Equal(t, Version, h.Version)
	assert.Equal(t, tiering.DeepSleep, h.Level)
	assert.True(t, h.Summarized)
}

func TestStatsRatio(t *testing.T) {
	assert.Equal(t, 1.0, Stats{}.Ratio())
	assert.InDelta(t, 0.25, Stats{OriginalSize: 400, CompressedSize: 100}.Ratio(), 1e-9)
}
