package snapshot_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot/snapshottest"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCheckStructure_SealedSnapshotIsClean(t *testing.T) {
	s := snapshottest.Scenario("ctx-1", snapshot.ScopeSession, now, 2*24*time.Hour)
	assert.Empty(t, s.CheckStructure())
	assert.NoError(t, s.Validate())
	assert.True(t, s.Sealed())
}

func TestCheckStructure_Problems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *snapshot.Snapshot)
		want   error
	}{
		{"missing begin", func(s *snapshot.Snapshot) { s.Begin = nil }, snapshot.ErrMissingBegin},
		{"missing end", func(s *snapshot.Snapshot) { s.End = nil }, snapshot.ErrMissingEnd},
		{"truncated events", func(s *snapshot.Snapshot) { s.Events = s.Events[:4] }, snapshot.ErrCountMismatch},
		{"wrong format", func(s *snapshot.Snapshot) { s.Begin.Format = "other" }, snapshot.ErrBadFormat},
		{"bad scope", func(s *snapshot.Snapshot) { s.Scope = "global" }, snapshot.ErrInvalidScope},
		{"empty id", func(s *snapshot.Snapshot) { s.ContextID = "" }, snapshot.ErrEmptyContextID},
		{"importance too high", func(s *snapshot.Snapshot) { s.Events[0].Importance = 11 }, snapshot.ErrImportanceRange},
		{"zero timestamp", func(s *snapshot.Snapshot) { s.Events[1].Timestamp = time.Time{} }, snapshot.ErrZeroTimestamp},
		{"empty type", func(s *snapshot.Snapshot) { s.Events[2].Type = "" }, snapshot.ErrEmptyEventType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := snapshottest.Scenario("ctx-1", snapshot.ScopeSession, now, time.Hour)
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestValidateContextID(t *testing.T) {
	assert.NoError(t, snapshot.ValidateContextID("sess_2026-03.a"))
	assert.ErrorIs(t, snapshot.ValidateContextID(""), snapshot.ErrEmptyContextID)
	assert.Error(t, snapshot.ValidateContextID("../etc/passwd"))
	assert.Error(t, snapshot.ValidateContextID(".."))
	assert.Error(t, snapshot.ValidateContextID("a/b"))
}

func TestAppend_KeepsSealCurrent(t *testing.T) {
	s := snapshottest.Scenario("ctx-1", snapshot.ScopeProject, now, time.Hour)
	later := now.Add(time.Minute)
	s.Append(snapshottest.Event("message", 5, later, "hello"))

	assert.Empty(t, s.CheckStructure())
	assert.Equal(t, 11, s.End.EventCount)
	assert.Equal(t, later, s.LastActivityAt)
}

func TestClone_IsDeep(t *testing.T) {
	s := snapshottest.Scenario("ctx-1", snapshot.ScopeSession, now, time.Hour)
	c := s.Clone()
	c.Events[0].Payload[0] = 'X'
	c.End.EventCount = 99

	assert.NotEqual(t, s.Events[0].Payload[0], c.Events[0].Payload[0])
	assert.Equal(t, 10, s.End.EventCount)
}

func TestParseScope(t *testing.T) {
	scope, err := snapshot.ParseScope("project")
	require.NoError(t, err)
	assert.Equal(t, snapshot.ScopeProject, scope)
	assert.Equal(t, snapshot.ScopeSession, scope.Other())

	_, err = snapshot.ParseScope("team")
	assert.ErrorIs(t, err, snapshot.ErrInvalidScope)
}
