// Package snapshot defines the context data model: the ordered event log,
// its metadata, and the structural envelope that marks a snapshot as complete.
//
// It also defines the interfaces the persistence engine consumes from the
// live-context side (Source, Reconstructor) and ships FileStore, a file-backed
// implementation of both.
package snapshot

import (
	"encoding/json"
	"fmt"
	"time"
)

// Scope partitions context ids. The same id may exist in both scopes and the
// two are unrelated.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeProject Scope = "project"
)

// Scopes lists every valid scope.
var Scopes = []Scope{ScopeSession, ScopeProject}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeSession || s == ScopeProject
}

// Other returns the opposite scope.
func (s Scope) Other() Scope {
	if s == ScopeSession {
		return ScopeProject
	}
	return ScopeSession
}

// ParseScope converts user input into a Scope.
func ParseScope(s string) (Scope, error) {
	scope := Scope(s)
	if !scope.Valid() {
		return "", fmt.Errorf("%w: %q (want session or project)", ErrInvalidScope, s)
	}
	return scope, nil
}

// Importance bounds.
const (
	MinImportance = 0
	MaxImportance = 10
)

// Origin tags where an event in a log came from.
type Origin string

const (
	// OriginLive is an event produced by the live context (zero value).
	OriginLive Origin = ""
	// OriginArchived is an event restored verbatim from an archive.
	OriginArchived Origin = "archived"
	// OriginSummary stands in for a group of events that were summarized at
	// archive time. Its payload is a SummaryPayload.
	OriginSummary Origin = "summary"
	// OriginRestoreNotice is synthesized by restore to describe the time gap.
	OriginRestoreNotice Origin = "restore_notice"
)

// Event is one entry of a context's event log.
type Event struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Importance int             `json:"importance"`
	Timestamp  time.Time       `json:"timestamp"`
	Origin     Origin          `json:"origin,omitempty"`
}

// IsSummary reports whether e stands in for summarized events.
func (e Event) IsSummary() bool { return e.Origin == OriginSummary }

// SummaryPayload is the payload of an OriginSummary event.
type SummaryPayload struct {
	Summary       bool      `json:"summary"`
	Type          string    `json:"type"`
	Count         int       `json:"count"`
	FirstAt       time.Time `json:"first_at"`
	LastAt        time.Time `json:"last_at"`
	MaxImportance int       `json:"max_importance"`
}

// Envelope format identifiers.
const (
	FormatName    = "ctxvault.snapshot"
	FormatVersion = 1
)

// BeginMarker opens a snapshot document.
type BeginMarker struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
}

// EndMarker closes a snapshot document and declares how many events it holds.
type EndMarker struct {
	EventCount int `json:"event_count"`
}

// Snapshot is the unit of work archived and restored by the engine.
type Snapshot struct {
	Begin          *BeginMarker `json:"begin,omitempty"`
	ContextID      string       `json:"context_id"`
	Scope          Scope        `json:"scope"`
	CurrentTask    string       `json:"current_task,omitempty"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	Events         []Event      `json:"events"`
	End            *EndMarker   `json:"end,omitempty"`
}

// Key identifies a context.
type Key struct {
	ContextID string `json:"context_id"`
	Scope     Scope  `json:"scope"`
}

func (k Key) String() string {
	return string(k.Scope) + "/" + k.ContextID
}

// Key returns the snapshot's identity.
func (s *Snapshot) Key() Key {
	return Key{ContextID: s.ContextID, Scope: s.Scope}
}

// Age is the time elapsed since the last recorded activity at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// Seal writes the begin and end markers for the current event list.
func (s *Snapshot) Seal() {
	s.Begin = &BeginMarker{Format: FormatName, Version: FormatVersion}
	s.End = &EndMarker{EventCount: len(s.Events)}
}

// Sealed reports whether both markers are present.
func (s *Snapshot) Sealed() bool {
	return s.Begin != nil && s.End != nil
}

// Append adds events in order and refreshes the end marker if the snapshot
// was sealed.
func (s *Snapshot) Append(events ...Event) {
	s.Events = append(s.Events, events...)
	for _, e := range events {
		if e.Timestamp.After(s.LastActivityAt) {
			s.LastActivityAt = e.Timestamp
		}
	}
	if s.End != nil {
		s.End.EventCount = len(s.Events)
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.Begin != nil {
		b := *s.Begin
		out.Begin = &b
	}
	if s.End != nil {
		e := *s.End
		out.End = &e
	}
	out.Events = make([]Event, len(s.Events))
	for i, e := range s.Events {
		if e.Payload != nil {
			e.Payload = append(json.RawMessage(nil), e.Payload...)
		}
		out.Events[i] = e
	}
	return &out
}

// EncodedSize is the size in bytes of the snapshot's JSON form.
func (s *Snapshot) EncodedSize() int {
	data, err := json.Marshal(s)
	if err != nil {
		return 0
	}
	return len(data)
}
