// Package snapshottest builds snapshots for tests.
package snapshottest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
)

// Event returns an event with a small JSON payload.
func Event(typ string, importance int, at time.Time, note string) snapshot.Event {
	payload, _ := json.Marshal(map[string]any{"note": note})
	return snapshot.Event{
		Type:       typ,
		Payload:    payload,
		Importance: importance,
		Timestamp:  at,
	}
}

// New returns a sealed snapshot whose last activity is age before now. Events
// are spaced one minute apart ending at the last activity time.
func New(id string, scope snapshot.Scope, now time.Time, age time.Duration, events ...snapshot.Event) *snapshot.Snapshot {
	last := now.Add(-age)
	s := &snapshot.Snapshot{
		ContextID:      id,
		Scope:          scope,
		CurrentTask:    "task for " + id,
		LastActivityAt: last,
		Events:         []snapshot.Event{},
	}
	for i, e := range events {
		if e.Timestamp.IsZero() {
			e.Timestamp = last.Add(-time.Duration(len(events)-1-i) * time.Minute)
		}
		s.Events = append(s.Events, e)
	}
	s.Seal()
	return s
}

// Scenario returns the 10-event mix used across packages: 2 events of
// importance 9 and 8 events of importance 3.
func Scenario(id string, scope snapshot.Scope, now time.Time, age time.Duration) *snapshot.Snapshot {
	last := now.Add(-age)
	var events []snapshot.Event
	for i := 0; i < 10; i++ {
		at := last.Add(-time.Duration(9-i) * time.Minute)
		switch i {
		case 2:
			events = append(events, Event("decision", 9, at, "chose the tiered archive layout"))
		case 7:
			events = append(events, Event("milestone", 9, at, "restore path verified"))
		default:
			events = append(events, Event("tool_call", 3, at, fmt.Sprintf("ran step %d", i)))
		}
	}
	return New(id, scope, now, age, events...)
}

// Large returns a snapshot with n events carrying several KB of repeated
// payload. Every tenth event has importance 9, every fifth importance 6, the
// rest are low importance spread over a few types.
func Large(id string, scope snapshot.Scope, now time.Time, age time.Duration, n int) *snapshot.Snapshot {
	last := now.Add(-age)
	types := []string{"tool_call", "file_read", "observation", "message"}
	body := strings.Repeat("the quick brown fox inspects the repository layout; ", 40)

	events := make([]snapshot.Event, 0, n)
	for i := 0; i < n; i++ {
		importance := 2
		switch {
		case i%10 == 0:
			importance = 9
		case i%5 == 0:
			importance = 6
		case i%3 == 0:
			importance = 4
		}
		at := last.Add(-time.Duration(n-1-i) * time.Minute)
		payload, _ := json.Marshal(map[string]any{
			"seq":    i,
			"detail": body,
			"path":   fmt.Sprintf("internal/pkg%d/file%d.go", i%7, i),
		})
		events = append(events, snapshot.Event{
			Type:       types[i%len(types)],
			Payload:    payload,
			Importance: importance,
			Timestamp:  at,
		})
	}
	return New(id, scope, now, age, events...)
}
