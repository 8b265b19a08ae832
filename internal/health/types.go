// Package health scores contexts and keeps them maintained.
//
// A score combines freshness, structural validity, and size into [0, 1]. The
// score maps to a level through configurable thresholds, and any structural
// failure forces the level to critical. Maintenance acts on the level:
// stale contexts are archived, corrupt ones are flagged and left alone.
package health

import (
	"time"

	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/store"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

// Level is a coarse health rating.
type Level string

const (
	LevelExcellent Level = "excellent"
	LevelGood      Level = "good"
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
)

// Levels lists every level from best to worst.
var Levels = []Level{LevelExcellent, LevelGood, LevelWarning, LevelCritical}

// Rank orders levels: higher is healthier.
func (l Level) Rank() int {
	switch l {
	case LevelExcellent:
		return 3
	case LevelGood:
		return 2
	case LevelWarning:
		return 1
	default:
		return 0
	}
}

// Worse returns the less healthy of l and other.
func (l Level) Worse(other Level) Level {
	if other.Rank() < l.Rank() {
		return other
	}
	return l
}

// Maintenance actions.
const (
	ActionArchived            = "archived"
	ActionArchiveRecommended  = "archive_recommended"
	ActionArchiveDeferred     = "archive_deferred_rate_limited"
	ActionArchiveFailed       = "archive_failed"
	ActionFlaggedForIntervene = "flagged_for_manual_intervention"
)

// Factors are the per-dimension scores, each in [0, 1].
type Factors struct {
	Freshness float64 `json:"freshness"`
	Structure float64 `json:"structure"`
	Size      float64 `json:"size"`
}

// Metric is the health of one context at one point in time.
type Metric struct {
	ContextID    string         `json:"context_id"`
	Scope        snapshot.Scope `json:"scope"`
	OverallScore float64        `json:"overall_score"`
	Level        Level          `json:"level"`
	Factors      Factors        `json:"factors"`
	// Corrupt is set when the snapshot failed structural validation.
	Corrupt     bool      `json:"corrupt"`
	Problems    []string  `json:"problems,omitempty"`
	AgeHours    float64   `json:"age_hours"`
	SizeBytes   int       `json:"size_bytes"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Key returns the metric's context key.
func (m Metric) Key() snapshot.Key {
	return snapshot.Key{ContextID: m.ContextID, Scope: m.Scope}
}

// MaintenanceResult reports what maintenance did for one context.
type MaintenanceResult struct {
	ContextID    string         `json:"context_id"`
	Scope        snapshot.Scope `json:"scope"`
	Metric       Metric         `json:"metric"`
	ActionsTaken []string       `json:"actions_taken"`
	Success      bool           `json:"success"`
	Error        error          `json:"-"`
	ErrorMessage string         `json:"error,omitempty"`
}

// ArchiveCheck is the result of verifying one archived context.
type ArchiveCheck struct {
	ContextID string         `json:"context_id"`
	Scope     snapshot.Scope `json:"scope"`
	Level     tiering.Level  `json:"archive_level"`
	OK        bool           `json:"ok"`
	Problems  []string       `json:"problems,omitempty"`
	Record    *store.Record  `json:"record,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// SchedulerStatus describes the background job.
type SchedulerStatus struct {
	Running  bool      `json:"running"`
	Interval string    `json:"interval"`
	LastRun  time.Time `json:"last_run,omitempty"`
	Runs     int64     `json:"runs"`
}

// SystemHealth aggregates every live context plus the archive inventory.
type SystemHealth struct {
	Status       Level           `json:"status"`
	ContextCount int             `json:"context_count"`
	ByLevel      map[Level]int   `json:"by_level"`
	AverageScore float64         `json:"average_score"`
	Contexts     []Metric        `json:"contexts"`
	Archive      *store.Stats    `json:"archive,omitempty"`
	Scheduler    SchedulerStatus `json:"scheduler"`
	EvaluatedAt  time.Time       `json:"evaluated_at"`
}

// TickReport summarizes one background evaluation pass.
type TickReport struct {
	Evaluated int                 `json:"evaluated"`
	Failed    int                 `json:"failed"`
	ByLevel   map[Level]int       `json:"by_level"`
	Results   []MaintenanceResult `json:"results"`
}
