package health

import (
	"math"
	"time"

	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
)

// LevelFor maps a score to a level.
func (c Config) LevelFor(score float64) Level {
	switch {
	case score >= c.Thresholds.Excellent:
		return LevelExcellent
	case score >= c.Thresholds.Good:
		return LevelGood
	case score >= c.Thresholds.Warning:
		return LevelWarning
	default:
		return LevelCritical
	}
}

// Freshness is 1 within the grace period, then halves every half-life.
func (c Config) Freshness(age time.Duration) float64 {
	if age <= c.FreshGrace {
		return 1
	}
	return math.Pow(0.5, float64(age-c.FreshGrace)/float64(c.FreshHalfLife))
}

// SizeFactor is 1 up to the soft limit, then falls linearly to the floor at
// the hard limit.
func (c Config) SizeFactor(size int) float64 {
	switch {
	case size <= c.SizeSoftLimit:
		return 1
	case size >= c.SizeHardLimit:
		return c.SizeFloor
	}
	over := float64(size-c.SizeSoftLimit) / float64(c.SizeHardLimit-c.SizeSoftLimit)
	return 1 - (1-c.SizeFloor)*over
}

// Score evaluates snap at now. contextID is the id the caller believes snap
// has; a mismatch is a structural problem.
func (c Config) Score(contextID string, snap *snapshot.Snapshot, now time.Time) Metric {
	m := Metric{ContextID: contextID, EvaluatedAt: now}
	if snap == nil {
		m.Corrupt = true
		m.Level = LevelCritical
		m.Problems = []string{"snapshot is missing"}
		return m
	}
	m.Scope = snap.Scope

	var problems []string
	for _, err := range snap.CheckStructure() {
		problems = append(problems, err.Error())
	}
	if contextID != "" && snap.ContextID != contextID {
		problems = append(problems, "snapshot belongs to context "+snap.ContextID)
	}

	age := snap.Age(now)
	if age < 0 {
		age = 0
	}
	m.AgeHours = age.Hours()
	m.SizeBytes = snap.EncodedSize()

	m.Factors = Factors{
		Freshness: c.Freshness(age),
		Structure: 1,
		Size:      c.SizeFactor(m.SizeBytes),
	}
	if len(problems) > 0 {
		m.Factors.Structure = 0
		m.Corrupt = true
		m.Problems = problems
	}
	if snap.LastActivityAt.IsZero() {
		m.Factors.Freshness = 0
		m.AgeHours = 0
	}

	w := c.Weights
	m.OverallScore = clamp01(w.Freshness*m.Factors.Freshness + w.Structure*m.Factors.Structure + w.Size*m.Factors.Size)
	m.Level = c.LevelFor(m.OverallScore)
	if m.Corrupt {
		m.Level = LevelCritical
	}
	return m
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
