package health

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Weights combine the factors into the overall score. They must sum to 1.
type Weights struct {
	Freshness float64
	Structure float64
	Size      float64
}

// Thresholds are the minimum scores for each level. A score below Warning
// is critical. A structurally valid snapshot never scores below
// Config.ScoreFloor, so when that floor is at or above Warning only
// structural failures reach critical. DefaultConfig is such a configuration:
// its floor is 0.35.
type Thresholds struct {
	Excellent float64
	Good      float64
	Warning   float64
}

// Config tunes scoring, maintenance, and scheduling.
type Config struct {
	Weights    Weights
	Thresholds Thresholds

	// FreshGrace is the age up to which freshness is 1.
	FreshGrace time.Duration
	// FreshHalfLife is how long freshness takes to halve past the grace.
	FreshHalfLife time.Duration

	// SizeSoftLimit is the encoded size up to which the size factor is 1.
	SizeSoftLimit int
	// SizeHardLimit is where the size factor bottoms out at SizeFloor.
	SizeHardLimit int
	SizeFloor     float64

	// Interval is the background evaluation period.
	Interval time.Duration
	// AutoArchive lets maintenance archive stale contexts. When false it
	// only recommends.
	AutoArchive bool
	// ArchiveRate and ArchiveBurst bound auto-archives per second.
	ArchiveRate  float64
	ArchiveBurst int
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Weights:       Weights{Freshness: 0.6, Structure: 0.3, Size: 0.1},
		Thresholds:    Thresholds{Excellent: 0.8, Good: 0.5, Warning: 0.25},
		FreshGrace:    3 * 24 * time.Hour,
		FreshHalfLife: 14 * 24 * time.Hour,
		SizeSoftLimit: 1 << 20,
		SizeHardLimit: 16 << 20,
		SizeFloor:     0.5,
		Interval:      time.Hour,
		AutoArchive:   true,
		ArchiveRate:   1,
		ArchiveBurst:  10,
	}
}

// ScoreFloor is the lowest score a structurally valid snapshot can get: zero
// freshness and the size factor at SizeFloor.
func (c Config) ScoreFloor() float64 {
	return c.Weights.Structure + c.Weights.Size*c.SizeFloor
}

// CriticalByScore reports whether a valid snapshot can score critical.
func (c Config) CriticalByScore() bool {
	return c.ScoreFloor() < c.Thresholds.Warning
}

// Validate checks the configuration.
func (c Config) Validate() error {
	w := c.Weights
	if w.Freshness < 0 || w.Structure < 0 || w.Size < 0 {
		return errors.New("health weights must be non-negative")
	}
	if sum := w.Freshness + w.Structure + w.Size; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("health weights must sum to 1, got %.4f", sum)
	}
	t := c.Thresholds
	if !(t.Excellent <= 1 && t.Excellent > t.Good && t.Good > t.Warning && t.Warning > 0) {
		return fmt.Errorf("health thresholds must satisfy 1 >= excellent > good > warning > 0, got %.2f/%.2f/%.2f",
			t.Excellent, t.Good, t.Warning)
	}
	if c.FreshGrace < 0 {
		return errors.New("fresh grace must be non-negative")
	}
	if c.FreshHalfLife <= 0 {
		return errors.New("fresh half-life must be positive")
	}
	if c.SizeSoftLimit <= 0 || c.SizeHardLimit <= c.SizeSoftLimit {
		return errors.New("size limits must satisfy 0 < soft < hard")
	}
	if c.SizeFloor < 0 || c.SizeFloor > 1 {
		return errors.New("size floor must be within [0, 1]")
	}
	if c.Interval < time.Second {
		return errors.New("health interval must be at least 1s")
	}
	if c.ArchiveRate <= 0 || c.ArchiveBurst < 1 {
		return errors.New("archive rate and burst must be positive")
	}
	return nil
}
