// Package tiering maps context age to an archive level.
//
// Levels escalate with age. Each level fixes how much of the event log is kept
// verbatim (the retention threshold) and how hard the remainder is
// compressed. SelectLevel is pure.
package tiering

import (
	"fmt"
	"strings"
	"time"
)

// Level is an archive level.
type Level uint8

const (
	// Active keeps every event verbatim with the fastest compression.
	Active Level = iota
	// Dormant summarizes only the lowest-importance events.
	Dormant
	// Sleeping keeps importance >= 6 verbatim.
	Sleeping
	// DeepSleep keeps importance >= 8 verbatim at maximum compression.
	DeepSleep
)

// Levels lists every level from least to most compressed.
var Levels = []Level{Active, Dormant, Sleeping, DeepSleep}

var levelNames = [...]string{"active", "dormant", "sleeping", "deep_sleep"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool { return l <= DeepSleep }

// ParseLevel accepts the names produced by String, case-insensitively, with
// "deepsleep" as an alias.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return Active, nil
	case "dormant":
		return Dormant, nil
	case "sleeping":
		return Sleeping, nil
	case "deep_sleep", "deepsleep", "deep-sleep":
		return DeepSleep, nil
	}
	return 0, fmt.Errorf("unknown archive level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid archive level %d", uint8(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// RetentionThreshold is the minimum importance an event needs to be kept
// verbatim at this level. Events below it are summarized.
func (l Level) RetentionThreshold() int {
	switch l {
	case Dormant:
		return 3
	case Sleeping:
		return 6
	case DeepSleep:
		return 8
	default:
		return 0
	}
}

// Retains reports whether an event of the given importance is kept verbatim.
func (l Level) Retains(importance int) bool {
	return importance >= l.RetentionThreshold()
}

// CompressionEffort ranks how hard the byte compressor works, 1 (fastest)
// to 4 (best).
func (l Level) CompressionEffort() int {
	return int(l) + 1
}

// Default age boundaries.
const (
	DefaultDormantAfter   = 7 * 24 * time.Hour
	DefaultSleepingAfter  = 28 * 24 * time.Hour
	DefaultDeepSleepAfter = 90 * 24 * time.Hour
)

// Policy holds the age boundaries between levels.
type Policy struct {
	dormantAfter   time.Duration
	sleepingAfter  time.Duration
	deepSleepAfter time.Duration
}

// Option configures a Policy.
type Option func(*Policy)

// WithDormantAfter sets the age at which contexts become Dormant.
func WithDormantAfter(d time.Duration) Option {
	return func(p *Policy) { p.dormantAfter = d }
}

// WithSleepingAfter sets the age at which contexts become Sleeping.
func WithSleepingAfter(d time.Duration) Option {
	return func(p *Policy) { p.sleepingAfter = d }
}

// WithDeepSleepAfter sets the age at which contexts enter DeepSleep.
func WithDeepSleepAfter(d time.Duration) Option {
	return func(p *Policy) { p.deepSleepAfter = d }
}

// NewPolicy returns a policy with the default 7/28/90 day boundaries
// overridden by opts. Boundaries must be positive and strictly increasing.
func NewPolicy(opts ...Option) (*Policy, error) {
	p := &Policy{
		dormantAfter:   DefaultDormantAfter,
		sleepingAfter:  DefaultSleepingAfter,
		deepSleepAfter: DefaultDeepSleepAfter,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dormantAfter <= 0 {
		return nil, fmt.Errorf("dormant boundary must be positive, got %s", p.dormantAfter)
	}
	if p.sleepingAfter <= p.dormantAfter || p.deepSleepAfter <= p.sleepingAfter {
		return nil, fmt.Errorf("level boundaries must increase: dormant=%s sleeping=%s deep_sleep=%s",
			p.dormantAfter, p.sleepingAfter, p.deepSleepAfter)
	}
	return p, nil
}

// DefaultPolicy returns the 7/28/90 day policy.
func DefaultPolicy() *Policy {
	p, _ := NewPolicy()
	return p
}

// SelectLevel maps an age to a level. Negative ages are Active.
func (p *Policy) SelectLevel(age time.Duration) Level {
	switch {
	case age >= p.deepSleepAfter:
		return DeepSleep
	case age >= p.sleepingAfter:
		return Sleeping
	case age >= p.dormantAfter:
		return Dormant
	default:
		return Active
	}
}

// Boundaries returns the dormant, sleeping, and deep sleep boundaries.
func (p *Policy) Boundaries() (dormant, sleeping, deepSleep time.Duration) {
	return p.dormantAfter, p.sleepingAfter, p.deepSleepAfter
}
