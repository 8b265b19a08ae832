package snapshot

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrInvalidScope     = errors.New("invalid scope")
	ErrEmptyContextID   = errors.New("context_id is required")
	ErrMissingBegin     = errors.New("begin marker missing")
	ErrMissingEnd       = errors.New("end marker missing")
	ErrBadFormat        = errors.New("begin marker has unknown format")
	ErrCountMismatch    = errors.New("end marker event count does not match events")
	ErrImportanceRange  = errors.New("event importance out of range")
	ErrZeroTimestamp    = errors.New("event timestamp is zero")
	ErrEmptyEventType   = errors.New("event type is required")
	ErrNoLastActivity   = errors.New("last_activity_at is required")
	ErrNotFound         = errors.New("context not found")
	ErrInvalidDocument  = errors.New("invalid snapshot document")
	ErrContextIDTooLong = errors.New("context_id exceeds maximum length")
)

// MaxContextIDLength bounds ids so they are safe to use as file names.
const MaxContextIDLength = 128

// ValidateContextID rejects ids that are empty, too long, or unsafe as a path
// component.
func ValidateContextID(id string) error {
	if id == "" {
		return ErrEmptyContextID
	}
	if len(id) > MaxContextIDLength {
		return ErrContextIDTooLong
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("context_id %q contains invalid character %q", id, r)
		}
	}
	if id == "." || id == ".." {
		return fmt.Errorf("context_id %q is reserved", id)
	}
	return nil
}

// CheckStructure returns every structural problem found in the snapshot. An
// empty result means the snapshot is well formed: identity valid, both
// envelope markers present and matching, and every event in range.
func (s *Snapshot) CheckStructure() []error {
	if s == nil {
		return []error{ErrInvalidDocument}
	}

	var problems []error
	if err := ValidateContextID(s.ContextID); err != nil {
		problems = append(problems, err)
	}
	if !s.Scope.Valid() {
		problems = append(problems, fmt.Errorf("%w: %q", ErrInvalidScope, s.Scope))
	}
	if s.LastActivityAt.IsZero() {
		problems = append(problems, ErrNoLastActivity)
	}

	switch {
	case s.Begin == nil:
		problems = append(problems, ErrMissingBegin)
	case s.Begin.Format != FormatName || s.Begin.Version != FormatVersion:
		problems = append(problems, fmt.Errorf("%w: %s/v%d", ErrBadFormat, s.Begin.Format, s.Begin.Version))
	}

	switch {
	case s.End == nil:
		problems = append(problems, ErrMissingEnd)
	case s.End.EventCount != len(s.Events):
		problems = append(problems, fmt.Errorf("%w: declared %d, found %d",
			ErrCountMismatch, s.End.EventCount, len(s.Events)))
	}

	for i, e := range s.Events {
		if e.Type == "" {
			problems = append(problems, fmt.Errorf("event %d: %w", i, ErrEmptyEventType))
		}
		if e.Importance < MinImportance || e.Importance > MaxImportance {
			problems = append(problems, fmt.Errorf("event %d: %w: %d", i, ErrImportanceRange, e.Importance))
		}
		if e.Timestamp.IsZero() {
			problems = append(problems, fmt.Errorf("event %d: %w", i, ErrZeroTimestamp))
		}
	}

	return problems
}

// Validate returns the structural problems joined into one error, or nil.
func (s *Snapshot) Validate() error {
	return errors.Join(s.CheckStructure()...)
}
