package store

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
)

var (
	// ErrNotFound means no archive exists for the id in either scope.
	ErrNotFound = errors.New("archive not found")
	// ErrCorruptMetadata means a sidecar could not be parsed or failed its
	// digest check.
	ErrCorruptMetadata = errors.New("corrupt archive metadata")
	// ErrMissingMetadata means a payload exists without its sidecar.
	ErrMissingMetadata = errors.New("archive metadata missing")
	// ErrMissingPayload means a sidecar exists without its payload.
	ErrMissingPayload = errors.New("archive payload missing")
)

// ScopeMismatchError means an archive exists for the id, but under a
// different scope than the one requested.
type ScopeMismatchError struct {
	ContextID string
	Requested snapshot.Scope
	Actual    snapshot.Scope
}

func (e *ScopeMismatchError) Error() string {
	return fmt.Sprintf("context %q is archived under scope %q, not %q", e.ContextID, e.Actual, e.Requested)
}
