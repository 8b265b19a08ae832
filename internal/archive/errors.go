package archive

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/ctxvault/internal/codec"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/store"
)

var (
	// ErrNotFound means no archive exists for the id in either scope.
	ErrNotFound = store.ErrNotFound
	// ErrInvalidSnapshot means the snapshot handed to Archive is structurally
	// broken or does not belong to the requested key. Nothing is written.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
	// ErrCorruptArchive matches any *CorruptArchiveError.
	ErrCorruptArchive = codec.ErrCorruptArchive
)

// ScopeMismatchError means the id is archived under the other scope.
type ScopeMismatchError = store.ScopeMismatchError

// CorruptArchiveError means a payload failed validation on decode.
type CorruptArchiveError = codec.CorruptArchiveError

// ArchiveWriteError wraps an I/O failure while persisting an archive. The
// caller may retry the whole operation.
type ArchiveWriteError struct {
	ContextID string
	Scope     snapshot.Scope
	Err       error
}

func (e *ArchiveWriteError) Error() string {
	return fmt.Sprintf("archive %s/%s: %v", e.Scope, e.ContextID, e.Err)
}

func (e *ArchiveWriteError) Unwrap() error { return e.Err }
