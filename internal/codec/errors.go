package codec

import (
	"errors"
	"fmt"
)

// ErrCorruptArchive matches any *CorruptArchiveError via errors.Is.
var ErrCorruptArchive = errors.New("corrupt archive")

// CorruptArchiveError reports a payload that failed structural or checksum
// validation. Decode never returns partial data alongside it.
type CorruptArchiveError struct {
	Reason string
	Err    error
}

func (e *CorruptArchiveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt archive: %s: %v", e.Reason, e.Err)
	}
	return "corrupt archive: " + e.Reason
}

func (e *CorruptArchiveError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCorruptArchive) true.
func (e *CorruptArchiveError) Is(target error) bool { return target == ErrCorruptArchive }

func corrupt(reason string, err error) error {
	return &CorruptArchiveError{Reason: reason, Err: err}
}

func corruptf(format string, args ...any) error {
	return &CorruptArchiveError{Reason: fmt.Sprintf(format, args...)}
}
