package types

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// The error taxonomy shared by every layer of the store. Lower layers wrap
// their failures and mark them with one of these so callers can match with
// errors.Is regardless of how many times the error was wrapped.
var (
	// ErrBackendUnavailable means I/O against the backend failed after retries
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrConflict means an optimistic version commit lost a race with another commit
	ErrConflict = errors.New("version conflict")
	// ErrEpochTooOld means the snapshot required for a read has been garbage collected
	ErrEpochTooOld = errors.New("epoch too old")
	// ErrCorruption means a checksum or structural check failed on persisted bytes
	ErrCorruption = errors.New("corruption")
	// ErrDurabilityFailure means a write batch could not be made durable
	ErrDurabilityFailure = errors.New("durability failure")

	ErrKeyNotFound   = errors.New("key not found")
	ErrEpochExpired  = errors.New("epoch lease expired")
	ErrDuplicateTask = errors.New("duplicate compaction task")
	ErrStaleTask     = errors.New("stale compaction task")
	ErrClosed        = errors.New("closed")
	// ErrEpochNotIssued means a read asked for an epoch the allocator has not handed out
	ErrEpochNotIssued = errors.New("epoch not issued")
	// ErrContextExpired means a read context stopped sending keep alives and its pins were released
	ErrContextExpired = errors.New("read context expired")
)

// Corruptf returns a new error marked as ErrCorruption
func Corruptf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// MarkCorrupt marks err as ErrCorruption, nil stays nil
func MarkCorrupt(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrCorruption)
}

// ErrWarn collects non-fatal problems encountered while iterating, such
// as a corrupt row which was skipped.
type ErrWarn struct {
	Warnings []string
}

func (e *ErrWarn) Error() string {
	return strings.Join(e.Warnings, "\n")
}

func (e *ErrWarn) String() string {
	return e.Error()
}

func (e *ErrWarn) Is(target error) bool {
	_, ok := target.(*ErrWarn)
	return ok
}

func (e *ErrWarn) Add(s string, arg ...any) {
	e.Warnings = append(e.Warnings, fmt.Sprintf(s, arg...))
}

// Merge appends the warnings from other, other may be nil
func (e *ErrWarn) Merge(other *ErrWarn) {
	if other == nil {
		return
	}
	e.Warnings = append(e.Warnings, other.Warnings...)
}

func (e *ErrWarn) Empty() bool {
	return len(e.Warnings) == 0
}

func (e *ErrWarn) If() error {
	if len(e.Warnings) > 0 {
		return e
	}
	return nil
}
