package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the conditions the loop distinguishes. Callers test
// with errors.Is; wrapped messages carry the specifics.
var (
	ErrTaskLocked      = errors.New("task is locked by another runner")
	ErrLockNotFound    = errors.New("lock not found")
	ErrNotLockOwner    = errors.New("lock is held by a different runner")
	ErrChecksumMismatch = errors.New("migration checksum mismatch")
	ErrSchemaAhead     = errors.New("database schema is ahead of bundled migrations")
	ErrActivityTimeout = errors.New("invocation activity timeout")
	ErrCreditExhausted = errors.New("provider credits exhausted")
	ErrProviderMissing = errors.New("provider CLI not available")
	ErrCancelled       = errors.New("cancellation requested")
	ErrNoWork          = errors.New("no work available")
)

// Exit codes for the CLI, per the documented mapping.
const (
	ExitOK               = 0
	ExitGeneral          = 1
	ExitLockNotFound     = 4
	ExitPermissionDenied = 5
	ExitTaskLocked       = 6
)

// ExitCodeFor maps an error to its CLI exit code.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrLockNotFound):
		return ExitLockNotFound
	case errors.Is(err, ErrNotLockOwner):
		return ExitPermissionDenied
	case errors.Is(err, ErrTaskLocked):
		return ExitTaskLocked
	default:
		return ExitGeneral
	}
}

// LockedError carries the current holder alongside ErrTaskLocked.
type LockedError struct {
	ID        string
	Holder    string
	ExpiresAt time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s is locked by %s until %s", e.ID, e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error { return ErrTaskLocked }
