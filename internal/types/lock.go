package types

import "time"

// TaskLock is a lease on a task. At most one live row exists per task id;
// expiry is advisory until another runner claims or cleanup sweeps it.
type TaskLock struct {
	TaskID      string    `json:"task_id"`
	RunnerID    string    `json:"runner_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Expired reports whether the lease had expired at the given instant.
func (l *TaskLock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// SectionLock is a lease on a section. Same shape as TaskLock without the
// heartbeat column.
type SectionLock struct {
	SectionID  string    `json:"section_id"`
	RunnerID   string    `json:"runner_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (l *SectionLock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// MergeLock is the single process-wide lease held while a multi-workstream
// merge is in progress. Opaque coordination record; no merge algorithm here.
type MergeLock struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	RunnerID    string    `json:"runner_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// AcquireReason explains how an acquire call came to own the lease.
type AcquireReason string

const (
	AcquireNew          AcquireReason = "new"
	AcquireAlreadyOwned AcquireReason = "already_owned"
	AcquireClaimExpired AcquireReason = "claimed_expired"
)

// AcquireResult is the outcome of a lease acquire attempt. When Acquired is
// false, Holder and ExpiresAt describe the current owner.
type AcquireResult struct {
	Acquired  bool          `json:"acquired"`
	Reason    AcquireReason `json:"reason,omitempty"`
	Holder    string        `json:"holder,omitempty"`
	ExpiresAt time.Time     `json:"expires_at,omitempty"`
}
