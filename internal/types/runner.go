package types

import "time"

// RunnerStatus is the registered state of a runner process.
type RunnerStatus string

const (
	RunnerRunning RunnerStatus = "running"
	RunnerStopped RunnerStatus = "stopped"
)

// Runner is one registered loop process in the global store.
type Runner struct {
	ID                string       `json:"id"`
	Status            RunnerStatus `json:"status"`
	PID               int          `json:"pid"`
	ProjectPath       string       `json:"project_path"`
	CurrentTaskID     string       `json:"current_task_id,omitempty"`
	SectionID         string       `json:"section_id,omitempty"`
	ParallelSessionID string       `json:"parallel_session_id,omitempty"`
	StartedAt         time.Time    `json:"started_at"`
	HeartbeatAt       time.Time    `json:"heartbeat_at"`
}

// FailureMode classifies a detected pathology.
type FailureMode string

const (
	FailureOrphanedTask      FailureMode = "orphaned_task"
	FailureHangingInvocation FailureMode = "hanging_invocation"
	FailureZombieRunner      FailureMode = "zombie_runner"
	FailureDeadRunner        FailureMode = "dead_runner"
	FailureDBInconsistency   FailureMode = "db_inconsistency"
	FailureCreditExhaustion  FailureMode = "credit_exhaustion"
)

// Incident resolutions written by the recovery engine.
const (
	ResolutionAutoRestart   = "auto_restart"
	ResolutionSkipped       = "skipped"
	ResolutionKilled        = "killed"
	ResolutionConfigChanged = "config_changed"
	ResolutionStopped       = "stopped"
	ResolutionReported      = "reported"
)

// Incident is an append-only record of a detected pathology and what the
// recovery engine did about it. Also the unit of recovery rate-limiting.
type Incident struct {
	ID         string      `json:"id"`
	TaskID     string      `json:"task_id,omitempty"`
	RunnerID   string      `json:"runner_id,omitempty"`
	Mode       FailureMode `json:"failure_mode"`
	DetectedAt time.Time   `json:"detected_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
	Resolution string      `json:"resolution,omitempty"`
	Details    string      `json:"details,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Workstream is one branch of a parallel session, tracked for coordinated
// merging. Treated as an opaque coordination record by the core.
type Workstream struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	BranchName       string     `json:"branch_name"`
	SectionIDs       string     `json:"section_ids"`
	ClonePath        string     `json:"clone_path"`
	Status           string     `json:"status"`
	RunnerID         string     `json:"runner_id,omitempty"`
	LeaseExpiresAt   *time.Time `json:"lease_expires_at,omitempty"`
	RecoveryAttempts int        `json:"recovery_attempts"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}
