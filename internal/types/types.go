// Package types defines the records persisted by the steroids stores and the
// status vocabulary shared by the selector, lock manager, and orchestrator.
package types

import "time"

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusDisputed   Status = "disputed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Valid reports whether s is a known task status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusReview, StatusCompleted,
		StatusDisputed, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether a task in this status is out of the work queue.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// MaxRejections caps rejection_count; past it the loop refuses another coder
// invocation and disputes or fails the task.
const MaxRejections = 15

// Task is the unit of work.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Status          Status     `json:"status"`
	SectionID       string     `json:"section_id,omitempty"`
	SourceFile      string     `json:"source_file,omitempty"`
	FilePath        string     `json:"file_path,omitempty"`
	FileLine        int        `json:"file_line,omitempty"`
	FileCommitSHA   string     `json:"file_commit_sha,omitempty"`
	FileContentHash string     `json:"file_content_hash,omitempty"`
	RejectionCount  int        `json:"rejection_count"`
	FailureCount    int        `json:"failure_count"`
	LastFailureAt   *time.Time `json:"last_failure_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Section is an ordered group of tasks. Lower Position runs first.
type Section struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	Priority  int       `json:"priority"`
	Skipped   bool      `json:"skipped"`
	CreatedAt time.Time `json:"created_at"`
}

// SectionDependency is a directed edge: SectionID runs after DependsOnID.
type SectionDependency struct {
	SectionID   string `json:"section_id"`
	DependsOnID string `json:"depends_on_section_id"`
}

// AuditEntry is one append-only row recording a status transition.
type AuditEntry struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Actor      string    `json:"actor"`
	ActorType  string    `json:"actor_type"`
	Model      string    `json:"model,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CommitSHA  string    `json:"commit_sha,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Actor types for audit rows.
const (
	ActorHuman    = "human"
	ActorAI       = "ai"
	ActorRecovery = "recovery"
	ActorSystem   = "system"
)

// Dispute records a coder/reviewer deadlock escalated for human resolution.
type Dispute struct {
	ID               string     `json:"id"`
	TaskID           string     `json:"task_id"`
	Type             string     `json:"type"`
	Status           string     `json:"status"`
	Reason           string     `json:"reason,omitempty"`
	CoderPosition    string     `json:"coder_position,omitempty"`
	ReviewerPosition string     `json:"reviewer_position,omitempty"`
	Resolution       string     `json:"resolution,omitempty"`
	ResolutionNotes  string     `json:"resolution_notes,omitempty"`
	CreatedBy        string     `json:"created_by,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}
