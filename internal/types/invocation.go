package types

import "time"

// Role identifies which configured provider slot an invocation ran under.
type Role string

const (
	RoleCoder        Role = "coder"
	RoleReviewer     Role = "reviewer"
	RoleOrchestrator Role = "orchestrator"
)

// InvocationStatus is the persisted state of one external-process execution.
type InvocationStatus string

const (
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimeout   InvocationStatus = "timeout"
)

// Invocation is one child-process execution against a task.
// While Status is running, CompletedAtMs is zero; it is written exactly once
// on close together with DurationMs, Success, TimedOut, and ExitCode.
type Invocation struct {
	ID             int64            `json:"id"`
	TaskID         string           `json:"task_id"`
	Role           Role             `json:"role"`
	Provider       string           `json:"provider"`
	Model          string           `json:"model"`
	Prompt         string           `json:"prompt,omitempty"`
	Response       string           `json:"response,omitempty"`
	Error          string           `json:"error,omitempty"`
	StartedAtMs    int64            `json:"started_at_ms"`
	CompletedAtMs  int64            `json:"completed_at_ms,omitempty"`
	LastActivityMs int64            `json:"last_activity_at_ms,omitempty"`
	Status         InvocationStatus `json:"status"`
	ExitCode       int              `json:"exit_code"`
	DurationMs     int64            `json:"duration_ms"`
	Success        bool             `json:"success"`
	TimedOut       bool             `json:"timed_out"`
	RejectionNum   int              `json:"rejection_number,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}
