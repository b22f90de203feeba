package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/steroids-dev/steroids/internal/types"
)

// CreateTask inserts a new task in pending status.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	now := time.Now()
	if task.Status == "" {
		task.Status = types.StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	var sectionID any
	if task.SectionID != "" {
		sectionID = task.SectionID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, title, status, section_id, source_file, file_path, file_line,
			file_commit_sha, file_content_hash, rejection_count, failure_count,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID, task.Title, string(task.Status), sectionID, task.SourceFile,
		task.FilePath, task.FileLine, task.FileCommitSHA, task.FileContentHash,
		task.RejectionCount, task.FailureCount,
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", task.ID, err)
	}
	return nil
}

const taskColumns = `id, title, status, COALESCE(section_id, ''), source_file,
	file_path, file_line, file_commit_sha, file_content_hash,
	rejection_count, failure_count, COALESCE(last_failure_at, ''),
	created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*types.Task, error) {
	var t types.Task
	var status, lastFailure, createdAt, updatedAt string
	err := row.Scan(
		&t.ID, &t.Title, &status, &t.SectionID, &t.SourceFile,
		&t.FilePath, &t.FileLine, &t.FileCommitSHA, &t.FileContentHash,
		&t.RejectionCount, &t.FailureCount, &lastFailure,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = types.Status(status)
	if lastFailure != "" {
		if ts, err := parseTime(lastFailure); err == nil {
			t.LastFailureAt = &ts
		}
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at on task %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at on task %s: %w", t.ID, err)
	}
	return &t, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Statuses   []types.Status
	SectionIDs []string
}

// ListTasks returns tasks matching the filter ordered by section position
// then creation time, the selector's base ordering.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	query := `
		SELECT t.id, t.title, t.status, COALESCE(t.section_id, ''), t.source_file,
		       t.file_path, t.file_line, t.file_commit_sha, t.file_content_hash,
		       t.rejection_count, t.failure_count, COALESCE(t.last_failure_at, ''),
		       t.created_at, t.updated_at
		FROM tasks t
		LEFT JOIN sections sec ON sec.id = t.section_id
	`
	var conds []string
	var args []any
	if len(filter.Statuses) > 0 {
		ph := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "t.status IN ("+strings.Join(ph, ", ")+")")
	}
	if len(filter.SectionIDs) > 0 {
		ph := make([]string, len(filter.SectionIDs))
		for i, id := range filter.SectionIDs {
			ph[i] = "?"
			args = append(args, id)
		}
		conds = append(conds, "t.section_id IN ("+strings.Join(ph, ", ")+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY COALESCE(sec.position, 0) ASC, t.created_at ASC, t.id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TaskCounts is the per-status tally used by the loop's idle check.
type TaskCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Review     int `json:"review"`
	Completed  int `json:"completed"`
	Disputed   int `json:"disputed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Active reports whether any task still needs loop attention.
func (c TaskCounts) Active() bool {
	return c.Pending > 0 || c.InProgress > 0 || c.Review > 0
}

// CountTasks tallies tasks by status.
func (s *Store) CountTasks(ctx context.Context) (TaskCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return TaskCounts{}, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	var c TaskCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return TaskCounts{}, err
		}
		switch types.Status(status) {
		case types.StatusPending:
			c.Pending = n
		case types.StatusInProgress:
			c.InProgress = n
		case types.StatusReview:
			c.Review = n
		case types.StatusCompleted:
			c.Completed = n
		case types.StatusDisputed:
			c.Disputed = n
		case types.StatusFailed:
			c.Failed = n
		case types.StatusSkipped:
			c.Skipped = n
		}
	}
	return c, rows.Err()
}

// Transition describes one status change request.
type Transition struct {
	TaskID    string
	To        types.Status
	Actor     string
	ActorType string
	Model     string
	Notes     string
	CommitSHA string
	// IncrementRejection bumps rejection_count (review -> in_progress on a
	// reviewer reject). IncrementFailure bumps failure_count and stamps
	// last_failure_at (recovery paths).
	IncrementRejection bool
	IncrementFailure   bool
}

// TransitionTask atomically updates the task's status and appends the audit
// row in the same transaction. Returns the previous status.
func (s *Store) TransitionTask(ctx context.Context, tr Transition) (types.Status, error) {
	if !tr.To.Valid() {
		return "", fmt.Errorf("invalid target status %q", tr.To)
	}
	if tr.ActorType == "" {
		tr.ActorType = types.ActorHuman
	}

	var from types.Status
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, tr.TaskID).Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("task %s not found", tr.TaskID)
			}
			return fmt.Errorf("failed to read task %s: %w", tr.TaskID, err)
		}
		from = types.Status(current)

		now := formatTime(time.Now())
		set := `status = ?, updated_at = ?`
		args := []any{string(tr.To), now}
		if tr.IncrementRejection {
			set += `, rejection_count = rejection_count + 1`
		}
		if tr.IncrementFailure {
			set += `, failure_count = failure_count + 1, last_failure_at = ?`
			args = append(args, now)
		}
		args = append(args, tr.TaskID)
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET `+set+` WHERE id = ?`, args...); err != nil {
			return fmt.Errorf("failed to update task %s: %w", tr.TaskID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit (task_id, from_status, to_status, actor, actor_type, model, notes, commit_sha, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, tr.TaskID, string(from), string(tr.To), tr.Actor, tr.ActorType, tr.Model, tr.Notes, tr.CommitSHA, now); err != nil {
			return fmt.Errorf("failed to append audit row for %s: %w", tr.TaskID, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return from, nil
}

// AuditTrail returns the audit rows for a task, oldest first.
func (s *Store) AuditTrail(ctx context.Context, taskID string) ([]*types.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, actor, actor_type,
		       COALESCE(model, ''), COALESCE(notes, ''), COALESCE(commit_sha, ''), created_at
		FROM audit WHERE task_id = ? ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []*types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		var from, to, createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &from, &to, &e.Actor, &e.ActorType,
			&e.Model, &e.Notes, &e.CommitSHA, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.FromStatus = types.Status(from)
		e.ToStatus = types.Status(to)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PurgeTask deletes a task and its dependent rows. Explicit destruction only.
func (s *Store) PurgeTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to purge task %s: %w", id, err)
	}
	return nil
}
