package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steroids-dev/steroids/internal/types"
)

// StartInvocation inserts a running invocation row and returns its id.
// started_at_ms is set on spawn; the close fields stay null until
// CloseInvocation writes them exactly once.
func (s *Store) StartInvocation(ctx context.Context, inv *types.Invocation) (int64, error) {
	if inv.StartedAtMs == 0 {
		inv.StartedAtMs = time.Now().UnixMilli()
	}
	if inv.Status == "" {
		inv.Status = types.InvocationRunning
	}
	var rejection any
	if inv.RejectionNum > 0 {
		rejection = inv.RejectionNum
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_invocations (
			task_id, role, provider, model, prompt,
			started_at_ms, last_activity_at_ms, status, rejection_number, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inv.TaskID, string(inv.Role), inv.Provider, inv.Model, inv.Prompt,
		inv.StartedAtMs, inv.StartedAtMs, string(inv.Status), rejection,
		formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert invocation for %s: %w", inv.TaskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read invocation id: %w", err)
	}
	inv.ID = id
	return id, nil
}

// TouchInvocation updates last_activity_at_ms. Called on every observed
// output byte, throttled by the supervisor.
func (s *Store) TouchInvocation(ctx context.Context, id int64, activityMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_invocations SET last_activity_at_ms = ? WHERE id = ? AND status = 'running'
	`, activityMs, id)
	if err != nil {
		return fmt.Errorf("failed to touch invocation %d: %w", id, err)
	}
	return nil
}

// InvocationClose carries the terminal fields written once on close.
type InvocationClose struct {
	Status     types.InvocationStatus
	ExitCode   int
	Response   string
	Error      string
	Success    bool
	TimedOut   bool
	DurationMs int64
}

// CloseInvocation finalizes a running invocation in one transaction. A row
// already closed is left untouched, making close idempotent.
func (s *Store) CloseInvocation(ctx context.Context, id int64, c InvocationClose) error {
	completed := time.Now().UnixMilli()
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE task_invocations
			SET status = ?, exit_code = ?, response = ?, error = ?,
			    success = ?, timed_out = ?, duration_ms = ?, completed_at_ms = ?
			WHERE id = ? AND status = 'running'
		`, string(c.Status), c.ExitCode, c.Response, c.Error,
			boolToInt(c.Success), boolToInt(c.TimedOut), c.DurationMs, completed, id)
		if err != nil {
			return fmt.Errorf("failed to close invocation %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // already closed
		}
		return nil
	})
}

const invocationColumns = `id, task_id, role, provider, model,
	COALESCE(prompt, ''), COALESCE(response, ''), COALESCE(error, ''),
	started_at_ms, COALESCE(completed_at_ms, 0), COALESCE(last_activity_at_ms, 0),
	status, exit_code, duration_ms, success, timed_out,
	COALESCE(rejection_number, 0), created_at`

func scanInvocation(row interface{ Scan(...any) error }) (*types.Invocation, error) {
	var inv types.Invocation
	var role, status, createdAt string
	var success, timedOut int
	err := row.Scan(
		&inv.ID, &inv.TaskID, &role, &inv.Provider, &inv.Model,
		&inv.Prompt, &inv.Response, &inv.Error,
		&inv.StartedAtMs, &inv.CompletedAtMs, &inv.LastActivityMs,
		&status, &inv.ExitCode, &inv.DurationMs, &success, &timedOut,
		&inv.RejectionNum, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Role = types.Role(role)
	inv.Status = types.InvocationStatus(status)
	inv.Success = success != 0
	inv.TimedOut = timedOut != 0
	if inv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at on invocation %d: %w", inv.ID, err)
	}
	return &inv, nil
}

// GetInvocation fetches one invocation by id.
func (s *Store) GetInvocation(ctx context.Context, id int64) (*types.Invocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invocationColumns+` FROM task_invocations WHERE id = ?`, id)
	inv, err := scanInvocation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invocation %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invocation %d: %w", id, err)
	}
	return inv, nil
}

// LatestInvocation returns the most recently started invocation for a task,
// or nil when the task has none.
func (s *Store) LatestInvocation(ctx context.Context, taskID string) (*types.Invocation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+invocationColumns+` FROM task_invocations
		WHERE task_id = ? ORDER BY started_at_ms DESC, id DESC LIMIT 1
	`, taskID)
	inv, err := scanInvocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest invocation for %s: %w", taskID, err)
	}
	return inv, nil
}

// RunningInvocations returns every invocation still marked running.
func (s *Store) RunningInvocations(ctx context.Context) ([]*types.Invocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invocationColumns+` FROM task_invocations
		WHERE status = 'running' ORDER BY started_at_ms ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query running invocations: %w", err)
	}
	defer rows.Close()

	var out []*types.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// InvocationCount returns the number of invocations recorded for a task.
func (s *Store) InvocationCount(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_invocations WHERE task_id = ?`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count invocations for %s: %w", taskID, err)
	}
	return n, nil
}
