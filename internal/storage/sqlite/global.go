package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/steroids-dev/steroids/internal/types"
)

// GlobalStore is the per-user store shared by all projects: runner registry,
// project list, parallel sessions, and the activity feed.
type GlobalStore struct {
	db   *sql.DB
	path string
}

// OpenGlobal opens the global store under homeDir/.steroids/steroids.db.
// Bootstrap (directory creation plus first migration) is guarded by a file
// lock so two fresh runners starting at once don't race it; after that the
// store's own transactions carry all synchronization.
func OpenGlobal(ctx context.Context, homeDir string) (*GlobalStore, error) {
	dir := filepath.Join(homeDir, ".steroids")
	path := filepath.Join(dir, DBFileName)

	lock := flock.New(filepath.Join(dir, "bootstrap.lock"))
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}

	locked, lockErr := lock.TryLockContext(ctx, 100*time.Millisecond)
	if lockErr == nil && locked {
		defer func() { _ = lock.Unlock() }()
	}

	if err := ensureMetaTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := runMigrations(ctx, db, path, globalMigrations(), ""); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &GlobalStore{db: db, path: path}, nil
}

// DB exposes the underlying handle.
func (g *GlobalStore) DB() *sql.DB { return g.db }

// Path returns the store file path.
func (g *GlobalStore) Path() string { return g.path }

// Close closes the store.
func (g *GlobalStore) Close() error { return g.db.Close() }

// RegisterRunner upserts the runner row with a fresh heartbeat.
func (g *GlobalStore) RegisterRunner(ctx context.Context, r *types.Runner) error {
	now := time.Now()
	if r.StartedAt.IsZero() {
		r.StartedAt = now
	}
	if r.HeartbeatAt.IsZero() {
		r.HeartbeatAt = now
	}
	if r.Status == "" {
		r.Status = types.RunnerRunning
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO runners (id, status, pid, project_path, current_task_id, section_id, parallel_session_id, started_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, pid = excluded.pid,
			project_path = excluded.project_path,
			current_task_id = excluded.current_task_id,
			section_id = excluded.section_id,
			parallel_session_id = excluded.parallel_session_id,
			heartbeat_at = excluded.heartbeat_at
	`, r.ID, string(r.Status), r.PID, r.ProjectPath, r.CurrentTaskID, r.SectionID,
		r.ParallelSessionID, formatTime(r.StartedAt), formatTime(r.HeartbeatAt))
	if err != nil {
		return fmt.Errorf("failed to register runner %s: %w", r.ID, err)
	}
	return nil
}

// HeartbeatRunner stamps heartbeat_at.
func (g *GlobalStore) HeartbeatRunner(ctx context.Context, runnerID string) error {
	_, err := g.db.ExecContext(ctx,
		`UPDATE runners SET heartbeat_at = ? WHERE id = ?`, formatTime(time.Now()), runnerID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat runner %s: %w", runnerID, err)
	}
	return nil
}

// SetRunnerTask records which task (possibly none) the runner is executing.
func (g *GlobalStore) SetRunnerTask(ctx context.Context, runnerID, taskID string) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE runners SET current_task_id = ?, heartbeat_at = ? WHERE id = ?
	`, taskID, formatTime(time.Now()), runnerID)
	if err != nil {
		return fmt.Errorf("failed to update runner %s task: %w", runnerID, err)
	}
	return nil
}

// DeleteRunner removes the runner row.
func (g *GlobalStore) DeleteRunner(ctx context.Context, runnerID string) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM runners WHERE id = ?`, runnerID)
	if err != nil {
		return fmt.Errorf("failed to delete runner %s: %w", runnerID, err)
	}
	return nil
}

const runnerColumns = `id, status, pid, project_path, COALESCE(current_task_id, ''),
	COALESCE(section_id, ''), COALESCE(parallel_session_id, ''), started_at, heartbeat_at`

func scanRunner(row interface{ Scan(...any) error }) (*types.Runner, error) {
	var r types.Runner
	var status, startedAt, heartbeatAt string
	err := row.Scan(&r.ID, &status, &r.PID, &r.ProjectPath, &r.CurrentTaskID,
		&r.SectionID, &r.ParallelSessionID, &startedAt, &heartbeatAt)
	if err != nil {
		return nil, err
	}
	r.Status = types.RunnerStatus(status)
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if r.HeartbeatAt, err = parseTime(heartbeatAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRunner fetches one runner, or nil when unknown.
func (g *GlobalStore) GetRunner(ctx context.Context, runnerID string) (*types.Runner, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE id = ?`, runnerID)
	r, err := scanRunner(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get runner %s: %w", runnerID, err)
	}
	return r, nil
}

// ListRunners returns runners, optionally filtered to one project.
func (g *GlobalStore) ListRunners(ctx context.Context, projectPath string) ([]*types.Runner, error) {
	query := `SELECT ` + runnerColumns + ` FROM runners`
	var args []any
	if projectPath != "" {
		query += ` WHERE project_path = ?`
		args = append(args, projectPath)
	}
	query += ` ORDER BY started_at ASC`

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runners: %w", err)
	}
	defer rows.Close()

	var out []*types.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TouchProject upserts the project row and stamps last_seen_at.
func (g *GlobalStore) TouchProject(ctx context.Context, path, name string) error {
	now := formatTime(time.Now())
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO projects (path, name, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`, path, name, now, now)
	if err != nil {
		return fmt.Errorf("failed to touch project %s: %w", path, err)
	}
	return nil
}

// UpdateProjectStats caches per-status counts on the project row.
func (g *GlobalStore) UpdateProjectStats(ctx context.Context, path string, c TaskCounts) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE projects SET stats_pending = ?, stats_in_progress = ?,
			stats_review = ?, stats_completed = ?, stats_updated_at = ?
		WHERE path = ?
	`, c.Pending, c.InProgress, c.Review, c.Completed, formatTime(time.Now()), path)
	if err != nil {
		return fmt.Errorf("failed to update project stats for %s: %w", path, err)
	}
	return nil
}

// ActivityEntry is one row of the per-user activity feed.
type ActivityEntry struct {
	ProjectPath   string
	RunnerID      string
	TaskID        string
	TaskTitle     string
	SectionName   string
	FinalStatus   string
	CommitMessage string
	CommitSHA     string
}

// AppendActivity records a completed (or failed) task in the activity feed.
func (g *GlobalStore) AppendActivity(ctx context.Context, e ActivityEntry) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO activity_log (project_path, runner_id, task_id, task_title,
			section_name, final_status, commit_message, commit_sha, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ProjectPath, e.RunnerID, e.TaskID, e.TaskTitle, e.SectionName,
		e.FinalStatus, e.CommitMessage, e.CommitSHA, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}
