// Package lock provides atomic lease primitives over the task_locks,
// section_locks, and merge_locks tables. Synchronization relies only on the
// store's own transactional semantics; multiple runner processes sharing the
// database coordinate exclusively through these rows.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/steroids-dev/steroids/internal/storage/sqlite"
	"github.com/steroids-dev/steroids/internal/types"
)

// Manager executes lease operations against a project store.
type Manager struct {
	db *sql.DB
	// now is replaceable in tests to pin expiry boundaries.
	now func() time.Time
}

// NewManager builds a lock manager over the project store.
func NewManager(store *sqlite.Store) *Manager {
	return &Manager{db: store.DB(), now: time.Now}
}

// AcquireTask attempts to lease a task for runnerID with the given timeout.
//
// The algorithm:
//  1. Try to INSERT a fresh row. Unique-key failure means a row exists.
//  2. Read the current row; if it vanished under us, retry the insert once.
//  3. Our own row: extend expiry and heartbeat, report already_owned.
//  4. Expired row: claim it with a conditional UPDATE guarded on expiry, so
//     exactly one of several racing claimants wins.
//  5. Otherwise the lease is held; report the holder.
func (m *Manager) AcquireTask(ctx context.Context, taskID, runnerID string, timeout time.Duration) (*types.AcquireResult, error) {
	return m.acquire(ctx, leaseTableTask, taskID, runnerID, timeout)
}

// AcquireSection is AcquireTask over section_locks.
func (m *Manager) AcquireSection(ctx context.Context, sectionID, runnerID string, timeout time.Duration) (*types.AcquireResult, error) {
	return m.acquire(ctx, leaseTableSection, sectionID, runnerID, timeout)
}

// leaseTable abstracts the two lease tables, which differ only in key column
// and the presence of heartbeat_at.
type leaseTable struct {
	name      string
	keyColumn string
	heartbeat bool
}

var (
	leaseTableTask    = leaseTable{name: "task_locks", keyColumn: "task_id", heartbeat: true}
	leaseTableSection = leaseTable{name: "section_locks", keyColumn: "section_id", heartbeat: false}
)

func (t leaseTable) insertSQL() string {
	if t.heartbeat {
		return fmt.Sprintf(`INSERT INTO %s (%s, runner_id, acquired_at, expires_at, heartbeat_at) VALUES (?, ?, ?, ?, ?)`,
			t.name, t.keyColumn)
	}
	return fmt.Sprintf(`INSERT INTO %s (%s, runner_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
		t.name, t.keyColumn)
}

func (m *Manager) acquire(ctx context.Context, table leaseTable, id, runnerID string, timeout time.Duration) (*types.AcquireResult, error) {
	now := m.now()
	nowStr := sqlite.FormatTime(now)
	expiresStr := sqlite.FormatTime(now.Add(timeout))

	for attempt := 0; attempt < 2; attempt++ {
		args := []any{id, runnerID, nowStr, expiresStr}
		if table.heartbeat {
			args = append(args, nowStr)
		}
		_, err := m.db.ExecContext(ctx, table.insertSQL(), args...)
		if err == nil {
			return &types.AcquireResult{Acquired: true, Reason: types.AcquireNew}, nil
		}
		if !isUniqueConstraintError(err) {
			return nil, fmt.Errorf("failed to insert %s row: %w", table.name, err)
		}

		var holder, expiresAt string
		err = m.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT runner_id, expires_at FROM %s WHERE %s = ?`, table.name, table.keyColumn),
			id).Scan(&holder, &expiresAt)
		if err == sql.ErrNoRows {
			// Row deleted between insert and read; retry the insert once.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s row: %w", table.name, err)
		}

		if holder == runnerID {
			set := `expires_at = ?`
			extArgs := []any{expiresStr}
			if table.heartbeat {
				set += `, heartbeat_at = ?`
				extArgs = append(extArgs, nowStr)
			}
			extArgs = append(extArgs, id, runnerID)
			if _, err := m.db.ExecContext(ctx,
				fmt.Sprintf(`UPDATE %s SET %s WHERE %s = ? AND runner_id = ?`, table.name, set, table.keyColumn),
				extArgs...); err != nil {
				return nil, fmt.Errorf("failed to refresh owned lease: %w", err)
			}
			return &types.AcquireResult{Acquired: true, Reason: types.AcquireAlreadyOwned}, nil
		}

		expiry, perr := sqlite.ParseTime(expiresAt)
		if perr != nil {
			return nil, fmt.Errorf("corrupt expires_at on %s %s: %w", table.name, id, perr)
		}
		if expiry.Before(now) || expiry.Equal(now) {
			// Conditional claim: the WHERE clause re-checks expiry so only
			// one racing claimant changes the row.
			set := `runner_id = ?, acquired_at = ?, expires_at = ?`
			claimArgs := []any{runnerID, nowStr, expiresStr}
			if table.heartbeat {
				set += `, heartbeat_at = ?`
				claimArgs = append(claimArgs, nowStr)
			}
			claimArgs = append(claimArgs, id, nowStr)
			res, err := m.db.ExecContext(ctx,
				fmt.Sprintf(`UPDATE %s SET %s WHERE %s = ? AND expires_at <= ?`, table.name, set, table.keyColumn),
				claimArgs...)
			if err != nil {
				return nil, fmt.Errorf("failed to claim expired lease: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				return &types.AcquireResult{Acquired: true, Reason: types.AcquireClaimExpired}, nil
			}
			// Someone else claimed first; report the now-current holder.
			var curHolder, curExpires string
			err = m.db.QueryRowContext(ctx,
				fmt.Sprintf(`SELECT runner_id, expires_at FROM %s WHERE %s = ?`, table.name, table.keyColumn),
				id).Scan(&curHolder, &curExpires)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return nil, err
			}
			curExpiry, _ := sqlite.ParseTime(curExpires)
			return &types.AcquireResult{Acquired: false, Holder: curHolder, ExpiresAt: curExpiry}, nil
		}

		return &types.AcquireResult{Acquired: false, Holder: holder, ExpiresAt: expiry}, nil
	}

	// Two insert attempts raced with concurrent deletes; treat as locked.
	return &types.AcquireResult{Acquired: false}, nil
}

// ReleaseTask deletes the lease only when owned by runnerID. Returns
// ErrLockNotFound when no owned row was deleted; callers on the normal path
// log and continue, because an expired lease may have been claimed already.
func (m *Manager) ReleaseTask(ctx context.Context, taskID, runnerID string) error {
	return m.release(ctx, leaseTableTask, taskID, runnerID)
}

// ReleaseSection is ReleaseTask over section_locks.
func (m *Manager) ReleaseSection(ctx context.Context, sectionID, runnerID string) error {
	return m.release(ctx, leaseTableSection, sectionID, runnerID)
}

func (m *Manager) release(ctx context.Context, table leaseTable, id, runnerID string) error {
	res, err := m.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND runner_id = ?`, table.name, table.keyColumn),
		id, runnerID)
	if err != nil {
		return fmt.Errorf("failed to release %s %s: %w", table.name, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release %s: %w", id, types.ErrLockNotFound)
	}
	return nil
}

// ForceReleaseTask deletes the lease unconditionally (recovery and admin).
func (m *Manager) ForceReleaseTask(ctx context.Context, taskID string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM task_locks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to force-release task %s: %w", taskID, err)
	}
	return nil
}

// ForceReleaseSection deletes a section lease unconditionally.
func (m *Manager) ForceReleaseSection(ctx context.Context, sectionID string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM section_locks WHERE section_id = ?`, sectionID)
	if err != nil {
		return fmt.Errorf("failed to force-release section %s: %w", sectionID, err)
	}
	return nil
}

// ReleaseAllForRunner removes every task and section lease held by a runner.
// Used when recovery tears a runner down.
func (m *Manager) ReleaseAllForRunner(ctx context.Context, runnerID string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM task_locks WHERE runner_id = ?`, runnerID); err != nil {
		return fmt.Errorf("failed to release task leases for %s: %w", runnerID, err)
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM section_locks WHERE runner_id = ?`, runnerID); err != nil {
		return fmt.Errorf("failed to release section leases for %s: %w", runnerID, err)
	}
	return nil
}

// HeartbeatTask stamps heartbeat_at when runnerID owns the lease. Heartbeats
// never advance expires_at; they only mark liveness for the detector.
func (m *Manager) HeartbeatTask(ctx context.Context, taskID, runnerID string) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE task_locks SET heartbeat_at = ? WHERE task_id = ? AND runner_id = ?
	`, sqlite.FormatTime(m.now()), taskID, runnerID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("heartbeat %s: %w", taskID, types.ErrLockNotFound)
	}
	return nil
}

// ExtendTask advances expires_at by additional when runnerID owns the lease.
func (m *Manager) ExtendTask(ctx context.Context, taskID, runnerID string, additional time.Duration) error {
	var expiresAt string
	err := m.db.QueryRowContext(ctx,
		`SELECT expires_at FROM task_locks WHERE task_id = ? AND runner_id = ?`,
		taskID, runnerID).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("extend %s: %w", taskID, types.ErrLockNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read lease for %s: %w", taskID, err)
	}
	expiry, err := sqlite.ParseTime(expiresAt)
	if err != nil {
		return fmt.Errorf("corrupt expires_at on task %s: %w", taskID, err)
	}
	res, err := m.db.ExecContext(ctx, `
		UPDATE task_locks SET expires_at = ? WHERE task_id = ? AND runner_id = ?
	`, sqlite.FormatTime(expiry.Add(additional)), taskID, runnerID)
	if err != nil {
		return fmt.Errorf("failed to extend lease for %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("extend %s: %w", taskID, types.ErrLockNotFound)
	}
	return nil
}

// CleanupExpired deletes every expired task and section lease and returns
// how many rows went away.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := sqlite.FormatTime(m.now())
	total := 0
	for _, table := range []leaseTable{leaseTableTask, leaseTableSection} {
		res, err := m.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE expires_at < ?`, table.name), now)
		if err != nil {
			return total, fmt.Errorf("failed to sweep %s: %w", table.name, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// GetTaskLock returns the lease row for a task, or nil.
func (m *Manager) GetTaskLock(ctx context.Context, taskID string) (*types.TaskLock, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT task_id, runner_id, acquired_at, expires_at, heartbeat_at
		FROM task_locks WHERE task_id = ?
	`, taskID)
	l, err := scanTaskLock(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock for %s: %w", taskID, err)
	}
	return l, nil
}

// ListTaskLocks returns all task leases; expiredOnly filters to expired ones.
func (m *Manager) ListTaskLocks(ctx context.Context, expiredOnly bool) ([]*types.TaskLock, error) {
	query := `SELECT task_id, runner_id, acquired_at, expires_at, heartbeat_at FROM task_locks`
	var args []any
	if expiredOnly {
		query += ` WHERE expires_at < ?`
		args = append(args, sqlite.FormatTime(m.now()))
	}
	query += ` ORDER BY acquired_at ASC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task locks: %w", err)
	}
	defer rows.Close()

	var out []*types.TaskLock
	for rows.Next() {
		l, err := scanTaskLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanTaskLock(row interface{ Scan(...any) error }) (*types.TaskLock, error) {
	var l types.TaskLock
	var acquired, expires, heartbeat string
	if err := row.Scan(&l.TaskID, &l.RunnerID, &acquired, &expires, &heartbeat); err != nil {
		return nil, err
	}
	var err error
	if l.AcquiredAt, err = sqlite.ParseTime(acquired); err != nil {
		return nil, err
	}
	if l.ExpiresAt, err = sqlite.ParseTime(expires); err != nil {
		return nil, err
	}
	if l.HeartbeatAt, err = sqlite.ParseTime(heartbeat); err != nil {
		return nil, err
	}
	return &l, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE") ||
		strings.Contains(msg, "PRIMARY KEY constraint")
}
