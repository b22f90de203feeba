package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steroids-dev/steroids/internal/storage/sqlite"
	"github.com/steroids-dev/steroids/internal/types"
)

// AcquireMerge takes the process-wide merge lease for a session. Only one
// live merge lock may exist; an unexpired lock held by another runner wins.
//
// Each step is a single conditional statement, so racing acquirers resolve
// inside SQLite's write serialization: the guarded INSERT lands for exactly
// one of them and the table never holds two rows at once.
func (m *Manager) AcquireMerge(ctx context.Context, sessionID, runnerID string, timeout time.Duration) (*types.AcquireResult, error) {
	now := m.now()
	nowStr := sqlite.FormatTime(now)
	expiresStr := sqlite.FormatTime(now.Add(timeout))

	for attempt := 0; attempt < 2; attempt++ {
		res, err := m.db.ExecContext(ctx, `
			UPDATE merge_locks SET expires_at = ?, heartbeat_at = ? WHERE runner_id = ?
		`, expiresStr, nowStr, runnerID)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh merge lock: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return &types.AcquireResult{Acquired: true, Reason: types.AcquireAlreadyOwned}, nil
		}

		if _, err := m.db.ExecContext(ctx, `DELETE FROM merge_locks WHERE expires_at <= ?`, nowStr); err != nil {
			return nil, fmt.Errorf("failed to clear stale merge locks: %w", err)
		}

		res, err = m.db.ExecContext(ctx, `
			INSERT INTO merge_locks (session_id, runner_id, acquired_at, expires_at, heartbeat_at)
			SELECT ?, ?, ?, ?, ?
			WHERE NOT EXISTS (SELECT 1 FROM merge_locks)
		`, sessionID, runnerID, nowStr, expiresStr, nowStr)
		if err != nil {
			return nil, fmt.Errorf("failed to insert merge lock: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return &types.AcquireResult{Acquired: true, Reason: types.AcquireNew}, nil
		}

		// Lost the guarded insert; report whoever holds the row now.
		var holder, expiresAt string
		err = m.db.QueryRowContext(ctx, `
			SELECT runner_id, expires_at FROM merge_locks ORDER BY id DESC LIMIT 1
		`).Scan(&holder, &expiresAt)
		if err == sql.ErrNoRows {
			// Winner released between insert and read; retry once.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read merge lock: %w", err)
		}
		expiry, perr := sqlite.ParseTime(expiresAt)
		if perr != nil {
			return nil, fmt.Errorf("corrupt merge lock expiry: %w", perr)
		}
		return &types.AcquireResult{Acquired: false, Holder: holder, ExpiresAt: expiry}, nil
	}

	// Two guarded inserts raced with concurrent releases; treat as locked.
	return &types.AcquireResult{Acquired: false}, nil
}

// ReleaseMerge drops the merge lease held by runnerID for the session.
func (m *Manager) ReleaseMerge(ctx context.Context, sessionID, runnerID string) error {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM merge_locks WHERE session_id = ? AND runner_id = ?`, sessionID, runnerID)
	if err != nil {
		return fmt.Errorf("failed to release merge lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release merge %s: %w", sessionID, types.ErrLockNotFound)
	}
	return nil
}
