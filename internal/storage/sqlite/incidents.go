package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/steroids-dev/steroids/internal/types"
)

// RecordIncident appends an incident row. Missing id and timestamps are
// filled in.
func (s *Store) RecordIncident(ctx context.Context, inc *types.Incident) error {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	now := time.Now()
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = now
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = now
	}
	var taskID any
	if inc.TaskID != "" {
		taskID = inc.TaskID
	}
	var resolvedAt any
	if inc.ResolvedAt != nil {
		resolvedAt = formatTime(*inc.ResolvedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, task_id, runner_id, failure_mode, detected_at, resolved_at, resolution, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inc.ID, taskID, inc.RunnerID, string(inc.Mode), formatTime(inc.DetectedAt),
		resolvedAt, inc.Resolution, inc.Details, formatTime(inc.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record incident: %w", err)
	}
	return nil
}

// ResolveIncident stamps an open incident with its resolution.
func (s *Store) ResolveIncident(ctx context.Context, id, resolution string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET resolved_at = ?, resolution = ?
		WHERE id = ? AND resolved_at IS NULL
	`, formatTime(time.Now()), resolution, id)
	if err != nil {
		return fmt.Errorf("failed to resolve incident %s: %w", id, err)
	}
	return nil
}

// CountIncidentsSince counts incidents detected at or after cutoff. The
// recovery engine uses it as its per-hour rate limit.
func (s *Store) CountIncidentsSince(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM incidents WHERE detected_at >= ?`, formatTime(cutoff)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count incidents: %w", err)
	}
	return n, nil
}

// OpenIncident returns the newest unresolved incident matching mode and
// details detected at or after cutoff, or nil. The credit-pause loop uses it
// to dedupe provider+model+role incidents within the hour.
func (s *Store) OpenIncident(ctx context.Context, mode types.FailureMode, details string, cutoff time.Time) (*types.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(task_id, ''), COALESCE(runner_id, ''), failure_mode,
		       detected_at, COALESCE(resolved_at, ''), COALESCE(resolution, ''),
		       COALESCE(details, ''), created_at
		FROM incidents
		WHERE failure_mode = ? AND details = ? AND resolved_at IS NULL AND detected_at >= ?
		ORDER BY detected_at DESC LIMIT 1
	`, string(mode), details, formatTime(cutoff))
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open incident: %w", err)
	}
	return inc, nil
}

// ListIncidents returns incidents newest first, capped at limit (0 = all).
func (s *Store) ListIncidents(ctx context.Context, limit int) ([]*types.Incident, error) {
	query := `
		SELECT id, COALESCE(task_id, ''), COALESCE(runner_id, ''), failure_mode,
		       detected_at, COALESCE(resolved_at, ''), COALESCE(resolution, ''),
		       COALESCE(details, ''), created_at
		FROM incidents ORDER BY detected_at DESC
	`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var out []*types.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func scanIncident(row interface{ Scan(...any) error }) (*types.Incident, error) {
	var inc types.Incident
	var mode, detectedAt, resolvedAt, createdAt string
	err := row.Scan(&inc.ID, &inc.TaskID, &inc.RunnerID, &mode,
		&detectedAt, &resolvedAt, &inc.Resolution, &inc.Details, &createdAt)
	if err != nil {
		return nil, err
	}
	inc.Mode = types.FailureMode(mode)
	if inc.DetectedAt, err = parseTime(detectedAt); err != nil {
		return nil, err
	}
	if resolvedAt != "" {
		t, err := parseTime(resolvedAt)
		if err != nil {
			return nil, err
		}
		inc.ResolvedAt = &t
	}
	if inc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &inc, nil
}
