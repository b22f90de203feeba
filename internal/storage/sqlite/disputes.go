package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/steroids-dev/steroids/internal/types"
)

// CreateDispute records a coder/reviewer deadlock for human resolution.
func (s *Store) CreateDispute(ctx context.Context, d *types.Dispute) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = "open"
	}
	if d.Type == "" {
		d.Type = "rejection_loop"
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (id, task_id, type, status, reason, coder_position,
			reviewer_position, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.TaskID, d.Type, d.Status, d.Reason, d.CoderPosition,
		d.ReviewerPosition, d.CreatedBy, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create dispute for %s: %w", d.TaskID, err)
	}
	return nil
}

// ResolveDispute closes an open dispute.
func (s *Store) ResolveDispute(ctx context.Context, id, resolution, notes, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET status = 'resolved', resolution = ?, resolution_notes = ?,
			resolved_by = ?, resolved_at = ?
		WHERE id = ? AND status = 'open'
	`, resolution, notes, resolvedBy, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to resolve dispute %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dispute %s not found or already resolved", id)
	}
	return nil
}

// OpenDisputeForTask returns the open dispute on a task, or nil.
func (s *Store) OpenDisputeForTask(ctx context.Context, taskID string) (*types.Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, type, status, COALESCE(reason, ''),
		       COALESCE(coder_position, ''), COALESCE(reviewer_position, ''),
		       COALESCE(resolution, ''), COALESCE(resolution_notes, ''),
		       COALESCE(created_by, ''), COALESCE(resolved_by, ''),
		       created_at, COALESCE(resolved_at, '')
		FROM disputes WHERE task_id = ? AND status = 'open' LIMIT 1
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query disputes for %s: %w", taskID, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var d types.Dispute
	var createdAt, resolvedAt string
	if err := rows.Scan(&d.ID, &d.TaskID, &d.Type, &d.Status, &d.Reason,
		&d.CoderPosition, &d.ReviewerPosition, &d.Resolution, &d.ResolutionNotes,
		&d.CreatedBy, &d.ResolvedBy, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if resolvedAt != "" {
		t, err := parseTime(resolvedAt)
		if err != nil {
			return nil, err
		}
		d.ResolvedAt = &t
	}
	return &d, nil
}
