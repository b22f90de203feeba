package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steroids-dev/steroids/internal/types"
)

// CreateSection inserts a section.
func (s *Store) CreateSection(ctx context.Context, sec *types.Section) error {
	if sec.CreatedAt.IsZero() {
		sec.CreatedAt = time.Now()
	}
	if sec.Priority == 0 {
		sec.Priority = 50
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sections (id, name, position, priority, skipped, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sec.ID, sec.Name, sec.Position, sec.Priority, boolToInt(sec.Skipped), formatTime(sec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create section %s: %w", sec.ID, err)
	}
	return nil
}

// GetSection fetches one section by id.
func (s *Store) GetSection(ctx context.Context, id string) (*types.Section, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, position, priority, skipped, created_at FROM sections WHERE id = ?
	`, id)
	sec, err := scanSection(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("section %s not found", id)
	}
	return sec, err
}

// ListSections returns all sections ordered by position.
func (s *Store) ListSections(ctx context.Context) ([]*types.Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, position, priority, skipped, created_at
		FROM sections ORDER BY position ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sections: %w", err)
	}
	defer rows.Close()

	var sections []*types.Section
	for rows.Next() {
		sec, err := scanSection(rows)
		if err != nil {
			return nil, err
		}
		sections = append(sections, sec)
	}
	return sections, rows.Err()
}

func scanSection(row interface{ Scan(...any) error }) (*types.Section, error) {
	var sec types.Section
	var skipped int
	var createdAt string
	if err := row.Scan(&sec.ID, &sec.Name, &sec.Position, &sec.Priority, &skipped, &createdAt); err != nil {
		return nil, err
	}
	sec.Skipped = skipped != 0
	var err error
	if sec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at on section %s: %w", sec.ID, err)
	}
	return &sec, nil
}

// AddSectionDependency records that section depends on dependsOn. The edge
// is rejected when it would create a cycle; the store has no cycle
// constraint, so the walk happens here.
func (s *Store) AddSectionDependency(ctx context.Context, sectionID, dependsOnID string) error {
	if sectionID == dependsOnID {
		return fmt.Errorf("section %s cannot depend on itself", sectionID)
	}

	adj, err := s.sectionAdjacency(ctx)
	if err != nil {
		return err
	}
	adj[sectionID] = append(adj[sectionID], dependsOnID)
	if cycleFrom(adj, sectionID) {
		return fmt.Errorf("dependency %s -> %s would create a cycle", sectionID, dependsOnID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO section_dependencies (section_id, depends_on_section_id)
		VALUES (?, ?)
	`, sectionID, dependsOnID)
	if err != nil {
		return fmt.Errorf("failed to add section dependency: %w", err)
	}
	return nil
}

// SectionDependencies returns the adjacency list of all section edges.
func (s *Store) SectionDependencies(ctx context.Context) ([]types.SectionDependency, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT section_id, depends_on_section_id FROM section_dependencies
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query section dependencies: %w", err)
	}
	defer rows.Close()

	var deps []types.SectionDependency
	for rows.Next() {
		var d types.SectionDependency
		if err := rows.Scan(&d.SectionID, &d.DependsOnID); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

func (s *Store) sectionAdjacency(ctx context.Context) (map[string][]string, error) {
	deps, err := s.SectionDependencies(ctx)
	if err != nil {
		return nil, err
	}
	adj := map[string][]string{}
	for _, d := range deps {
		adj[d.SectionID] = append(adj[d.SectionID], d.DependsOnID)
	}
	return adj, nil
}

// cycleFrom walks the dependency graph from start and reports whether the
// walk revisits start.
func cycleFrom(adj map[string][]string, start string) bool {
	seen := map[string]bool{}
	var stack []string
	stack = append(stack, adj[start]...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node == start {
			return true
		}
		if seen[node] {
			continue
		}
		seen[node] = true
		stack = append(stack, adj[node]...)
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
