package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/steroids-dev/steroids/internal/storage/sqlite/migrations"
	"github.com/steroids-dev/steroids/internal/types"
)

const schemaVersionKey = "schema_version"

func projectMigrations() []migrations.Migration { return migrations.Project }
func globalMigrations() []migrations.Migration  { return migrations.Global }

// schemaVersion reads the recorded version; 0 when the store is fresh.
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM _schema WHERE key = ?`, schemaVersionKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("corrupt schema version %q: %w", value, err)
	}
	return v, nil
}

// appliedVersion is the highest migration id recorded in the log. The log is
// authoritative over the _schema key when they disagree.
func appliedVersion(ctx context.Context, db *sql.DB) (int, error) {
	var max sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(id) FROM _migrations`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read migration log: %w", err)
	}
	return int(max.Int64), nil
}

// runMigrations applies every bundled migration above the recorded version,
// each inside its own transaction. A store recorded ahead of the bundled set
// fails with ErrSchemaAhead rather than being silently accepted.
func runMigrations(ctx context.Context, db *sql.DB, path string, list []migrations.Migration, backupDir string) error {
	applied, err := appliedVersion(ctx, db)
	if err != nil {
		return err
	}

	highest := 0
	if len(list) > 0 {
		highest = list[len(list)-1].ID
	}
	if applied > highest {
		return fmt.Errorf("%w: store at version %d, bundled migrations end at %d",
			types.ErrSchemaAhead, applied, highest)
	}

	var pending []migrations.Migration
	for _, m := range list {
		if m.ID > applied {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	if backupDir != "" {
		if err := backupStore(path, backupDir); err != nil {
			// Backup is best-effort: losing the snapshot must not block
			// the upgrade.
			fmt.Fprintf(os.Stderr, "Warning: pre-migration backup failed: %v\n", err)
		}
	}

	for _, m := range pending {
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migrations.Migration) error {
	computed, err := m.ComputeChecksum()
	if err != nil {
		return err
	}
	if computed != m.Checksum {
		return fmt.Errorf("%w: migration %d (%s): recorded %s, computed %s",
			types.ErrChecksumMismatch, m.ID, m.Name, m.Checksum, computed)
	}

	up, err := m.UpSQL()
	if err != nil {
		return err
	}

	return withTx(ctx, db, func(tx *sql.Tx) error {
		if err := execScript(ctx, tx, up); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.ID, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _migrations (id, name, checksum, applied_at) VALUES (?, ?, ?, ?)
		`, m.ID, m.Name, m.Checksum, formatTime(time.Now())); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.ID, err)
		}
		if err := setSchemaVersionTx(ctx, tx, m.ID); err != nil {
			return err
		}
		return nil
	})
}

// MigrateDown rolls the project store back to target (0 unwinds everything),
// applying down SQL in reverse id order and rewriting the log and version.
func (s *Store) MigrateDown(ctx context.Context, target int) error {
	return migrateDown(ctx, s.db, projectMigrations(), target)
}

func migrateDown(ctx context.Context, db *sql.DB, list []migrations.Migration, target int) error {
	applied, err := appliedVersion(ctx, db)
	if err != nil {
		return err
	}
	if target >= applied {
		return nil
	}

	for i := len(list) - 1; i >= 0; i-- {
		m := list[i]
		if m.ID > applied || m.ID <= target {
			continue
		}
		computed, err := m.ComputeChecksum()
		if err != nil {
			return err
		}
		if computed != m.Checksum {
			return fmt.Errorf("%w: migration %d (%s)", types.ErrChecksumMismatch, m.ID, m.Name)
		}
		down, err := m.DownSQL()
		if err != nil {
			return err
		}
		if err := withTx(ctx, db, func(tx *sql.Tx) error {
			if err := execScript(ctx, tx, down); err != nil {
				return fmt.Errorf("rollback of migration %d (%s) failed: %w", m.ID, m.Name, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM _migrations WHERE id = ?`, m.ID); err != nil {
				return fmt.Errorf("failed to unrecord migration %d: %w", m.ID, err)
			}
			return setSchemaVersionTx(ctx, tx, m.ID-1)
		}); err != nil {
			return err
		}
	}
	return nil
}

func setSchemaVersionTx(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _schema (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaVersionKey, strconv.Itoa(version))
	if err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}

// execScript runs a multi-statement DDL script one statement at a time so
// that idempotent-DDL errors can be swallowed per statement. A "duplicate
// column" or "already exists" error means the schema is already at the
// target state (manual repair, re-created database) and is not a failure.
func execScript(ctx context.Context, tx *sql.Tx, script string) error {
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if isIdempotentDDLError(err) {
				continue
			}
			return err
		}
	}
	return nil
}

// splitStatements breaks a script into executable statements. Line comments
// are stripped first so a semicolon inside `--` text never cuts a statement.
func splitStatements(script string) []string {
	var stripped strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		stripped.WriteString(line)
		stripped.WriteByte('\n')
	}

	var out []string
	for _, part := range strings.Split(stripped.String(), ";") {
		stmt := strings.TrimSpace(part)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

func isIdempotentDDLError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "table already exists") ||
		strings.Contains(msg, "index already exists") ||
		strings.Contains(msg, "already exists")
}

// MigrationStatus describes one bundled migration for `migrate status`.
type MigrationStatus struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Applied   bool   `json:"applied"`
	AppliedAt string `json:"applied_at,omitempty"`
}

// MigrationStatuses lists every bundled project migration with its state.
func (s *Store) MigrationStatuses(ctx context.Context) ([]MigrationStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, applied_at FROM _migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration log: %w", err)
	}
	defer rows.Close()

	appliedAt := map[int]string{}
	for rows.Next() {
		var id int
		var at string
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		appliedAt[id] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []MigrationStatus
	for _, m := range projectMigrations() {
		at, ok := appliedAt[m.ID]
		out = append(out, MigrationStatus{ID: m.ID, Name: m.Name, Applied: ok, AppliedAt: at})
	}
	return out, nil
}
