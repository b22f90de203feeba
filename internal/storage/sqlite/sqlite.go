// Package sqlite owns the two steroids stores: the project-local database at
// <project>/.steroids/steroids.db and the global database under
// $STEROIDS_HOME/.steroids/steroids.db. Both are opened in WAL mode with a
// 5 second busy timeout and brought to the latest schema version on open.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DBFileName is the store file name under the .steroids directory.
const DBFileName = "steroids.db"

// timeLayout is the fixed-width UTC format for every persisted timestamp.
// Fixed width keeps lexicographic comparison in SQL equal to chronological
// order, which the lease-expiry and incident-window queries rely on.
const timeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders a timestamp in the store's canonical column format.
// Exported for the lock manager and selector, which speak SQL directly.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime is the inverse of FormatTime, tolerating plain RFC3339 rows.
func ParseTime(s string) (time.Time, error) {
	return parseTime(s)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate rows written by other tools with plain RFC3339.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}

// Store is the project-local store handle.
type Store struct {
	db   *sql.DB
	path string
}

// OpenOptions controls store opening.
type OpenOptions struct {
	// BackupDir, when non-empty, receives a timestamped snapshot of the
	// store file before any pending migration is applied. Backup failures
	// are logged to stderr but never abort migration.
	BackupDir string
	// SkipMigrate opens the store without running pending migrations.
	SkipMigrate bool
}

// Open opens (creating if needed) the project-local store at path and brings
// it to the latest bundled schema version.
func Open(ctx context.Context, path string, opts OpenOptions) (*Store, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, path: path}
	if err := s.ensureMetaTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if !opts.SkipMigrate {
		if err := runMigrations(ctx, db, path, projectMigrations(), opts.BackupDir); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}
	return db, nil
}

// ensureMetaTables creates the schema-metadata and migrations-log tables.
// These exist before any migration so the runner can record what it applied.
func (s *Store) ensureMetaTables(ctx context.Context) error {
	return ensureMetaTables(ctx, s.db)
}

func ensureMetaTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _schema (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS _migrations (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create metadata tables: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for the lock manager and selector, which
// speak SQL directly against the shared store.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// Close closes the store.
func (s *Store) Close() error { return s.db.Close() }

// SchemaVersion returns the recorded schema version (0 when unset).
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// GetMeta reads a key from the _schema table. Missing keys return "".
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM _schema WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta key %s: %w", key, err)
	}
	return value, nil
}

// SetMeta upserts a key in the _schema table.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _schema (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta key %s: %w", key, err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on nil and rolling back on
// error. Busy errors are retried up to three times with backoff.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			lastErr = err
			if isBusyError(err) {
				continue
			}
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			lastErr = err
			if isBusyError(err) {
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			lastErr = err
			if isBusyError(err) {
				continue
			}
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}
	return lastErr
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
