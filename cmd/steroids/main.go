// Command steroids runs and operates the task-execution loop: an SQLite
// task store, cross-process leases, external AI coder/reviewer invocations,
// and the health tooling around them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/storage/sqlite"
	"github.com/steroids-dev/steroids/internal/types"
)

var (
	flagJSON    bool
	flagProject string
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		exitWithError(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "steroids",
		Short:         "Automated task execution with AI coder/reviewer loops",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit machine-readable JSON")
	root.PersistentFlags().StringVarP(&flagProject, "project", "C", "", "project directory (default: current directory)")

	root.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newTaskCmd(),
		newLocksCmd(),
		newMigrateCmd(),
		newRecoverCmd(),
		newSanitizeCmd(),
		newConfigCmd(),
	)
	return root
}

// projectPath resolves the project root from --project or the working
// directory.
func projectPath() (string, error) {
	if flagProject != "" {
		return filepath.Abs(flagProject)
	}
	return os.Getwd()
}

// openProject loads config and opens the project store, honoring the
// database.autoMigrate and database.backupBeforeMigrate settings.
func openProject(ctx context.Context) (*sqlite.Store, *config.Config, string, error) {
	root, err := projectPath()
	if err != nil {
		return nil, nil, "", err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, nil, "", err
	}

	opts := sqlite.OpenOptions{SkipMigrate: !cfg.GetBool("database.autoMigrate")}
	if cfg.GetBool("database.backupBeforeMigrate") {
		opts.BackupDir = filepath.Join(root, config.SteroidsDirName, "backups")
	}
	store, err := sqlite.Open(ctx, filepath.Join(root, config.SteroidsDirName, sqlite.DBFileName), opts)
	if err != nil {
		return nil, nil, "", err
	}
	return store, cfg, root, nil
}

// sqliteOpenGlobal opens the per-user global store.
func sqliteOpenGlobal(ctx context.Context) (*sqlite.GlobalStore, error) {
	return sqlite.OpenGlobal(ctx, config.GlobalHome())
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errorCode names the error class for the JSON envelope.
func errorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrLockNotFound):
		return "lock_not_found"
	case errors.Is(err, types.ErrTaskLocked):
		return "task_locked"
	case errors.Is(err, types.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, types.ErrSchemaAhead):
		return "schema_ahead"
	case errors.Is(err, types.ErrCreditExhausted):
		return "credit_exhausted"
	case errors.Is(err, types.ErrProviderMissing):
		return "provider_missing"
	case errors.Is(err, types.ErrNoWork):
		return "no_work"
	case errors.Is(err, os.ErrPermission):
		return "permission_denied"
	default:
		return "general"
	}
}

// exitWithError reports the error in the selected output mode and exits with
// the class-specific code.
func exitWithError(err error) {
	if flagJSON {
		envelope := map[string]any{
			"success": false,
			"error": map[string]any{
				"code":    errorCode(err),
				"message": err.Error(),
			},
		}
		var locked *types.LockedError
		if errors.As(err, &locked) {
			envelope["error"].(map[string]any)["details"] = map[string]any{
				"id":         locked.ID,
				"holder":     locked.Holder,
				"expires_at": locked.ExpiresAt,
			}
		}
		_ = printJSON(envelope)
	} else {
		fmt.Fprintf(os.Stderr, "steroids: %v\n", err)
	}
	os.Exit(types.ExitCodeFor(err))
}
