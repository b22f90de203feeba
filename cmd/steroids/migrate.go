package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/storage/sqlite"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect and control the store schema",
	}
	cmd.AddCommand(newMigrateStatusCmd(), newMigrateUpCmd(), newMigrateDownCmd())
	return cmd
}

func newMigrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show each bundled migration and whether it is applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, _, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			statuses, err := store.MigrationStatuses(ctx)
			if err != nil {
				return err
			}
			version, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(map[string]any{
					"success":        true,
					"schema_version": version,
					"migrations":     statuses,
				})
			}
			fmt.Printf("schema version %d\n", version)
			for _, m := range statuses {
				mark := " "
				note := "pending"
				if m.Applied {
					mark = "x"
					note = m.AppliedAt
				}
				fmt.Printf("[%s] %03d %-28s %s\n", mark, m.ID, m.Name, note)
			}
			return nil
		},
	}
}

func newMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root, err := projectPath()
			if err != nil {
				return err
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}

			opts := sqlite.OpenOptions{}
			if cfg.GetBool("database.backupBeforeMigrate") {
				opts.BackupDir = filepath.Join(root, config.SteroidsDirName, "backups")
			}
			// Open itself migrates; reaching here means the store is current.
			store, err := sqlite.Open(ctx, filepath.Join(root, config.SteroidsDirName, sqlite.DBFileName), opts)
			if err != nil {
				return err
			}
			defer store.Close()

			version, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"success": true, "schema_version": version})
			}
			fmt.Printf("store at schema version %d\n", version)
			return nil
		},
	}
}

func newMigrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down <target-version>",
		Short: "Roll the schema back to a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			target, err := strconv.Atoi(args[0])
			if err != nil || target < 0 {
				return fmt.Errorf("invalid target version %q", args[0])
			}

			root, err := projectPath()
			if err != nil {
				return err
			}
			store, err := sqlite.Open(ctx,
				filepath.Join(root, config.SteroidsDirName, sqlite.DBFileName),
				sqlite.OpenOptions{SkipMigrate: true})
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.MigrateDown(ctx, target); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"success": true, "schema_version": target})
			}
			fmt.Printf("rolled back to schema version %d\n", target)
			return nil
		},
	}
}
