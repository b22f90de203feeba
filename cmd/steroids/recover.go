package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/health"
	"github.com/steroids-dev/steroids/internal/lock"
)

func newRecoverCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Detect stuck tasks and defunct runners, repairing unless --dry-run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, cfg, root, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			global, err := sqliteOpenGlobal(ctx)
			if err != nil {
				return err
			}
			defer global.Close()

			t := health.DefaultThresholds()
			t.OrphanedTaskTimeout = cfg.GetDuration("health.orphanedTaskTimeout", t.OrphanedTaskTimeout)
			t.InvocationStaleness = cfg.GetDuration("health.invocationStaleness", t.InvocationStaleness)
			t.RunnerHeartbeatTimeout = cfg.GetDuration("health.runnerHeartbeatTimeout", t.RunnerHeartbeatTimeout)
			t.MaxCoderDuration = cfg.GetDuration("health.maxCoderDuration", t.MaxCoderDuration)
			t.MaxReviewerDuration = cfg.GetDuration("health.maxReviewerDuration", t.MaxReviewerDuration)
			t.MaxRecoveryAttempts = cfg.GetInt("health.maxRecoveryAttempts")
			t.MaxIncidentsPerHour = cfg.GetInt("health.maxIncidentsPerHour")

			detector := health.NewDetector(store, global, root, t)
			engine := health.NewEngine(detector, lock.NewManager(store))
			report, err := engine.Run(ctx, dryRun)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(map[string]any{"success": true, "report": report})
			}
			if len(report.Findings) == 0 {
				fmt.Println("healthy: nothing to recover")
				return nil
			}
			for _, f := range report.Findings {
				fmt.Printf("found %-20s task=%s runner=%s  %s\n", f.Mode, orDash(f.TaskID), orDash(f.RunnerID), f.Details)
			}
			switch {
			case report.DryRun:
				fmt.Println("dry run: no actions taken")
			case report.RateLimited:
				fmt.Printf("recovery withheld: incident cap (%d/h) reached at %s\n",
					t.MaxIncidentsPerHour, time.Now().Format(time.Kitchen))
			default:
				for _, a := range report.Actions {
					fmt.Printf("applied %-14s to %s\n", a.Resolution, orDash(a.Finding.TaskID))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report findings without acting")
	return cmd
}

func newSanitizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sanitize",
		Short: "Close runaway invocations and sweep expired leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, cfg, root, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			s := health.NewSanitizer(store, lock.NewManager(store),
				invocationsDir(root),
				time.Duration(cfg.GetInt("health.sanitiseIntervalMinutes"))*time.Minute,
				time.Duration(cfg.GetInt("health.sanitiseInvocationTimeoutSec"))*time.Second)
			// Operator-initiated runs bypass the interval gate.
			s.Interval = 0

			report, err := s.Run(ctx)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"success": true, "report": report})
			}
			fmt.Printf("closed %d invocation(s) (%d approved, %d rejected), swept %d lease(s)\n",
				report.ClosedInvocations, report.Approved, report.Rejected, report.ExpiredLeases)
			return nil
		},
	}
}

func invocationsDir(root string) string {
	return filepath.Join(root, config.SteroidsDirName, "invocations")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
