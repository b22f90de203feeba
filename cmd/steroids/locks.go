package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/lock"
)

func newLocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and manage task leases",
	}
	cmd.AddCommand(newLocksListCmd(), newLocksReleaseCmd(), newLocksCleanupCmd())
	return cmd
}

func newLocksListCmd() *cobra.Command {
	var expiredOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, _, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			locks, err := lock.NewManager(store).ListTaskLocks(ctx, expiredOnly)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"success": true, "locks": locks})
			}
			if len(locks) == 0 {
				fmt.Println("no leases")
				return nil
			}
			now := time.Now()
			for _, l := range locks {
				state := "held"
				if l.Expired(now) {
					state = "expired"
				}
				fmt.Printf("%-20s %-16s %-8s expires %s\n",
					l.TaskID, l.RunnerID, state, l.ExpiresAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&expiredOnly, "expired", false, "show only expired leases")
	return cmd
}

func newLocksReleaseCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "release <task-id>",
		Short: "Release a task lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, _, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			mgr := lock.NewManager(store)
			if !force {
				return fmt.Errorf("refusing to release a lease that may be held; re-run with --force")
			}
			if err := mgr.ForceReleaseTask(ctx, args[0]); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"success": true, "task_id": args[0]})
			}
			fmt.Printf("released lease on %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "release even if the holder may be alive")
	return cmd
}

func newLocksCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete every expired lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, _, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := lock.NewManager(store).CleanupExpired(ctx)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"success": true, "removed": n})
			}
			fmt.Printf("removed %d expired lease(s)\n", n)
			return nil
		},
	}
}
