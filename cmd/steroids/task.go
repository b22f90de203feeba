package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/storage/sqlite"
	"github.com/steroids-dev/steroids/internal/types"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks directly",
	}
	cmd.AddCommand(newTaskAddCmd(), newTaskListCmd(), newTaskShowCmd(), newTaskFailCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var (
		id      string
		section string
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a pending task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, _, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if id == "" {
				id = "task-" + uuid.NewString()[:8]
			}
			task := &types.Task{
				ID:        id,
				Title:     strings.Join(args, " "),
				SectionID: section,
			}
			if err := store.CreateTask(ctx, task); err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"success": true, "task": task})
			}
			fmt.Printf("created %s: %s\n", task.ID, task.Title)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (default: generated)")
	cmd.Flags().StringVar(&section, "section", "", "section id")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, _, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := sqlite.TaskFilter{}
			for _, s := range statuses {
				st := types.Status(s)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			tasks, err := store.ListTasks(ctx, filter)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"success": true, "tasks": tasks})
			}
			for _, t := range tasks {
				extra := ""
				if t.RejectionCount > 0 {
					extra = fmt.Sprintf(" (rejections %d)", t.RejectionCount)
				}
				fmt.Printf("%-20s %-12s %s%s\n", t.ID, t.Status, t.Title, extra)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its audit trail and latest invocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, _, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			task, err := store.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			trail, err := store.AuditTrail(ctx, task.ID)
			if err != nil {
				return err
			}
			inv, err := store.LatestInvocation(ctx, task.ID)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(map[string]any{
					"success": true, "task": task, "audit": trail, "latest_invocation": inv,
				})
			}
			fmt.Printf("%s  %s\n", task.ID, task.Title)
			fmt.Printf("status %s, rejections %d, failures %d\n",
				task.Status, task.RejectionCount, task.FailureCount)
			for _, e := range trail {
				fmt.Printf("  %s  %s -> %s (%s)\n",
					e.CreatedAt.Local().Format("01-02 15:04:05"), e.FromStatus, e.ToStatus, e.ActorType)
			}
			if inv != nil {
				fmt.Printf("last invocation: #%d %s %s/%s %s\n",
					inv.ID, inv.Role, inv.Provider, inv.Model, inv.Status)
			}
			return nil
		},
	}
}

func newTaskFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Mark a task failed (operator action)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, _, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			from, err := store.TransitionTask(ctx, sqlite.Transition{
				TaskID:    args[0],
				To:        types.StatusFailed,
				Actor:     "operator",
				ActorType: types.ActorHuman,
				Notes:     reason,
			})
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(map[string]any{"success": true, "task_id": args[0], "from": from})
			}
			fmt.Printf("%s: %s -> failed\n", args[0], from)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task is failed")
	return cmd
}
