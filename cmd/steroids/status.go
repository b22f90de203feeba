package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steroids-dev/steroids/internal/lock"
)

var (
	styleHeader  = lipgloss.NewStyle().Bold(true)
	styleDim     = lipgloss.NewStyle().Faint(true)
	stylePending = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleActive  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	styleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleBad     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task counts, leases, runners, and recent incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, root, err := openProject(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := store.CountTasks(ctx)
			if err != nil {
				return err
			}
			locks, err := lock.NewManager(store).ListTaskLocks(ctx, false)
			if err != nil {
				return err
			}
			incidents, err := store.ListIncidents(ctx, 5)
			if err != nil {
				return err
			}

			global, err := sqliteOpenGlobal(ctx)
			if err != nil {
				return err
			}
			defer global.Close()
			runners, err := global.ListRunners(ctx, root)
			if err != nil {
				return err
			}

			if flagJSON {
				return printJSON(map[string]any{
					"success":   true,
					"counts":    counts,
					"locks":     locks,
					"runners":   runners,
					"incidents": incidents,
				})
			}

			width := 80
			if term.IsTerminal(int(os.Stdout.Fd())) {
				if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
					width = w
				}
			}

			fmt.Println(styleHeader.Render("Tasks"))
			fmt.Printf("  %s  %s  %s  %s",
				stylePending.Render(fmt.Sprintf("pending %d", counts.Pending)),
				styleActive.Render(fmt.Sprintf("in_progress %d", counts.InProgress)),
				styleActive.Render(fmt.Sprintf("review %d", counts.Review)),
				styleDone.Render(fmt.Sprintf("completed %d", counts.Completed)))
			if counts.Disputed+counts.Failed+counts.Skipped > 0 {
				fmt.Printf("  %s", styleBad.Render(fmt.Sprintf(
					"disputed %d  failed %d  skipped %d", counts.Disputed, counts.Failed, counts.Skipped)))
			}
			fmt.Println()
			total := counts.Pending + counts.InProgress + counts.Review +
				counts.Completed + counts.Disputed + counts.Failed + counts.Skipped
			fmt.Println("  " + progressBar(counts.Completed, total, width-4))

			fmt.Println(styleHeader.Render("Runners"))
			if len(runners) == 0 {
				fmt.Println(styleDim.Render("  none"))
			}
			for _, r := range runners {
				age := time.Since(r.HeartbeatAt).Round(time.Second)
				line := fmt.Sprintf("  %s pid %d, heartbeat %s ago", r.ID, r.PID, age)
				if r.CurrentTaskID != "" {
					line += ", on " + r.CurrentTaskID
				}
				fmt.Println(line)
			}

			fmt.Println(styleHeader.Render("Leases"))
			if len(locks) == 0 {
				fmt.Println(styleDim.Render("  none"))
			}
			now := time.Now()
			for _, l := range locks {
				state := styleActive.Render("held")
				if l.Expired(now) {
					state = styleBad.Render("expired")
				}
				fmt.Printf("  %s by %s (%s)\n", l.TaskID, l.RunnerID, state)
			}

			if len(incidents) > 0 {
				fmt.Println(styleHeader.Render("Recent incidents"))
				for _, inc := range incidents {
					res := inc.Resolution
					if res == "" {
						res = "open"
					}
					fmt.Printf("  %s %s %s\n", inc.DetectedAt.Local().Format("01-02 15:04"),
						inc.Mode, styleDim.Render(res))
				}
			}
			return nil
		},
	}
}

func progressBar(done, total, width int) string {
	if width < 10 {
		width = 10
	}
	if total <= 0 {
		return styleDim.Render(strings.Repeat("░", width))
	}
	filled := done * width / total
	if filled > width {
		filled = width
	}
	return styleDone.Render(strings.Repeat("█", filled)) +
		styleDim.Render(strings.Repeat("░", width-filled))
}
