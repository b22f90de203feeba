package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/logging"
	"github.com/steroids-dev/steroids/internal/runner"
	"github.com/steroids-dev/steroids/internal/types"
)

func newRunCmd() *cobra.Command {
	var (
		once     bool
		sections []string
		stream   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator loop until the project is idle",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

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

			logger, closer, err := logging.New(logging.Options{
				Dir:  filepath.Join(root, config.SteroidsDirName, "logs"),
				Name: "runner",
				Echo: !flagJSON,
			})
			if err != nil {
				return err
			}
			defer closer.Close()

			r := runner.New(runner.Params{
				ProjectPath:   root,
				Cfg:           cfg,
				Store:         store,
				Global:        global,
				Logger:        logger,
				Once:          once,
				Sections:      sections,
				StreamToStdio: stream,
			})

			// First signal asks the loop to drain its current iteration;
			// a second one cancels outright.
			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				logger.Printf("shutdown requested, finishing current task")
				r.RequestStop()
				<-sigCh
				cancel()
			}()

			err = r.Run(ctx)
			if errors.Is(err, types.ErrNoWork) && !once {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "process at most one task, then exit")
	cmd.Flags().StringArrayVarP(&sections, "section", "s", nil, "limit to section id (repeatable, order is priority)")
	cmd.Flags().BoolVar(&stream, "stream", false, "mirror provider output to this terminal")
	return cmd
}
