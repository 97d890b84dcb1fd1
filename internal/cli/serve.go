package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"courtbot/internal/app"
)

const stopTimeout = 15 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP session service",
		Long: `Run the HTTP session service until SIGINT or SIGTERM.

The config file is watched; logging, race timing, remote settings, the
notifier and keep-alive are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts)
		},
	}
}

func runServe(parent context.Context, opts *RootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(opts.ConfigPath)
	if err != nil {
		return err
	}

	stop := func(reason app.StopReason) {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, reason)
	}

	if err := a.Start(ctx); err != nil {
		stop(app.StopFatalError)
		return err
	}

	select {
	case <-ctx.Done():
		stop(app.StopSignal)
		return nil
	case <-a.Done():
		if err := a.Err(); err != nil {
			stop(app.StopFatalError)
			return err
		}
		stop(app.StopSignal)
		return nil
	}
}
