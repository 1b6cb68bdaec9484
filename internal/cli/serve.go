package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/caresync/internal/api"
	"github.com/kimhsiao/caresync/internal/config"
	"github.com/kimhsiao/caresync/internal/logging"
	"github.com/kimhsiao/caresync/internal/sync/scheduler"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background scheduler and the local control API",
		Long: `Run the push and pull scheduler together with the local HTTP API.

With --config the file is watched and scheduler intervals and scopes are
applied without a restart.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides api.addr)")
	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, addr string) error {
	app, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	cfg := app.Config
	if addr == "" {
		addr = cfg.API.Addr
	}

	sched := scheduler.NewScheduler(app.Engine, app.Oracle, schedulerConfig(cfg))
	if cfg.Scheduler.Enabled {
		sched.Start(ctx)
		defer sched.Stop()
	}

	if opts.ConfigPath != "" {
		_, err := config.Watch(opts.ConfigPath, func(next *config.Config) {
			sched.SetIntervals(next.Scheduler.PushInterval, next.Scheduler.PullInterval)
			sched.SetScopes(next.Scheduler.Scopes)
			logging.Info("Configuration reloaded", map[string]interface{}{
				"push_interval": next.Scheduler.PushInterval.String(),
				"pull_interval": next.Scheduler.PullInterval.String(),
				"scopes":        len(next.Scheduler.Scopes),
			})
		}, func(err error) {
			logging.Warn("Ignoring invalid configuration change", map[string]interface{}{"error": err.Error()})
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "watch config", err)
		}
	}

	srv := api.NewServer(addr, api.NewRouter(api.Deps{
		Engine:    app.Engine,
		Scheduler: sched,
		Records:   app.Records,
		Cache:     app.Cache,
	}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return WrapExitError(ExitCommandError, "serve API", err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown API", err)
	}
	return <-errCh
}
