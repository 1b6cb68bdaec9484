package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/caresync/internal/api"
	"github.com/kimhsiao/caresync/internal/logging"
	"github.com/kimhsiao/caresync/internal/sync/remote/remotetest"
)

// NewDevServerCommand creates the devserver command.
func NewDevServerCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		addr       string
		references map[string]string
	)

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory records server for local development",
		Long: `Run an in-memory records server that speaks the same protocol as the
production server: versioned writes, idempotency keys, 409 on stale versions.

Reference documents can be preloaded with --reference kind=path.json.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := remotetest.New()
			for kind, path := range references {
				doc, err := os.ReadFile(path)
				if err != nil {
					return WrapExitError(ExitCommandError, "read reference "+kind, err)
				}
				if !json.Valid(doc) {
					return NewExitError(ExitCommandError, fmt.Sprintf("reference %s: %s is not valid JSON", kind, path))
				}
				srv.SetReference(kind, doc)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDevServer(ctx, api.NewServer(addr, srv.Handler()))
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "listen address")
	cmd.Flags().StringToStringVar(&references, "reference", nil, "reference document kind=path")
	return cmd
}

func runDevServer(ctx context.Context, srv *api.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return WrapExitError(ExitCommandError, "serve", err)
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("Shutting down development server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
