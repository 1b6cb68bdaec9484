package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/caresync/internal/db"
	"github.com/kimhsiao/caresync/internal/logging"
)

// MigrationStatus is the output of migrate status.
type MigrationStatus struct {
	Version int            `json:"version" yaml:"version"`
	Applied []db.Migration `json:"applied" yaml:"applied"`
}

// NewMigrateCommand creates the migrate command group. Every other command
// migrates the local store up on open; migrate down rolls the newest schema
// version back before an older build is installed.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or change the local store schema version",
	}

	cmd.AddCommand(newMigrateStatusCommand(rootOpts))
	cmd.AddCommand(newMigrateStepCommand(rootOpts, "up", "Apply pending migrations"))
	cmd.AddCommand(newMigrateStepCommand(rootOpts, "down", "Roll back the newest applied migration"))
	return cmd
}

// withMigrator opens the store without migrating it and runs fn.
func withMigrator(ctx context.Context, opts *RootOptions, fn func(m *db.Migrator) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	closer := setupLogging(cfg, opts.Verbose)
	defer closer.Close()

	store, err := db.OpenUnmigrated(ctx, cfg.DataDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer store.Close()

	m := store.Migrator()
	if err := m.Initialize(ctx); err != nil {
		return WrapExitError(ExitFailure, "initialize migrations", err)
	}
	return fn(m)
}

func migrationStatus(ctx context.Context, m *db.Migrator) (*MigrationStatus, error) {
	version, err := m.CurrentVersion(ctx)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "read schema version", err)
	}
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "read applied migrations", err)
	}
	if applied == nil {
		applied = []db.Migration{}
	}
	return &MigrationStatus{Version: version, Applied: applied}, nil
}

func newMigrateStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show the schema version and applied migrations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withMigrator(ctx, rootOpts, func(m *db.Migrator) error {
				st, err := migrationStatus(ctx, m)
				if err != nil {
					return err
				}
				f := newFormatter(rootOpts, cmd)
				return f.Print(st, func(w io.Writer) error { return renderMigrationStatus(w, st) })
			})
		},
	}
}

func newMigrateStepCommand(rootOpts *RootOptions, direction, short string) *cobra.Command {
	return &cobra.Command{
		Use:           direction,
		Short:         short,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withMigrator(ctx, rootOpts, func(m *db.Migrator) error {
				from, err := m.CurrentVersion(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "read schema version", err)
				}
				step := m.Up
				if direction == "down" {
					step = m.Down
				}
				if err := step(ctx); err != nil {
					return WrapExitError(ExitFailure, "migrate "+direction, err)
				}

				st, err := migrationStatus(ctx, m)
				if err != nil {
					return err
				}
				logging.Info("Schema migrated", map[string]interface{}{
					"direction": direction,
					"from":      from,
					"to":        st.Version,
				})
				f := newFormatter(rootOpts, cmd)
				return f.Print(st, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Schema version %d -> %d.\n", from, st.Version)
					return err
				})
			})
		},
	}
}
