package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/caresync/internal/models"
	"github.com/kimhsiao/caresync/internal/sync"
)

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push queued mutations to the server once",
		Long: `Push every pending queue item, or only the entity types of one sync
routine with --group (insurance, billing, discharge).

Exits 1 when any item failed or conflicted without resolution.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd, rootOpts, group)
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "limit the push to one sync routine")
	return cmd
}

func runPush(cmd *cobra.Command, opts *RootOptions, group string) error {
	ctx := cmd.Context()
	app, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	var result *sync.SyncResult
	if group == "" {
		result, err = app.Engine.SyncPending(ctx)
	} else {
		result, err = app.Engine.SyncGroup(ctx, models.SyncGroup(group))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "push", err)
	}

	f := newFormatter(opts, cmd)
	if err := f.Print(result, func(w io.Writer) error { return renderSyncResult(w, result) }); err != nil {
		return err
	}
	if !result.Success {
		return NewExitError(ExitFailure, fmt.Sprintf("push incomplete: %d failed", result.Failed))
	}
	return nil
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		scopeID    string
		entityType string
	)

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Reconcile local records with the server",
		Long: `Fetch the server's records for one patient scope and apply them locally.
Records with unpushed local edits are left untouched.

Without --type every entity type is pulled.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPull(cmd, rootOpts, scopeID, entityType)
		},
	}

	cmd.Flags().StringVarP(&scopeID, "scope", "s", "", "patient id to pull (empty pulls the whole collection)")
	cmd.Flags().StringVarP(&entityType, "type", "t", "", "entity type to pull")
	return cmd
}

func runPull(cmd *cobra.Command, opts *RootOptions, scopeID, entityType string) error {
	var types []models.EntityType
	if entityType != "" {
		t, err := models.ParseEntityType(entityType)
		if err != nil {
			return WrapExitError(ExitCommandError, "pull", err)
		}
		types = []models.EntityType{t}
	}

	ctx := cmd.Context()
	app, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer app.Close()

	var results []*sync.PullResult
	if types == nil {
		results, err = app.Engine.PullAll(ctx, scopeID)
	} else {
		var r *sync.PullResult
		r, err = app.Engine.Pull(ctx, sync.Scope{EntityType: types[0], ScopeID: scopeID})
		if r != nil {
			results = append(results, r)
		}
	}
	if err != nil {
		return WrapExitError(ExitFailure, "pull", err)
	}

	f := newFormatter(opts, cmd)
	return f.Print(results, func(w io.Writer) error { return renderPullResults(w, results) })
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show queue depth, connectivity and breaker state",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Engine.Report(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "status", err)
			}
			f := newFormatter(rootOpts, cmd)
			return f.Print(report, func(w io.Writer) error { return renderStatus(w, report) })
		},
	}
}
