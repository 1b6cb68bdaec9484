package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/caresync/internal/models"
)

// NewDeadLettersCommand creates the dead-letters command group.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "Inspect and recover queue items that exhausted their attempts",
	}

	cmd.AddCommand(newDeadLettersListCommand(rootOpts))
	cmd.AddCommand(newDeadLettersRequeueCommand(rootOpts))
	cmd.AddCommand(newDeadLettersPurgeCommand(rootOpts))
	return cmd
}

func newDeadLettersListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List dead-lettered items",
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

			items, err := app.Engine.DeadLetters(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "list dead letters", err)
			}
			if items == nil {
				items = []*models.SyncQueueItem{}
			}
			f := newFormatter(rootOpts, cmd)
			return f.Print(items, func(w io.Writer) error { return renderQueueItems(w, items) })
		},
	}
}

func newDeadLettersRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "requeue [id]",
		Short: "Return dead-lettered items to the pending queue",
		Long: `Return one dead-lettered item, or every one with --all, to the pending
queue with its attempt count reset.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all takes no id")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("requires an item id or --all")
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if !all {
				var err error
				if id, err = parseItemID(args[0]); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			app, err := openApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			var n int64 = 1
			if all {
				n, err = app.Engine.RequeueAll(ctx)
			} else {
				err = app.Engine.Requeue(ctx, id)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "requeue", err)
			}

			f := newFormatter(rootOpts, cmd)
			out := map[string]int64{"requeued": n}
			return f.Print(out, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Requeued %d item(s).\n", n)
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "requeue every dead-lettered item")
	return cmd
}

func newDeadLettersPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <id>",
		Short: "Discard a dead-lettered item and its unpushed local change",
		Long: `Discard a dead-lettered item. A record that never reached the server is
removed locally; otherwise the local copy is marked for replacement by the
next pull.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseItemID(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			app, err := openApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Engine.Purge(ctx, id); err != nil {
				return WrapExitError(ExitFailure, "purge", err)
			}
			f := newFormatter(rootOpts, cmd)
			return f.Print(map[string]int64{"purged": id}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Purged item %d.\n", id)
				return err
			})
		},
	}
}

func parseItemID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid item id %q", s))
	}
	return id, nil
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:           "conflicts",
		Short:         "Show recent version conflicts and how they were resolved",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return NewExitError(ExitCommandError, "--limit must be positive")
			}
			ctx := cmd.Context()
			app, err := openApp(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer app.Close()

			logs, err := app.Engine.Conflicts(ctx, limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "list conflicts", err)
			}
			if logs == nil {
				logs = []*models.ConflictLog{}
			}
			f := newFormatter(rootOpts, cmd)
			return f.Print(logs, func(w io.Writer) error { return renderConflicts(w, logs) })
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}
