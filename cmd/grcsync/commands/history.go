package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history [ID]",
		Short: "List applies, newest first, or show one entry",
		Example: `  grcsync history --org acme -w prod --limit 5
  grcsync history 0b6a2f0e-3c1d-4b8e-9d7e-1f2a3b4c5d6e`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return showHistoryEntry(cmd, args[0])
			}

			scope, err := currentScope()
			if err != nil {
				return err
			}

			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.reconciler.History(ctx, scope, limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}

			if len(entries) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No applies in %s\n", scope)
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tWHEN\tACTOR\tSOURCE\tCREATED\tUPDATED\tUNCHANGED\tSKIPPED\tFAILED\tDRY RUN")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%t\n",
					e.ID, formatTime(e.CreatedAt), e.Actor, e.SourceFile,
					e.Created, e.Updated, e.Unchanged, e.Skipped, e.Failed, e.DryRun)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of entries to skip")

	return cmd
}

func showHistoryEntry(cmd *cobra.Command, id string) error {
	a, ctx, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.reconciler.HistoryEntry(ctx, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), e)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Apply %s in %s\n", e.ID, e.Scope)
	fmt.Fprintf(w, "  actor:      %s\n", e.Actor)
	fmt.Fprintf(w, "  when:       %s (%s)\n", formatTime(e.CreatedAt), time.Duration(e.DurationMS)*time.Millisecond)
	fmt.Fprintf(w, "  source:     %s\n", e.SourceFile)
	if e.CommitMessage != "" {
		fmt.Fprintf(w, "  message:    %s\n", e.CommitMessage)
	}
	fmt.Fprintf(w, "  dry run:    %t\n", e.DryRun)
	fmt.Fprintf(w, "  resolution: %s (%d warnings, %d errors)\n", e.ConflictResolution, e.ConflictWarnings, e.ConflictErrors)
	fmt.Fprintf(w, "  counts:     %d created, %d updated, %d deleted, %d unchanged, %d skipped, %d failed\n",
		e.Created, e.Updated, e.Deleted, e.Unchanged, e.Skipped, e.Failed)
	fmt.Fprintf(w, "  state hash: %s\n", e.StateHash)
	for _, msg := range e.Errors {
		fmt.Fprintf(w, "  error: %s\n", msg)
	}
	for _, msg := range e.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", msg)
	}
	return nil
}
