package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/grcsync/pkg/declarative"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the last applied state",
	}

	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())

	return cmd
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}

			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			states, err := a.reconciler.ListResourceStates(ctx, scope)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), states)
			}

			if len(states) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No tracked resources in %s\n", scope)
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "TYPE\tBUSINESS ID\tHASH\tAPPLIED BY\tAPPLIED AT")
			for _, st := range states {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					st.ResourceType, st.BusinessID, st.LastAppliedHash, st.AppliedBy, formatTime(st.LastAppliedAt))
			}
			return tw.Flush()
		},
	}
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "show TYPE BUSINESS_ID",
		Short:   "Show the last applied content of a resource",
		Example: `  grcsync state show --org acme -w prod control AC-2`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}

			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.reconciler.ResourceState(ctx, scope, args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), st)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s/%s in %s\n", st.ResourceType, st.BusinessID, st.Scope)
			fmt.Fprintf(w, "  hash:       %s\n", st.LastAppliedHash)
			fmt.Fprintf(w, "  applied by: %s at %s\n", st.AppliedBy, formatTime(st.LastAppliedAt))
			if st.DatabaseID != nil {
				fmt.Fprintf(w, "  record id:  %s\n", *st.DatabaseID)
			}
			if st.SourceFile != nil {
				source := *st.SourceFile
				if st.SourceLine != nil {
					source = fmt.Sprintf("%s:%d", source, *st.SourceLine)
				}
				fmt.Fprintf(w, "  source:     %s\n", source)
			}

			fmt.Fprintln(w, "  content:")
			keys := declarative.SortedKeys(st.LastAppliedContent)
			for _, k := range keys {
				fmt.Fprintf(w, "    %s = %s\n", k, formatValue(st.LastAppliedContent[k]))
			}
			return nil
		},
	}
}
