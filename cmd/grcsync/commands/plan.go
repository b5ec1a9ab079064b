package commands

import (
	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan FILE",
		Short: "Show what an apply would change",
		Long: `Parse a declarative document and compare it with the live records and the
last applied state of the workspace.

The plan lists the action of every resource (create, update, no_change) and
every three-way conflict. Nothing is locked or written.`,
		Example: `  # Plan a block-syntax document
  grcsync plan --org acme -w prod controls.grc

  # Plan a YAML document and print JSON
  grcsync plan --org acme -w prod --json vendors.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := currentScope()
			if err != nil {
				return err
			}
			text, err := readDocument(args[0])
			if err != nil {
				return err
			}

			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.Info().Str("scope", scope.String()).Str("file", args[0]).Msg("Planning")

			report, err := a.reconciler.Preview(ctx, scope, text, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}
			printPlan(cmd.OutOrStdout(), report)
			return nil
		},
	}

	return cmd
}
