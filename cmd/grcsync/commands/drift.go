package commands

import (
	"errors"

	"github.com/spf13/cobra"
)

var errDriftDetected = errors.New("drift detected")

func newDriftCommand() *cobra.Command {
	var failOnDrift bool

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Detect live edits made since the last apply",
		Long: `Compare the last applied content of every tracked resource with its live
record.

The report lists modified, removed and added fields, tracked resources whose
record is gone, and live records that were never applied. Nothing is locked
or written.`,
		Example: `  # Detect drift in a workspace
  grcsync drift --org acme -w prod

  # Fail in CI when anything drifted
  grcsync drift --org acme -w prod --fail-on-drift`,
		Args: cobra.NoArgs,
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

			report, err := a.reconciler.DetectDrift(ctx, scope)
			if err != nil {
				return err
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printDrift(cmd.OutOrStdout(), report)
			}

			if failOnDrift && report.HasDrift {
				return errDriftDetected
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&failOnDrift, "fail-on-drift", false, "exit non-zero when drift is found")

	return cmd
}
