package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/grcsync/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		resolution string
		dryRun     bool
		message    string
		lockTTL    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "apply FILE",
		Short: "Reconcile a declarative document into the live records",
		Long: `Apply a declarative document to the workspace.

This command:
  - Takes the workspace apply lock (not for --dry-run)
  - Detects conflicts between declared, live and last applied values
  - Resolves them with --resolution (abort, force or skip)
  - Creates and updates records, one resource at a time
  - Records the applied state, a history entry and an audit entry

A failing resource does not stop the others; the command exits non-zero
when any resource failed.`,
		Example: `  # Apply, aborting on any conflict
  grcsync apply --org acme -w prod controls.grc

  # Overwrite conflicting live edits
  grcsync apply --org acme -w prod --resolution force controls.grc

  # Apply everything except conflicted resources
  grcsync apply --org acme -w prod --resolution skip -m "Q3 review" controls.grc

  # See the outcome without writing records
  grcsync apply --org acme -w prod --dry-run controls.grc`,
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

			a.logger.Info().
				Str("scope", scope.String()).
				Str("file", args[0]).
				Str("resolution", resolution).
				Bool("dry_run", dryRun).
				Msg("Applying")

			result, err := a.reconciler.Apply(ctx, engine.ApplyRequest{
				Scope:         scope,
				Actor:         actor,
				Text:          text,
				SourceFile:    args[0],
				CommitMessage: message,
				Resolution:    engine.Resolution(resolution),
				DryRun:        dryRun,
				LockTTL:       lockTTL,
			})
			if err != nil {
				if conflicts := engine.ConflictsOf(err); len(conflicts) > 0 {
					if jsonOutput {
						_ = printJSON(cmd.OutOrStdout(), conflicts)
					} else {
						printConflicts(cmd.OutOrStdout(), conflicts)
					}
				}
				return err
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				printApplyResult(cmd.OutOrStdout(), result)
			}

			if !result.Succeeded() {
				return fmt.Errorf("%d resources failed to apply", result.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&resolution, "resolution", string(engine.ResolutionAbort), "conflict resolution: abort, force or skip")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the outcome without writing records or state")
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message recorded in the history")
	cmd.Flags().DurationVar(&lockTTL, "lock-ttl", 0, "lock expiry (default from the config file)")

	return cmd
}
