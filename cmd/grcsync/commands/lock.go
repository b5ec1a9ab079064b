package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and release workspace apply locks",
	}

	cmd.AddCommand(newLockStatusCommand())
	cmd.AddCommand(newLockReleaseCommand())
	cmd.AddCommand(newLockForceReleaseCommand())

	return cmd
}

func newLockStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show who holds the apply lock",
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

			info, err := a.reconciler.Locks().Status(ctx, scope)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), info)
			}
			printLock(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func newLockReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Release a lock held by --actor",
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

			released, err := a.reconciler.Locks().Release(ctx, scope, actor)
			if err != nil {
				return err
			}
			if !released {
				return fmt.Errorf("%s holds no lock on %s", actor, scope)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Released the lock on %s\n", scope)
			return nil
		},
	}
}

func newLockForceReleaseCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "force-release",
		Short: "Release the apply lock whoever holds it",
		Long: `Delete the apply lock of the workspace regardless of its holder.

Use this only when the holder is known to be gone. The override is recorded
in the audit trail.`,
		Example: `  grcsync lock force-release --org acme -w prod --reason "runner crashed"`,
		Args:    cobra.NoArgs,
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

			info, err := a.reconciler.Locks().ForceRelease(ctx, scope, actor)
			if err != nil {
				return err
			}
			if !info.Locked {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not locked\n", scope)
				return nil
			}

			err = a.audit.Record(ctx,
				fmt.Sprintf("force-released apply lock on %s held by %s", scope, info.Holder),
				actor,
				map[string]interface{}{
					"action":          "lock.force_released",
					"org_id":          scope.OrgID,
					"workspace":       scope.Workspace,
					"previous_holder": info.Holder,
					"lock_reason":     info.Reason,
					"reason":          reason,
				})
			if err != nil {
				return fmt.Errorf("lock released but the audit entry failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Force-released the lock on %s held by %s\n", scope, info.Holder)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the lock is overridden")

	return cmd
}
