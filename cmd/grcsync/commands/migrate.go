package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Create the database if needed and run every pending schema migration.

Other commands migrate on startup as well; this command only does that.`,
		Example: `  grcsync migrate --db /var/lib/grcsync/grcsync.db`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.db.HealthCheck(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date\n", a.cfg.Database.Path)
			return nil
		},
	}
}
