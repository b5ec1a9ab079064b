package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/grcsync/pkg/engine"
)

var (
	// Global flags
	configPath string
	dbPath     string
	orgID      string
	workspace  string
	actor      string
	logLevel   string
	verbose    bool
	jsonOutput bool

	// set by serve-metrics
	metricsListen string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "grcsync",
		Short: "grcsync - declarative reconciliation for GRC records",
		Long: `grcsync reconciles declarative descriptions of controls, frameworks,
policies, risks and vendors with the live records of a workspace.

Features:
  - Plan and apply with three-way conflict detection
  - Per-workspace apply locks
  - Drift detection against the last applied state
  - Append-only apply history and audit trail
  - CUE schemas and Rego policies for resource admission`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GRCSYNC_CONFIG"), "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&orgID, "org", os.Getenv("GRCSYNC_ORG"), "organization id")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", os.Getenv("GRCSYNC_WORKSPACE"), "workspace within the organization")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "actor recorded as lock holder and author")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newLockCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newServeMetricsCommand())

	return rootCmd
}

func defaultActor() string {
	if a := os.Getenv("GRCSYNC_ACTOR"); a != "" {
		return a
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "grcsync"
}

// currentScope returns the scope named by the global flags.
func currentScope() (engine.Scope, error) {
	scope := engine.Scope{OrgID: orgID, Workspace: workspace}
	if err := scope.Validate(); err != nil {
		return scope, fmt.Errorf("%w (use --org or GRCSYNC_ORG)", err)
	}
	return scope, nil
}
