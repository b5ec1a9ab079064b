package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/grcsync/pkg/engine"
	"github.com/openfroyo/grcsync/pkg/telemetry"
)

func newServeMetricsCommand() *cobra.Command {
	var driftInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Expose Prometheus metrics and run periodic drift scans",
		Long: `Serve the Prometheus metrics endpoint until interrupted.

With --drift-interval the workspace named by --org and --workspace is
scanned for drift on that interval, so the drift gauges stay current. Every
scan that finds drift is recorded in the audit trail as drift.detected. Policy files are reloaded on change
when the configuration enables policy.watch.`,
		Example: `  grcsync serve-metrics --listen :9090
  grcsync serve-metrics --org acme -w prod --drift-interval 15m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var scope engine.Scope
			if driftInterval > 0 {
				if scope, err = currentScope(); err != nil {
					return err
				}
				isDrift := telemetry.FilterByType(telemetry.EventTypeDriftDetected)
				inScope := telemetry.FilterByScope(scope.OrgID, scope.Workspace)
				a.tel.Events.Subscribe(a.auditEvent, func(e telemetry.Event) bool {
					return isDrift(e) && inScope(e)
				})
			}

			if a.policies != nil && a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
				if err := a.policies.Watch(ctx, a.cfg.Policy.Paths); err != nil {
					return err
				}
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.tel.Metrics.Serve(ctx)
			})
			if driftInterval > 0 {
				g.Go(func() error {
					a.scanDrift(ctx, scope, driftInterval)
					return nil
				})
			}

			a.logger.Info().Str("listen", a.cfg.Telemetry.Metrics.ListenAddress).Msg("Serving metrics")
			if err := g.Wait(); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsListen, "listen", "", "listen address (default from the config file)")
	cmd.Flags().DurationVar(&driftInterval, "drift-interval", 0, "scan the workspace for drift on this interval")

	return cmd
}

// scanDrift runs a drift scan of scope every interval until ctx is done.
func (a *app) scanDrift(ctx context.Context, scope engine.Scope, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := a.reconciler.DetectDrift(ctx, scope)
		if err != nil {
			a.logger.Error().Err(err).Str("scope", scope.String()).Msg("Drift scan failed")
		} else {
			a.logger.Info().
				Str("scope", scope.String()).
				Bool("drift", report.HasDrift).
				Int("items", len(report.Items)).
				Msg("Drift scan completed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
