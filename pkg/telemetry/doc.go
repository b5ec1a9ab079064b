// Package telemetry provides observability instrumentation for grcsync.
//
// The package combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event publisher.
// Every component degrades to a no-op when disabled, so library code can
// instrument unconditionally.
//
// # Usage
//
// Initialize telemetry at process startup and attach it to the context:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Apply instrumentation
//
// An apply opens its telemetry with WithApplyContext and closes it with
// EndApplyContext. Between the two, FromContext returns a logger carrying
// org_id, workspace and actor, and the root span is the parent of every
// resource span opened with WithResourceContext:
//
//	ctx = telemetry.WithApplyContext(ctx, "acme", "prod", "alice", false)
//	for _, r := range resources {
//	    rctx := telemetry.WithResourceContext(ctx, r.Type, r.BusinessID, "create")
//	    err := apply(rctx, r)
//	    telemetry.EndResourceContext(rctx, r.Type, "create", err)
//	}
//	telemetry.EndApplyContext(ctx, historyID, "completed", nil)
//
// # Metrics
//
// Metrics are registered on a private registry and exposed by Metrics.Serve
// or Metrics.Handler. All metric names carry the configured namespace
// (grcsync by default), for example grcsync_applies_completed_total.
//
// # Events
//
// The EventPublisher delivers apply, conflict, drift, lock and policy events
// to subscribers, optionally through a bounded async queue. Filters select
// events by type, level, scope or history ID.
package telemetry
