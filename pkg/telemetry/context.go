package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or
// nil when none was attached.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// MetricsFromContext returns the metrics of the attached telemetry. The
// result may be nil; every Metrics method accepts a nil receiver.
func MetricsFromContext(ctx context.Context) *Metrics {
	if t := FromTelemetryContext(ctx); t != nil {
		return t.Metrics
	}
	return nil
}

// EventsFromContext returns the event publisher of the attached telemetry,
// which may be nil.
func EventsFromContext(ctx context.Context) *EventPublisher {
	if t := FromTelemetryContext(ctx); t != nil {
		return t.Events
	}
	return nil
}

// Shutdown stops the event publisher and the tracer, in that order.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// InstrumentedContext carries the span, logger and timer of one operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	logger := FromContext(ctx).WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    logger.WithContext(spanCtx),
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

type applySpanKey struct{}

type applyTimerKey struct{}

type applyScopeKey struct{}

type applyScope struct {
	orgID     string
	workspace string
	actor     string
	dryRun    bool
}

// WithApplyContext opens the telemetry of one apply: root span, scoped
// logger, started metric and apply.started event. Without attached
// telemetry only the scoped logger is added.
func WithApplyContext(ctx context.Context, orgID, workspace, actor string, dryRun bool) context.Context {
	logger := FromContext(ctx).WithScope(orgID, workspace).WithField("actor", actor)
	scope := applyScope{orgID: orgID, workspace: workspace, actor: actor, dryRun: dryRun}
	ctx = context.WithValue(ctx, applyScopeKey{}, scope)
	ctx = context.WithValue(ctx, applyTimerKey{}, NewTimer())

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return logger.WithContext(ctx)
	}

	spanCtx, span := tel.Tracer.StartApplySpan(ctx, orgID, workspace, actor, dryRun)
	spanCtx = context.WithValue(spanCtx, applySpanKey{}, span)
	if traceID := TraceID(spanCtx); traceID != "" {
		logger = logger.WithField("trace_id", traceID)
	}

	tel.Metrics.RecordApplyStarted(dryRun)
	_ = tel.Events.PublishApplyStarted(orgID, workspace, actor, dryRun)

	return logger.WithContext(spanCtx)
}

// EndApplyContext closes the telemetry opened by WithApplyContext. outcome
// labels the completed metric; a non-nil err marks the span and publishes
// apply.failed instead of apply.completed.
func EndApplyContext(ctx context.Context, historyID, outcome string, err error) time.Duration {
	var duration time.Duration
	if timer, ok := ctx.Value(applyTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return duration
	}

	if span, ok := ctx.Value(applySpanKey{}).(trace.Span); ok {
		if historyID != "" {
			span.SetAttributes(AttrHistoryID.String(historyID))
		}
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	tel.Metrics.RecordApplyCompleted(outcome, duration)

	scope, _ := ctx.Value(applyScopeKey{}).(applyScope)
	if err != nil {
		_ = tel.Events.PublishApplyFailed(scope.orgID, scope.workspace, outcome, err)
	} else {
		_ = tel.Events.PublishApplyCompleted(scope.orgID, scope.workspace, historyID, outcome, duration)
	}
	return duration
}

type resourceSpanKey struct{}

type resourceTimerKey struct{}

// WithResourceContext opens a child span and logger for one resource of an apply.
func WithResourceContext(ctx context.Context, resourceType, businessID, action string) context.Context {
	logger := FromContext(ctx).WithResource(resourceType, businessID).WithField("action", action)
	ctx = context.WithValue(ctx, resourceTimerKey{}, NewTimer())

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return logger.WithContext(ctx)
	}

	spanCtx, span := tel.Tracer.StartResourceSpan(ctx, resourceType, businessID, action)
	spanCtx = context.WithValue(spanCtx, resourceSpanKey{}, span)
	return logger.WithContext(spanCtx)
}

// EndResourceContext closes the resource span and counts the resource.
func EndResourceContext(ctx context.Context, resourceType, action string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "failed"
	}

	if span, ok := ctx.Value(resourceSpanKey{}).(trace.Span); ok {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	tel.Metrics.RecordResourceApplied(resourceType, action, status)
}
