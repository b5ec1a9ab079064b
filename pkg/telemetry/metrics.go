package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for grcsync. A Metrics built with
// metrics disabled (or a nil *Metrics) accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Apply metrics
	appliesStarted   *prometheus.CounterVec
	appliesCompleted *prometheus.CounterVec
	applyDuration    *prometheus.HistogramVec
	activeApplies    prometheus.Gauge

	// Resource metrics
	resourcesApplied *prometheus.CounterVec

	// Detection metrics
	conflictsDetected *prometheus.CounterVec
	driftItems        *prometheus.CounterVec
	driftScans        *prometheus.CounterVec

	// Lock metrics
	lockAcquisitions *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		appliesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "applies_started_total",
				Help:      "Total number of apply operations started",
			},
			[]string{"dry_run"},
		),
		appliesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "applies_completed_total",
				Help:      "Total number of apply operations finished, by outcome",
			},
			[]string{"outcome"},
		),
		applyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "apply_duration_seconds",
				Help:      "Duration of apply operations in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		activeApplies: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_applies",
				Help:      "Current number of in-flight apply operations",
			},
		),
		resourcesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_applied_total",
				Help:      "Total number of resources processed by apply",
			},
			[]string{"resource_type", "action", "status"},
		),
		conflictsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_detected_total",
				Help:      "Total number of field conflicts detected",
			},
			[]string{"severity"},
		),
		driftItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_items_total",
				Help:      "Total number of field-level drift items detected",
			},
			[]string{"resource_type", "kind"},
		),
		driftScans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_scans_total",
				Help:      "Total number of drift scans, by whether drift was found",
			},
			[]string{"status"},
		),
		lockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_acquisitions_total",
				Help:      "Total number of apply lock acquisition attempts",
			},
			[]string{"result"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.appliesStarted,
		m.appliesCompleted,
		m.applyDuration,
		m.activeApplies,
		m.resourcesApplied,
		m.conflictsDetected,
		m.driftItems,
		m.driftScans,
		m.lockAcquisitions,
		m.errorsByClass,
	)

	return m, nil
}

// Apply Metrics

// RecordApplyStarted increments the started counter and the in-flight gauge.
func (m *Metrics) RecordApplyStarted(dryRun bool) {
	if m == nil || m.appliesStarted == nil {
		return
	}
	label := "false"
	if dryRun {
		label = "true"
	}
	m.appliesStarted.WithLabelValues(label).Inc()
	m.activeApplies.Inc()
}

// RecordApplyCompleted records a finished apply. outcome is one of
// completed, partial_failure, dry_run, lock_conflict, parse_error, conflict
// or error.
func (m *Metrics) RecordApplyCompleted(outcome string, duration time.Duration) {
	if m == nil || m.appliesCompleted == nil {
		return
	}
	m.appliesCompleted.WithLabelValues(outcome).Inc()
	m.applyDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.activeApplies.Dec()
}

// RecordResourceApplied counts one resource processed by an apply.
func (m *Metrics) RecordResourceApplied(resourceType, action, status string) {
	if m == nil || m.resourcesApplied == nil {
		return
	}
	m.resourcesApplied.WithLabelValues(resourceType, action, status).Inc()
}

// Detection Metrics

// RecordConflicts adds conflict counts by severity.
func (m *Metrics) RecordConflicts(warnings, errors int) {
	if m == nil || m.conflictsDetected == nil {
		return
	}
	m.conflictsDetected.WithLabelValues("warning").Add(float64(warnings))
	m.conflictsDetected.WithLabelValues("error").Add(float64(errors))
}

// RecordDriftItem counts one field-level drift item.
func (m *Metrics) RecordDriftItem(resourceType, kind string) {
	if m == nil || m.driftItems == nil {
		return
	}
	m.driftItems.WithLabelValues(resourceType, kind).Inc()
}

// RecordDriftScan counts a finished drift scan.
func (m *Metrics) RecordDriftScan(drifted bool) {
	if m == nil || m.driftScans == nil {
		return
	}
	status := "clean"
	if drifted {
		status = "drifted"
	}
	m.driftScans.WithLabelValues(status).Inc()
}

// Lock Metrics

// RecordLockAcquisition counts a lock attempt; result is acquired, contended
// or error.
func (m *Metrics) RecordLockAcquisition(result string) {
	if m == nil || m.lockAcquisitions == nil {
		return
	}
	m.lockAcquisitions.WithLabelValues(result).Inc()
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if m == nil || !m.config.Enabled {
		return errors.New("metrics are disabled")
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
