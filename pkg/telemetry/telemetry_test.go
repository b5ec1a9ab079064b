package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production", mutate: func(c *Config) { *c = *ProductionConfig() }},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, wantErr: true},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{name: "metrics without namespace", mutate: func(c *Config) { c.Metrics.Namespace = "" }, wantErr: true},
		{name: "async events without buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warnf("visible %d", 1)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %s", out)
	}
	if !strings.Contains(out, "visible 1") {
		t.Errorf("warn message missing: %s", out)
	}
}

func TestFromContextWithoutLogger(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("FromContext() returned nil")
	}
	logger.Info("discarded")
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordApplyStarted(true)
	m.RecordApplyCompleted("completed", time.Second)
	m.RecordConflicts(1, 2)

	var nilMetrics *Metrics
	nilMetrics.RecordLockAcquisition("acquired")
	nilMetrics.RecordDriftScan(true)

	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	if err := m.Serve(context.Background()); err == nil {
		t.Error("Serve() on disabled metrics should fail")
	}
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordApplyStarted(false)
	m.RecordApplyStarted(false)
	m.RecordApplyCompleted("completed", 10*time.Millisecond)
	m.RecordConflicts(2, 1)
	m.RecordLockAcquisition("contended")

	if got := testutil.ToFloat64(m.appliesStarted.WithLabelValues("false")); got != 2 {
		t.Errorf("applies started = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activeApplies); got != 1 {
		t.Errorf("active applies = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.conflictsDetected.WithLabelValues("warning")); got != 2 {
		t.Errorf("warning conflicts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.lockAcquisitions.WithLabelValues("contended")); got != 1 {
		t.Errorf("contended locks = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "grcsync_applies_completed_total") {
		t.Errorf("metrics output missing apply counter:\n%s", rec.Body.String())
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "grcsync", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}

	ctx, span := tracer.StartApplySpan(context.Background(), "acme", "", "alice", true)
	defer span.End()

	if id := TraceID(ctx); id != "" {
		t.Errorf("TraceID() = %q, want empty for no-op span", id)
	}
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestTracerRecordsSpans(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "grcsync", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartResourceSpan(context.Background(), "control", "AC-2", "update")
	RecordError(span, errors.New("boom"))
	span.End()

	if TraceID(ctx) == "" {
		t.Error("expected a valid trace id for a sampled span")
	}
}

func TestTracerRejectsUnknownExporter(t *testing.T) {
	_, err := NewTracer(TracingConfig{Enabled: true, Exporter: "zipkin"}, "grcsync", "test", "test")
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeApplyStarted, EventTypeLockForceReleased))

	_ = ep.PublishApplyStarted("acme", "prod", "alice", false)
	_ = ep.PublishDriftDetected("acme", "prod", 1, 1)
	_ = ep.PublishLockForceReleased("acme", "prod", "admin", "alice")

	if len(got) != 2 {
		t.Fatalf("received %d events, want 2", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("event was not stamped with id and timestamp")
	}
	if got[1].Type != EventTypeLockForceReleased || got[1].Data["previous_holder"] != "alice" {
		t.Errorf("unexpected second event: %+v", got[1])
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 5; i++ {
		if err := ep.PublishDriftDetected("acme", "", 1, 1); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Errorf("delivered %d events, want 5", count)
	}

	if err := ep.PublishDriftDetected("acme", "", 1, 1); !errors.Is(err, ErrPublisherStopped) {
		t.Errorf("Publish() after shutdown error = %v, want ErrPublisherStopped", err)
	}
}

func TestGlobalFilter(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})
	ep.AddFilter(FilterByType(EventTypeApplyFailed))

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type) }, nil)

	_ = ep.PublishApplyStarted("acme", "", "alice", false)
	_ = ep.PublishApplyFailed("acme", "", "error", errors.New("x"))

	if len(got) != 1 || got[0] != EventTypeApplyFailed {
		t.Errorf("got %v, want only apply.failed", got)
	}
}

func TestEventMinLevel(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, MinLevel: EventLevelWarning})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type) }, nil)

	_ = ep.PublishApplyStarted("acme", "", "alice", false)
	_ = ep.PublishDriftDetected("acme", "", 1, 2)
	_ = ep.PublishApplyFailed("acme", "", "error", errors.New("x"))

	if len(got) != 2 || got[0] != EventTypeDriftDetected || got[1] != EventTypeApplyFailed {
		t.Errorf("got %v, want drift.detected and apply.failed", got)
	}

	cfg := DefaultConfig()
	cfg.Events.MinLevel = "critical"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted an unknown event level")
	}
}

func TestLogEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "warn", Format: "json"})

	ep, _ := NewEventPublisher(EventsConfig{Enabled: true})
	ep.Subscribe(LogEvents(logger), nil)

	_ = ep.PublishApplyStarted("acme", "prod", "alice", false)
	_ = ep.PublishLockForceReleased("acme", "prod", "admin", "alice")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("logged %d lines, want only the warning:\n%s", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["level"] != "warn" || entry["event_type"] != EventTypeLockForceReleased || entry["org_id"] != "acme" {
		t.Errorf("log entry = %v", entry)
	}
	if !strings.Contains(entry["message"].(string), "force-released by admin") {
		t.Errorf("message = %v", entry["message"])
	}
}

func TestApplyContextWithoutTelemetry(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "info", Format: "json"})
	ctx := logger.WithContext(context.Background())

	ctx = WithApplyContext(ctx, "acme", "prod", "alice", false)
	FromContext(ctx).Info("inside apply")
	EndApplyContext(ctx, "", "error", errors.New("ignored"))

	if !strings.Contains(buf.String(), `"org_id":"acme"`) || !strings.Contains(buf.String(), `"actor":"alice"`) {
		t.Errorf("scoped fields missing: %s", buf.String())
	}
}

func TestApplyContextRecordsMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Events.EnableAsync = false
	cfg.Logging.Output = "stderr"
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	defer tel.Shutdown(context.Background())

	var types []string
	tel.Events.Subscribe(func(e Event) { types = append(types, e.Type) }, nil)

	ctx := WithApplyContext(tel.WithContext(context.Background()), "acme", "", "alice", false)
	EndApplyContext(ctx, "", "lock_conflict", errors.New("locked"))

	if got := testutil.ToFloat64(tel.Metrics.appliesCompleted.WithLabelValues("lock_conflict")); got != 1 {
		t.Errorf("lock_conflict outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(tel.Metrics.activeApplies); got != 0 {
		t.Errorf("active applies = %v, want 0", got)
	}
	if len(types) != 2 || types[0] != EventTypeApplyStarted || types[1] != EventTypeApplyFailed {
		t.Errorf("events = %v, want [apply.started apply.failed]", types)
	}
	if MetricsFromContext(ctx) != tel.Metrics || EventsFromContext(ctx) != tel.Events {
		t.Error("context accessors did not return the attached components")
	}
}
