package policy

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/grcsync/pkg/engine"
	"github.com/openfroyo/grcsync/pkg/telemetry"
)

var testScope = engine.Scope{OrgID: "acme", Workspace: "prod"}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	expected := []string{
		"business-id-format",
		"ownership",
		"review-frequency",
		"risk-score-range",
		"vendor-contact",
	}

	policies := eng.ListPolicies()
	if len(policies) != len(expected) {
		t.Fatalf("got %d built-in policies, want %d", len(policies), len(expected))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("policies[%d] = %s, want %s", i, policies[i].Name, name)
		}
	}
	if eng.Name() != "opa-policy" {
		t.Errorf("Name() = %s", eng.Name())
	}
}

func TestEvaluateResource_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		resourceType  string
		attrs         map[string]interface{}
		expectAllowed bool
		violations    int
		warnings      int
	}{
		{
			name:          "draft control without owner",
			resourceType:  "control",
			attrs:         map[string]interface{}{"control_id": "AC-2", "status": "draft"},
			expectAllowed: true,
		},
		{
			name:          "published control without owner or frequency",
			resourceType:  "control",
			attrs:         map[string]interface{}{"control_id": "AC-2", "status": "published"},
			expectAllowed: false,
			violations:    1,
			warnings:      1,
		},
		{
			name:         "published control with owner and frequency",
			resourceType: "control",
			attrs: map[string]interface{}{
				"control_id": "AC-2", "status": "published", "owner": "ciso@acme.test", "frequency": "quarterly",
			},
			expectAllowed: true,
		},
		{
			name:          "approved policy with blank owner",
			resourceType:  "policy",
			attrs:         map[string]interface{}{"policy_id": "POL-1", "status": "approved", "owner": "  "},
			expectAllowed: false,
			violations:    1,
		},
		{
			name:          "risk score in range",
			resourceType:  "risk",
			attrs:         map[string]interface{}{"risk_id": "R-1", "score": float64(12)},
			expectAllowed: true,
		},
		{
			name:          "risk score out of range",
			resourceType:  "risk",
			attrs:         map[string]interface{}{"risk_id": "R-1", "score": float64(30)},
			expectAllowed: false,
			violations:    1,
		},
		{
			name:          "risk score not a number",
			resourceType:  "risk",
			attrs:         map[string]interface{}{"risk_id": "R-1", "score": "high"},
			expectAllowed: false,
			violations:    1,
		},
		{
			name:          "high tier vendor without contact",
			resourceType:  "vendor",
			attrs:         map[string]interface{}{"vendor_id": "V-1", "tier": "high"},
			expectAllowed: true,
			warnings:      1,
		},
		{
			name:          "business id with spaces",
			resourceType:  "framework",
			attrs:         map[string]interface{}{"framework_id": "ISO 27001"},
			expectAllowed: false,
			violations:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateResource(context.Background(), testScope, tt.resourceType, tt.attrs)
			if err != nil {
				t.Fatalf("EvaluateResource() error = %v", err)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("Allowed = %v, want %v (violations: %+v)", result.Allowed, tt.expectAllowed, result.Violations)
			}
			if len(result.Violations) != tt.violations {
				t.Errorf("got %d violations, want %d: %+v", len(result.Violations), tt.violations, result.Violations)
			}
			if len(result.Warnings) != tt.warnings {
				t.Errorf("got %d warnings, want %d: %+v", len(result.Warnings), tt.warnings, result.Warnings)
			}
		})
	}
}

func TestEvaluateResource_ViolationFields(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.EvaluateResource(context.Background(), testScope, "control",
		map[string]interface{}{"control_id": "AC-2", "status": "published", "frequency": "monthly"})
	if err != nil {
		t.Fatalf("EvaluateResource() error = %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("violations = %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.Policy != "ownership" || v.Field != "owner" || v.BusinessID != "AC-2" || v.Severity != SeverityError {
		t.Errorf("violation = %+v", v)
	}
}

func TestValidate(t *testing.T) {
	eng := newTestEngine(t)

	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	var received []telemetry.Event
	events.Subscribe(func(e telemetry.Event) { received = append(received, e) }, nil)

	tel := &telemetry.Telemetry{
		Logger: telemetry.NewLoggerWithWriter(io.Discard, telemetry.LoggingConfig{Level: "error", Format: "json"}),
		Events: events,
	}
	ctx := tel.WithContext(context.Background())

	err = eng.Validate(ctx, testScope, "risk", map[string]interface{}{"risk_id": "R-1", "score": float64(0)})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Validate() error = %v, want *DeniedError", err)
	}
	if len(denied.Violations) != 1 || denied.Violations[0].Policy != "risk-score-range" {
		t.Errorf("violations = %+v", denied.Violations)
	}
	if len(received) != 1 || received[0].Type != telemetry.EventTypePolicyViolation {
		t.Errorf("events = %+v, want one policy violation", received)
	}

	if err := eng.Validate(ctx, testScope, "risk", map[string]interface{}{"risk_id": "R-1", "score": float64(5)}); err != nil {
		t.Errorf("Validate(valid) error = %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	attrs := map[string]interface{}{"risk_id": "R-1", "score": float64(99)}

	if err := eng.DisablePolicy("risk-score-range"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	result, err := eng.EvaluateResource(context.Background(), testScope, "risk", attrs)
	if err != nil {
		t.Fatalf("EvaluateResource() error = %v", err)
	}
	if !result.Allowed {
		t.Error("disabled policy still denied")
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "risk-score-range" {
			t.Error("disabled policy was evaluated")
		}
	}

	if err := eng.EnablePolicy("risk-score-range"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	result, _ = eng.EvaluateResource(context.Background(), testScope, "risk", attrs)
	if result.Allowed {
		t.Error("re-enabled policy did not deny")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("EnablePolicy(missing) succeeded")
	}
}

const customRego = `# Frameworks must carry a version.
# severity: error
# resource_types: framework
package custom.frameworks

deny contains msg if {
	not input.resource.attributes.version
	msg := sprintf("framework %s has no version", [input.resource.business_id])
}
`

func TestLoadAndReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "framework-version.rego"), []byte(customRego), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	p, err := eng.GetPolicy("framework-version")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if p.Description != "Frameworks must carry a version." || p.Source == "" {
		t.Errorf("policy = %+v", p)
	}

	result, err := eng.EvaluateResource(context.Background(), testScope, "framework", map[string]interface{}{"framework_id": "ISO-27001"})
	if err != nil {
		t.Fatalf("EvaluateResource() error = %v", err)
	}
	if result.Allowed || result.Violations[0].Message != "framework ISO-27001 has no version" {
		t.Errorf("result = %+v", result)
	}

	// the custom policy does not apply to other types
	result, _ = eng.EvaluateResource(context.Background(), testScope, "vendor", map[string]interface{}{"vendor_id": "V-1"})
	if !result.Allowed {
		t.Errorf("custom policy applied to vendor: %+v", result.Violations)
	}

	if err := eng.ReplacePolicies(context.Background(), nil); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("framework-version"); err == nil {
		t.Error("replaced policy still present")
	}
	if len(eng.ListPolicies()) != len(GetBuiltinPolicies()) {
		t.Error("ReplacePolicies removed built-in policies")
	}
}

func TestReplacePoliciesIsAtomic(t *testing.T) {
	eng := newTestEngine(t)

	good := Policy{Name: "good", Rego: customRego, Severity: SeverityError, Enabled: true}
	if err := eng.ReplacePolicies(context.Background(), []Policy{good}); err != nil {
		t.Fatalf("ReplacePolicies() error = %v", err)
	}

	bad := Policy{Name: "bad", Rego: "package broken\n\ndeny contains if {", Enabled: true}
	if err := eng.ReplacePolicies(context.Background(), []Policy{bad}); err == nil {
		t.Fatal("ReplacePolicies() accepted invalid rego")
	}
	if _, err := eng.GetPolicy("good"); err != nil {
		t.Error("failed replace dropped the previous policies")
	}
}

func TestWatchReloadsPolicies(t *testing.T) {
	eng := newTestEngine(t)
	eng.loader.reloadDelay = 10 * time.Millisecond
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "framework-version.rego"), []byte(customRego), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("framework-version"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watched policy was not loaded")
}
