package engine

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/grcsync/pkg/declarative"
	"github.com/openfroyo/grcsync/pkg/stores"
)

func TestClassifyTable(t *testing.T) {
	tests := []struct {
		name string
		cmp  Comparison
		want Outcome
	}{
		{"all equal", Comparison{true, true, true}, OutcomeNoChange},
		{"declared equals live only", Comparison{DeclaredEqualsLive: true}, OutcomeNoChange},
		{"live unchanged", Comparison{LiveEqualsLastApplied: true}, OutcomeUpdate},
		{"live drifted, declared unchanged", Comparison{DeclaredEqualsLastApplied: true}, OutcomeWarning},
		{"all differ", Comparison{}, OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.cmp); got != tt.want {
				t.Errorf("Classify(%+v) = %s, want %s", tt.cmp, got, tt.want)
			}
		})
	}
}

func TestThreeWayClassification(t *testing.T) {
	tests := []struct {
		name        string
		lastApplied string
		live        string
		declared    string
		want        Outcome
	}{
		{"declared changed, live unchanged", "draft", "draft", "published", OutcomeUpdate},
		{"live changed, declared unchanged", "draft", "approved", "draft", OutcomeWarning},
		{"both changed", "draft", "approved", "published", OutcomeError},
		{"both changed to the same value", "draft", "published", "published", OutcomeNoChange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(Compare(tt.declared, tt.live, tt.lastApplied))
			if got != tt.want {
				t.Errorf("classification = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCompareNormalizesNumbersAndAbsence(t *testing.T) {
	cmp := Compare(float64(3), 3, int64(3))
	if !cmp.DeclaredEqualsLive || !cmp.LiveEqualsLastApplied || !cmp.DeclaredEqualsLastApplied {
		t.Errorf("numeric representations should compare equal: %+v", cmp)
	}

	// a field that was never applied and is absent live is an update
	if got := Classify(Compare("new", nil, nil)); got != OutcomeUpdate {
		t.Errorf("Classify(new field) = %s, want update", got)
	}

	// list order matters
	if Compare([]interface{}{"a", "b"}, []interface{}{"b", "a"}, nil).DeclaredEqualsLive {
		t.Error("reordered lists should not compare equal")
	}
}

// seedApplied creates a live record and the state row of a previous apply.
func seedApplied(t *testing.T, store *stores.SQLiteStore, records *mockRecordStore, businessID string, applied, live map[string]interface{}) {
	t.Helper()
	rec := records.seed(testScope, businessID, live)
	_, err := store.RecordResourceState(context.Background(), stores.RecordStateParams{
		Scope:        testScope,
		ResourceType: records.Type(),
		BusinessID:   businessID,
		DatabaseID:   &rec.ID,
		Content:      applied,
		Actor:        "alice",
	})
	if err != nil {
		t.Fatalf("RecordResourceState() error = %v", err)
	}
}

func controlResource(name string, attrs map[string]interface{}) declarative.Resource {
	return declarative.Resource{Type: "control", Name: name, Attributes: declarative.NormalizeMap(attrs)}
}

func TestDetectConflictsThreeWay(t *testing.T) {
	tests := []struct {
		name         string
		lastApplied  string
		live         string
		declared     string
		wantAction   Action
		wantSeverity Severity
	}{
		{"update", "draft", "draft", "published", ActionUpdate, ""},
		{"warning", "draft", "approved", "draft", ActionUpdate, SeverityWarning},
		{"error", "draft", "approved", "published", ActionUpdate, SeverityError},
		{"no change", "draft", "draft", "draft", ActionNoChange, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestStore(t)
			controls := newMockRecordStore("control", "control_id")
			detector := NewConflictDetector(NewRegistry(controls), store, zerolog.Nop())

			seedApplied(t, store, controls, "AC-2",
				map[string]interface{}{"control_id": "AC-2", "status": tt.lastApplied},
				map[string]interface{}{"control_id": "AC-2", "status": tt.live},
			)

			report, err := detector.DetectConflicts(context.Background(), testScope, []declarative.Resource{
				controlResource("ac2", map[string]interface{}{"control_id": "AC-2", "status": tt.declared}),
			})
			if err != nil {
				t.Fatalf("DetectConflicts() error = %v", err)
			}

			if len(report.Resources) != 1 || report.Resources[0].Action != tt.wantAction {
				t.Fatalf("resources = %+v, want one %s", report.Resources, tt.wantAction)
			}

			if tt.wantSeverity == "" {
				if report.HasConflicts || len(report.Conflicts) != 0 {
					t.Errorf("unexpected conflicts: %+v", report.Conflicts)
				}
				if len(report.SafeToApply) != 1 {
					t.Errorf("SafeToApply = %d, want 1", len(report.SafeToApply))
				}
				return
			}

			if !report.HasConflicts || len(report.Conflicts) != 1 {
				t.Fatalf("conflicts = %+v, want exactly one", report.Conflicts)
			}
			c := report.Conflicts[0]
			if c.Field != "status" || c.Severity != tt.wantSeverity {
				t.Errorf("conflict = %+v, want status/%s", c, tt.wantSeverity)
			}
			if c.DeclaredValue != tt.declared || c.LiveValue != tt.live || c.LastAppliedValue != tt.lastApplied {
				t.Errorf("conflict values = (%v, %v, %v)", c.DeclaredValue, c.LiveValue, c.LastAppliedValue)
			}
			if c.Recommendation == "" {
				t.Error("conflict has no recommendation")
			}
			if len(report.SafeToApply) != 0 {
				t.Errorf("conflicted resource listed as safe: %+v", report.SafeToApply)
			}
		})
	}
}

func TestNewResourceIsAlwaysCreate(t *testing.T) {
	store := setupTestStore(t)
	controls := newMockRecordStore("control", "control_id")
	detector := NewConflictDetector(NewRegistry(controls), store, zerolog.Nop())

	// another resource in the same input is in error conflict
	seedApplied(t, store, controls, "AC-1",
		map[string]interface{}{"control_id": "AC-1", "status": "draft"},
		map[string]interface{}{"control_id": "AC-1", "status": "approved"},
	)

	report, err := detector.DetectConflicts(context.Background(), testScope, []declarative.Resource{
		controlResource("ac1", map[string]interface{}{"control_id": "AC-1", "status": "published"}),
		controlResource("ac9", map[string]interface{}{"control_id": "AC-9", "status": "draft"}),
	})
	if err != nil {
		t.Fatalf("DetectConflicts() error = %v", err)
	}

	if len(report.NewResources) != 1 || report.NewResources[0].BusinessID != "AC-9" {
		t.Fatalf("NewResources = %+v, want AC-9", report.NewResources)
	}
	if report.NewResources[0].Action != ActionCreate || report.NewResources[0].Conflicted {
		t.Errorf("new resource = %+v, want unconflicted create", report.NewResources[0])
	}
	if got := report.ConflictsFor("control", "AC-9"); len(got) != 0 {
		t.Errorf("new resource has conflicts: %+v", got)
	}
	if report.Summary.Create != 1 || report.Summary.Conflicted != 1 || report.Summary.Errors != 1 {
		t.Errorf("summary = %+v", report.Summary)
	}
}

func TestAdoptionWarning(t *testing.T) {
	store := setupTestStore(t)
	controls := newMockRecordStore("control", "control_id")
	detector := NewConflictDetector(NewRegistry(controls), store, zerolog.Nop())

	controls.seed(testScope, "AC-2", map[string]interface{}{"control_id": "AC-2", "status": "draft"})

	report, err := detector.DetectConflicts(context.Background(), testScope, []declarative.Resource{
		controlResource("ac2", map[string]interface{}{"control_id": "AC-2", "status": "draft"}),
	})
	if err != nil {
		t.Fatalf("DetectConflicts() error = %v", err)
	}

	if len(report.Conflicts) != 1 {
		t.Fatalf("conflicts = %+v, want one adoption warning", report.Conflicts)
	}
	c := report.Conflicts[0]
	if c.Field != AdoptionField || c.Severity != SeverityWarning {
		t.Errorf("conflict = %+v, want field * with warning severity", c)
	}
	if report.Resources[0].RecordID == "" {
		t.Error("adopted resource should carry the live record id")
	}
}

func TestDetectConflictsInvalidResources(t *testing.T) {
	store := setupTestStore(t)
	detector := NewConflictDetector(NewRegistry(newMockRecordStore("control", "control_id")), store, zerolog.Nop())

	report, err := detector.DetectConflicts(context.Background(), testScope, []declarative.Resource{
		{Type: "widget", Name: "w", Attributes: map[string]interface{}{"id": "1"}},
		controlResource("nobid", map[string]interface{}{"title": "No id"}),
		controlResource("first", map[string]interface{}{"control_id": "AC-2"}),
		controlResource("second", map[string]interface{}{"control_id": "AC-2"}),
	})
	if err != nil {
		t.Fatalf("DetectConflicts() error = %v", err)
	}

	if len(report.Invalid) != 3 {
		t.Fatalf("Invalid = %+v, want 3 entries", report.Invalid)
	}
	wantNames := []string{"w", "nobid", "second"}
	for i, name := range wantNames {
		if report.Invalid[i].Name != name {
			t.Errorf("Invalid[%d].Name = %s, want %s", i, report.Invalid[i].Name, name)
		}
	}
	if report.HasConflicts {
		t.Error("invalid resources must not count as conflicts")
	}
	if len(report.Resources) != 1 || report.Resources[0].Name != "first" {
		t.Errorf("Resources = %+v, want only the first AC-2", report.Resources)
	}
}
