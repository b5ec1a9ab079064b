package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/grcsync/pkg/engine"
)

var testScope = engine.Scope{OrgID: "acme", Workspace: "prod"}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry(zerolog.Nop())

	want := []string{"control", "framework", "policy", "risk", "vendor"}
	got := sr.ListSchemas()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("ListSchemas() = %v, want %v", got, want)
	}

	for _, name := range want {
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}
			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
			}
		})
	}
}

func TestSchemaRegistry_Validate(t *testing.T) {
	sr := NewSchemaRegistry(zerolog.Nop())

	tests := []struct {
		name         string
		resourceType string
		attrs        map[string]interface{}
		wantErr      bool
		wantDetail   string
	}{
		{
			name:         "valid control",
			resourceType: "control",
			attrs: map[string]interface{}{
				"control_id": "AC-2",
				"title":      "Account management",
				"owner":      "ciso@acme.test",
				"status":     "draft",
				"tags":       []interface{}{"iam", "soc2"},
			},
		},
		{
			name:         "undeclared attributes pass",
			resourceType: "control",
			attrs:        map[string]interface{}{"control_id": "AC-2", "evidence_url": "https://x.test"},
		},
		{
			name:         "missing business id",
			resourceType: "control",
			attrs:        map[string]interface{}{"title": "Account management"},
			wantErr:      true,
			wantDetail:   "control_id",
		},
		{
			name:         "unknown status",
			resourceType: "control",
			attrs:        map[string]interface{}{"control_id": "AC-2", "status": "live"},
			wantErr:      true,
			wantDetail:   "status",
		},
		{
			name:         "owner is not an email",
			resourceType: "policy",
			attrs:        map[string]interface{}{"policy_id": "POL-1", "owner": "ciso"},
			wantErr:      true,
			wantDetail:   "owner",
		},
		{
			name:         "review date format",
			resourceType: "policy",
			attrs:        map[string]interface{}{"policy_id": "POL-1", "review_date": "2026-01-31"},
		},
		{
			name:         "bad review date",
			resourceType: "policy",
			attrs:        map[string]interface{}{"policy_id": "POL-1", "review_date": "next year"},
			wantErr:      true,
			wantDetail:   "review_date",
		},
		{
			name:         "numeric score",
			resourceType: "risk",
			attrs:        map[string]interface{}{"risk_id": "R-1", "score": float64(12), "likelihood": "high"},
		},
		{
			name:         "string score",
			resourceType: "risk",
			attrs:        map[string]interface{}{"risk_id": "R-1", "score": "high"},
			wantErr:      true,
			wantDetail:   "score",
		},
		{
			name:         "vendor website scheme",
			resourceType: "vendor",
			attrs:        map[string]interface{}{"vendor_id": "V-1", "website": "ftp://vendor.test"},
			wantErr:      true,
			wantDetail:   "website",
		},
		{
			name:         "framework numeric version",
			resourceType: "framework",
			attrs:        map[string]interface{}{"framework_id": "ISO-27001", "version": float64(2022)},
		},
		{
			name:         "type without schema",
			resourceType: "asset",
			attrs:        map[string]interface{}{"anything": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.Validate(context.Background(), testScope, tt.resourceType, tt.attrs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}

			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("error = %T, want *SchemaError", err)
			}
			if schemaErr.ResourceType != tt.resourceType {
				t.Errorf("ResourceType = %s, want %s", schemaErr.ResourceType, tt.resourceType)
			}
			if !strings.Contains(err.Error(), tt.wantDetail) {
				t.Errorf("error %q does not mention %q", err, tt.wantDetail)
			}
		})
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry(zerolog.Nop())

	custom := `
#Schema: {
	asset_id: #ID
	owner:    #Email
	...
}
`
	if err := sr.RegisterSchema("asset", custom); err != nil {
		t.Fatalf("RegisterSchema() error = %v", err)
	}

	if err := sr.Validate(context.Background(), testScope, "asset", map[string]interface{}{"asset_id": "A-1"}); err == nil {
		t.Error("expected an error for the missing required owner")
	}
	if err := sr.Validate(context.Background(), testScope, "asset",
		map[string]interface{}{"asset_id": "A-1", "owner": "it@acme.test"}); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	if err := sr.RegisterSchema("broken", "#Schema: {"); err == nil {
		t.Error("expected a compile error")
	}
	if err := sr.RegisterSchema("nodef", "x: 1"); err == nil {
		t.Error("expected an error for a source without #Schema")
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "missing", map[string]interface{}{}); err == nil {
		t.Error("expected an error for an unknown schema")
	}
}

func TestSchemaRegistry_LoadSchemaFiles(t *testing.T) {
	sr := NewSchemaRegistry(zerolog.Nop())
	dir := t.TempDir()

	strict := "#Schema: {\n\tvendor_id: #ID\n\tcontact: #Email\n\t...\n}\n"
	if err := os.WriteFile(filepath.Join(dir, "vendor.cue"), []byte(strict), 0o644); err != nil {
		t.Fatalf("Failed to write schema: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	if err := sr.LoadSchemaFiles([]string{dir}); err != nil {
		t.Fatalf("LoadSchemaFiles() error = %v", err)
	}

	// the file replaced the built-in vendor schema, which has no required contact
	if err := sr.Validate(context.Background(), testScope, "vendor", map[string]interface{}{"vendor_id": "V-1"}); err == nil {
		t.Error("loaded vendor schema was not applied")
	}

	if err := sr.LoadSchemaFiles([]string{filepath.Join(dir, "missing.cue")}); err == nil {
		t.Error("expected an error for a missing path")
	}
}

func TestSchemaRegistry_ConcurrentValidate(t *testing.T) {
	sr := NewSchemaRegistry(zerolog.Nop())

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- sr.Validate(context.Background(), testScope, "control",
				map[string]interface{}{"control_id": "AC-2", "status": "approved"})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	}
}
