package declarative

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseFile_YAML(t *testing.T) {
	text := `
resources:
  - type: control
    name: access-review
    attributes:
      control_id: AC-2
      weight: 3
      tags: [iam, sox]
      owner:
        name: ignored
  - type: vendor
    name: acme
    attributes:
      vendor_id: V-1
`
	result, err := ParseFile(text, "grc.yaml")
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if result.Status != StatusOK || len(result.Resources) != 2 {
		t.Fatalf("got status %s with %d resources", result.Status, len(result.Resources))
	}

	control := result.Resources[0]
	want := map[string]interface{}{
		"control_id": "AC-2",
		"weight":     float64(3),
		"tags":       []interface{}{"iam", "sox"},
	}
	if !reflect.DeepEqual(control.Attributes, want) {
		t.Errorf("Attributes = %#v, want %#v", control.Attributes, want)
	}
	if control.Line != 3 {
		t.Errorf("Line = %d, want 3", control.Line)
	}
}

func TestParseFile_JSON(t *testing.T) {
	text := `{"resources": [{"type": "risk", "name": "r1", "attributes": {"risk_id": "R-1", "score": 12}}]}`
	result, err := ParseFile(text, "grc.json")
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if len(result.Resources) != 1 {
		t.Fatalf("got %d resources", len(result.Resources))
	}
	if got := result.Resources[0].Attributes["score"]; got != float64(12) {
		t.Errorf("score = %#v, want 12", got)
	}
}

func TestParseFile_BlockSyntaxDefault(t *testing.T) {
	result, err := ParseFile(`control "c" { control_id = "C" }`, "controls.grc")
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if len(result.Resources) != 1 {
		t.Fatalf("got %d resources", len(result.Resources))
	}
}

func TestParseYAML_Status(t *testing.T) {
	tests := []struct {
		name string
		text string
		want ParseStatus
	}{
		{"blank", "\n", StatusEmpty},
		{"no resources key", "kind: other\n", StatusNoResources},
		{"empty list", "resources: []\n", StatusNoResources},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseYAML(tt.text, "x.yaml")
			if err != nil {
				t.Fatalf("ParseYAML() error = %v", err)
			}
			if result.Status != tt.want {
				t.Errorf("Status = %s, want %s", result.Status, tt.want)
			}
		})
	}
}

func TestParseYAML_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"invalid yaml", "resources: [\n"},
		{"nested list", "resources:\n  - type: control\n    name: c\n    attributes:\n      a: [[1]]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML(tt.text, "x.yaml")
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParseError, got %v", err)
			}
		})
	}
}
