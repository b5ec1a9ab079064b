package entities

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed kinds.yaml
var builtinKinds []byte

// Field maps one declarative attribute to its native column.
type Field struct {
	Declared string `yaml:"declared" validate:"required"`
	Native   string `yaml:"native" validate:"required"`

	// Enum maps declarative values to native values. Empty means the value
	// passes through unchanged.
	Enum map[string]string `yaml:"enum,omitempty"`
}

// Kind describes one record kind: its resource type, business id attribute
// and field mapping.
type Kind struct {
	Type       string  `yaml:"type" validate:"required"`
	BusinessID string  `yaml:"business_id" validate:"required"`
	Fields     []Field `yaml:"fields" validate:"required,min=1,dive"`

	toNative   map[string]*Field
	fromNative map[string]*Field
	enumBack   map[string]map[string]string
}

// Manifest is the on-disk form of a kind catalog.
type Manifest struct {
	Kinds []*Kind `yaml:"kinds" validate:"required,min=1,dive"`
}

// LoadKinds parses and validates a kinds manifest.
func LoadKinds(data []byte) ([]*Kind, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse kinds manifest: %w", err)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid kinds manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Kinds))
	for _, k := range m.Kinds {
		if seen[k.Type] {
			return nil, fmt.Errorf("kind %q defined twice", k.Type)
		}
		seen[k.Type] = true

		if err := k.index(); err != nil {
			return nil, fmt.Errorf("kind %q: %w", k.Type, err)
		}
	}

	return m.Kinds, nil
}

// LoadKindsFile reads a kinds manifest from disk.
func LoadKindsFile(path string) ([]*Kind, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read kinds manifest: %w", err)
	}
	return LoadKinds(data)
}

// DefaultKinds returns the built-in control, framework, policy, risk and
// vendor kinds.
func DefaultKinds() []*Kind {
	kinds, err := LoadKinds(builtinKinds)
	if err != nil {
		panic(fmt.Sprintf("built-in kinds manifest is invalid: %v", err))
	}
	return kinds
}

// index builds the lookup tables and enforces that the mapping can be
// inverted: declared names, native names and enum values are all unique.
func (k *Kind) index() error {
	k.toNative = make(map[string]*Field, len(k.Fields))
	k.fromNative = make(map[string]*Field, len(k.Fields))
	k.enumBack = make(map[string]map[string]string)

	for i := range k.Fields {
		f := &k.Fields[i]
		if _, dup := k.toNative[f.Declared]; dup {
			return fmt.Errorf("declared field %q mapped twice", f.Declared)
		}
		if _, dup := k.fromNative[f.Native]; dup {
			return fmt.Errorf("native field %q mapped twice", f.Native)
		}
		k.toNative[f.Declared] = f
		k.fromNative[f.Native] = f

		if len(f.Enum) == 0 {
			continue
		}
		back := make(map[string]string, len(f.Enum))
		for declared, native := range f.Enum {
			if prev, dup := back[native]; dup {
				return fmt.Errorf("field %q: native value %q used by both %q and %q", f.Declared, native, prev, declared)
			}
			back[native] = declared
		}
		k.enumBack[f.Declared] = back
	}

	if _, ok := k.toNative[k.BusinessID]; !ok {
		return fmt.Errorf("business id %q has no field mapping", k.BusinessID)
	}
	return nil
}

// NativeBusinessID returns the native column that holds the business id.
func (k *Kind) NativeBusinessID() string {
	return k.toNative[k.BusinessID].Native
}

// EnumValues returns the declarative values allowed for a field, sorted, or
// nil when the field is not an enum.
func (k *Kind) EnumValues(declared string) []string {
	f, ok := k.toNative[declared]
	if !ok || len(f.Enum) == 0 {
		return nil
	}
	values := make([]string, 0, len(f.Enum))
	for v := range f.Enum {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}
