package entities

import (
	"fmt"
	"strings"

	"github.com/openfroyo/grcsync/pkg/declarative"
)

// EnumError reports a declarative value outside a field's enum table.
type EnumError struct {
	Type    string
	Field   string
	Value   interface{}
	Allowed []string
}

func (e *EnumError) Error() string {
	return fmt.Sprintf("%s.%s: value %v is not one of [%s]", e.Type, e.Field, e.Value, strings.Join(e.Allowed, ", "))
}

// MappingError reports an unmapped declarative attribute whose name is the
// native column of another field. Passing it through would read back under
// the other field's name.
type MappingError struct {
	Type      string
	Attribute string
	Owner     string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("%s.%s: name is reserved as the native column of %q", e.Type, e.Attribute, e.Owner)
}

// ToNative maps declarative attributes to native fields. Unmapped attributes
// pass through under their own name unless that name is a native column.
func (k *Kind) ToNative(attrs map[string]interface{}) (map[string]interface{}, error) {
	native := make(map[string]interface{}, len(attrs))
	for name, value := range attrs {
		f, ok := k.toNative[name]
		if !ok {
			if owner, taken := k.fromNative[name]; taken {
				return nil, &MappingError{Type: k.Type, Attribute: name, Owner: owner.Declared}
			}
			native[name] = value
			continue
		}
		if len(f.Enum) == 0 {
			native[f.Native] = value
			continue
		}

		s, isString := value.(string)
		mapped, known := f.Enum[s]
		if !isString || !known {
			return nil, &EnumError{Type: k.Type, Field: name, Value: value, Allowed: k.EnumValues(name)}
		}
		native[f.Native] = mapped
	}
	return native, nil
}

// FromNative maps native fields back to declarative attributes. A native enum
// value with no declarative counterpart is kept as is, so it surfaces as a
// difference instead of disappearing. An unmapped native field never shadows
// a mapped attribute of the same name.
func (k *Kind) FromNative(fields map[string]interface{}) map[string]interface{} {
	attrs := make(map[string]interface{}, len(fields))
	for name, value := range fields {
		f, ok := k.fromNative[name]
		if !ok {
			if _, mapped := k.toNative[name]; !mapped {
				attrs[name] = value
			}
			continue
		}
		if back := k.enumBack[f.Declared]; back != nil {
			if s, isString := value.(string); isString {
				if declared, known := back[s]; known {
					value = declared
				}
			}
		}
		attrs[f.Declared] = value
	}
	return declarative.NormalizeMap(attrs)
}

// Check verifies that attrs can be mapped without writing anything.
func (k *Kind) Check(attrs map[string]interface{}) error {
	_, err := k.ToNative(attrs)
	return err
}
