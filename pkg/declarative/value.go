package declarative

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
)

// Resource is a single typed resource extracted from declarative text.
type Resource struct {
	// Type is the resource type tag (e.g., "control", "risk").
	Type string `json:"type" yaml:"type"`

	// Name is the declared block name.
	Name string `json:"name" yaml:"name"`

	// Attributes holds the block's key/value pairs in the canonical value space.
	Attributes map[string]interface{} `json:"attributes" yaml:"attributes"`

	// Line is the 1-based line where the block starts, 0 if unknown.
	Line int `json:"line,omitempty" yaml:"-"`
}

// Address returns a printable "type.name" identifier for the resource.
func (r Resource) Address() string {
	return r.Type + "." + r.Name
}

// SortedKeys returns the attribute names in lexical order.
func SortedKeys(attrs map[string]interface{}) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Normalize converts v into the canonical value space used for hashing and
// comparison. All numbers become float64.
func Normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case string, bool, float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = Normalize(t[i])
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case map[string]interface{}:
		return NormalizeMap(t)
	}

	// Fall back to a JSON round trip for anything else (structs, typed maps).
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return Normalize(out)
}

// NormalizeMap normalizes every value of attrs into a new map.
func NormalizeMap(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = Normalize(v)
	}
	return out
}

// CanonicalJSON serializes v with sorted keys and no insignificant whitespace.
func CanonicalJSON(v interface{}) ([]byte, error) {
	// encoding/json emits map keys in sorted order at every depth.
	return json.Marshal(Normalize(v))
}

// ValuesEqual reports whether a and b are the same value after normalization.
// Lists compare element by element in order.
func ValuesEqual(a, b interface{}) bool {
	ca, errA := CanonicalJSON(a)
	cb, errB := CanonicalJSON(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(Normalize(a), Normalize(b))
	}
	return bytes.Equal(ca, cb)
}
