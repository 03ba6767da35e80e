package gate

import (
	"fmt"
)

// Schema is the explicit structural validator: a small recursive sum over
// JSON-like values. It reports the first failure path it encounters.
type Schema struct {
	Type       string             `json:"type,omitempty" yaml:"type,omitempty"`
	Required   []string           `json:"required,omitempty" yaml:"required,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Items      *Schema            `json:"items,omitempty" yaml:"items,omitempty"`
}

// Validate walks the value structurally. The returned error carries the JSON
// path of the first mismatch.
func (s *Schema) Validate(v any) error {
	return s.validate(v, "$")
}

func (s *Schema) validate(v any, path string) error {
	if s.Type != "" {
		if err := checkType(s.Type, v, path); err != nil {
			return err
		}
	}

	if obj, ok := v.(map[string]any); ok {
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				return fmt.Errorf("%s: missing required property %q", path, req)
			}
		}
		for name, sub := range s.Properties {
			val, present := obj[name]
			if !present {
				continue
			}
			if err := sub.validate(val, path+"."+name); err != nil {
				return err
			}
		}
	}

	if arr, ok := v.([]any); ok && s.Items != nil {
		for i, item := range arr {
			if err := s.Items.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}

	return nil
}

func checkType(want string, v any, path string) error {
	actual := typeName(v)
	if actual == want {
		return nil
	}
	return fmt.Errorf("%s: expected %s, got %s", path, want, actual)
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, int, int32, int64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
