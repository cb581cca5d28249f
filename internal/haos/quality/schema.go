// Package quality implements C7: an ordered, configurable chain of
// checks applied to a task result, short-circuiting on the first fail
// or review verdict.
package quality

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// PropertySchema validates a single output field (ground:
// services/api-gateway/request_validator.go's PropertySchema, trimmed
// to the subset of formats a task output shape actually needs).
type PropertySchema struct {
	Type      string // string, number, integer, boolean, array, object
	MinLength int
	MaxLength int
	Min       float64
	Max       float64
	Pattern   *regexp.Regexp
	Enum      []string
	Required  bool
}

// Schema declares the expected shape of a task's output payload.
type Schema struct {
	Properties map[string]PropertySchema
	MaxSize    int // max serialized size in bytes, 0 = unbounded
}

func (s Schema) validate(output map[string]any) []string {
	var reasons []string
	for name, ps := range s.Properties {
		v, present := output[name]
		if !present {
			if ps.Required {
				reasons = append(reasons, fmt.Sprintf("missing required field %q", name))
			}
			continue
		}
		reasons = append(reasons, validateValue(name, v, ps)...)
	}
	if s.MaxSize > 0 {
		if data, err := json.Marshal(output); err == nil && len(data) > s.MaxSize {
			reasons = append(reasons, fmt.Sprintf("output larger than max size %d bytes", s.MaxSize))
		}
	}
	return reasons
}

func validateValue(field string, v any, ps PropertySchema) []string {
	var reasons []string
	switch ps.Type {
	case "string":
		s, ok := v.(string)
		if !ok {
			return []string{fmt.Sprintf("field %q: expected string", field)}
		}
		if ps.MinLength > 0 && len(s) < ps.MinLength {
			reasons = append(reasons, fmt.Sprintf("field %q: shorter than min length %d", field, ps.MinLength))
		}
		if ps.MaxLength > 0 && len(s) > ps.MaxLength {
			reasons = append(reasons, fmt.Sprintf("field %q: longer than max length %d", field, ps.MaxLength))
		}
		if ps.Pattern != nil && !ps.Pattern.MatchString(s) {
			reasons = append(reasons, fmt.Sprintf("field %q: does not match required pattern", field))
		}
		if len(ps.Enum) > 0 && !contains(ps.Enum, s) {
			reasons = append(reasons, fmt.Sprintf("field %q: not one of allowed values", field))
		}
	case "number", "integer":
		n, ok := asFloat(v)
		if !ok {
			return []string{fmt.Sprintf("field %q: expected number", field)}
		}
		if ps.Min != 0 && n < ps.Min {
			reasons = append(reasons, fmt.Sprintf("field %q: below minimum %v", field, ps.Min))
		}
		if ps.Max != 0 && n > ps.Max {
			reasons = append(reasons, fmt.Sprintf("field %q: above maximum %v", field, ps.Max))
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return []string{fmt.Sprintf("field %q: expected boolean", field)}
		}
	case "array":
		if _, ok := v.([]any); !ok {
			return []string{fmt.Sprintf("field %q: expected array", field)}
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return []string{fmt.Sprintf("field %q: expected object", field)}
		}
	}
	return reasons
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
