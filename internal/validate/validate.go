// Package validate applies per-parameter schema constraints to tool arguments
// before dispatch. The schema form is deliberately a small subset of JSON
// Schema; error strings are part of the client contract and must not change.
package validate

import (
	"fmt"
	"math"
	"regexp"

	"github.com/search-mcp/search-mcp-go/internal/apperr"
)

// Parameter types.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// Param describes the constraints for one tool parameter.
type Param struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Description string        `json:"description,omitempty"`
	Required    bool          `json:"required,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
	Pattern     string        `json:"pattern,omitempty"`
	Minimum     *float64      `json:"minimum,omitempty"`
	Maximum     *float64      `json:"maximum,omitempty"`
	MinLength   *int          `json:"minLength,omitempty"`
	MaxLength   *int          `json:"maxLength,omitempty"`
	Default     interface{}   `json:"default,omitempty"`
}

// Validate checks args against schema and returns every violation found.
// Strict mode: arguments not named in the schema are errors.
func Validate(args map[string]interface{}, schema []Param) []string {
	var errs []string

	known := make(map[string]Param, len(schema))
	for _, p := range schema {
		known[p.Name] = p
	}

	for _, p := range schema {
		value, present := args[p.Name]
		if !present {
			if p.Required {
				errs = append(errs, fmt.Sprintf("Required parameter missing: %s", p.Name))
			}
			continue
		}
		errs = append(errs, checkValue(p, value)...)
	}

	for name := range args {
		if _, ok := known[name]; !ok {
			errs = append(errs, fmt.Sprintf("Unknown parameter: %s", name))
		}
	}
	return errs
}

// ValidateOrThrow wraps all violations into a single ValidationError.
func ValidateOrThrow(args map[string]interface{}, schema []Param) error {
	errs := Validate(args, schema)
	if len(errs) == 0 {
		return nil
	}
	e := apperr.Validation(errs[0])
	e.WithDetail("errors", errs)
	return e
}

// ApplyDefaults returns args with schema defaults filled in for absent
// optional parameters. The input map is not modified.
func ApplyDefaults(args map[string]interface{}, schema []Param) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	for _, p := range schema {
		if _, present := out[p.Name]; !present && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

func checkValue(p Param, value interface{}) []string {
	switch p.Type {
	case TypeString:
		return checkString(p, value)
	case TypeNumber:
		return checkNumber(p, value)
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return []string{typeError(p.Name, TypeBoolean)}
		}
	case TypeObject:
		if _, ok := value.(map[string]interface{}); !ok {
			return []string{typeError(p.Name, TypeObject)}
		}
	case TypeArray:
		return checkArray(p, value)
	}
	return nil
}

func checkString(p Param, value interface{}) []string {
	s, ok := value.(string)
	if !ok {
		return []string{typeError(p.Name, TypeString)}
	}

	var errs []string
	if len(p.Enum) > 0 && !enumContains(p.Enum, s) {
		errs = append(errs, fmt.Sprintf("Parameter %s must be one of the allowed values", p.Name))
	}
	if p.Pattern != "" {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Parameter %s has an invalid validation pattern", p.Name))
		} else if !re.MatchString(s) {
			errs = append(errs, fmt.Sprintf("Parameter %s does not match required pattern", p.Name))
		}
	}
	if p.MinLength != nil && len(s) < *p.MinLength {
		errs = append(errs, fmt.Sprintf("Parameter %s is shorter than minimum length %d", p.Name, *p.MinLength))
	}
	if p.MaxLength != nil && len(s) > *p.MaxLength {
		errs = append(errs, fmt.Sprintf("Parameter %s exceeds maximum length %d", p.Name, *p.MaxLength))
	}
	return errs
}

func checkNumber(p Param, value interface{}) []string {
	var n float64
	switch v := value.(type) {
	case float64:
		n = v
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	default:
		return []string{typeError(p.Name, TypeNumber)}
	}
	if math.IsNaN(n) {
		return []string{typeError(p.Name, TypeNumber)}
	}

	var errs []string
	if len(p.Enum) > 0 && !enumContainsNumber(p.Enum, n) {
		errs = append(errs, fmt.Sprintf("Parameter %s must be one of the allowed values", p.Name))
	}
	if p.Minimum != nil && n < *p.Minimum {
		errs = append(errs, fmt.Sprintf("Parameter %s is below minimum %v", p.Name, *p.Minimum))
	}
	if p.Maximum != nil && n > *p.Maximum {
		errs = append(errs, fmt.Sprintf("Parameter %s is above maximum %v", p.Name, *p.Maximum))
	}
	return errs
}

func checkArray(p Param, value interface{}) []string {
	items, ok := value.([]interface{})
	if !ok {
		return []string{typeError(p.Name, TypeArray)}
	}

	var errs []string
	if p.MinLength != nil && len(items) < *p.MinLength {
		errs = append(errs, fmt.Sprintf("Parameter %s has fewer than %d items", p.Name, *p.MinLength))
	}
	if p.MaxLength != nil && len(items) > *p.MaxLength {
		errs = append(errs, fmt.Sprintf("Parameter %s has more than %d items", p.Name, *p.MaxLength))
	}
	return errs
}

func typeError(name, expected string) string {
	return fmt.Sprintf("Parameter %s must be of type %s", name, expected)
}

func enumContains(enum []interface{}, s string) bool {
	for _, e := range enum {
		if es, ok := e.(string); ok && es == s {
			return true
		}
	}
	return false
}

func enumContainsNumber(enum []interface{}, n float64) bool {
	for _, e := range enum {
		switch v := e.(type) {
		case float64:
			if v == n {
				return true
			}
		case int:
			if float64(v) == n {
				return true
			}
		}
	}
	return false
}

// IntPtr and FloatPtr are schema-building helpers.
func IntPtr(v int) *int           { return &v }
func FloatPtr(v float64) *float64 { return &v }
