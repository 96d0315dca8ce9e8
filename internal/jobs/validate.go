package jobs

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"rsagent/internal/domain"
)

// Issue is one problem found in a parameter set.
type Issue struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

// ValidationError lists every problem found in a parameter set. It matches
// domain.ErrValidation with errors.Is.
type ValidationError struct {
	SchemaID string
	Issues   []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		parts[i] = is.Field + ": " + is.Problem
	}
	return fmt.Sprintf("invalid parameters for %s: %s", e.SchemaID, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == domain.ErrValidation }

// Validate checks params against schema. It returns nil or a
// *ValidationError.
func Validate(schema Schema, params map[string]any) error {
	var issues []Issue
	for _, f := range schema.Fields {
		v, ok := params[f.Name]
		if !ok || v == nil {
			if f.Required {
				issues = append(issues, Issue{Field: f.Name, Problem: "is required"})
			}
			continue
		}
		if problem := checkValue(f, v); problem != "" {
			issues = append(issues, Issue{Field: f.Name, Problem: problem})
		}
	}
	for name := range params {
		if _, ok := schema.Field(name); !ok {
			issues = append(issues, Issue{Field: name, Problem: "is not a parameter of " + schema.ID})
		}
	}
	if len(issues) == 0 {
		return nil
	}
	slices.SortFunc(issues, func(a, b Issue) int { return strings.Compare(a.Field, b.Field) })
	return &ValidationError{SchemaID: schema.ID, Issues: issues}
}

// checkValue returns a description of what is wrong with v, or "".
func checkValue(f Field, v any) string {
	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if len(f.Enum) > 0 && !inEnum(f.Enum, s) {
			return "must be one of " + enumList(f.Enum)
		}
	case TypeNumber, TypeInteger:
		n, ok := toFloat(v)
		if !ok {
			return "must be a " + string(f.Type)
		}
		if f.Type == TypeInteger && n != math.Trunc(n) {
			return "must be an integer"
		}
		if f.Min != nil && n < *f.Min {
			return fmt.Sprintf("must be >= %g", *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Sprintf("must be <= %g", *f.Max)
		}
		if len(f.Enum) > 0 && !inEnum(f.Enum, n) {
			return "must be one of " + enumList(f.Enum)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return "must be a boolean"
		}
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return "must be an object"
		}
	case TypeArray:
		elems, ok := asSlice(v)
		if !ok {
			return "must be an array"
		}
		if len(elems) == 0 {
			return "must not be empty"
		}
		if f.Items == "" {
			return ""
		}
		item := Field{Type: f.Items, Min: f.Min, Max: f.Max}
		if f.Items == TypeArray {
			item = Field{Type: TypeArray, Items: TypeNumber}
		}
		for i, e := range elems {
			if problem := checkValue(item, e); problem != "" {
				return fmt.Sprintf("element %d %s", i, problem)
			}
			if f.Items == TypeArray && f.ItemLength > 0 {
				inner, _ := asSlice(e)
				if len(inner) != f.ItemLength {
					return fmt.Sprintf("element %d must have %d values, got %d", i, f.ItemLength, len(inner))
				}
			}
		}
	}
	return ""
}

// Coerce applies one pass of local repairs to params: unknown parameters
// are dropped, scalars are wrapped for array fields and single-element
// arrays unwrapped for scalar fields, numeric and boolean strings are
// converted, integral floats become ints for integer fields and defaults
// fill missing optional fields. It reports whether anything changed.
func Coerce(schema Schema, params map[string]any) (map[string]any, bool) {
	out := make(map[string]any, len(schema.Fields))
	changed := false
	for name, v := range params {
		f, ok := schema.Field(name)
		if !ok {
			changed = true
			continue
		}
		nv, c := coerceValue(f, v)
		out[name] = nv
		changed = changed || c
	}
	for _, f := range schema.Fields {
		if _, ok := out[f.Name]; ok || f.Required || f.Default == nil {
			continue
		}
		out[f.Name] = cloneValue(f.Default)
		changed = true
	}
	return out, changed
}

func coerceValue(f Field, v any) (any, bool) {
	if v == nil {
		return v, false
	}
	switch f.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			if n, isNum := toFloat(v); isNum {
				return strconv.FormatFloat(n, 'f', -1, 64), true
			}
			return v, false
		}
		for _, e := range f.Enum {
			if es, ok := e.(string); ok && es != s && strings.EqualFold(es, strings.TrimSpace(s)) {
				return es, true
			}
		}
	case TypeNumber, TypeInteger:
		if elems, ok := asSlice(v); ok && len(elems) == 1 {
			nv, _ := coerceValue(f, elems[0])
			return nv, true
		}
		changed := false
		if s, ok := v.(string); ok {
			n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return v, false
			}
			v, changed = n, true
		}
		if f.Type == TypeInteger {
			if n, ok := v.(float64); ok && n == math.Trunc(n) {
				return int(n), true
			}
		}
		return v, changed
	case TypeBoolean:
		if s, ok := v.(string); ok {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true":
				return true, true
			case "false":
				return false, true
			}
		}
	case TypeArray:
		elems, ok := asSlice(v)
		changed := false
		if !ok {
			elems, changed = []any{v}, true
		}
		if f.Items == TypeArray && len(elems) > 0 {
			if _, nested := asSlice(elems[0]); !nested {
				elems, changed = []any{elems}, true
			}
		}
		if f.Items == "" {
			return elems, changed
		}
		item := Field{Type: f.Items}
		if f.Items == TypeArray {
			item = Field{Type: TypeArray, Items: TypeNumber}
		}
		out := make([]any, len(elems))
		for i, e := range elems {
			var c bool
			out[i], c = coerceValue(item, e)
			changed = changed || c
		}
		return out, changed
	}
	return v, false
}

// normalize converts decoded YAML/JSON scalars to int or float64 and
// recurses into containers.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case uint64:
		return int(x)
	case float32:
		return float64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		f, _ := x.Float64()
		return f
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	}
	return v
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// asSlice accepts []any and typed slices such as []float64.
func asSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func inEnum(enum []any, v any) bool {
	for _, e := range enum {
		if en, ok := toFloat(e); ok {
			if vn, ok := toFloat(v); ok && en == vn {
				return true
			}
			continue
		}
		if e == v {
			return true
		}
	}
	return false
}

func enumList(enum []any) string {
	parts := make([]string, len(enum))
	for i, e := range enum {
		parts[i] = fmt.Sprint(e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
