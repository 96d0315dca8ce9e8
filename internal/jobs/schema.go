// Package jobs describes the simulation scenarios the remote job service
// accepts, validates candidate parameters against them and submits jobs.
package jobs

// FieldType is the JSON type a parameter must have.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// Field describes one scenario parameter.
type Field struct {
	Name        string    `yaml:"name" json:"name"`
	Type        FieldType `yaml:"type" json:"type"`
	Items       FieldType `yaml:"items,omitempty" json:"items,omitempty"`
	ItemLength  int       `yaml:"itemLength,omitempty" json:"item_length,omitempty"` // inner length when Items is array
	Required    bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Enum        []any     `yaml:"enum,omitempty" json:"enum,omitempty"`
	Min         *float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *float64  `yaml:"max,omitempty" json:"max,omitempty"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// Trigger selects a scenario from free text.
type Trigger struct {
	Keywords []string `yaml:"keywords" json:"keywords,omitempty"`
	Pattern  string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// Schema is the parameter contract of one simulation scenario.
type Schema struct {
	ID          string  `yaml:"id" json:"id"`
	Description string  `yaml:"description" json:"description"`
	Model       string  `yaml:"model" json:"model"`
	Priority    int     `yaml:"priority,omitempty" json:"-"`
	Trigger     Trigger `yaml:"trigger" json:"-"`
	Fields      []Field `yaml:"fields" json:"fields"`
}

// Field returns the named field.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// JSONSchema renders s as a JSON Schema object suitable for a structured
// output request.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Fields))
	var required []string
	for _, f := range s.Fields {
		props[f.Name] = fieldJSONSchema(f)
		if f.Required {
			required = append(required, f.Name)
		}
	}
	out := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func fieldJSONSchema(f Field) map[string]any {
	p := map[string]any{"type": string(f.Type)}
	if f.Description != "" {
		p["description"] = f.Description
	}
	if len(f.Enum) > 0 {
		p["enum"] = f.Enum
	}
	bounds := func(m map[string]any) {
		if f.Min != nil {
			m["minimum"] = *f.Min
		}
		if f.Max != nil {
			m["maximum"] = *f.Max
		}
	}
	switch f.Type {
	case TypeNumber, TypeInteger:
		bounds(p)
	case TypeArray:
		items := map[string]any{}
		if f.Items != "" {
			items["type"] = string(f.Items)
		}
		switch f.Items {
		case TypeNumber, TypeInteger:
			bounds(items)
		case TypeArray:
			items["items"] = map[string]any{"type": "number"}
			if f.ItemLength > 0 {
				items["minItems"] = f.ItemLength
				items["maxItems"] = f.ItemLength
			}
		}
		p["items"] = items
	}
	return p
}
