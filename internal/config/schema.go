package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Field types accepted by the canonical schema
const (
	FieldTypeString = "string"
	FieldTypeInt    = "int"
	FieldTypeDate   = "date"
	FieldTypeList   = "list"
)

// FieldSpec describes one canonical listing field. Column defaults to
// Name, Type to string.
type FieldSpec struct {
	Name     string `mapstructure:"name"`
	Column   string `mapstructure:"column"`
	Type     string `mapstructure:"type"`
	Required bool   `mapstructure:"required"`
	Default  string `mapstructure:"default"`
}

// Schema lists the canonical listing fields sources may populate
type Schema struct {
	Fields []FieldSpec `mapstructure:"fields"`
}

// DefaultSchema mirrors the listings table: selector and API mappings may
// target these fields when no data_schema.yaml overrides them
func DefaultSchema() *Schema {
	s := &Schema{Fields: []FieldSpec{
		{Name: "url", Required: true},
		{Name: "title", Required: true},
		{Name: "company"},
		{Name: "location"},
		{Name: "remote"},
		{Name: "min_salary", Type: FieldTypeInt, Default: "0"},
		{Name: "max_salary", Type: FieldTypeInt, Default: "0"},
		{Name: "description"},
		{Name: "date_posted", Type: FieldTypeDate},
		{Name: "technologies", Type: FieldTypeList},
	}}
	applySchemaDefaults(s)
	return s
}

// LoadSchema reads data_schema.yaml. A missing file falls back to the
// built-in canonical schema.
func LoadSchema(path string) (*Schema, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultSchema(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read data schema %s: %w", path, err)
	}

	var schema Schema
	if err := v.Unmarshal(&schema); err != nil {
		return nil, fmt.Errorf("failed to parse data schema %s: %w", path, err)
	}
	if len(schema.Fields) == 0 {
		return DefaultSchema(), nil
	}

	applySchemaDefaults(&schema)
	if err := validateSchema(&schema); err != nil {
		return nil, fmt.Errorf("data schema %s: %w", path, err)
	}
	return &schema, nil
}

func applySchemaDefaults(s *Schema) {
	for i := range s.Fields {
		if s.Fields[i].Column == "" {
			s.Fields[i].Column = s.Fields[i].Name
		}
		if s.Fields[i].Type == "" {
			s.Fields[i].Type = FieldTypeString
		}
	}
}

func validateSchema(s *Schema) error {
	names := make(map[string]bool, len(s.Fields))
	columns := make(map[string]bool, len(s.Fields))
	for i, spec := range s.Fields {
		if spec.Name == "" {
			return fmt.Errorf("field %d: name is required", i)
		}
		if names[spec.Name] {
			return fmt.Errorf("duplicate field %q", spec.Name)
		}
		names[spec.Name] = true
		if columns[spec.Column] {
			return fmt.Errorf("duplicate column %q", spec.Column)
		}
		columns[spec.Column] = true

		switch spec.Type {
		case FieldTypeString, FieldTypeInt, FieldTypeDate, FieldTypeList:
		default:
			return fmt.Errorf("field %q: unknown type %q", spec.Name, spec.Type)
		}
	}
	return nil
}

// Has reports whether field is part of the canonical schema
func (s *Schema) Has(field string) bool {
	for _, spec := range s.Fields {
		if spec.Name == field {
			return true
		}
	}
	return false
}

// RequiredFields returns the names of fields every record must populate
func (s *Schema) RequiredFields() []string {
	var required []string
	for _, spec := range s.Fields {
		if spec.Required {
			required = append(required, spec.Name)
		}
	}
	return required
}

// ColumnNames returns the database column of every field, in schema order
func (s *Schema) ColumnNames() []string {
	columns := make([]string, 0, len(s.Fields))
	for _, spec := range s.Fields {
		columns = append(columns, spec.Column)
	}
	return columns
}

// ValidateFields rejects selector mappings that target fields outside
// the canonical schema
func (s *Schema) ValidateFields(sources *Sources) error {
	for name, sc := range sources.Sources {
		for field := range sc.Detail.Fields {
			if !s.Has(field) {
				return fmt.Errorf("source %s: detail field %q is not in the data schema", name, field)
			}
		}
		for field := range sc.API.Fields {
			if !s.Has(field) {
				return fmt.Errorf("source %s: api field %q is not in the data schema", name, field)
			}
		}
	}
	return nil
}
