package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error

	compiledOnce sync.Once
	compiled     *validator.Schema
	compiledErr  error
)

const durationPattern = `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// JSONSchema returns the JSON Schema for the Config struct.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			RequiredFromJSONSchemaTags: true,
			Mapper: func(t reflect.Type) *jsonschema.Schema {
				if t == reflect.TypeOf(time.Duration(0)) {
					return &jsonschema.Schema{
						OneOf: []*jsonschema.Schema{
							{Type: "string", Pattern: durationPattern},
							{Type: "integer", Description: "nanoseconds"},
						},
					}
				}
				return nil
			},
		}
		schema := r.Reflect(&Config{})
		schema.Title = "plugperf configuration"
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

func compiledSchema() (*validator.Schema, error) {
	compiledOnce.Do(func() {
		data, err := JSONSchema()
		if err != nil {
			compiledErr = err
			return
		}
		compiled, compiledErr = validator.CompileString("plugperf-config.json", string(data))
	})
	return compiled, compiledErr
}

// validateRaw checks the merged document against the reflected schema, so
// unknown keys and wrong types are reported before decoding.
func validateRaw(raw map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	// Normalize YAML scalars to JSON types.
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Issues: schemaIssues(err)}
	}
	return nil
}

func schemaIssues(err error) []string {
	ve, ok := err.(*validator.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var issues []string
	var walk func(e *validator.ValidationError)
	walk = func(e *validator.ValidationError) {
		if len(e.Causes) == 0 {
			loc := strings.TrimPrefix(e.InstanceLocation, "/")
			loc = strings.ReplaceAll(loc, "/", ".")
			if loc == "" {
				loc = "(root)"
			}
			issues = append(issues, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return issues
}

// Validate loads path and reports every problem found.
func Validate(path string) error {
	_, err := Load(path)
	return err
}
