package bms

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const configSchemaName = "bms-config-v1.json"

//go:embed schema/bms-config-v1.json
var configSchemaJSON string

type schemaValidator struct {
	schema *jsonschema.Schema
}

func newSchemaValidator() (*schemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(configSchemaName, strings.NewReader(configSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile(configSchemaName)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &schemaValidator{schema: schema}, nil
}

// validate checks settings as loaded by viper. They go through JSON first so the
// validator only sees JSON types.
func (v *schemaValidator) validate(settings map[string]interface{}) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
