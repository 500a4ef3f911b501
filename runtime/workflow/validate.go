package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateAgainstSchema validates a decoded JSON value against a JSON Schema
// document. A nil schema accepts everything.
func validateAgainstSchema(value any, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalizeJSON(schema)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	return compiled.Validate(normalizeJSON(value))
}

// validateParams checks dispatch parameters against the plugin input schema.
func validateParams(params map[string]any, schema map[string]any) error {
	if err := validateAgainstSchema(params, schema); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidParameters, err)
	}
	return nil
}

// validateInput checks resume input against the pending pause schema. Schema
// violations surface as *ValidationError so callers can keep the execution
// paused and report the failure as a non-final status.
func validateInput(input any, schema map[string]any) error {
	if err := validateAgainstSchema(input, schema); err != nil {
		return &ValidationError{Detail: err.Error()}
	}
	return nil
}

// normalizeJSON round-trips a value through JSON so the validator only ever
// sees decoded JSON types regardless of how the value was constructed.
func normalizeJSON(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
