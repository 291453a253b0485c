package deferred

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schemas for the two deferred-effect file formats spec.md §4.8/§6
// defines, validated the same way
// internal/engine.StructuredValidator validates an agent response
// against a compiled JSON Schema resource.
const (
	subtasksSchemaJSON = `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["prompt"],
			"properties": {
				"prompt": {"type": "string", "minLength": 1},
				"conversation_token": {"type": "string"},
				"priority": {"type": "integer"}
			}
		}
	}`

	trackedTransactionsSchemaJSON = `{
		"type": "object",
		"properties": {
			"synced": {"type": "array", "items": {"$ref": "#/$defs/entry"}},
			"imported": {"type": "array", "items": {"$ref": "#/$defs/entry"}},
			"recategorized": {"type": "array", "items": {"$ref": "#/$defs/entry"}}
		},
		"$defs": {
			"entry": {
				"type": "object",
				"required": ["external_id"],
				"properties": {
					"external_id": {"type": "string", "minLength": 1},
					"category": {"type": "string"},
					"amount_cents": {"type": "integer"},
					"description": {"type": "string"}
				}
			}
		}
	}`
)

func compileSchema(schemaJSON, resourceName string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", resourceName, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", resourceName, err)
	}
	return c.Compile(resourceName)
}

func mustCompile(schemaJSON, name string) *jsonschema.Schema {
	schema, err := compileSchema(schemaJSON, name)
	if err != nil {
		panic(err)
	}
	return schema
}

var (
	subtasksSchema            = mustCompile(subtasksSchemaJSON, "subtasks.json")
	trackedTransactionsSchema = mustCompile(trackedTransactionsSchemaJSON, "tracked_transactions.json")
)

func validateAgainst(schema *jsonschema.Schema, raw []byte) (any, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	return parsed, nil
}
