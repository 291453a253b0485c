package executor

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// streamEventSchemaJSON pins the wire contract spec.md §6 defines for
// one line of the agent subprocess's stream: type is always present,
// and the remaining fields are interpreted per type.
const streamEventSchemaJSON = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"enum": ["result", "tool_use", "text"]},
		"result": {"type": "string"},
		"tool": {"type": "string"},
		"input": {},
		"text": {"type": "string"}
	}
}`

// compileSchema mirrors a StructuredValidator's compilation
// sequence (UnmarshalJSON for json.Number fidelity, single-resource
// compiler), narrowed to the one fixed schema the Executor needs rather
// than an arbitrary caller-supplied one.
func compileSchema(schemaJSON, resourceName string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", resourceName, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", resourceName, err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", resourceName, err)
	}
	return schema, nil
}

var streamEventSchema = mustCompile(streamEventSchemaJSON, "stream_event.json")

func mustCompile(schemaJSON, name string) *jsonschema.Schema {
	schema, err := compileSchema(schemaJSON, name)
	if err != nil {
		panic(err)
	}
	return schema
}

// validateStreamEvent rejects a decoded subprocess line that satisfies
// Go's JSON unmarshal but violates the wire contract, e.g. an unknown
// type or a tool_use event missing its tool name.
func validateStreamEvent(raw map[string]any) error {
	if err := streamEventSchema.Validate(raw); err != nil {
		return fmt.Errorf("stream event schema: %w", err)
	}
	return nil
}
