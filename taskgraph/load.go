package taskgraph

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// wireSchema describes the on-wire shape of a task-graph document:
// graph_id, name, and tasks are required at the top level; each task
// requires id, title, role, deps, and acceptance (may be empty).
const wireSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["graph_id", "name", "tasks"],
  "properties": {
    "graph_id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title", "role", "deps", "acceptance"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "role": {"type": "string", "minLength": 1},
          "deps": {"type": "array", "items": {"type": "string"}},
          "acceptance": {"type": "array"}
        }
      }
    }
  }
}`

var compiledSchema *jsonschema.Schema

func schema() (*jsonschema.Schema, error) {
	if compiledSchema != nil {
		return compiledSchema, nil
	}
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(wireSchema)))
	if err != nil {
		return nil, fmt.Errorf("taskgraph: unmarshal schema: %w", err)
	}
	const resourceName = "forge://taskgraph.schema.json"
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("taskgraph: add schema resource: %w", err)
	}
	sch, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("taskgraph: compile schema: %w", err)
	}
	compiledSchema = sch
	return sch, nil
}

// ValidateWireDocument validates a raw JSON-compatible document (as produced
// by yaml.v3's interface{} decoding or encoding/json) against the task-graph
// schema, independent of the Go-level invariant checks in Validate.
func ValidateWireDocument(doc any) error {
	sch, err := schema()
	if err != nil {
		return err
	}
	return sch.Validate(doc)
}

// LoadYAML decodes a YAML task-graph document, validates it against the
// wire schema, then checks the Go-level admission invariants.
func LoadYAML(data []byte) (*TaskGraph, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("taskgraph: parse yaml: %w", err)
	}
	if err := ValidateWireDocument(jsonCompatible(generic)); err != nil {
		return nil, fmt.Errorf("taskgraph: schema validation: %w", err)
	}

	var g TaskGraph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("taskgraph: decode yaml: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// LoadJSON decodes a JSON task-graph document, validates it against the wire
// schema, then checks the Go-level admission invariants.
func LoadJSON(data []byte) (*TaskGraph, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("taskgraph: parse json: %w", err)
	}
	if err := ValidateWireDocument(generic); err != nil {
		return nil, fmt.Errorf("taskgraph: schema validation: %w", err)
	}

	var g TaskGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("taskgraph: decode json: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// jsonCompatible converts yaml.v3's map[string]interface{}/[]interface{}
// decode tree (which may contain map[interface{}]interface{} in older forms)
// into a tree jsonschema/v6 and encoding/json both accept.
func jsonCompatible(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = jsonCompatible(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = jsonCompatible(val)
		}
		return out
	default:
		return v
	}
}
