package tooldispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// toolSchemas are compiled once per tool name:
// argument shape is checked against a real JSON Schema before a tool ever
// runs, rather than failing deep inside dispatch on a missing map key.
var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
)

func toolParameterSchemas() map[string]map[string]any {
	return map[string]map[string]any{
		"read_file": {
			"type": "object",
			"properties": map[string]any{
				"path":       map[string]any{"type": "string"},
				"start_line": map[string]any{"type": "integer"},
				"end_line":   map[string]any{"type": "integer"},
			},
			"required":             []any{"path"},
			"additionalProperties": true,
		},
		"search_content": {
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string"},
				"glob":    map[string]any{"type": "string"},
			},
			"required":             []any{"pattern"},
			"additionalProperties": true,
		},
		"run_command": {
			"type": "object",
			"properties": map[string]any{
				"kind":   map[string]any{"type": "string", "enum": []any{"test", "build", "lint", "typecheck", "git_diff"}},
				"target": map[string]any{"type": "string"},
			},
			"required":             []any{"kind"},
			"additionalProperties": true,
		},
		"submit_ops": {
			"type": "object",
			"properties": map[string]any{
				"ops": map[string]any{"type": []any{"array", "object"}},
			},
			"required":             []any{"ops"},
			"additionalProperties": true,
		},
	}
}

func compiledSchemas() map[string]*jsonschema.Schema {
	schemaOnce.Do(func() {
		schemas = map[string]*jsonschema.Schema{}
		c := jsonschema.NewCompiler()
		for name, params := range toolParameterSchemas() {
			b, err := json.Marshal(params)
			if err != nil {
				continue
			}
			resource := name + ".schema.json"
			if err := c.AddResource(resource, strings.NewReader(string(b))); err != nil {
				continue
			}
			s, err := c.Compile(resource)
			if err != nil {
				continue
			}
			schemas[name] = s
		}
	})
	return schemas
}

// ValidateArgs checks raw tool-call arguments against the compiled schema
// for name before the call reaches Dispatcher. A tool with no known schema
// is rejected rather than silently allowed through.
func ValidateArgs(name string, raw json.RawMessage) (map[string]any, error) {
	schema, ok := compiledSchemas()[name]
	if !ok {
		return nil, fmt.Errorf("no schema registered for tool %q", name)
	}

	var args map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid tool arguments JSON: %w", err)
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := schema.Validate(args); err != nil {
		return nil, fmt.Errorf("tool args schema validation failed: %w", err)
	}
	return args, nil
}
