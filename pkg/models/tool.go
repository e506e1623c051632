package models

import (
	"context"
	"encoding/json"
)

// ToolHandler executes a tool call and returns a result value. Non-string
// results (maps, lists) are JSON-encoded by the agent loop
// (stringifyToolValue) before being placed on a ToolResult.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// ToolDescriptor advertises a tool's name, description, and JSON schema to
// providers, and carries the handler that executes it (spec.md §3, Tool).
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     ToolHandler
}
