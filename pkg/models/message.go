// Package models provides the domain types shared across the agent runtime:
// messages, sessions, signals, tools, tasks, and plans.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ChannelID identifies the inbound transport a message arrived on.
type ChannelID string

const (
	ChannelCLI     ChannelID = "cli"
	ChannelHTTP    ChannelID = "http"
	ChannelWebhook ChannelID = "webhook"
	// ChannelSwarm identifies the synthetic session a swarm sub-agent runs
	// under (C14); it never arrives from an external transport.
	ChannelSwarm ChannelID = "swarm"
)

// ToolCall represents an LLM's request to execute a registered tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of executing a ToolCall. Content is always a
// stringified transport form; non-string tool outputs are JSON-encoded by
// the agent loop before being placed here.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is the unified message format threaded through a session.
//
// Invariant: every message with Role == RoleTool must carry a ToolCallID
// that references a ToolCall emitted by a prior assistant message in the
// same session (spec.md §3, Message).
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Sequence   int            `json:"sequence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
