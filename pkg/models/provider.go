package models

import "context"

// CompletionOptions carries per-call overrides passed to a provider.
type CompletionOptions struct {
	Model          string
	Temperature    float64
	Tools          []ToolDescriptor
	StreamCallback func(delta string)
}

// CompletionResult is a provider's response to a chat call: either textual
// content, a set of tool calls, or both (some providers emit commentary
// alongside a tool call).
type CompletionResult struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider is an LLM adapter, cloud or local (spec.md §3, Provider).
type Provider interface {
	Name() string
	DefaultModel() string
	SupportsStreaming() bool
	SupportsTools() bool
	Chat(ctx context.Context, messages []Message, opts CompletionOptions) (*CompletionResult, error)
}
