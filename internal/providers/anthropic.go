package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/opensourceagent/osa/internal/apperrors"
	"github.com/opensourceagent/osa/pkg/models"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// AnthropicProvider adapts github.com/anthropics/anthropic-sdk-go to the
// models.Provider interface (spec.md C9).
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
}

// NewAnthropicProvider constructs an adapter. APIKey is required.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

func (p *AnthropicProvider) Name() string            { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string    { return p.defaultModel }
func (p *AnthropicProvider) SupportsStreaming() bool { return true }
func (p *AnthropicProvider) SupportsTools() bool     { return true }

// Probe dials the Anthropic API host to confirm network reachability before
// this adapter is admitted to the fallback chain (spec.md §4.9).
func (p *AnthropicProvider) Probe(ctx context.Context) error {
	return dialProbe(ctx, "api.anthropic.com:443")
}

// Chat sends a non-streaming or streaming completion depending on whether
// opts.StreamCallback is set.
func (p *AnthropicProvider) Chat(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertMessagesToAnthropic(messages),
		MaxTokens: int64(p.maxTokens),
	}
	if system := systemPrompt(messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(opts.Tools) > 0 {
		tools, err := convertToolsToAnthropic(opts.Tools)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "convert tools", err)
		}
		params.Tools = tools
	}

	if opts.StreamCallback != nil {
		return p.chatStreaming(ctx, params, opts.StreamCallback)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}
	return anthropicResultFromMessage(msg), nil
}

func (p *AnthropicProvider) chatStreaming(ctx context.Context, params anthropic.MessageNewParams, cb func(string)) (*models.CompletionResult, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, apperrors.Wrap(apperrors.KindProviderError, "accumulate stream event", err)
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text := delta.Delta.Text; text != "" {
				cb(text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapAnthropicError(err)
	}
	return anthropicResultFromMessage(&message), nil
}

func anthropicResultFromMessage(msg *anthropic.Message) *models.CompletionResult {
	result := &models.CompletionResult{}
	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			input, _ := json.Marshal(b.Input)
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:    b.ID,
				Name:  b.Name,
				Input: input,
			})
		}
	}
	result.Content = text.String()
	return result
}

func systemPrompt(messages []models.Message) string {
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			return m.Content
		}
	}
	return ""
}

func convertMessagesToAnthropic(messages []models.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}
		if m.ToolCallID != "" {
			content = append(content, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			_ = json.Unmarshal(tc.Input, &input)
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if m.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

func convertToolsToAnthropic(tools []models.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

func wrapAnthropicError(err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate_limit"):
		return apperrors.Wrap(apperrors.KindRateLimited, "anthropic rate limited", err)
	case strings.Contains(lower, "500") || strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") || strings.Contains(lower, "504") ||
		strings.Contains(lower, "timeout") || strings.Contains(lower, "connection"):
		return apperrors.Wrap(apperrors.KindProviderError, "anthropic unavailable", err)
	default:
		return apperrors.Wrap(apperrors.KindProviderError, "anthropic request failed", err)
	}
}
