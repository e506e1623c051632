package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/opensourceagent/osa/internal/apperrors"
	"github.com/opensourceagent/osa/pkg/models"
)

// OpenAIConfig configures an OpenAIProvider. BaseURL lets the same adapter
// serve any OpenAI-compatible endpoint (spec.md §4.9's "local" provider is
// this adapter pointed at an Ollama/vLLM-style server).
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAIProvider adapts github.com/sashabaranov/go-openai to the
// models.Provider interface (spec.md C9).
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	probeHost    string
}

// NewOpenAIProvider constructs an adapter. APIKey is required even when
// BaseURL points at a local server, since the client always sends an
// Authorization header; local servers that ignore it can be given any
// non-empty placeholder.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4o
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	probeHost := "api.openai.com:443"
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
		probeHost = hostFromURL(cfg.BaseURL)
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		probeHost:    probeHost,
	}, nil
}

func (p *OpenAIProvider) Name() string           { return "openai" }
func (p *OpenAIProvider) DefaultModel() string   { return p.defaultModel }
func (p *OpenAIProvider) SupportsStreaming() bool { return true }
func (p *OpenAIProvider) SupportsTools() bool     { return true }

// Probe dials the configured endpoint host to confirm reachability before
// this adapter is admitted to the fallback chain (spec.md §4.9).
func (p *OpenAIProvider) Probe(ctx context.Context) error {
	return dialProbe(ctx, p.probeHost)
}

// Chat sends a non-streaming completion, or a streaming one accumulated
// into a single result when opts.StreamCallback is set.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessagesToOpenAI(messages),
	}
	if opts.Temperature > 0 {
		req.Temperature = float32(opts.Temperature)
	}
	if len(opts.Tools) > 0 {
		req.Tools = convertToolsToOpenAI(opts.Tools)
	}

	if opts.StreamCallback != nil {
		return p.chatStreaming(ctx, req, opts.StreamCallback)
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperrors.Wrap(apperrors.KindProviderError, "openai returned no choices", errors.New("empty choices"))
	}
	return openaiResultFromChoice(resp.Choices[0]), nil
}

func (p *OpenAIProvider) chatStreaming(ctx context.Context, req openai.ChatCompletionRequest, cb func(string)) (*models.CompletionResult, error) {
	req.Stream = true
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	defer stream.Close()

	var content strings.Builder
	toolCalls := map[int]*models.ToolCall{}
	var toolCallOrder []int

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, apperrors.Wrap(apperrors.KindCancelled, "openai stream cancelled", err)
			}
			if strings.Contains(err.Error(), "EOF") {
				break
			}
			return nil, wrapOpenAIError(err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			cb(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			existing, ok := toolCalls[idx]
			if !ok {
				existing = &models.ToolCall{}
				toolCalls[idx] = existing
				toolCallOrder = append(toolCallOrder, idx)
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				existing.Input = append(existing.Input, []byte(tc.Function.Arguments)...)
			}
		}
	}

	result := &models.CompletionResult{Content: content.String()}
	for _, idx := range toolCallOrder {
		result.ToolCalls = append(result.ToolCalls, *toolCalls[idx])
	}
	return result, nil
}

func openaiResultFromChoice(choice openai.ChatCompletionChoice) *models.CompletionResult {
	result := &models.CompletionResult{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return result
}

func convertMessagesToOpenAI(messages []models.Message) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, msg)
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	return out
}

func convertToolsToOpenAI(tools []models.ToolDescriptor) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		})
	}
	return out
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429:
			return apperrors.Wrap(apperrors.KindRateLimited, "openai rate limited", err)
		case 500, 502, 503, 504:
			return apperrors.Wrap(apperrors.KindProviderError, "openai unavailable", err)
		}
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "connection") {
		return apperrors.Wrap(apperrors.KindProviderError, "openai unavailable", err)
	}
	return apperrors.Wrap(apperrors.KindProviderError, "openai request failed", err)
}

func hostFromURL(raw string) string {
	s := strings.TrimPrefix(raw, "https://")
	s = strings.TrimPrefix(s, "http://")
	if i := strings.Index(s, "/"); i >= 0 {
		s = s[:i]
	}
	if !strings.Contains(s, ":") {
		if strings.HasPrefix(raw, "https://") {
			s += ":443"
		} else {
			s += ":80"
		}
	}
	return s
}
