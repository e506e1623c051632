package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go/document"

	"github.com/opensourceagent/osa/internal/apperrors"
	"github.com/opensourceagent/osa/pkg/models"
)

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// BedrockProvider adapts Amazon Bedrock's Converse API to the
// models.Provider interface (spec.md C9). It deliberately uses the
// synchronous Converse call rather than ConverseStream: the agent loop
// only needs a final completion, and Converse returns one response message
// with a uniform content-block shape across every Bedrock model family.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	region       string
}

// NewBedrockProvider constructs an adapter. When AccessKeyID is empty the
// default AWS credential chain (environment, shared config, instance role)
// is used instead of static credentials.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		return nil, errors.New("bedrock: region is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "load aws config", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		region:       cfg.Region,
	}, nil
}

func (p *BedrockProvider) Name() string           { return "bedrock" }
func (p *BedrockProvider) DefaultModel() string   { return p.defaultModel }
func (p *BedrockProvider) SupportsStreaming() bool { return false }
func (p *BedrockProvider) SupportsTools() bool     { return true }

// Probe dials the regional Bedrock runtime endpoint.
func (p *BedrockProvider) Probe(ctx context.Context) error {
	return dialProbe(ctx, "bedrock-runtime."+p.region+".amazonaws.com:443")
}

// Chat sends a Converse request. opts.StreamCallback is ignored: Bedrock
// streaming support (ConverseStream) is out of scope, so a caller that
// asked for streaming still gets a single Chat reply in one shot.
func (p *BedrockProvider) Chat(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: convertMessagesToBedrock(messages),
	}
	if system := systemPrompt(messages); system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	if len(opts.Tools) > 0 {
		toolConfig, err := convertToolsToBedrock(opts.Tools)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "convert tools", err)
		}
		input.ToolConfig = toolConfig
	}

	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, wrapBedrockError(err)
	}
	return bedrockResultFromOutput(out)
}

func convertMessagesToBedrock(messages []models.Message) []types.Message {
	var out []types.Message
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			continue
		}

		var blocks []types.ContentBlock
		if m.Content != "" {
			blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
		}
		if m.Role == models.RoleTool && m.ToolCallID != "" {
			blocks = append(blocks, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
				},
			})
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			_ = json.Unmarshal(tc.Input, &input)
			blocks = append(blocks, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(input),
				},
			})
		}
		if len(blocks) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if m.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}
	return out
}

func convertToolsToBedrock(tools []models.ToolDescriptor) (*types.ToolConfiguration, error) {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(t.Schema),
				},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}, nil
}

func bedrockResultFromOutput(out *bedrockruntime.ConverseOutput) (*models.CompletionResult, error) {
	member, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, apperrors.Wrap(apperrors.KindProviderError, "bedrock returned no message", errors.New("unexpected output union member"))
	}

	result := &models.CompletionResult{}
	var text strings.Builder
	for _, block := range member.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *types.ContentBlockMemberToolUse:
			var raw json.RawMessage
			if b.Value.Input != nil {
				m := map[string]any{}
				if err := b.Value.Input.UnmarshalSmithyDocument(&m); err == nil {
					raw, _ = json.Marshal(m)
				}
			}
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:    aws.ToString(b.Value.ToolUseId),
				Name:  aws.ToString(b.Value.Name),
				Input: raw,
			})
		}
	}
	result.Content = text.String()
	return result, nil
}

func wrapBedrockError(err error) error {
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "throttl") || strings.Contains(lower, "toomanyrequests"):
		return apperrors.Wrap(apperrors.KindRateLimited, "bedrock throttled", err)
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "unavailable") ||
		strings.Contains(lower, "internalserver") || strings.Contains(lower, "connection"):
		return apperrors.Wrap(apperrors.KindProviderError, "bedrock unavailable", err)
	default:
		return apperrors.Wrap(apperrors.KindProviderError, "bedrock request failed", err)
	}
}
