package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensourceagent/osa/internal/hooks"
	"github.com/opensourceagent/osa/internal/providers"
	"github.com/opensourceagent/osa/internal/tools"
	"github.com/opensourceagent/osa/pkg/models"
)

// scriptedProvider returns a scripted sequence of completions, one per
// Chat call, so tests can drive multi-iteration tool-call loops.
type scriptedProvider struct {
	name      string
	responses []models.CompletionResult
	calls     int
}

func (p *scriptedProvider) Name() string             { return p.name }
func (p *scriptedProvider) DefaultModel() string     { return "test-model" }
func (p *scriptedProvider) SupportsStreaming() bool  { return false }
func (p *scriptedProvider) SupportsTools() bool      { return true }
func (p *scriptedProvider) Chat(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
	if p.calls >= len(p.responses) {
		return &models.CompletionResult{Content: "done"}, nil
	}
	r := p.responses[p.calls]
	p.calls++
	return &r, nil
}

func newRegistryWith(p *scriptedProvider) *providers.Registry {
	reg := providers.New(nil)
	reg.Add(context.Background(), p)
	return reg
}

func newToolsWithEcho() *tools.Registry {
	reg := tools.New(nil)
	_ = reg.Register(models.ToolDescriptor{
		Name:        "echo",
		Description: "echoes input back",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return string(args), nil
		},
	})
	return reg
}

func TestProcessMessageNoToolCallsReturnsDirectly(t *testing.T) {
	provider := &scriptedProvider{
		name:      "test",
		responses: []models.CompletionResult{{Content: "hello there"}},
	}
	loop := New("s1", "u1", models.ChannelCLI, nil, Deps{
		Providers: newRegistryWith(provider),
		Tools:     newToolsWithEcho(),
	}, Config{})

	out, err := loop.ProcessMessage(context.Background(), "hi")
	require.NoError(t, err)
	result := out.(Result)
	assert.Equal(t, "hello there", result.Output)
	assert.Equal(t, 1, result.IterationCount)
}

func TestProcessMessageRunsToolCallThenFinishes(t *testing.T) {
	provider := &scriptedProvider{
		name: "test",
		responses: []models.CompletionResult{
			{ToolCalls: []models.ToolCall{{ID: "t1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}}},
			{Content: "final answer"},
		},
	}
	loop := New("s2", "u1", models.ChannelCLI, nil, Deps{
		Providers: newRegistryWith(provider),
		Tools:     newToolsWithEcho(),
	}, Config{})

	out, err := loop.ProcessMessage(context.Background(), "use the echo tool")
	require.NoError(t, err)
	result := out.(Result)
	assert.Equal(t, "final answer", result.Output)
	assert.Equal(t, 2, result.IterationCount)
	assert.Contains(t, result.ToolsUsed, "echo")
}

func TestProcessMessageConsecutiveFailuresAbort(t *testing.T) {
	failing := models.ToolCall{ID: "t1", Name: "missing", Input: json.RawMessage(`{}`)}
	provider := &scriptedProvider{
		name: "test",
		responses: []models.CompletionResult{
			{ToolCalls: []models.ToolCall{failing}},
			{ToolCalls: []models.ToolCall{failing}},
			{ToolCalls: []models.ToolCall{failing}},
		},
	}
	loop := New("s3", "u1", models.ChannelCLI, nil, Deps{
		Providers: newRegistryWith(provider),
		Tools:     tools.New(nil), // "missing" tool never registered
	}, Config{MaxConsecutiveFailures: 3})

	_, err := loop.ProcessMessage(context.Background(), "call a tool that doesn't exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consecutive failure cap")
}

func TestProcessMessageHitsMaxIterations(t *testing.T) {
	call := models.ToolCall{ID: "t1", Name: "echo", Input: json.RawMessage(`{}`)}
	responses := make([]models.CompletionResult, 0, 5)
	for i := 0; i < 5; i++ {
		responses = append(responses, models.CompletionResult{ToolCalls: []models.ToolCall{call}})
	}
	provider := &scriptedProvider{name: "test", responses: responses}
	loop := New("s4", "u1", models.ChannelCLI, nil, Deps{
		Providers: newRegistryWith(provider),
		Tools:     newToolsWithEcho(),
	}, Config{MaxIterations: 2, MaxConsecutiveFailures: 100})

	_, err := loop.ProcessMessage(context.Background(), "loop forever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max iterations")
}

func TestPreToolUseHookCanBlockDispatch(t *testing.T) {
	provider := &scriptedProvider{
		name: "test",
		responses: []models.CompletionResult{
			{ToolCalls: []models.ToolCall{{ID: "t1", Name: "echo", Input: json.RawMessage(`{"cmd":"rm -rf /"}`)}}},
			{Content: "ok, refused"},
		},
	}
	chain := hooks.NewChain(nil)
	chain.Register(hooks.PointPreToolUse, hooks.PrioritySecurity, "block-everything", func(ctx context.Context, e hooks.Event) hooks.Outcome {
		return hooks.Outcome{Block: true, Reason: "blocked by policy"}
	})

	loop := New("s5", "u1", models.ChannelCLI, nil, Deps{
		Providers: newRegistryWith(provider),
		Tools:     newToolsWithEcho(),
		Hooks:     chain,
	}, Config{})

	out, err := loop.ProcessMessage(context.Background(), "do something dangerous")
	require.NoError(t, err)
	result := out.(Result)
	assert.Equal(t, "ok, refused", result.Output)
}

func TestCancelAbortsInFlightRun(t *testing.T) {
	provider := &scriptedProvider{name: "test", responses: []models.CompletionResult{{Content: "done"}}}
	loop := New("s6", "u1", models.ChannelCLI, nil, Deps{
		Providers: newRegistryWith(provider),
		Tools:     newToolsWithEcho(),
	}, Config{})

	loop.Cancel() // no in-flight call yet; must not panic
	out, err := loop.ProcessMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.NotNil(t, out)
}
