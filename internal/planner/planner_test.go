package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensourceagent/osa/pkg/models"
)

func chatReturning(content string, err error) ChatFunc {
	return func(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
		if err != nil {
			return nil, err
		}
		return &models.CompletionResult{Content: content}, nil
	}
}

func TestDecomposeValidPlan(t *testing.T) {
	p := New(chatReturning(`{
		"pattern": "pipeline",
		"synthesis_strategy": "chain",
		"agents": [
			{"role": "researcher", "task": "gather facts"},
			{"role": "writer", "task": "draft the report"}
		]
	}`, nil), nil)

	plan := p.Decompose(context.Background(), "write a report", 0)
	require.Equal(t, models.PatternPipeline, plan.Pattern)
	require.Len(t, plan.Agents, 2)
	assert.Equal(t, models.RoleResearcher, plan.Agents[0].Role)
	assert.Equal(t, models.SynthesisChain, plan.SynthesisStrategy)
}

func TestDecomposeStripsMarkdownFence(t *testing.T) {
	p := New(chatReturning("```json\n"+`{
		"pattern": "parallel",
		"synthesis_strategy": "merge",
		"agents": [
			{"role": "researcher", "task": "a"},
			{"role": "writer", "task": "b"}
		]
	}`+"\n```", nil), nil)

	plan := p.Decompose(context.Background(), "anything", 0)
	assert.Equal(t, models.PatternParallel, plan.Pattern)
	assert.Len(t, plan.Agents, 2)
}

func TestDecomposeExtractsFromSurroundingProse(t *testing.T) {
	p := New(chatReturning(`Sure, here is the plan you asked for:

	{"pattern": "debate", "synthesis_strategy": "vote", "agents": [
		{"role": "critic", "task": "argue for"},
		{"role": "critic", "task": "argue against"}
	]}

	Let me know if you need changes.`, nil), nil)

	plan := p.Decompose(context.Background(), "debate something", 0)
	assert.Equal(t, models.PatternDebate, plan.Pattern)
	assert.Len(t, plan.Agents, 2)
}

func TestDecomposeFallsBackOnProviderError(t *testing.T) {
	p := New(chatReturning("", errors.New("provider unreachable")), nil)
	plan := p.Decompose(context.Background(), "task X", 0)
	assertIsFallback(t, plan, "task X")
}

func TestDecomposeFallsBackOnMalformedJSON(t *testing.T) {
	p := New(chatReturning("not json at all, sorry", nil), nil)
	plan := p.Decompose(context.Background(), "task Y", 0)
	assertIsFallback(t, plan, "task Y")
}

func TestDecomposeFallsBackOnInvalidPattern(t *testing.T) {
	p := New(chatReturning(`{
		"pattern": "brainstorm",
		"synthesis_strategy": "merge",
		"agents": [{"role": "researcher", "task": "a"}, {"role": "writer", "task": "b"}]
	}`, nil), nil)
	plan := p.Decompose(context.Background(), "task Z", 0)
	assertIsFallback(t, plan, "task Z")
}

func TestDecomposeFallsBackOnUnknownRole(t *testing.T) {
	p := New(chatReturning(`{
		"pattern": "parallel",
		"synthesis_strategy": "merge",
		"agents": [{"role": "wizard", "task": "a"}, {"role": "writer", "task": "b"}]
	}`, nil), nil)
	plan := p.Decompose(context.Background(), "task W", 0)
	assertIsFallback(t, plan, "task W")
}

func TestDecomposeFallsBackOnTooFewAgents(t *testing.T) {
	p := New(chatReturning(`{
		"pattern": "parallel",
		"synthesis_strategy": "merge",
		"agents": [{"role": "researcher", "task": "a"}]
	}`, nil), nil)
	plan := p.Decompose(context.Background(), "task V", 0)
	assertIsFallback(t, plan, "task V")
}

func TestDecomposeFallsBackOnTooManyAgents(t *testing.T) {
	agents := `[{"role":"researcher","task":"a"},{"role":"writer","task":"b"},` +
		`{"role":"coder","task":"c"},{"role":"tester","task":"d"}]`
	p := New(chatReturning(`{"pattern":"parallel","synthesis_strategy":"merge","agents":`+agents+`}`, nil), nil)

	plan := p.Decompose(context.Background(), "task U", 2)
	assertIsFallback(t, plan, "task U")
}

// TestDecomposeNeverRaises is the totality property (spec.md §8 property 9):
// decompose must never panic regardless of what the provider returns.
func TestDecomposeNeverRaises(t *testing.T) {
	inputs := []string{
		"",
		"{{{{",
		"```\n{}\n```",
		`{"pattern": null}`,
		`{"pattern": "parallel", "agents": "not-an-array"}`,
		"\x00\x01garbage",
		`{"pattern": "parallel", "synthesis_strategy": "merge", "agents": []}`,
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Decompose panicked on input %q: %v", in, r)
				}
			}()
			p := New(chatReturning(in, nil), nil)
			plan := p.Decompose(context.Background(), "some task", 0)
			assert.NotEmpty(t, plan.Agents, "fallback-or-valid plan must always have agents for input %q", in)
		}()
	}
}

func TestDecomposeWithNilChatFuncFallsBack(t *testing.T) {
	p := New(nil, nil)
	plan := p.Decompose(context.Background(), "task N", 0)
	assertIsFallback(t, plan, "task N")
}

func assertIsFallback(t *testing.T, plan models.Plan, taskDescription string) {
	t.Helper()
	want := FallbackPlan(taskDescription)
	assert.Equal(t, want.Pattern, plan.Pattern)
	assert.Equal(t, want.SynthesisStrategy, plan.SynthesisStrategy)
	assert.Len(t, plan.Agents, len(want.Agents))
}
