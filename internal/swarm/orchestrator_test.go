package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensourceagent/osa/internal/agent"
	"github.com/opensourceagent/osa/internal/planner"
	"github.com/opensourceagent/osa/internal/providers"
	"github.com/opensourceagent/osa/internal/taskqueue"
	"github.com/opensourceagent/osa/internal/tools"
	"github.com/opensourceagent/osa/pkg/models"
)

// fixedProvider answers every Chat call with the same content, enough to
// let a sub-agent loop finish in one iteration.
type fixedProvider struct {
	content string
}

func (p *fixedProvider) Name() string            { return "fixed" }
func (p *fixedProvider) DefaultModel() string    { return "test-model" }
func (p *fixedProvider) SupportsStreaming() bool { return false }
func (p *fixedProvider) SupportsTools() bool     { return false }
func (p *fixedProvider) Chat(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
	return &models.CompletionResult{Content: p.content}, nil
}

func newTestOrchestrator(t *testing.T, content string) *Orchestrator {
	t.Helper()
	ctx := context.Background()

	reg := providers.New(nil)
	reg.Add(ctx, &fixedProvider{content: content})

	q := taskqueue.New(ctx, nil, nil, nil)

	chat := func(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
		return reg.Chat(ctx, messages, opts)
	}
	p := planner.New(chat, nil)

	deps := Deps{
		Queue:   q,
		Planner: p,
		Chat:    chat,
		AgentDeps: agent.Deps{
			Providers: reg,
			Tools:     tools.New(nil),
		},
	}
	return New(deps, Config{SwarmTimeout: DefaultSwarmTimeout})
}

func waitForFinish(t *testing.T, o *Orchestrator, swarmID string) Status {
	t.Helper()
	for i := 0; i < 2000; i++ {
		st, ok := o.Status(swarmID)
		require.True(t, ok)
		if st.State != StateRunning {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("swarm %s never finished", swarmID)
	return Status{}
}

func TestLaunchRejectsInvalidPattern(t *testing.T) {
	o := newTestOrchestrator(t, "irrelevant")
	_, err := o.Launch(context.Background(), "do a thing", models.Pattern("brainstorm"))
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestLaunchParallelSynthesizesMerge(t *testing.T) {
	o := newTestOrchestrator(t, `{"pattern":"parallel","synthesis_strategy":"merge","agents":[{"role":"researcher","task":"a"},{"role":"writer","task":"b"}]}`)
	st, err := o.Launch(context.Background(), "write something", models.PatternParallel)
	require.NoError(t, err)
	require.Equal(t, StateRunning, st.State)
	require.Len(t, st.Agents, 2)

	final := waitForFinish(t, o, st.SwarmID)
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, 100, final.CompletionPercent)
	assert.NotEmpty(t, final.Output)
}

func TestLaunchPipelineChainsWaves(t *testing.T) {
	planJSON := `{"pattern":"pipeline","synthesis_strategy":"chain","agents":[{"role":"researcher","task":"a"},{"role":"writer","task":"b"}]}`
	o := newTestOrchestrator(t, planJSON)
	st, err := o.Launch(context.Background(), "write a report", models.PatternPipeline)
	require.NoError(t, err)
	require.Equal(t, 2, st.TotalWaves)

	final := waitForFinish(t, o, st.SwarmID)
	assert.Equal(t, StateCompleted, final.State)
	// chain synthesis is the last agent's raw output, which here is the
	// provider's fixed response content (re-sent by every Chat call).
	assert.Equal(t, planJSON, final.Output)
}

func TestLaunchDebateSplitsProposersAndCritic(t *testing.T) {
	planJSON := `{"pattern":"debate","synthesis_strategy":"vote","agents":[{"role":"critic","task":"argue for"},{"role":"critic","task":"argue against"},{"role":"critic","task":"judge"}]}`
	o := newTestOrchestrator(t, planJSON)
	plan := buildWaves(mustDecodePlan(t, planJSON))
	require.Len(t, plan, 2)
	assert.Len(t, plan[0], 2)
	assert.Len(t, plan[1], 1)

	st, err := o.Launch(context.Background(), "debate something", models.PatternDebate)
	require.NoError(t, err)
	final := waitForFinish(t, o, st.SwarmID)
	assert.Equal(t, StateCompleted, final.State)
}

func TestStatusUnknownSwarmReturnsFalse(t *testing.T) {
	o := newTestOrchestrator(t, "x")
	_, ok := o.Status("does-not-exist")
	assert.False(t, ok)
}

func TestTooManyConcurrentSwarmsRejected(t *testing.T) {
	o := newTestOrchestrator(t, `{"pattern":"parallel","synthesis_strategy":"merge","agents":[{"role":"researcher","task":"a"},{"role":"writer","task":"b"}]}`)
	o.cfg.MaxConcurrentSwarms = 1

	_, err := o.Launch(context.Background(), "first", models.PatternParallel)
	require.NoError(t, err)

	_, err = o.Launch(context.Background(), "second", models.PatternParallel)
	assert.ErrorIs(t, err, ErrTooManySwarms)
}

func mustDecodePlan(t *testing.T, raw string) models.Plan {
	t.Helper()
	p := planner.New(func(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
		return &models.CompletionResult{Content: raw}, nil
	}, nil)
	return p.Decompose(context.Background(), "x", 0)
}
