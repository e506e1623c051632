// Package swarm implements the swarm orchestrator (spec.md §4.14, C14):
// plan-driven wave DAG execution over the task queue (C12), with role-
// specific sub-agent loops (C10) leased per wave and three result
// synthesis strategies. Adapted from the teacher's handoff-oriented
// multi-agent vocabulary (internal/multiagent/orchestrator.go, types.go's
// AgentDefinition/HandoffRule/SharedContext) to the spec's four fixed
// patterns: parallel (one wave), pipeline/review (linear waves), debate
// (parallel proposers then a critic wave).
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensourceagent/osa/internal/agent"
	"github.com/opensourceagent/osa/internal/eventbus"
	"github.com/opensourceagent/osa/internal/planner"
	"github.com/opensourceagent/osa/internal/taskqueue"
	"github.com/opensourceagent/osa/pkg/models"
)

// Limits from spec.md §4.14.
const (
	DefaultMaxConcurrentSwarms = 10
	DefaultMaxAgentsPerSwarm   = planner.MaxAgentsCeiling
	DefaultSwarmTimeout        = 5 * time.Minute
	waveWorkerConcurrency      = 10
	defaultLeaseMS             = 120_000
)

// ErrInvalidPattern is returned when Launch is given a pattern outside the
// closed set; the HTTP surface (C17) turns this into a 400 listing the
// valid patterns (spec.md §8, S4).
var ErrInvalidPattern = errors.New("swarm: invalid pattern")

// ErrTooManySwarms is returned when the concurrent-swarm ceiling is hit.
var ErrTooManySwarms = errors.New("swarm: too many concurrent swarms")

// ValidPatternNames is the closed set surfaced in validation errors.
var ValidPatternNames = []string{"parallel", "pipeline", "debate", "review"}

var validPatterns = map[models.Pattern]bool{
	models.PatternParallel: true,
	models.PatternPipeline: true,
	models.PatternDebate:   true,
	models.PatternReview:   true,
}

// State is a swarm's lifecycle state.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// AgentStatus is one swarm participant's progress, exposed via Status.
type AgentStatus struct {
	AgentID   string          `json:"agent_id"`
	Role      models.AgentRole `json:"role"`
	Task      string          `json:"task"`
	Wave      int             `json:"wave"`
	State     State           `json:"state"`
	Output    string          `json:"output,omitempty"`
	ToolsUsed []string        `json:"tools_used,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Status is the orchestrator's point-in-time view of one swarm, returned
// by Status() and GET /swarm/status/:id.
type Status struct {
	SwarmID           string                   `json:"swarm_id"`
	Pattern           models.Pattern           `json:"pattern"`
	SynthesisStrategy models.SynthesisStrategy `json:"synthesis_strategy"`
	State             State                    `json:"state"`
	CurrentWave       int                      `json:"current_wave"`
	TotalWaves        int                      `json:"total_waves"`
	Agents            []AgentStatus            `json:"agents"`
	ToolCount         int                      `json:"tool_count"`
	CompletionPercent int                      `json:"completion_percent"`
	Output            string                   `json:"output,omitempty"`
	Error             string                   `json:"error,omitempty"`
	StartedAt         time.Time                `json:"started_at"`
	FinishedAt        *time.Time               `json:"finished_at,omitempty"`
}

// MailboxMessage is the element type of each swarm's mailbox channel
// (buffered, capacity 64, created in launchPlan), grounded on the teacher's
// SharedMessage (internal/multiagent/types.go). No code sends to or reads
// from the mailbox; agents see earlier outputs only through their prompts
// (buildAgentPrompt).
type MailboxMessage struct {
	FromAgentID string
	Role        models.AgentRole
	Content     string
	Wave        int
}

type swarmState struct {
	mu      sync.Mutex
	status  Status
	cancel  context.CancelFunc
	mailbox chan MailboxMessage
}

func (s *swarmState) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.status
	out.Agents = append([]AgentStatus(nil), s.status.Agents...)
	return out
}

// Deps bundles everything the orchestrator needs: the task queue each
// wave leases through, the planner that decomposes a task into a Plan, the
// event bus for progress events, a template agent.Deps that every
// sub-agent Loop is constructed with, and a chat function used for
// merge/vote synthesis calls.
type Deps struct {
	Queue     *taskqueue.Queue
	Planner   *planner.Planner
	Bus       *eventbus.Bus
	AgentDeps agent.Deps
	Chat      planner.ChatFunc
	Logger    *slog.Logger
}

// Config configures swarm limits; zero fields fall back to spec defaults.
type Config struct {
	MaxConcurrentSwarms int
	MaxAgentsPerSwarm   int
	SwarmTimeout        time.Duration
}

func (c Config) sanitized() Config {
	if c.MaxConcurrentSwarms <= 0 {
		c.MaxConcurrentSwarms = DefaultMaxConcurrentSwarms
	}
	if c.MaxAgentsPerSwarm <= 0 || c.MaxAgentsPerSwarm > DefaultMaxAgentsPerSwarm {
		c.MaxAgentsPerSwarm = DefaultMaxAgentsPerSwarm
	}
	if c.SwarmTimeout <= 0 {
		c.SwarmTimeout = DefaultSwarmTimeout
	}
	return c
}

// Orchestrator runs swarms: plan decomposition, wave DAG execution over
// the task queue, and result synthesis.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	swarms map[string]*swarmState
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg.sanitized(),
		logger: deps.Logger,
		swarms: make(map[string]*swarmState),
	}
}

// Launch decomposes task into a Plan (overriding its pattern with pattern
// when non-empty), builds the wave DAG, and starts execution
// asynchronously. It returns the swarm's initial Status immediately.
func (o *Orchestrator) Launch(ctx context.Context, task string, pattern models.Pattern) (Status, error) {
	if pattern != "" && !validPatterns[pattern] {
		return Status{}, ErrInvalidPattern
	}

	o.mu.Lock()
	active := 0
	for _, s := range o.swarms {
		if s.snapshot().State == StateRunning {
			active++
		}
	}
	if active >= o.cfg.MaxConcurrentSwarms {
		o.mu.Unlock()
		return Status{}, ErrTooManySwarms
	}
	o.mu.Unlock()

	plan := o.deps.Planner.Decompose(ctx, task, o.cfg.MaxAgentsPerSwarm)
	if pattern != "" {
		plan.Pattern = pattern
		plan.SynthesisStrategy = models.DefaultSynthesis[pattern]
	}
	if len(plan.Agents) > o.cfg.MaxAgentsPerSwarm {
		plan.Agents = plan.Agents[:o.cfg.MaxAgentsPerSwarm]
	}

	return o.launchPlan(task, plan)
}

// launchPlan builds the wave DAG for an already-decomposed plan (from
// either the LLM planner via Launch, or a YAML-authored PlanTemplate via
// LaunchWithPlan) and starts its run goroutine. Callers are responsible
// for the concurrent-swarm-limit check and plan validation before calling
// this.
func (o *Orchestrator) launchPlan(task string, plan models.Plan) (Status, error) {
	waves := buildWaves(plan)
	swarmID := uuid.NewString()

	agents := make([]AgentStatus, 0, len(plan.Agents))
	for waveIdx, wave := range waves {
		for i, a := range wave {
			agents = append(agents, AgentStatus{
				AgentID: agentID(swarmID, waveIdx, i, a.Role),
				Role:    a.Role,
				Task:    a.Task,
				Wave:    waveIdx,
				State:   StateRunning,
			})
		}
	}

	st := &swarmState{
		status: Status{
			SwarmID:           swarmID,
			Pattern:           plan.Pattern,
			SynthesisStrategy: plan.SynthesisStrategy,
			State:             StateRunning,
			TotalWaves:        len(waves),
			Agents:            agents,
			StartedAt:         time.Now(),
		},
		mailbox: make(chan MailboxMessage, 64),
	}

	runCtx, cancel := context.WithTimeout(context.Background(), o.cfg.SwarmTimeout)
	st.cancel = cancel

	o.mu.Lock()
	o.swarms[swarmID] = st
	o.mu.Unlock()

	go o.run(runCtx, swarmID, task, plan, waves, st)

	return st.snapshot(), nil
}

// Status returns the current Status for a swarm, or false if unknown.
func (o *Orchestrator) Status(swarmID string) (Status, bool) {
	o.mu.Lock()
	st, ok := o.swarms[swarmID]
	o.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return st.snapshot(), true
}

// Cancel aborts a running swarm, marking it cancelled.
func (o *Orchestrator) Cancel(swarmID string) bool {
	o.mu.Lock()
	st, ok := o.swarms[swarmID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	if st.cancel != nil {
		st.cancel()
	}
	return true
}

// waveResult is one agent's contribution: its output is shown to the
// agents of every later wave in their prompts, and it is collected for
// synthesis.
type waveResult struct {
	agentID string
	role    models.AgentRole
	task    string
	output  string
	err     error
}

func (o *Orchestrator) run(ctx context.Context, swarmID, task string, plan models.Plan, waves [][]models.PlanAgent, st *swarmState) {
	defer st.cancel()
	defer func() {
		if r := recover(); r != nil {
			o.finish(st, StateFailed, "", fmt.Sprintf("swarm panic: %v", r))
		}
	}()

	var allResults []waveResult
	for waveIdx, waveAgents := range waves {
		o.setCurrentWave(st, waveIdx)

		results := o.runWave(ctx, swarmID, waveIdx, task, waveAgents, allResults, st)
		allResults = append(allResults, results...)
		o.publishProgress(st)

		if ctx.Err() != nil {
			state := StateFailed
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				state = StateTimedOut
			} else if errors.Is(ctx.Err(), context.Canceled) {
				state = StateCancelled
			}
			o.finish(st, state, "", ctx.Err().Error())
			return
		}
	}

	output, err := o.synthesize(ctx, plan, allResults)
	if err != nil {
		o.finish(st, StateFailed, "", err.Error())
		return
	}
	o.finish(st, StateCompleted, output, "")
}

// runWave enqueues one task per agent, leases and runs each through a
// bounded sub-agent loop (spec.md §4.14), bounding concurrency with the
// same buffered-channel semaphore pattern as C10's tool dispatch
// (internal/agent/loop.go's executeTools, grounded on the teacher's
// Executor.ExecuteAll).
func (o *Orchestrator) runWave(ctx context.Context, swarmID string, waveIdx int, task string, waveAgents []models.PlanAgent, prior []waveResult, st *swarmState) []waveResult {
	results := make([]waveResult, len(waveAgents))
	sem := make(chan struct{}, waveWorkerConcurrency)
	var wg sync.WaitGroup

	for i, a := range waveAgents {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, agentDef models.PlanAgent) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = o.runOneAgent(ctx, swarmID, waveIdx, idx, task, agentDef, prior, st)
		}(i, a)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) runOneAgent(ctx context.Context, swarmID string, waveIdx, idx int, task string, a models.PlanAgent, prior []waveResult, st *swarmState) waveResult {
	id := agentID(swarmID, waveIdx, idx, a.Role)
	payload := map[string]any{"role": string(a.Role), "task": a.Task, "wave": waveIdx}

	if _, err := o.deps.Queue.EnqueueSync(ctx, id, id, payload, taskqueue.LeaseOptions{MaxAttempts: 1}); err != nil {
		return o.failAgent(st, id, a, fmt.Errorf("enqueue: %w", err))
	}
	lease, err := o.deps.Queue.Lease(ctx, id, defaultLeaseMS)
	if err != nil || lease.Empty {
		return o.failAgent(st, id, a, fmt.Errorf("lease: %w", err))
	}

	prompt := buildAgentPrompt(task, a, prior)
	sessionID := id
	sub := agent.New(sessionID, "swarm", models.ChannelSwarm, nil, o.deps.AgentDeps, agent.Config{})

	out, err := sub.ProcessMessage(ctx, prompt)
	if err != nil {
		_ = o.deps.Queue.Fail(ctx, id, err.Error())
		return o.failAgent(st, id, a, err)
	}
	res, _ := out.(agent.Result)
	_ = o.deps.Queue.Complete(ctx, id, map[string]any{"output": res.Output})

	o.updateAgentStatus(st, id, StateCompleted, res.Output, res.ToolsUsed, "")
	return waveResult{agentID: id, role: a.Role, task: a.Task, output: res.Output}
}

func (o *Orchestrator) failAgent(st *swarmState, id string, a models.PlanAgent, err error) waveResult {
	o.updateAgentStatus(st, id, StateFailed, "", nil, err.Error())
	return waveResult{agentID: id, role: a.Role, task: a.Task, err: err}
}

// buildAgentPrompt composes the role-specific instruction handed to a
// sub-agent loop: the original task, this agent's specific sub-task, and
// (from the second wave on) the successful outputs of every earlier wave so
// the agent can build on or critique them.
func buildAgentPrompt(task string, a models.PlanAgent, prior []waveResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent in a multi-agent swarm working on: %s\n\n", a.Role, task)
	fmt.Fprintf(&b, "Your assignment: %s\n", a.Task)
	if len(prior) > 0 {
		b.WriteString("\nPrior agents produced:\n")
		for _, r := range prior {
			if r.err != nil {
				continue
			}
			fmt.Fprintf(&b, "- [%s]: %s\n", r.role, r.output)
		}
	}
	return b.String()
}

// buildWaves computes the execution DAG for a plan's pattern (spec.md
// §4.14): parallel is one wave; pipeline and review are linear, one agent
// per wave, each building on the last; debate is all-but-the-last agent in
// a parallel proposer wave followed by a single critic wave.
func buildWaves(plan models.Plan) [][]models.PlanAgent {
	switch plan.Pattern {
	case models.PatternDebate:
		if len(plan.Agents) < 2 {
			return [][]models.PlanAgent{plan.Agents}
		}
		proposers := plan.Agents[:len(plan.Agents)-1]
		critic := plan.Agents[len(plan.Agents)-1]
		return [][]models.PlanAgent{proposers, {critic}}
	case models.PatternPipeline, models.PatternReview:
		waves := make([][]models.PlanAgent, 0, len(plan.Agents))
		for _, a := range plan.Agents {
			waves = append(waves, []models.PlanAgent{a})
		}
		return waves
	default: // parallel
		return [][]models.PlanAgent{plan.Agents}
	}
}

// synthesize combines wave results per the plan's strategy (spec.md
// §4.14): merge asks the chat function to produce a coherent combined
// answer over every {role, output}; vote asks it to pick the best
// proposal with justification; chain is simply the final agent's output,
// no further LLM call required.
func (o *Orchestrator) synthesize(ctx context.Context, plan models.Plan, results []waveResult) (string, error) {
	if len(results) == 0 {
		return "", fmt.Errorf("swarm: no agent produced output")
	}

	switch plan.SynthesisStrategy {
	case models.SynthesisChain:
		for i := len(results) - 1; i >= 0; i-- {
			if results[i].err == nil {
				return results[i].output, nil
			}
		}
		return "", fmt.Errorf("swarm: all agents failed")
	case models.SynthesisVote:
		return o.chatSynthesis(ctx, results, voteSynthesisPrompt)
	default: // merge
		return o.chatSynthesis(ctx, results, mergeSynthesisPrompt)
	}
}

const mergeSynthesisPrompt = "Combine the following agent outputs into one coherent, complete answer. Resolve any contradictions and do not simply concatenate.\n\n%s"
const voteSynthesisPrompt = "Select the single best proposal below and return it, with a brief justification for why it was chosen over the others.\n\n%s"

func (o *Orchestrator) chatSynthesis(ctx context.Context, results []waveResult, template string) (string, error) {
	var ok []waveResult
	for _, r := range results {
		if r.err == nil {
			ok = append(ok, r)
		}
	}
	if len(ok) == 0 {
		return "", fmt.Errorf("swarm: all agents failed, nothing to synthesize")
	}
	if o.deps.Chat == nil {
		// No synthesis-capable chat function wired: fall back to the last
		// successful agent's output rather than raising.
		return ok[len(ok)-1].output, nil
	}

	var b strings.Builder
	for _, r := range ok {
		fmt.Fprintf(&b, "[%s] (task: %s)\n%s\n\n", r.role, r.task, r.output)
	}
	prompt := fmt.Sprintf(template, b.String())

	resp, err := o.deps.Chat(ctx, []models.Message{{Role: models.RoleUser, Content: prompt}}, models.CompletionOptions{})
	if err != nil {
		return ok[len(ok)-1].output, nil
	}
	return resp.Content, nil
}

func agentID(swarmID string, waveIdx, idx int, role models.AgentRole) string {
	return fmt.Sprintf("swarm-%s-w%d-%s-%d", swarmID, waveIdx, role, idx)
}

func (o *Orchestrator) setCurrentWave(st *swarmState, waveIdx int) {
	st.mu.Lock()
	st.status.CurrentWave = waveIdx
	if st.status.TotalWaves > 0 {
		st.status.CompletionPercent = (waveIdx * 100) / st.status.TotalWaves
	}
	st.mu.Unlock()
}

func (o *Orchestrator) updateAgentStatus(st *swarmState, agentID string, state State, output string, toolsUsed []string, errMsg string) {
	st.mu.Lock()
	for i := range st.status.Agents {
		if st.status.Agents[i].AgentID == agentID {
			st.status.Agents[i].State = state
			st.status.Agents[i].Output = output
			st.status.Agents[i].ToolsUsed = toolsUsed
			st.status.Agents[i].Error = errMsg
			st.status.ToolCount += len(toolsUsed)
			break
		}
	}
	st.mu.Unlock()
}

func (o *Orchestrator) finish(st *swarmState, state State, output, errMsg string) {
	now := time.Now()
	st.mu.Lock()
	st.status.State = state
	st.status.Output = output
	st.status.Error = errMsg
	st.status.FinishedAt = &now
	if state == StateCompleted {
		st.status.CompletionPercent = 100
	}
	st.mu.Unlock()

	if o.deps.Bus != nil {
		_ = o.deps.Bus.Publish(models.Event{
			Tag:  models.EventSwarmProgress,
			Time: now,
			Payload: map[string]any{
				"swarm_id": st.status.SwarmID,
				"state":    string(state),
				"output":   output,
				"error":    errMsg,
			},
		})
	}
}

func (o *Orchestrator) publishProgress(st *swarmState) {
	if o.deps.Bus == nil {
		return
	}
	snap := st.snapshot()
	_ = o.deps.Bus.Publish(models.Event{
		Tag:  models.EventSwarmProgress,
		Time: time.Now(),
		Payload: map[string]any{
			"swarm_id":           snap.SwarmID,
			"current_wave":       snap.CurrentWave,
			"total_waves":        snap.TotalWaves,
			"completion_percent": snap.CompletionPercent,
		},
	})
}
