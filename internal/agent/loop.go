// Package agent implements the ReAct agent loop (spec.md §4.10, C10): the
// bounded filter → classify → iterate → respond state machine that ties
// together every other component (event bus, token budgeting, compaction,
// context assembly, noise filtering, signal classification, memory, tool
// registry, provider registry, and hooks).
//
// Loop implements sessionregistry.Worker, so it is the concrete type that
// package's Factory constructs per session.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensourceagent/osa/internal/compaction"
	"github.com/opensourceagent/osa/internal/contextbuilder"
	"github.com/opensourceagent/osa/internal/eventbus"
	"github.com/opensourceagent/osa/internal/hooks"
	"github.com/opensourceagent/osa/internal/memory"
	"github.com/opensourceagent/osa/internal/metrics"
	"github.com/opensourceagent/osa/internal/noise"
	"github.com/opensourceagent/osa/internal/providers"
	"github.com/opensourceagent/osa/internal/signal"
	"github.com/opensourceagent/osa/internal/tools"
	"github.com/opensourceagent/osa/internal/tracing"
	"github.com/opensourceagent/osa/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultMaxIterations and DefaultMaxConsecutiveFailures are spec.md §6's
// configuration defaults.
const (
	DefaultMaxIterations          = 30
	DefaultMaxConsecutiveFailures = 3
	DefaultToolConcurrency        = 4
	DefaultContextBudgetTokens    = 8000
)

// Config configures one Loop instance. All zero-valued fields fall back to
// the package defaults.
type Config struct {
	MaxIterations          int
	MaxConsecutiveFailures int
	ToolConcurrency        int
	ContextBudgetTokens    int
	DefaultModel           string
}

func (c Config) sanitized() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.ToolConcurrency <= 0 {
		c.ToolConcurrency = DefaultToolConcurrency
	}
	if c.ContextBudgetTokens <= 0 {
		c.ContextBudgetTokens = DefaultContextBudgetTokens
	}
	return c
}

// Deps bundles the components a Loop is wired against. Shared across every
// session's Loop instance; only the transcript and cancellation are
// per-session state.
type Deps struct {
	Providers    *providers.Registry
	Tools        *tools.Registry
	Hooks        *hooks.Chain
	Compactor    *compaction.Compactor
	NoiseFilter  *noise.Filter
	MemoryStore  *memory.Store
	SessionLog   *memory.SessionLog
	Bus          *eventbus.Bus
	EstimateTokens func(ctx context.Context, text string) int
	Bootstrap    contextbuilder.BootstrapFiles
	Logger       *slog.Logger
}

// Result is what ProcessMessage returns on success (spec.md §4.10).
type Result struct {
	Output         string
	Signal         models.Signal
	ToolsUsed      []string
	IterationCount int
	ExecutionMs    int64
	SessionID      string
	NoiseFiltered  bool
}

// Loop is one session's ReAct controller. It implements
// sessionregistry.Worker.
type Loop struct {
	sessionID string
	userID    string
	channel   models.ChannelID

	deps Deps
	cfg  Config

	mu       sync.Mutex
	messages []*models.Message
	cancelFn context.CancelFunc
}

// New constructs a Loop for one session, seeded with any persisted history.
func New(sessionID, userID string, channel models.ChannelID, history []*models.Message, deps Deps, cfg Config) *Loop {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Loop{
		sessionID: sessionID,
		userID:    userID,
		channel:   channel,
		deps:      deps,
		cfg:       cfg.sanitized(),
		messages:  history,
	}
}

// Cancel aborts any in-flight ProcessMessage call for this session.
func (l *Loop) Cancel() {
	l.mu.Lock()
	cancel := l.cancelFn
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ProcessMessage runs one inbound message through the loop: noise
// filtering, signal classification, bounded ReAct iteration against the
// provider and tool registries, and final response assembly.
func (l *Loop) ProcessMessage(ctx context.Context, text string) (any, error) {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancelFn = cancel
	l.mu.Unlock()
	defer cancel()

	start := time.Now()
	l.publish(models.EventRunStarted, map[string]any{"session_id": l.sessionID})

	weight := l.inferWeight(text)
	if l.deps.NoiseFilter != nil {
		verdict := l.deps.NoiseFilter.Check(runCtx, l.sessionID, text)
		if verdict.IsNoise {
			l.publish(models.EventSignalClassified, map[string]any{"noise": true, "reason": string(verdict.Reason)})
			return Result{
				Output:        verdict.CannedReply,
				SessionID:     l.sessionID,
				NoiseFiltered: true,
				ExecutionMs:   time.Since(start).Milliseconds(),
			}, nil
		}
		weight = verdict.Weight
	}

	sig := signal.Classify(text, l.channel, weight)
	l.publish(models.EventSignalClassified, map[string]any{"mode": sig.Mode, "genre": sig.Genre, "weight": sig.Weight})

	l.appendMessage(models.RoleUser, text, nil, "")

	result, err := l.runIterations(runCtx, &sig)
	result.SessionID = l.sessionID
	result.Signal = sig
	result.ExecutionMs = time.Since(start).Milliseconds()

	if err != nil {
		l.publish(models.EventRunError, map[string]any{"error": err.Error()})
		return result, err
	}

	l.publish(models.EventRunFinished, map[string]any{"iterations": result.IterationCount})
	return result, nil
}

// inferWeight gives noise.Filter's borderline-band callers (or a bypassed
// filter) a reasonable default weight when no filter is wired.
func (l *Loop) inferWeight(text string) float64 {
	if len(text) == 0 {
		return 0
	}
	return 0.5
}

// runIterations is the bounded ReAct state machine: assemble context
// (compacting if usage is high), call the provider, and either finish or
// dispatch tool calls, up to MaxIterations.
func (l *Loop) runIterations(ctx context.Context, sig *models.Signal) (Result, error) {
	result := Result{}
	consecutiveFailures := 0
	lastFailedTool := ""
	toolsUsed := map[string]bool{}

	for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
		result.IterationCount = iteration + 1

		iterCtx, iterSpan := tracing.StartSpan(ctx, "agent.iteration")
		iterSpan.SetAttributes(attribute.String("session_id", l.sessionID), attribute.Int("iteration", iteration))

		select {
		case <-iterCtx.Done():
			iterSpan.End()
			return result, fmt.Errorf("agent: run cancelled: %w", ctx.Err())
		default:
		}

		providerMessages, err := l.assembleProviderMessages(iterCtx, sig)
		if err != nil {
			iterSpan.RecordError(err)
			iterSpan.End()
			return result, fmt.Errorf("agent: assembling context: %w", err)
		}

		llmCtx, llmSpan := tracing.StartSpan(iterCtx, "agent.llm_call")
		llmSpan.SetAttributes(attribute.String("model", l.cfg.DefaultModel))
		completion, err := l.deps.Providers.Chat(llmCtx, providerMessages, models.CompletionOptions{
			Model: l.cfg.DefaultModel,
			Tools: l.toolDescriptors(),
		})
		if err != nil {
			llmSpan.RecordError(err)
			llmSpan.SetStatus(codes.Error, err.Error())
			llmSpan.End()
			iterSpan.End()
			return result, fmt.Errorf("agent: provider call: %w", err)
		}
		llmSpan.End()
		l.publish(models.EventLLMResponse, map[string]any{"iteration": iteration, "tool_calls": len(completion.ToolCalls)})

		if len(completion.ToolCalls) == 0 {
			output := completion.Content
			outcome := l.runHook(ctx, hooks.PointPreResponse, hooks.Event{Content: output})
			if outcome.Block {
				output = outcome.Reason
			}
			l.appendMessage(models.RoleAssistant, output, nil, "")
			l.runHook(ctx, hooks.PointPostResponse, hooks.Event{Content: output})
			result.Output = output
			for name := range toolsUsed {
				result.ToolsUsed = append(result.ToolsUsed, name)
			}
			iterSpan.End()
			return result, nil
		}

		l.appendMessage(models.RoleAssistant, completion.Content, completion.ToolCalls, "")

		toolResults := l.executeTools(iterCtx, completion.ToolCalls)
		for i, tr := range toolResults {
			call := completion.ToolCalls[i]
			toolsUsed[call.Name] = true
			l.appendToolResultMessage(tr)

			if tr.IsError {
				if call.Name == lastFailedTool {
					consecutiveFailures++
				} else {
					consecutiveFailures = 1
					lastFailedTool = call.Name
				}
			} else {
				consecutiveFailures = 0
				lastFailedTool = ""
			}
		}

		if consecutiveFailures >= l.cfg.MaxConsecutiveFailures {
			for name := range toolsUsed {
				result.ToolsUsed = append(result.ToolsUsed, name)
			}
			iterSpan.End()
			return result, fmt.Errorf("agent: %d consecutive failures calling tool %q: consecutive failure cap reached", consecutiveFailures, lastFailedTool)
		}
		iterSpan.End()
	}

	for name := range toolsUsed {
		result.ToolsUsed = append(result.ToolsUsed, name)
	}
	return result, fmt.Errorf("agent: reached max iterations (%d)", l.cfg.MaxIterations)
}

// executeTools runs pre_tool_use/post_tool_use hooks around dispatch for
// each call, bounded to ToolConcurrency in-flight at once, independent
// calls running in parallel (spec.md §4.10, C10 expansion).
func (l *Loop) executeTools(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	sem := make(chan struct{}, l.cfg.ToolConcurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = l.executeOneTool(ctx, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (l *Loop) executeOneTool(ctx context.Context, call models.ToolCall) models.ToolResult {
	toolCtx, span := tracing.StartSpan(ctx, "agent.tool_exec")
	span.SetAttributes(attribute.String("tool", call.Name))
	start := time.Now()
	defer func() {
		span.End()
	}()

	pre := l.runHook(toolCtx, hooks.PointPreToolUse, hooks.Event{ToolName: call.Name, ToolArgs: call.Input})
	if pre.Block {
		metrics.ToolDispatchDuration.WithLabelValues(call.Name, "blocked").Observe(time.Since(start).Seconds())
		span.SetStatus(codes.Error, pre.Reason)
		return models.ToolResult{ToolCallID: call.ID, Content: "blocked: " + pre.Reason, IsError: true}
	}

	dispatch := l.deps.Tools.Dispatch(toolCtx, call)

	var res models.ToolResult
	res.ToolCallID = call.ID
	outcome := "ok"
	switch {
	case dispatch.Blocked:
		res.Content = "blocked: " + dispatch.Error
		res.IsError = true
		outcome = "blocked"
	case !dispatch.OK:
		res.Content = dispatch.Error
		res.IsError = true
		outcome = "error"
	default:
		res.Content = stringifyToolValue(dispatch.Value)
	}
	metrics.ToolDispatchDuration.WithLabelValues(call.Name, outcome).Observe(time.Since(start).Seconds())
	if res.IsError {
		span.SetStatus(codes.Error, res.Content)
	}

	l.runHook(toolCtx, hooks.PointPostToolUse, hooks.Event{ToolName: call.Name, ToolResult: res})
	return res
}

func stringifyToolValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func (l *Loop) runHook(ctx context.Context, point hooks.Point, event hooks.Event) hooks.Outcome {
	if l.deps.Hooks == nil {
		return hooks.Continue
	}
	event.Point = point
	event.SessionID = l.sessionID
	return l.deps.Hooks.Run(ctx, event)
}

func (l *Loop) toolDescriptors() []models.ToolDescriptor {
	if l.deps.Tools == nil {
		return nil
	}
	return l.deps.Tools.ListToolsDirect()
}

// assembleProviderMessages compacts the transcript if needed, assembles the
// system message, and prepends it to the messages sent to the provider.
// The session's persisted transcript (l.messages) is never mutated by
// compaction — only the view handed to the provider this iteration is.
func (l *Loop) assembleProviderMessages(ctx context.Context, sig *models.Signal) ([]models.Message, error) {
	l.mu.Lock()
	transcript := append([]*models.Message(nil), l.messages...)
	l.mu.Unlock()

	if l.deps.Compactor != nil && l.deps.EstimateTokens != nil {
		compactCtx, span := tracing.StartSpan(ctx, "agent.compaction")
		plan, err := l.deps.Compactor.Compact(compactCtx, l.sessionID, transcript, l.cfg.ContextBudgetTokens)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return nil, fmt.Errorf("compaction: %w", err)
		}
		span.SetAttributes(attribute.Bool("vetoed", plan.Vetoed))
		span.End()
		if !plan.Vetoed {
			transcript = plan.Messages
		}
	}

	var memoryDigest string
	if l.deps.MemoryStore != nil && len(transcript) > 0 {
		last := transcript[len(transcript)-1]
		memoryDigest = l.deps.MemoryStore.RecallRelevant(last.Content, l.cfg.ContextBudgetTokens/4)
	}

	estimate := func(text string) int {
		if l.deps.EstimateTokens == nil {
			return len(text) / 4
		}
		return l.deps.EstimateTokens(ctx, text)
	}

	systemPrompt := contextbuilder.Assemble(ctx, contextbuilder.Input{
		Bootstrap:      l.deps.Bootstrap,
		MemoryDigest:   memoryDigest,
		Signal:         sig,
		MaxTokens:      l.cfg.ContextBudgetTokens,
		EstimateTokens: estimate,
		Runtime: contextbuilder.Runtime{
			Timestamp: time.Now(),
			Channel:   l.channel,
			SessionID: l.sessionID,
		},
	})

	out := make([]models.Message, 0, len(transcript)+1)
	out = append(out, models.Message{Role: models.RoleSystem, Content: systemPrompt, SessionID: l.sessionID})
	for _, m := range transcript {
		out = append(out, *m)
	}
	return out, nil
}

func (l *Loop) appendMessage(role models.Role, content string, toolCalls []models.ToolCall, toolCallID string) *models.Message {
	msg := &models.Message{
		ID:         uuid.NewString(),
		SessionID:  l.sessionID,
		Role:       role,
		Content:    content,
		ToolCalls:  toolCalls,
		ToolCallID: toolCallID,
		CreatedAt:  time.Now(),
	}
	l.mu.Lock()
	msg.Sequence = len(l.messages)
	l.messages = append(l.messages, msg)
	l.mu.Unlock()

	if l.deps.SessionLog != nil {
		_ = l.deps.SessionLog.Append(l.sessionID, msg)
	}
	return msg
}

func (l *Loop) appendToolResultMessage(tr models.ToolResult) *models.Message {
	return l.appendMessage(models.RoleTool, tr.Content, nil, tr.ToolCallID)
}

func (l *Loop) publish(tag models.EventTag, payload map[string]any) {
	if l.deps.Bus == nil {
		return
	}
	_ = l.deps.Bus.Publish(models.Event{
		Tag:       tag,
		SessionID: l.sessionID,
		Time:      time.Now(),
		Payload:   payload,
	})
}
