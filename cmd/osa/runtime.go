// Runtime assembly shared by every subcommand, grounded on the teacher's
// cmd/nexus/main.go runServe wiring sequence (config -> providers ->
// stores -> gateway components) but built all the way through rather than
// left as a startup TODO: every SPEC_FULL.md component gets constructed
// and connected here exactly once.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/opensourceagent/osa/internal/agent"
	"github.com/opensourceagent/osa/internal/compaction"
	"github.com/opensourceagent/osa/internal/config"
	"github.com/opensourceagent/osa/internal/contextbuilder"
	"github.com/opensourceagent/osa/internal/cron"
	"github.com/opensourceagent/osa/internal/eventbus"
	"github.com/opensourceagent/osa/internal/heartbeat"
	"github.com/opensourceagent/osa/internal/hooks"
	"github.com/opensourceagent/osa/internal/memory"
	"github.com/opensourceagent/osa/internal/metrics"
	"github.com/opensourceagent/osa/internal/noise"
	"github.com/opensourceagent/osa/internal/planner"
	"github.com/opensourceagent/osa/internal/providers"
	"github.com/opensourceagent/osa/internal/sessionregistry"
	"github.com/opensourceagent/osa/internal/swarm"
	"github.com/opensourceagent/osa/internal/taskqueue"
	"github.com/opensourceagent/osa/internal/tokens"
	"github.com/opensourceagent/osa/internal/tools"
	"github.com/opensourceagent/osa/pkg/models"
)

// exitOK, exitUserError, exitConfigError, and exitProviderUnreachable are
// spec.md §6's CLI exit codes.
const (
	exitOK                  = 0
	exitUserError           = 1
	exitConfigError         = 2
	exitProviderUnreachable = 3
)

// cliError pairs an error with the exit code main() should return for it.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func userErr(format string, args ...any) error {
	return &cliError{code: exitUserError, err: fmt.Errorf(format, args...)}
}

func configErr(format string, args ...any) error {
	return &cliError{code: exitConfigError, err: fmt.Errorf(format, args...)}
}

func providerErr(format string, args ...any) error {
	return &cliError{code: exitProviderUnreachable, err: fmt.Errorf(format, args...)}
}

// exitCodeFor unwraps a cliError's code, defaulting to exitUserError for
// anything uncategorized so a bare error never looks like success.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *cliError
	if ok := asCliError(err, &ce); ok {
		return ce.code
	}
	return exitUserError
}

func asCliError(err error, target **cliError) bool {
	for err != nil {
		if ce, ok := err.(*cliError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// runtime bundles every long-lived component a subcommand needs. serve
// uses all of it; classify and orchestrate use a smaller slice but build it
// through the same construction path so the two never drift from how serve
// wires things.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	bus         *eventbus.Bus
	providerReg *providers.Registry
	toolReg     *tools.Registry
	hookChain   *hooks.Chain
	memStore    *memory.Store
	sessionLog  *memory.SessionLog
	estimator   *tokens.Estimator
	compactor   *compaction.Compactor
	noiseFilter *noise.Filter
	sessions    *sessionregistry.Registry
	queue       *taskqueue.Queue
	planner     *planner.Planner
	swarmOrch   *swarm.Orchestrator
	triggers    *cron.TriggerRegistry
	scheduler   *cron.Scheduler
	heartbeat   *heartbeat.Runner
	dispatcher  cron.MessageDispatcher

	shutdownFns []func()
}

func (rt *runtime) onShutdown(fn func()) {
	rt.shutdownFns = append(rt.shutdownFns, fn)
}

func (rt *runtime) Close() {
	for i := len(rt.shutdownFns) - 1; i >= 0; i-- {
		rt.shutdownFns[i]()
	}
}

// providerSummarizer adapts the provider registry's Chat call to
// compaction.Summarizer, the way the teacher's summarization helpers call
// back into whatever LLM client is on hand rather than hand-rolling a
// second HTTP path for it.
type providerSummarizer struct {
	reg   *providers.Registry
	model string
}

func (s providerSummarizer) GenerateSummary(ctx context.Context, messages []*models.Message, instructions string) (string, error) {
	flat := make([]models.Message, 0, len(messages)+1)
	if instructions != "" {
		flat = append(flat, models.Message{Role: models.RoleSystem, Content: instructions})
	}
	for _, m := range messages {
		flat = append(flat, *m)
	}
	result, err := s.reg.Chat(ctx, flat, models.CompletionOptions{Model: s.model})
	if err != nil {
		return "", fmt.Errorf("compaction: summarize via provider: %w", err)
	}
	return result.Content, nil
}

// buildRuntime constructs every shared component from cfg, admitting
// whichever providers have credentials configured. At least one provider
// must be admitted or this returns a providerErr (exit code 3).
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	rt.bus = eventbus.New(256)
	rt.bus.OnDropped(func(handle eventbus.Handle, dropped uint64) {
		metrics.EventBusDropped.WithLabelValues(fmt.Sprint(handle)).Add(float64(dropped))
	})

	rt.providerReg = providers.New(logger)
	admitted := 0
	if key := config.APIKey("anthropic"); key != "" {
		if p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       key,
			BaseURL:      cfg.Providers.Anthropic.BaseURL,
			DefaultModel: cfg.Providers.Anthropic.Model,
			MaxTokens:    cfg.MaxTokens,
		}); err == nil {
			before := rt.providerReg.Len()
			rt.providerReg.Add(ctx, p)
			if rt.providerReg.Len() > before {
				admitted++
			}
		} else {
			logger.Warn("osa: anthropic provider not constructed", "error", err)
		}
	}
	if key := config.APIKey("openai"); key != "" {
		if p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       key,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			DefaultModel: cfg.Providers.OpenAI.Model,
		}); err == nil {
			before := rt.providerReg.Len()
			rt.providerReg.Add(ctx, p)
			if rt.providerReg.Len() > before {
				admitted++
			}
		} else {
			logger.Warn("osa: openai provider not constructed", "error", err)
		}
	}
	if key := config.APIKey("bedrock"); key != "" {
		if p, err := providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:          cfg.Providers.Bedrock.Region,
			AccessKeyID:     key,
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			DefaultModel:    cfg.Providers.Bedrock.Model,
		}); err == nil {
			before := rt.providerReg.Len()
			rt.providerReg.Add(ctx, p)
			if rt.providerReg.Len() > before {
				admitted++
			}
		} else {
			logger.Warn("osa: bedrock provider not constructed", "error", err)
		}
	}
	if cfg.Providers.Local.BaseURL != "" {
		if p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       "local",
			BaseURL:      cfg.Providers.Local.BaseURL,
			DefaultModel: cfg.Providers.Local.Model,
		}); err == nil {
			before := rt.providerReg.Len()
			rt.providerReg.Add(ctx, p)
			if rt.providerReg.Len() > before {
				admitted++
			}
			rt.providerReg.WithToolGate("openai", func(model string) bool { return false })
		} else {
			logger.Warn("osa: local provider not constructed", "error", err)
		}
	}
	if admitted == 0 {
		return nil, providerErr("osa: no provider passed its reachability probe (checked %s credentials)", cfg.DefaultProvider)
	}

	rt.toolReg = tools.New(nil)
	workspace := filepath.Join(config.Home(), "workspace")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, configErr("osa: create workspace dir: %w", err)
	}
	if err := tools.RegisterBuiltins(rt.toolReg, tools.BuiltinConfig{Workspace: workspace}); err != nil {
		return nil, configErr("osa: register builtin tools: %w", err)
	}

	rt.hookChain = hooks.NewChain(logger)
	rt.hookChain.Register(hooks.PointPreToolUse, hooks.PrioritySecurity, "security_check", hooks.SecurityCheck())
	budget := hooks.NewBudgetTracker(hooks.BudgetLimits{
		DailyUSD:   cfg.DailyBudgetUSD,
		MonthlyUSD: cfg.MonthlyBudgetUSD,
		PerCallUSD: cfg.PerCallBudgetUSD,
	})
	rt.hookChain.Register(hooks.PointPreToolUse, hooks.PriorityBudget, "budget_tracker", budget.Hook())

	rt.estimator = tokens.New()

	memPath := filepath.Join(config.Home(), "memory.db")
	memStore, err := memory.Open(memPath, func(text string) int { return rt.estimator.Estimate(context.Background(), text) })
	if err != nil {
		return nil, configErr("osa: open memory store: %w", err)
	}
	rt.memStore = memStore

	rt.sessionLog = memory.NewSessionLog(filepath.Join(config.Home(), "sessions"), 200)

	rt.compactor = compaction.New(
		providerSummarizer{reg: rt.providerReg, model: cfg.DefaultModel},
		func(ctx context.Context, text string) int { return rt.estimator.Estimate(ctx, text) },
	)

	rt.noiseFilter = noise.New(nil)

	agentDeps := agent.Deps{
		Providers:   rt.providerReg,
		Tools:       rt.toolReg,
		Hooks:       rt.hookChain,
		Compactor:   rt.compactor,
		NoiseFilter: rt.noiseFilter,
		MemoryStore: rt.memStore,
		SessionLog:  rt.sessionLog,
		Bus:         rt.bus,
		EstimateTokens: func(ctx context.Context, text string) int {
			return rt.estimator.Estimate(ctx, text)
		},
		Bootstrap: loadBootstrapFiles(),
		Logger:    logger,
	}
	agentCfg := agent.Config{
		MaxIterations:          cfg.MaxIterations,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		ContextBudgetTokens:    cfg.MaxTokens,
		DefaultModel:           cfg.DefaultModel,
	}

	factory := func(sessionID, userID string, channel models.ChannelID, history []*models.Message) (sessionregistry.Worker, error) {
		return agent.New(sessionID, userID, channel, history, agentDeps, agentCfg), nil
	}
	rt.sessions = sessionregistry.New(logger, factory, rt.sessionLog.LoadSession)

	var store taskqueue.Store
	if dsn := os.Getenv("OSA_POSTGRES_DSN"); dsn != "" {
		pg, err := taskqueue.NewPostgresStore(ctx, dsn)
		if err != nil {
			logger.Warn("osa: postgres task store unreachable, degrading to in-memory", "error", err)
		} else {
			store = pg
		}
	}
	rt.queue = taskqueue.New(ctx, store, rt.bus, logger)
	rt.queue.StartReaper(ctx)
	rt.onShutdown(rt.queue.Stop)

	rt.planner = planner.New(providerSummarizer{reg: rt.providerReg, model: cfg.DefaultModel}.chatFunc(), logger)

	rt.swarmOrch = swarm.New(swarm.Deps{
		Queue:     rt.queue,
		Planner:   rt.planner,
		Bus:       rt.bus,
		AgentDeps: agentDeps,
		Chat:      rt.providerReg.Chat,
		Logger:    logger,
	}, swarm.Config{})

	rt.dispatcher = cron.MessageDispatcherFunc(func(ctx context.Context, sessionID, text string) error {
		handle, err := rt.sessions.EnsureLoop(sessionID, "", models.ChannelCLI)
		if err != nil {
			return err
		}
		_, err = handle.Process(ctx, rt.sessions, text)
		return err
	})
	rt.triggers = cron.NewTriggerRegistry(rt.dispatcher)

	return rt, nil
}

// chatFunc adapts providerSummarizer to planner.ChatFunc, reusing the same
// provider-registry call the compaction summarizer makes.
func (s providerSummarizer) chatFunc() planner.ChatFunc {
	return func(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error) {
		if opts.Model == "" {
			opts.Model = s.model
		}
		return s.reg.Chat(ctx, messages, opts)
	}
}

// loadBootstrapFiles reads the optional identity/soul/user files from
// $OSA_HOME, matching the teacher's bootstrap file convention. A missing
// file yields an empty string rather than an error.
func loadBootstrapFiles() contextbuilder.BootstrapFiles {
	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(config.Home(), name))
		if err != nil {
			return ""
		}
		return string(data)
	}
	return contextbuilder.BootstrapFiles{
		Identity: read("IDENTITY.md"),
		Soul:     read("SOUL.md"),
		User:     read("USER.md"),
	}
}
