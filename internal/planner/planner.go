// Package planner implements the LLM-assisted task decomposition
// (spec.md §4.13, C13): a strict-JSON prompt against the provider
// registry, markdown-fence stripping, first-JSON-object extraction from
// surrounding prose, schema validation, and a safe fallback plan on any
// failure. Decompose must never raise (spec.md §8 property 9).
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opensourceagent/osa/pkg/models"
)

// DefaultMaxAgents bounds |agents| when the caller does not specify one.
const DefaultMaxAgents = 6

// MaxAgentsCeiling is the hard ceiling spec.md §4.14 sets for swarm size.
const MaxAgentsCeiling = 10

// ChatFunc is the subset of the provider registry's Chat method the
// planner needs. Decoupled here so this package does not import
// internal/providers.
type ChatFunc func(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (*models.CompletionResult, error)

// Planner decomposes a task description into a Plan via an LLM call.
type Planner struct {
	chat   ChatFunc
	logger *slog.Logger
}

// New constructs a Planner that calls chat to perform decomposition.
func New(chat ChatFunc, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{chat: chat, logger: logger}
}

var (
	schemaOnce sync.Once
	schemaText string
)

// planSchemaText renders the Plan struct's JSON Schema once, for embedding
// in the decomposition prompt (grounded on the teacher's
// internal/config/schema.go reflector-based schema generation).
func planSchemaText() string {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{}
		schema := r.Reflect(&models.Plan{})
		b, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			schemaText = "{}"
			return
		}
		schemaText = string(b)
	})
	return schemaText
}

const decomposePromptTemplate = `Decompose the following task into a multi-agent execution plan.

Task: %s

Respond with ONLY a single JSON object matching this schema, no prose, no markdown fences:
%s

Constraints:
- pattern must be one of: parallel, pipeline, debate, review
- synthesis_strategy must be one of: merge, vote, chain
- agents must have between 2 and %d entries
- each agent's role must be one of: researcher, coder, reviewer, planner, critic, writer, tester, architect`

// Decompose builds a decomposition prompt, calls the provider, and
// validates the result. On any failure — provider error, malformed JSON,
// schema violation — it logs a warning and returns the 2-agent parallel
// fallback plan. Decompose never returns an error and never panics.
func (p *Planner) Decompose(ctx context.Context, taskDescription string, maxAgents int) models.Plan {
	if maxAgents <= 0 {
		maxAgents = DefaultMaxAgents
	}
	if maxAgents > MaxAgentsCeiling {
		maxAgents = MaxAgentsCeiling
	}

	plan, err := p.decomposeOnce(ctx, taskDescription, maxAgents)
	if err != nil {
		p.logger.Warn("planner: decomposition failed, using fallback plan", "error", err)
		return FallbackPlan(taskDescription)
	}
	return plan
}

func (p *Planner) decomposeOnce(ctx context.Context, taskDescription string, maxAgents int) (models.Plan, error) {
	if p.chat == nil {
		return models.Plan{}, fmt.Errorf("planner: no chat function configured")
	}

	prompt := fmt.Sprintf(decomposePromptTemplate, taskDescription, planSchemaText(), maxAgents)
	result, err := p.chat(ctx, []models.Message{{Role: models.RoleUser, Content: prompt}}, models.CompletionOptions{})
	if err != nil {
		return models.Plan{}, fmt.Errorf("provider call: %w", err)
	}

	raw, err := extractJSONObject(result.Content)
	if err != nil {
		return models.Plan{}, err
	}

	var plan models.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return models.Plan{}, fmt.Errorf("decode plan: %w", err)
	}

	if plan.SynthesisStrategy == "" {
		plan.SynthesisStrategy = models.DefaultSynthesis[plan.Pattern]
	}

	if err := validatePlan(plan, maxAgents); err != nil {
		return models.Plan{}, err
	}
	return plan, nil
}

// extractJSONObject strips common markdown code-fence wrappers and returns
// the first balanced {...} object found in text, tolerating surrounding
// prose (spec.md §4.13).
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in response")
}

var planValidator *jsonschemav5.Schema

func init() {
	compiler := jsonschemav5.NewCompiler()
	schema := map[string]any{
		"type":     "object",
		"required": []string{"pattern", "agents", "synthesis_strategy"},
		"properties": map[string]any{
			"pattern":            map[string]any{"enum": []string{"parallel", "pipeline", "debate", "review"}},
			"synthesis_strategy": map[string]any{"enum": []string{"merge", "vote", "chain"}},
			"agents": map[string]any{
				"type":     "array",
				"minItems": 2,
				"items": map[string]any{
					"type":     "object",
					"required": []string{"role", "task"},
					"properties": map[string]any{
						"role": map[string]any{"enum": []string{
							"researcher", "coder", "reviewer", "planner", "critic", "writer", "tester", "architect",
						}},
						"task": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
	b, _ := json.Marshal(schema)
	_ = compiler.AddResource("plan://decompose", strings.NewReader(string(b)))
	planValidator, _ = compiler.Compile("plan://decompose")
}

func validatePlan(plan models.Plan, maxAgents int) error {
	if len(plan.Agents) > maxAgents {
		return fmt.Errorf("plan has %d agents, exceeds max %d", len(plan.Agents), maxAgents)
	}
	b, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("re-encode plan for validation: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if planValidator == nil {
		return fmt.Errorf("planner: validator not initialized")
	}
	return planValidator.Validate(v)
}

// FallbackPlan is the safe 2-agent parallel plan returned whenever
// decomposition cannot produce a valid result (spec.md §4.13).
func FallbackPlan(taskDescription string) models.Plan {
	return models.Plan{
		Pattern: models.PatternParallel,
		Agents: []models.PlanAgent{
			{Role: models.RoleResearcher, Task: "Research: " + taskDescription},
			{Role: models.RoleWriter, Task: "Write a complete answer for: " + taskDescription},
		},
		SynthesisStrategy: models.SynthesisMerge,
		Rationale:         "fallback plan: decomposition failed or produced an invalid plan",
	}
}
