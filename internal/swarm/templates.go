package swarm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opensourceagent/osa/pkg/models"
)

// PlanTemplate is a YAML-authored plan a caller hands the orchestrator
// directly, bypassing the LLM-assisted planner (C13) — the swarm/pipeline
// equivalent of the teacher's `multiagent.LoadConfig` YAML agent
// definitions (internal/multiagent/config.go), applied to spec.md §3's
// Plan shape instead of the teacher's handoff-rule agent roster.
type PlanTemplate struct {
	Pattern           models.Pattern           `yaml:"pattern"`
	SynthesisStrategy models.SynthesisStrategy `yaml:"synthesis_strategy"`
	Rationale         string                   `yaml:"rationale"`
	Agents            []PlanTemplateAgent      `yaml:"agents"`
}

// PlanTemplateAgent mirrors models.PlanAgent in YAML form.
type PlanTemplateAgent struct {
	Role models.AgentRole `yaml:"role"`
	Task string           `yaml:"task"`
}

// LoadPlanTemplate reads and validates a YAML plan template from disk,
// enforcing the same closed-set and cardinality invariants spec.md §3
// and §4.13 require of a planner-produced Plan (pattern/strategy/role
// enums, 2 <= |agents| <= maxAgents).
func LoadPlanTemplate(path string, maxAgents int) (models.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Plan{}, fmt.Errorf("swarm: read plan template %s: %w", path, err)
	}

	var tmpl PlanTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return models.Plan{}, fmt.Errorf("swarm: parse plan template %s: %w", path, err)
	}

	plan := models.Plan{
		Pattern:           tmpl.Pattern,
		SynthesisStrategy: tmpl.SynthesisStrategy,
		Rationale:         tmpl.Rationale,
	}
	for _, a := range tmpl.Agents {
		plan.Agents = append(plan.Agents, models.PlanAgent{Role: a.Role, Task: a.Task})
	}
	if plan.SynthesisStrategy == "" {
		plan.SynthesisStrategy = models.DefaultSynthesis[plan.Pattern]
	}

	if err := validatePlanTemplate(plan, maxAgents); err != nil {
		return models.Plan{}, err
	}
	return plan, nil
}

func validatePlanTemplate(plan models.Plan, maxAgents int) error {
	if !validPatterns[plan.Pattern] {
		return fmt.Errorf("swarm: plan template: invalid pattern %q", plan.Pattern)
	}
	if len(plan.Agents) < 2 || len(plan.Agents) > maxAgents {
		return fmt.Errorf("swarm: plan template: agent count %d outside [2, %d]", len(plan.Agents), maxAgents)
	}
	for _, a := range plan.Agents {
		if !models.ValidRoles[a.Role] {
			return fmt.Errorf("swarm: plan template: invalid role %q", a.Role)
		}
		if a.Task == "" {
			return fmt.Errorf("swarm: plan template: agent with role %q has no task", a.Role)
		}
	}
	return nil
}

// LaunchWithPlan runs the orchestrator's wave execution against a
// caller-supplied plan (e.g. one loaded via LoadPlanTemplate), skipping
// the LLM planner entirely. Limits and wave-building are identical to
// Launch.
func (o *Orchestrator) LaunchWithPlan(task string, plan models.Plan) (Status, error) {
	if !validPatterns[plan.Pattern] {
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

	if len(plan.Agents) > o.cfg.MaxAgentsPerSwarm {
		plan.Agents = plan.Agents[:o.cfg.MaxAgentsPerSwarm]
	}

	return o.launchPlan(task, plan)
}
