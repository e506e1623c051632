package models

// Pattern is one of the four fixed swarm execution shapes.
type Pattern string

const (
	PatternParallel Pattern = "parallel"
	PatternPipeline Pattern = "pipeline"
	PatternDebate   Pattern = "debate"
	PatternReview   Pattern = "review"
)

// SynthesisStrategy combines wave results into a final answer.
type SynthesisStrategy string

const (
	SynthesisMerge SynthesisStrategy = "merge"
	SynthesisVote  SynthesisStrategy = "vote"
	SynthesisChain SynthesisStrategy = "chain"
)

// DefaultSynthesis maps each pattern to its default strategy (spec.md §3,
// Plan invariants).
var DefaultSynthesis = map[Pattern]SynthesisStrategy{
	PatternParallel: SynthesisMerge,
	PatternPipeline: SynthesisChain,
	PatternDebate:   SynthesisVote,
	PatternReview:   SynthesisChain,
}

// AgentRole is drawn from a closed set.
type AgentRole string

const (
	RoleResearcher AgentRole = "researcher"
	RoleCoder      AgentRole = "coder"
	RoleReviewer   AgentRole = "reviewer"
	RolePlanner    AgentRole = "planner"
	RoleCritic     AgentRole = "critic"
	RoleWriter     AgentRole = "writer"
	RoleTester     AgentRole = "tester"
	RoleArchitect  AgentRole = "architect"
)

// ValidRoles enumerates the closed role set for plan validation.
var ValidRoles = map[AgentRole]bool{
	RoleResearcher: true, RoleCoder: true, RoleReviewer: true, RolePlanner: true,
	RoleCritic: true, RoleWriter: true, RoleTester: true, RoleArchitect: true,
}

// PlanAgent is one participant task within a Plan.
type PlanAgent struct {
	Role AgentRole `json:"role" jsonschema:"required,enum=researcher,enum=coder,enum=reviewer,enum=planner,enum=critic,enum=writer,enum=tester,enum=architect"`
	Task string    `json:"task" jsonschema:"required"`
}

// Plan is the planner's output: a decomposition of a task description into
// a pattern, an ordered set of agent sub-tasks, and a synthesis strategy
// (spec.md §3, Plan).
type Plan struct {
	Pattern            Pattern           `json:"pattern" jsonschema:"required,enum=parallel,enum=pipeline,enum=debate,enum=review"`
	Agents             []PlanAgent       `json:"agents" jsonschema:"required,minItems=2"`
	SynthesisStrategy  SynthesisStrategy `json:"synthesis_strategy" jsonschema:"required,enum=merge,enum=vote,enum=chain"`
	Rationale          string            `json:"rationale,omitempty"`
}
