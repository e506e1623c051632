// Package contextbuilder assembles the system message prepended to every
// conversation (spec.md §4.4, C4): a fixed seven-part order, four priority
// tiers for token budgeting, and a security guardrail that must survive any
// truncation.
package contextbuilder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opensourceagent/osa/pkg/models"
)

// Tier is the token-budgeting priority of an assembled section. Higher
// tiers survive truncation first. Truncation drops whole sections tier by
// tier; no per-tier share of the budget is enforced.
type Tier int

const (
	TierCritical Tier = iota // never truncated
	TierHigh                 // dropped last, after MEDIUM
	TierMedium                // dropped after LOW
	TierLow                   // dropped first
)

type section struct {
	tier    Tier
	content string
}

// BootstrapFiles holds the optional on-disk identity/personality/user-
// preference files read from $OSA_HOME (mirrors the teacher's bootstrap
// file convention).
type BootstrapFiles struct {
	Identity string
	Soul     string
	User     string
}

// Skill is a one-line description of an active skill, listed by name.
type Skill struct {
	Name        string
	Description string
}

// Runtime captures the per-request facts placed in the final block.
type Runtime struct {
	Timestamp time.Time
	Channel   models.ChannelID
	SessionID string
	Provider  string
	Model     string
}

// Input bundles everything the assembler needs to build one system message.
type Input struct {
	Bootstrap        BootstrapFiles
	MemoryDigest     string // from C7 recall_relevant
	MachineAddendum  string // per-host activated-skill-set preamble
	ActiveSkills     []Skill
	Signal           *models.Signal // optional; nil omits the signal block
	Runtime          Runtime
	MaxTokens        int
	EstimateTokens   func(text string) int
}

// identityBlock is the static CRITICAL-tier section naming the agent and
// its loop semantics.
const identityBlock = `You are the osa agent. You operate a bounded ReAct loop: classify the message, decide whether to act, call tools when needed, and produce a final answer. You run one iteration at a time and must make forward progress every iteration.`

// Assemble builds the system message per the fixed seven-part order,
// applying the priority-tier truncation described in spec.md §4.4.
func Assemble(ctx context.Context, in Input) string {
	sections := buildSections(in)
	if in.MaxTokens > 0 && in.EstimateTokens != nil {
		sections = truncateToBudget(sections, in.MaxTokens, in.EstimateTokens)
	}

	var parts []string
	for _, s := range sections {
		if strings.TrimSpace(s.content) == "" {
			continue
		}
		parts = append(parts, s.content)
	}
	return strings.Join(parts, "\n---\n")
}

func buildSections(in Input) []section {
	var sections []section

	// 1. Identity block (CRITICAL).
	sections = append(sections, section{tier: TierCritical, content: identityBlock})

	// Security guardrail travels with identity — CRITICAL, never truncated.
	sections = append(sections, section{tier: TierCritical, content: SecurityGuardrail})

	// 2. Bootstrap files.
	if in.Bootstrap.Identity != "" {
		sections = append(sections, section{tier: TierCritical, content: in.Bootstrap.Identity})
	}
	if in.Bootstrap.Soul != "" {
		sections = append(sections, section{tier: TierHigh, content: in.Bootstrap.Soul})
	}
	if in.Bootstrap.User != "" {
		sections = append(sections, section{tier: TierHigh, content: in.Bootstrap.User})
	}

	// 3. Long-term memory digest.
	if in.MemoryDigest != "" {
		sections = append(sections, section{tier: TierMedium, content: in.MemoryDigest})
	}

	// 4. Machine addendums.
	if in.MachineAddendum != "" {
		sections = append(sections, section{tier: TierLow, content: in.MachineAddendum})
	}

	// 5. Active skill docs.
	if len(in.ActiveSkills) > 0 {
		var sb strings.Builder
		sb.WriteString("Active skills:\n")
		for _, s := range in.ActiveSkills {
			fmt.Fprintf(&sb, "- %s: %s\n", s.Name, s.Description)
		}
		sections = append(sections, section{tier: TierMedium, content: sb.String()})
	}

	// 6. Optional signal classification block.
	if in.Signal != nil {
		content := fmt.Sprintf("Signal: mode=%s genre=%s type=%s format=%s weight=%.2f",
			in.Signal.Mode, in.Signal.Genre, in.Signal.Type, in.Signal.Format, in.Signal.Weight)
		sections = append(sections, section{tier: TierCritical, content: content})
	}

	// 7. Runtime block.
	runtime := fmt.Sprintf("Runtime: ts=%s channel=%s session=%s provider=%s model=%s",
		in.Runtime.Timestamp.UTC().Format(time.RFC3339), in.Runtime.Channel, in.Runtime.SessionID,
		in.Runtime.Provider, in.Runtime.Model)
	sections = append(sections, section{tier: TierHigh, content: runtime})

	return sections
}

// truncateToBudget drops whole LOW, then MEDIUM, then HIGH tier sections
// (last section of a tier first) until the estimated total fits within
// maxTokens.
// CRITICAL sections are never truncated, per spec.md §4.4.
func truncateToBudget(sections []section, maxTokens int, estimate func(string) int) []section {
	total := func(secs []section) int {
		sum := 0
		for _, s := range secs {
			sum += estimate(s.content)
		}
		return sum
	}

	if total(sections) <= maxTokens {
		return sections
	}

	for _, tier := range []Tier{TierLow, TierMedium, TierHigh} {
		for total(sections) > maxTokens {
			idx := lastIndexOfTier(sections, tier)
			if idx < 0 {
				break
			}
			sections = append(sections[:idx], sections[idx+1:]...)
		}
		if total(sections) <= maxTokens {
			break
		}
	}
	return sections
}

func lastIndexOfTier(sections []section, tier Tier) int {
	for i := len(sections) - 1; i >= 0; i-- {
		if sections[i].tier == tier {
			return i
		}
	}
	return -1
}
