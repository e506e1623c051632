package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/opensourceagent/osa/pkg/models"
)

// Zone thresholds, per spec.md §4.3.
const (
	HotWindow  = 10 // last N messages kept verbatim
	WarmWindow = 30 // messages 11..30 back, summarized per-role
	// everything older than WarmWindow is COLD.

	warmSummaryTokenBudget = 400
	coldDigestTokenBudget  = 512
)

// UsageLevel classifies how full the context window is against its budget.
type UsageLevel int

const (
	UsageNormal UsageLevel = iota
	UsageWarn             // >= 80%, target 70%
	UsageAggressive       // >= 85%, target 60%
	UsageEmergency        // >= 95%, target 50%
)

// usageThreshold and usageTarget implement the three staged thresholds from
// spec.md §4.3: the point at which compaction engages, and how far back down
// it must bring usage.
func usageThreshold(level UsageLevel) float64 {
	switch level {
	case UsageEmergency:
		return 0.95
	case UsageAggressive:
		return 0.85
	case UsageWarn:
		return 0.80
	default:
		return 0
	}
}

func usageTarget(level UsageLevel) float64 {
	switch level {
	case UsageEmergency:
		return 0.50
	case UsageAggressive:
		return 0.60
	case UsageWarn:
		return 0.70
	default:
		return 1
	}
}

// ClassifyUsage returns the highest staged level whose threshold the ratio
// meets or exceeds.
func ClassifyUsage(usedTokens, budgetTokens int) UsageLevel {
	if budgetTokens <= 0 {
		return UsageNormal
	}
	ratio := float64(usedTokens) / float64(budgetTokens)
	switch {
	case ratio >= usageThreshold(UsageEmergency):
		return UsageEmergency
	case ratio >= usageThreshold(UsageAggressive):
		return UsageAggressive
	case ratio >= usageThreshold(UsageWarn):
		return UsageWarn
	default:
		return UsageNormal
	}
}

// Estimator sizes a message in tokens. Implemented by *tokens.Estimator in
// production; a closure in tests.
type Estimator func(ctx context.Context, text string) int

// Compactor implements the three-zone progressive compaction pipeline.
type Compactor struct {
	summarizer Summarizer
	estimate   Estimator
	// PreCompact is invoked before a compaction run begins; returning false
	// vetoes the run entirely (the pre_compact hook, C15).
	PreCompact func(ctx context.Context, sessionID string, level UsageLevel) bool
}

// New constructs a Compactor. summarizer may be nil, in which case WARM and
// COLD zones fall back to deterministic digests instead of LLM summaries.
func New(summarizer Summarizer, estimate Estimator) *Compactor {
	return &Compactor{summarizer: summarizer, estimate: estimate}
}

// Plan is a proposed compaction outcome: the resulting message list, the
// usage level that triggered it, and whether a pre_compact hook vetoed it.
type Plan struct {
	Messages []*models.Message
	Level    UsageLevel
	// Vetoed is true when a pre_compact hook blocked the run; Messages then
	// equals the unmodified input.
	Vetoed bool
}

// Compact runs the five-step compaction pipeline (spec.md §4.3):
//  1. strip tool-call arguments to bare identifiers
//  2. merge consecutive same-role messages
//  3. summarize the WARM zone
//  4. compress the COLD zone to a digest
//  5. if still over the target budget, emergency-truncate
//
// Safety invariants (spec.md §8): compact(nil) == nil, compact([]) == [],
// below the warn threshold the input returns unchanged (idempotent), and a
// compaction run never raises token usage.
func (c *Compactor) Compact(ctx context.Context, sessionID string, messages []*models.Message, budgetTokens int) (*Plan, error) {
	if messages == nil {
		return &Plan{Messages: nil}, nil
	}
	if len(messages) == 0 {
		return &Plan{Messages: []*models.Message{}}, nil
	}

	used := c.totalTokens(ctx, messages)
	level := ClassifyUsage(used, budgetTokens)
	if level == UsageNormal {
		return &Plan{Messages: messages, Level: level}, nil
	}

	if c.PreCompact != nil && !c.PreCompact(ctx, sessionID, level) {
		return &Plan{Messages: messages, Level: level, Vetoed: true}, nil
	}

	hot, warm, cold := splitZones(messages)

	// Step 1: strip tool-call arguments to identifiers (applies everywhere,
	// HOT included — arguments are rarely useful once a result exists).
	hot = stripToolArgs(hot)
	warm = stripToolArgs(warm)
	cold = stripToolArgs(cold)

	// Step 2: merge consecutive same-role messages in WARM and COLD, zone by
	// zone so ordering across zone boundaries is preserved. HOT messages are
	// kept as separate entries.
	warm = mergeConsecutive(warm)
	cold = mergeConsecutive(cold)

	// Step 3: summarize WARM, weighted by importance.
	warmSummary, err := c.summarizeWarm(ctx, warm)
	if err != nil {
		return nil, fmt.Errorf("compaction: summarizing warm zone: %w", err)
	}

	// Step 4: compress COLD to a digest.
	coldDigest := c.digestCold(ctx, cold)

	result := make([]*models.Message, 0, len(hot)+2)
	if coldDigest != "" {
		result = append(result, &models.Message{
			SessionID: sessionID,
			Role:      models.RoleSystem,
			Content:   "Earlier conversation digest:\n" + coldDigest,
		})
	}
	if warmSummary != "" {
		result = append(result, &models.Message{
			SessionID: sessionID,
			Role:      models.RoleSystem,
			Content:   "Recent history summary:\n" + warmSummary,
		})
	}
	result = append(result, hot...)

	// Step 5: if still over the staged target, emergency-truncate oldest
	// surviving entries first (but never the most recent HotWindow/2).
	target := int(float64(budgetTokens) * usageTarget(level))
	result = c.emergencyTruncate(ctx, result, target)

	return &Plan{Messages: result, Level: level}, nil
}

func splitZones(messages []*models.Message) (hot, warm, cold []*models.Message) {
	n := len(messages)
	hotStart := n - HotWindow
	if hotStart < 0 {
		hotStart = 0
	}
	warmStart := n - WarmWindow
	if warmStart < 0 {
		warmStart = 0
	}
	if warmStart > hotStart {
		warmStart = hotStart
	}

	cold = append(cold, messages[:warmStart]...)
	warm = append(warm, messages[warmStart:hotStart]...)
	hot = append(hot, messages[hotStart:]...)
	return hot, warm, cold
}

// stripToolArgs reduces every ToolCall to its ID and Name, dropping the
// Input argument payload (expensive in tokens and rarely re-read by the
// model) while preserving the tool name for context.
func stripToolArgs(messages []*models.Message) []*models.Message {
	out := make([]*models.Message, len(messages))
	for i, msg := range messages {
		if msg == nil || len(msg.ToolCalls) == 0 {
			out[i] = msg
			continue
		}
		clone := *msg
		clone.ToolCalls = make([]models.ToolCall, len(msg.ToolCalls))
		for j, tc := range msg.ToolCalls {
			clone.ToolCalls[j] = models.ToolCall{ID: tc.ID, Name: tc.Name}
		}
		out[i] = &clone
	}
	return out
}

func mergeConsecutive(messages []*models.Message) []*models.Message {
	if len(messages) == 0 {
		return messages
	}
	out := make([]*models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == msg.Role && len(msg.ToolCalls) == 0 && out[n-1].ToolCallID == "" && msg.ToolCallID == "" {
			merged := *out[n-1]
			merged.Content = merged.Content + "\n\n" + msg.Content
			out[n-1] = &merged
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (c *Compactor) summarizeWarm(ctx context.Context, warm []*models.Message) (string, error) {
	if len(warm) == 0 {
		return "", nil
	}
	weighted := weightByImportance(warm)
	if c.summarizer != nil {
		return SummarizeChunks(ctx, weighted, c.summarizer, warmSummaryTokenBudget, c.messageEstimate(ctx))
	}
	return truncate(FormatForDigest(weighted), warmSummaryTokenBudget*4), nil
}

func (c *Compactor) digestCold(ctx context.Context, cold []*models.Message) string {
	if len(cold) == 0 {
		return ""
	}
	weighted := weightByImportance(cold)
	if c.summarizer != nil {
		if s, err := SummarizeChunks(ctx, weighted, c.summarizer, coldDigestTokenBudget, c.messageEstimate(ctx)); err == nil {
			return s
		}
	}
	return truncate(FormatForDigest(weighted), coldDigestTokenBudget*4)
}

// weightByImportance reorders nothing (chronology must survive into a
// summary) but drops bare acknowledgement-only messages from the zone,
// whatever the zone's size. No other importance weighting is applied: tool
// calls, tool results, and high-signal messages are kept like any other
// message.
func weightByImportance(messages []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(messages))
	for _, msg := range messages {
		if isBareAcknowledgement(msg) {
			continue
		}
		out = append(out, msg)
	}
	if len(out) == 0 {
		// Never drop everything; an all-acknowledgement zone still summarizes
		// to "nothing of substance happened".
		return messages
	}
	return out
}

func isBareAcknowledgement(msg *models.Message) bool {
	if msg == nil || len(msg.ToolCalls) > 0 || msg.ToolCallID != "" {
		return false
	}
	content := strings.ToLower(strings.TrimSpace(msg.Content))
	switch content {
	case "ok", "okay", "thanks", "thank you", "got it", "sounds good", "sure", "yep", "ack":
		return true
	default:
		return false
	}
}

func (c *Compactor) emergencyTruncate(ctx context.Context, messages []*models.Message, target int) []*models.Message {
	if target <= 0 {
		return messages
	}
	if c.totalTokens(ctx, messages) <= target {
		return messages
	}

	// Never truncate below the freshest half of the HOT window; truncation
	// removes from the front (oldest survivors: digest/summary messages,
	// then the earliest HOT entries) until the target is met or that floor
	// is reached.
	floor := HotWindow / 2
	for len(messages) > floor && c.totalTokens(ctx, messages) > target {
		messages = messages[1:]
	}
	return messages
}

func (c *Compactor) totalTokens(ctx context.Context, messages []*models.Message) int {
	total := 0
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		total += c.estimate(ctx, msg.Content)
	}
	return total
}

func (c *Compactor) messageEstimate(ctx context.Context) func(*models.Message) int {
	return func(m *models.Message) int {
		if m == nil {
			return 0
		}
		return c.estimate(ctx, m.Content)
	}
}
