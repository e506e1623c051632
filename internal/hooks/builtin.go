package hooks

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// dangerousPatterns are the fixed set of shell fragments the security hook
// blocks outright (spec.md §4.15): a fork bomb, destructive deletes, a
// destructive SQL statement, a pipe-to-shell download, and world-writable
// chmod.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+/([\s"';&|]|$)`),
	regexp.MustCompile(`sudo\s+rm\b`),
	regexp.MustCompile(`(?i)drop\s+table\b`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|\s*:\s*&\s*\}\s*;\s*:`), // :(){ :|:& };:
	regexp.MustCompile(`curl[^|\n]*\|\s*sh\b`),
	regexp.MustCompile(`wget[^|\n]*\|\s*sh\b`),
	regexp.MustCompile(`chmod\s+(-R\s+)?777\b`),
}

// SecurityCheck returns the built-in pre_tool_use hook that blocks tool
// calls whose arguments match a dangerous shell fragment (spec.md §4.15,
// priority 10). Argument bytes are scanned as raw text rather than parsed,
// since the dangerous patterns are shell fragments that may appear inside
// any string-valued argument (command, script, path, ...).
func SecurityCheck() Handler {
	return func(ctx context.Context, event Event) Outcome {
		if event.Point != PointPreToolUse {
			return Continue
		}
		haystack := string(event.ToolArgs)
		for _, pattern := range dangerousPatterns {
			if pattern.MatchString(haystack) {
				return Outcome{
					Block:  true,
					Reason: fmt.Sprintf("tool call %q blocked: matched dangerous pattern %q", event.ToolName, pattern.String()),
				}
			}
		}
		return Continue
	}
}

// BudgetLimits are the three ceilings the budget tracker enforces
// (spec.md §6: daily_budget_usd, monthly_budget_usd, per_call_budget_usd).
// A zero value for a field means that ceiling is not enforced.
type BudgetLimits struct {
	DailyUSD   float64
	MonthlyUSD float64
	PerCallUSD float64
}

// BudgetTracker accumulates spend and vetoes tool calls once a configured
// ceiling is exceeded (spec.md §4.15, priority 20). Spend is recorded by
// the caller (typically after a provider call returns token usage costed
// against a price table) via Record; the hook itself only reads state.
type BudgetTracker struct {
	limits BudgetLimits

	mu           sync.Mutex
	dailySpent   float64
	monthlySpent float64
	dailyReset   time.Time
	monthlyReset time.Time
	nextCallCost float64
}

// NewBudgetTracker constructs a tracker enforcing limits.
func NewBudgetTracker(limits BudgetLimits) *BudgetTracker {
	now := time.Now()
	return &BudgetTracker{
		limits:       limits,
		dailyReset:   endOfDay(now),
		monthlyReset: endOfMonth(now),
	}
}

// Record adds costUSD to the running daily/monthly totals, rolling over
// either window if its reset time has passed.
func (b *BudgetTracker) Record(costUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover(time.Now())
	b.dailySpent += costUSD
	b.monthlySpent += costUSD
}

// SetNextCallCost informs the tracker of the estimated cost of the call the
// next pre_tool_use hook invocation is gating, so per_call_budget_usd can
// be checked before the call is made rather than only after the fact.
func (b *BudgetTracker) SetNextCallCost(costUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextCallCost = costUSD
}

func (b *BudgetTracker) rollover(now time.Time) {
	if !now.Before(b.dailyReset) {
		b.dailySpent = 0
		b.dailyReset = endOfDay(now)
	}
	if !now.Before(b.monthlyReset) {
		b.monthlySpent = 0
		b.monthlyReset = endOfMonth(now)
	}
}

// Hook returns the pre_tool_use handler that vetoes execution once any
// configured ceiling has been reached.
func (b *BudgetTracker) Hook() Handler {
	return func(ctx context.Context, event Event) Outcome {
		if event.Point != PointPreToolUse {
			return Continue
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		b.rollover(time.Now())

		if b.limits.PerCallUSD > 0 && b.nextCallCost > b.limits.PerCallUSD {
			return Outcome{Block: true, Reason: "per-call budget exceeded"}
		}
		if b.limits.DailyUSD > 0 && b.dailySpent >= b.limits.DailyUSD {
			return Outcome{Block: true, Reason: "daily budget exceeded"}
		}
		if b.limits.MonthlyUSD > 0 && b.monthlySpent >= b.limits.MonthlyUSD {
			return Outcome{Block: true, Reason: "monthly budget exceeded"}
		}
		return Continue
	}
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}

func endOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
}

// IsRetrySafe reports whether a tool's name is declared retry-safe for the
// "retry once on transient tool_error" recovery policy (spec.md §7). Tools
// opt in by name; the set is intentionally small since retrying a
// side-effectful tool is only safe when the tool is known idempotent.
func IsRetrySafe(name string, retrySafe []string) bool {
	for _, n := range retrySafe {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
