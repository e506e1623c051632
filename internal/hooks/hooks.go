// Package hooks implements the priority-ordered pre/post interceptor chain
// (spec.md §4.15, C15): seven fixed lifecycle points around tool execution,
// response assembly, and compaction, plus the two required built-in hooks
// (security check, budget tracker). Handlers are total — a panicking
// handler is recovered and treated as `continue` with an error log, per
// spec.md's "hooks must be idempotent and total" requirement.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Point is one of the seven fixed lifecycle points a hook may attach to.
type Point string

const (
	PointPreToolUse   Point = "pre_tool_use"
	PointPostToolUse  Point = "post_tool_use"
	PointPreResponse  Point = "pre_response"
	PointPostResponse Point = "post_response"
	PointPreCompact   Point = "pre_compact"
	PointSessionStart Point = "session_start"
	PointSessionEnd   Point = "session_end"
)

// Priority for the two required built-in hooks (spec.md §4.15): lower runs
// first. Security must see a tool call before the budget tracker spends
// anything evaluating it.
const (
	PrioritySecurity Priority = 10
	PriorityBudget   Priority = 20
	PriorityDefault  Priority = 50
)

// Priority determines dispatch order within a Point; lower runs first.
type Priority int

// Event carries whatever context a hook needs to decide. Only the fields
// relevant to the firing Point are populated.
type Event struct {
	Point      Point
	SessionID  string
	ToolName   string
	ToolArgs   []byte
	ToolResult any
	Content    string
	Usage      UsageLevel
	Extra      map[string]any
}

// UsageLevel mirrors compaction.UsageLevel without importing that package,
// keeping hooks dependency-free of the compactor it can veto.
type UsageLevel int

// Outcome is what a hook returns: continue (optionally with a mutated
// context) or block with a user-facing reason.
type Outcome struct {
	Block   bool
	Reason  string
	Context map[string]any
}

// Continue is the zero-value non-blocking outcome.
var Continue = Outcome{}

// Handler is one hook's decision function.
type Handler func(ctx context.Context, event Event) Outcome

type registration struct {
	id       int
	point    Point
	priority Priority
	name     string
	handler  Handler
}

// Chain is the priority-ordered hook registry for one runtime instance.
type Chain struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  int
	byPoint map[Point][]*registration
}

// NewChain constructs an empty hook chain.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger, byPoint: make(map[Point][]*registration)}
}

// Register attaches handler at point with the given priority and name (used
// in logs). Returns an id that Unregister accepts.
func (c *Chain) Register(point Point, priority Priority, name string, handler Handler) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	reg := &registration{id: c.nextID, point: point, priority: priority, name: name, handler: handler}
	c.byPoint[point] = append(c.byPoint[point], reg)
	sort.SliceStable(c.byPoint[point], func(i, j int) bool {
		return c.byPoint[point][i].priority < c.byPoint[point][j].priority
	})
	return reg.id
}

// Unregister removes a previously registered handler by id.
func (c *Chain) Unregister(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for point, regs := range c.byPoint {
		for i, r := range regs {
			if r.id == id {
				c.byPoint[point] = append(regs[:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Run dispatches event through every handler registered at event.Point in
// priority order. The first Block short-circuits the chain. A panicking
// handler is recovered, logged, and treated as Continue.
func (c *Chain) Run(ctx context.Context, event Event) Outcome {
	c.mu.Lock()
	regs := append([]*registration(nil), c.byPoint[event.Point]...)
	c.mu.Unlock()

	for _, r := range regs {
		outcome := c.invoke(ctx, r, event)
		if outcome.Block {
			return outcome
		}
		if outcome.Context != nil {
			if event.Extra == nil {
				event.Extra = map[string]any{}
			}
			for k, v := range outcome.Context {
				event.Extra[k] = v
			}
		}
	}
	return Continue
}

func (c *Chain) invoke(ctx context.Context, r *registration, event Event) (outcome Outcome) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("hook panicked, treating as continue",
				"point", r.point, "hook", r.name, "panic", fmt.Sprintf("%v", p))
			outcome = Continue
		}
	}()
	return r.handler(ctx, event)
}
