// Package tools implements the content-addressable tool registry
// (spec.md §4.8, C8): lock-free snapshot reads, JSON-schema generation and
// validation, and security-hook-gated dispatch.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opensourceagent/osa/pkg/models"
)

// MaxToolNameLength and MaxArgsSize bound registry inputs against resource
// exhaustion, mirroring the teacher's tool registry limits.
const (
	MaxToolNameLength = 256
	MaxArgsSize       = 10 << 20
)

// SecurityHook is invoked before a handler runs and may veto execution
// (the pre_tool_use hook, C15). Returning a non-empty reason blocks the
// call.
type SecurityHook func(ctx context.Context, call models.ToolCall) (blockReason string)

type compiledTool struct {
	descriptor models.ToolDescriptor
	schema     *jsonschema.Schema
}

type snapshot struct {
	byName map[string]*compiledTool
	names  []string // snapshot order, for listing
}

// Registry is the process-wide tool registry. Reads (ListToolsDirect, Dispatch) are
// lock-free snapshot reads of an atomic.Pointer swapped on every mutation;
// writes (Register/Unregister) are serialized by mu.
type Registry struct {
	mu       sync.Mutex
	current  atomic.Pointer[snapshot]
	security SecurityHook
}

// New constructs an empty Registry. security may be nil to disable the
// pre-dispatch veto hook (tests, or a deployment with hooks disabled).
func New(security SecurityHook) *Registry {
	r := &Registry{security: security}
	r.current.Store(&snapshot{byName: make(map[string]*compiledTool)})
	return r
}

// Register compiles the tool's schema and atomically swaps it into the
// live snapshot, replacing any existing tool of the same name.
func (r *Registry) Register(desc models.ToolDescriptor) error {
	if len(desc.Name) == 0 || len(desc.Name) > MaxToolNameLength {
		return fmt.Errorf("tools: invalid tool name %q", desc.Name)
	}
	if desc.Handler == nil {
		return fmt.Errorf("tools: tool %q has no handler", desc.Name)
	}

	compiled, err := compileSchema(desc.Name, desc.Schema)
	if err != nil {
		return fmt.Errorf("tools: compiling schema for %q: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	next := &snapshot{byName: make(map[string]*compiledTool, len(old.byName)+1)}
	for k, v := range old.byName {
		next.byName[k] = v
	}
	_, existed := next.byName[desc.Name]
	next.byName[desc.Name] = &compiledTool{descriptor: desc, schema: compiled}

	next.names = make([]string, 0, len(next.byName))
	if existed {
		for _, n := range old.names {
			next.names = append(next.names, n)
		}
	} else {
		next.names = append(append([]string{}, old.names...), desc.Name)
	}

	r.current.Store(next)
	return nil
}

// Unregister atomically removes a tool by name. A no-op if absent.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	if _, ok := old.byName[name]; !ok {
		return
	}

	next := &snapshot{byName: make(map[string]*compiledTool, len(old.byName)-1)}
	for k, v := range old.byName {
		if k == name {
			continue
		}
		next.byName[k] = v
	}
	for _, n := range old.names {
		if n != name {
			next.names = append(next.names, n)
		}
	}
	r.current.Store(next)
}

// ListToolsDirect is the lock-free snapshot read used on every agent
// iteration (spec.md §4.8).
func (r *Registry) ListToolsDirect() []models.ToolDescriptor {
	snap := r.current.Load()
	out := make([]models.ToolDescriptor, 0, len(snap.names))
	for _, name := range snap.names {
		out = append(out, snap.byName[name].descriptor)
	}
	return out
}

// DispatchResult is the outcome of Dispatch: exactly one of Value or Error
// is meaningful, matching spec.md §4.8's `{ok, value}` / `{error, reason}`.
type DispatchResult struct {
	OK      bool
	Value   any
	Error   string
	Blocked bool
}

// Dispatch looks up a tool call by name verbatim (no parameter parsing of
// the name), validates arguments against the compiled schema, runs the
// security hook, then invokes the handler.
func (r *Registry) Dispatch(ctx context.Context, call models.ToolCall) DispatchResult {
	if len(call.Input) > MaxArgsSize {
		return DispatchResult{Error: "tool arguments exceed maximum size"}
	}

	snap := r.current.Load()
	tool, ok := snap.byName[call.Name]
	if !ok {
		return DispatchResult{Error: "tool not found: " + call.Name}
	}

	if tool.schema != nil && len(call.Input) > 0 {
		var v any
		if err := json.Unmarshal(call.Input, &v); err != nil {
			return DispatchResult{Error: fmt.Sprintf("invalid arguments JSON: %v", err)}
		}
		if err := tool.schema.Validate(v); err != nil {
			return DispatchResult{Error: fmt.Sprintf("arguments failed schema validation: %v", err)}
		}
	}

	if r.security != nil {
		if reason := r.security(ctx, call); reason != "" {
			return DispatchResult{Error: reason, Blocked: true}
		}
	}

	value, err := tool.descriptor.Handler(ctx, call.Input)
	if err != nil {
		return DispatchResult{Error: err.Error()}
	}
	return DispatchResult{OK: true, Value: value}
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	resourceName := "tool://" + name
	if err := compiler.AddResource(resourceName, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(resourceName)
}
