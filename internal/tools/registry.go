package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"codemap/internal/llm"
)

// ToolSpec documents a tool's contract. IdempotentListing marks read-only
// listing tools whose repeated identical calls can be answered from cache
// within one loop invocation.
type ToolSpec struct {
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	InputSchema       json.RawMessage `json:"input_schema,omitempty"`
	IdempotentListing bool            `json:"idempotent_listing,omitempty"`
}

// Tool is a minimal in-process tool. External registries satisfying this
// contract plug in the same way as builtins; callers never depend on which
// variant they hold.
type Tool interface {
	Spec() ToolSpec
	Call(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Registry holds tool registrations and dispatches calls.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry and registers any provided tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: map[string]Tool{}}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool by name. Nil tools and tools without a
// name are ignored.
func (r *Registry) Register(t Tool) {
	if r == nil || t == nil {
		return
	}
	name := t.Spec().Name
	if name == "" {
		return
	}
	r.mu.Lock()
	if r.tools == nil {
		r.tools = map[string]Tool{}
	}
	r.tools[name] = t
	r.mu.Unlock()
}

// Call invokes a registered tool by name.
func (r *Registry) Call(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	if r == nil {
		return nil, fmt.Errorf("tools: registry is nil")
	}
	r.mu.RLock()
	t := r.tools[name]
	r.mu.RUnlock()
	if t == nil {
		return nil, fmt.Errorf("tools: unknown tool %q", name)
	}
	return t.Call(ctx, input)
}

// Spec returns the spec for one tool.
func (r *Registry) Spec(name string) (ToolSpec, bool) {
	if r == nil {
		return ToolSpec{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return ToolSpec{}, false
	}
	return t.Spec(), true
}

// Specs returns the current tool specs sorted by name.
func (r *Registry) Specs() []ToolSpec {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Spec())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Decls converts the registered specs into session tool declarations.
func (r *Registry) Decls() []llm.ToolDecl {
	specs := r.Specs()
	out := make([]llm.ToolDecl, 0, len(specs))
	for _, s := range specs {
		out = append(out, llm.ToolDecl{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema})
	}
	return out
}
