package orchestrate

import (
	"context"
	"encoding/json"
)

// ToolResult is the outcome of a single tool invocation: either a successful
// text result or a recoverable retry reason.
type ToolResult struct {
	OK    string
	Retry string
}

// Succeeded reports whether the invocation produced an ok result rather
// than a retry.
func (r ToolResult) Succeeded() bool { return r.Retry == "" }

// ToolInvoker executes one tool call. Implementations must be
// cancellation-aware: if ctx is done before the call can be abandoned
// cleanly, the invoker should still return promptly with a retry reason.
type ToolInvoker func(ctx context.Context, args json.RawMessage) (ToolResult, error)

// ToolSpec describes one registered tool: its name, whether it is safe to
// batch and run concurrently with siblings, and how to invoke it.
type ToolSpec struct {
	Name     string
	ReadOnly bool
	Invoke   ToolInvoker
	Timeout  func() (timeoutSeconds int) // optional; 0 or nil means no per-call timeout
}

// ToolRegistry exposes the tools available to a request: their names,
// whether each is safe to batch concurrently with siblings, and how to
// invoke them.
type ToolRegistry interface {
	ListTools() []ToolSpec
	Lookup(name string) (ToolSpec, bool)
}

// staticRegistry is the straightforward ToolRegistry backing most requests:
// a fixed slice of ToolSpec built once per request from the caller's tool
// set.
type staticRegistry struct {
	byName map[string]ToolSpec
	order  []string
}

// NewStaticRegistry builds a ToolRegistry from an explicit list of specs,
// preserving the given order for ListTools.
func NewStaticRegistry(specs []ToolSpec) ToolRegistry {
	r := &staticRegistry{byName: make(map[string]ToolSpec, len(specs))}
	for _, s := range specs {
		if _, dup := r.byName[s.Name]; dup {
			continue
		}
		r.byName[s.Name] = s
		r.order = append(r.order, s.Name)
	}
	return r
}

func (r *staticRegistry) ListTools() []ToolSpec {
	out := make([]ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

func (r *staticRegistry) Lookup(name string) (ToolSpec, bool) {
	s, ok := r.byName[name]
	return s, ok
}
