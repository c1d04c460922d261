// Package tools defines the generic tool-invocation interface the engine
// executes steps through, and a registry dispatching tool names to their
// providers.
package tools

import (
	"context"
	"fmt"
	"sync"
)

// Invoker executes one named external capability. Implementations wrap
// concrete collaborators (version control, issue tracker, cluster,
// monitoring clients); the engine depends only on this signature.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args map[string]string) (string, error)
}

// Func adapts a plain function to Invoker.
type Func func(ctx context.Context, tool string, args map[string]string) (string, error)

func (f Func) Invoke(ctx context.Context, tool string, args map[string]string) (string, error) {
	return f(ctx, tool, args)
}

// Registry routes tool names to their providers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// Register binds a tool name to a provider, replacing any previous binding.
func (r *Registry) Register(name string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[name] = inv
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.invokers))
	for name := range r.invokers {
		names = append(names, name)
	}
	return names
}

// Invoke dispatches to the provider registered for the tool. An unknown
// tool is a validation-class failure, worded so the classifier maps it.
func (r *Registry) Invoke(ctx context.Context, tool string, args map[string]string) (string, error) {
	r.mu.RLock()
	inv, ok := r.invokers[tool]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", tool)
	}
	return inv.Invoke(ctx, tool, args)
}
