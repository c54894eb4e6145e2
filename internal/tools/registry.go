package tools

import (
	"fmt"
	"sort"
	"sync"

	"flowforge/internal/logging"
)

// Registry is the subset of pool tools currently eligible for planning and
// execution. Entries carry the exact metadata captured at pool-insertion
// time. The registry is effectively append-only within a session; the
// orchestrator clears it between unrelated sessions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Activate moves a pool tool into the registry. Re-activation is a no-op.
func (r *Registry) Activate(pool *Pool, name string) error {
	tool, ok := pool.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s not in pool", ErrNotFound, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return nil
	}
	r.tools[name] = tool
	logging.Get(logging.CategoryTools).Debugw("tool activated", "name", name)
	return nil
}

// ActivateAll activates each named tool, failing on the first miss.
func (r *Registry) ActivateAll(pool *Pool, names []string) error {
	for _, name := range names {
		if err := r.Activate(pool, name); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.Name < out[j].Metadata.Name })
	return out
}

// Count returns the registry size.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clear empties the registry. The pool is unaffected.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]*Tool)
	logging.Get(logging.CategoryTools).Debugw("registry cleared")
}
