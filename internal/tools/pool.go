package tools

import (
	"fmt"
	"sort"
	"sync"

	"flowforge/internal/logging"
)

// Pool holds every tool the host has advertised. Insertion validates
// metadata completeness; the pool survives across sessions.
type Pool struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{tools: make(map[string]*Tool)}
}

// Add inserts a tool into the pool. Duplicate names and incomplete metadata
// are refused.
func (p *Pool) Add(meta Metadata, handle Handle) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	if handle == nil {
		return fmt.Errorf("%w: %s: nil handle", ErrInvalidMetadata, meta.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tools[meta.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, meta.Name)
	}
	p.tools[meta.Name] = &Tool{Metadata: meta, Handle: handle}

	logging.Get(logging.CategoryTools).Debugw("tool pooled", "name", meta.Name, "kind", meta.Kind)
	return nil
}

// Get returns a pool tool by name.
func (p *Pool) Get(name string) (*Tool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tools[name]
	return t, ok
}

// Names returns all pool tool names, sorted.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.tools))
	for name := range p.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all pooled tools sorted by name.
func (p *Pool) All() []*Tool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Tool, 0, len(p.tools))
	for _, t := range p.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.Name < out[j].Metadata.Name })
	return out
}

// Count returns the pool size.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tools)
}
