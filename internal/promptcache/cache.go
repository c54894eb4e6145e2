// Package promptcache memoizes tool prompts per plan. Each flow gets its own
// directory holding the prompt map, task metadata, and usage statistics, so a
// reused plan runs with the prompts that were tuned for it.
package promptcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"flowforge/internal/logging"
	"flowforge/internal/storage"
)

// Generator identifies where a cached prompt came from.
type Generator string

const (
	GeneratorLLM    Generator = "llm"    // synthesized by the analyzer
	GeneratorACE    Generator = "ace"    // injected from curated context
	GeneratorManual Generator = "manual" // edited by the user
)

// Entry is one cached prompt with its provenance and usage stats.
type Entry struct {
	Prompt         string    `json:"prompt"`
	Generator      Generator `json:"generator"`
	GeneratedAt    time.Time `json:"generated_at"`
	LastUsed       time.Time `json:"last_used"`
	UsageCount     int       `json:"usage_count"`
	QualityScore   float64   `json:"quality_score"`
	OptimizedByACE bool      `json:"optimized_by_ace"`
}

// ToolStats tracks per-tool execution outcomes under a flow.
type ToolStats struct {
	TotalUses    int       `json:"total_uses"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	TotalTime    float64   `json:"total_execution_time"` // seconds
	LastUsed     time.Time `json:"last_used"`
}

// Cache manages the prompt directory of a single flow. All file access goes
// through the storage manager; a cache without a flow id is inert.
type Cache struct {
	mu     sync.Mutex
	st     *storage.Manager
	flowID string
}

// New creates a cache bound to flowID. An empty flowID yields an inert cache;
// use ForFlow to derive a bound one.
func New(st *storage.Manager, flowID string) *Cache {
	return &Cache{st: st, flowID: flowID}
}

// ForFlow returns a cache over the same storage bound to flowID. Callers
// derive one per plan so concurrent sessions never share a binding.
func (c *Cache) ForFlow(flowID string) *Cache {
	return &Cache{st: c.st, flowID: flowID}
}

// FlowID returns the bound flow id.
func (c *Cache) FlowID() string {
	return c.flowID
}

func (c *Cache) promptsFile() string {
	return filepath.Join(c.st.PromptCacheDir(c.flowID), "tool_prompts.json")
}

func (c *Cache) statsFile() string {
	return filepath.Join(c.st.PromptCacheDir(c.flowID), "usage_stats.json")
}

func (c *Cache) metadataFile() string {
	return filepath.Join(c.st.PromptCacheDir(c.flowID), "metadata.json")
}

// GetCached returns the cached prompt for a tool and bumps its usage stats.
// Read failures are treated as misses.
func (c *Cache) GetCached(toolName string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flowID == "" {
		return "", false
	}

	prompts := map[string]Entry{}
	if err := c.st.LoadJSON(c.promptsFile(), &prompts); err != nil {
		return "", false
	}
	entry, ok := prompts[toolName]
	if !ok {
		return "", false
	}

	entry.LastUsed = time.Now().UTC()
	entry.UsageCount++
	prompts[toolName] = entry
	if err := c.st.SaveJSON(c.promptsFile(), prompts); err != nil {
		logging.Get(logging.CategoryPlanner).Warnw("prompt usage update failed",
			"flow_id", c.flowID, "tool", toolName, "err", err)
	}
	return entry.Prompt, true
}

// Save records a prompt for a tool, replacing any prior entry.
func (c *Cache) Save(toolName, prompt string, gen Generator, qualityScore float64, optimizedByACE bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flowID == "" {
		return nil
	}

	prompts := map[string]Entry{}
	if err := c.st.LoadJSON(c.promptsFile(), &prompts); err != nil {
		prompts = map[string]Entry{}
	}

	now := time.Now().UTC()
	prompts[toolName] = Entry{
		Prompt:         prompt,
		Generator:      gen,
		GeneratedAt:    now,
		LastUsed:       now,
		UsageCount:     1,
		QualityScore:   qualityScore,
		OptimizedByACE: optimizedByACE,
	}
	return c.st.SaveJSON(c.promptsFile(), prompts)
}

// UpdatePrompt replaces a tool's prompt with a user-edited version.
func (c *Cache) UpdatePrompt(toolName, newPrompt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flowID == "" {
		return nil
	}

	prompts := map[string]Entry{}
	if err := c.st.LoadJSON(c.promptsFile(), &prompts); err != nil {
		prompts = map[string]Entry{}
	}

	entry := prompts[toolName]
	entry.Prompt = newPrompt
	entry.Generator = GeneratorManual
	entry.GeneratedAt = time.Now().UTC()
	prompts[toolName] = entry
	return c.st.SaveJSON(c.promptsFile(), prompts)
}

// UpdateUsage records one execution outcome for a tool.
func (c *Cache) UpdateUsage(toolName string, success bool, execTime time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flowID == "" {
		return nil
	}

	stats := map[string]ToolStats{}
	if err := c.st.LoadJSON(c.statsFile(), &stats); err != nil {
		stats = map[string]ToolStats{}
	}

	s := stats[toolName]
	s.TotalUses++
	if success {
		s.SuccessCount++
	} else {
		s.FailureCount++
	}
	s.TotalTime += execTime.Seconds()
	s.LastUsed = time.Now().UTC()
	stats[toolName] = s
	return c.st.SaveJSON(c.statsFile(), stats)
}

// All returns every cached prompt keyed by tool name.
func (c *Cache) All() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flowID == "" {
		return nil
	}

	prompts := map[string]Entry{}
	if err := c.st.LoadJSON(c.promptsFile(), &prompts); err != nil {
		return nil
	}
	out := make(map[string]string, len(prompts))
	for name, e := range prompts {
		out[name] = e.Prompt
	}
	return out
}

// SaveMetadata stores task metadata alongside the prompts.
func (c *Cache) SaveMetadata(metadata map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flowID == "" {
		return nil
	}
	metadata["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	return c.st.SaveJSON(c.metadataFile(), metadata)
}

// Metadata returns the stored task metadata, empty when absent.
func (c *Cache) Metadata() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flowID == "" {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := c.st.LoadJSON(c.metadataFile(), &out); err != nil {
		return map[string]any{}
	}
	return out
}

// GC removes flow cache directories whose every tool has been idle past the
// window. Returns the number of directories removed.
func GC(st *storage.Manager, window time.Duration) (int, error) {
	root := st.PromptCacheRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("promptcache: list %s: %w", root, err)
	}

	cutoff := time.Now().UTC().Add(-window)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())

		if lastActivity(st, dir, e).After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			logging.Get(logging.CategoryPlanner).Warnw("prompt cache removal failed", "dir", dir, "err", err)
			continue
		}
		removed++
	}
	logging.Get(logging.CategoryPlanner).Infow("prompt cache gc done", "removed", removed)
	return removed, nil
}

// lastActivity reports the newest sign of life in a flow directory: usage
// stats first, then prompt entries for flows whose prompts were cached but
// never executed, then the directory mtime.
func lastActivity(st *storage.Manager, dir string, e os.DirEntry) time.Time {
	var last time.Time

	stats := map[string]ToolStats{}
	if err := st.LoadJSON(filepath.Join(dir, "usage_stats.json"), &stats); err == nil && len(stats) > 0 {
		for _, s := range stats {
			if s.LastUsed.After(last) {
				last = s.LastUsed
			}
		}
		return last
	}

	prompts := map[string]Entry{}
	if err := st.LoadJSON(filepath.Join(dir, "tool_prompts.json"), &prompts); err == nil && len(prompts) > 0 {
		for _, p := range prompts {
			if p.LastUsed.After(last) {
				last = p.LastUsed
			}
		}
		return last
	}

	if info, err := e.Info(); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}
