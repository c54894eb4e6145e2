package ace

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"flowforge/internal/config"
	"flowforge/internal/logging"
)

// Curator turns reflection insights into context entries and merges them
// into the per-class store with deduplication and retention.
type Curator struct {
	cm  *ContextManager
	cfg config.ContextConfig
}

// NewCurator creates a curator over the context manager.
func NewCurator(cm *ContextManager, cfg config.ContextConfig) *Curator {
	return &Curator{cm: cm, cfg: cfg}
}

// CurateInsights builds context entries from one reflection outcome.
// Failure entries start at score -1, success entries at +1.
func (c *Curator) CurateInsights(ctx context.Context, insights Insights, trace *ExecutionTrace, chain *ReflectionChain) ([]*ContextEntry, error) {
	timer := logging.StartTimer(logging.CategoryACE, "CurateInsights")
	defer timer.Stop()

	class, err := c.cm.IdentifyTaskClass(ctx, trace.TaskDescription)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCuration, err)
	}

	var entries []*ContextEntry
	switch insights.FailureType() {
	case FailureWorkflow:
		entries = c.curateWorkflowFailure(insights, trace, class)
	case FailureTool:
		entries = c.curateToolFailure(insights, trace, class)
	case FailureMixed:
		entries = c.curateMixedFailure(insights, trace, class)
	case OutcomeSuccess:
		entries = c.curateSuccess(insights, trace, class)
	case OutcomeQuality:
		entries = c.curateQualityIssue(insights, trace, class, chain)
	default:
		logging.Get(logging.CategoryACE).Warnw("unknown insight class, nothing curated",
			"failure_type", insights.FailureType())
		return nil, nil
	}

	if len(entries) > 0 {
		if err := c.UpdateContext(class, entries); err != nil {
			return nil, err
		}
	}
	logging.Get(logging.CategoryACE).Infow("insights curated",
		"class", class, "entries", len(entries), "failure_type", insights.FailureType())
	return entries, nil
}

func (c *Curator) curateWorkflowFailure(insights Insights, trace *ExecutionTrace, class string) []*ContextEntry {
	var b strings.Builder
	fmt.Fprintf(&b, "Error pattern: %s\n", getString(insights, "root_cause"))
	fmt.Fprintf(&b, "Improved strategy: %s\n", getString(insights, "improved_workflow_strategy"))
	b.WriteString("Issues:\n")
	for _, issue := range getMapSlice(insights, "workflow_issues") {
		fmt.Fprintf(&b, "- %s: %s\n", getString(issue, "issue"), getString(issue, "suggestion"))
	}

	entry := newFailureEntry(EntryErrorPattern, b.String(), class)
	entry.Metadata.RelatedTools = append([]string(nil), trace.ToolsUsed...)
	entry.AddExample(trace.TaskDescription, "failure", getString(insights, "root_cause"))
	return []*ContextEntry{entry}
}

func (c *Curator) curateToolFailure(insights Insights, trace *ExecutionTrace, class string) []*ContextEntry {
	toolName := getString(insights, "tool_name")

	var b strings.Builder
	fmt.Fprintf(&b, "Tool: %s\n", toolName)
	fmt.Fprintf(&b, "Failure cause: %s\n", getString(insights, "root_cause"))
	fmt.Fprintf(&b, "Best practice: %s\n", getString(insights, "tool_usage_best_practice"))

	if params := getMapSlice(insights, "parameter_issues"); len(params) > 0 {
		b.WriteString("Parameter guidance:\n")
		for _, p := range params {
			fmt.Fprintf(&b, "- %s: %s\n", getString(p, "parameter"), getString(p, "reason"))
		}
	}
	if opt := getMap(insights, "tool_prompt_optimization"); getBool(opt, "needs_optimization") {
		b.WriteString("Prompt optimization:\n")
		fmt.Fprintf(&b, "- issues: %s\n", strings.Join(getStringSlice(opt, "current_issues"), ", "))
		fmt.Fprintf(&b, "- suggested: %s\n", getString(opt, "suggested_prompt"))
	}

	entry := newFailureEntry(EntryToolUsage, b.String(), class)
	if toolName != "" {
		entry.AddRelatedTool(toolName)
	}
	entry.AddExample(trace.TaskDescription, "failure", getString(insights, "root_cause"))
	return []*ContextEntry{entry}
}

func (c *Curator) curateMixedFailure(insights Insights, trace *ExecutionTrace, class string) []*ContextEntry {
	var entries []*ContextEntry

	if wf := getMap(insights, "workflow_analysis"); getBool(wf, "has_workflow_issues") {
		var b strings.Builder
		b.WriteString("Error pattern (mixed failure):\n")
		for _, issue := range getStringSlice(wf, "issues") {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
		b.WriteString("Suggestions:\n")
		for _, s := range getStringSlice(wf, "suggestions") {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		entry := newFailureEntry(EntryErrorPattern, b.String(), class)
		entry.Metadata.RelatedTools = append([]string(nil), trace.ToolsUsed...)
		entries = append(entries, entry)
	}

	if tl := getMap(insights, "tool_analysis"); getBool(tl, "has_tool_issues") {
		var b strings.Builder
		b.WriteString("Tool issues (mixed failure):\n")
		for _, issue := range getStringSlice(tl, "issues") {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
		b.WriteString("Suggestions:\n")
		for _, s := range getStringSlice(tl, "suggestions") {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		entry := newFailureEntry(EntryToolUsage, b.String(), class)
		entry.Metadata.RelatedTools = append([]string(nil), trace.ToolsUsed...)
		entries = append(entries, entry)
	}
	return entries
}

func (c *Curator) curateSuccess(insights Insights, trace *ExecutionTrace, class string) []*ContextEntry {
	var entries []*ContextEntry

	strategies := getStringSlice(insights, "success_strategies")
	patterns := getStringSlice(insights, "workflow_patterns")
	if len(strategies) > 0 || len(patterns) > 0 {
		var b strings.Builder
		b.WriteString("Success strategies:\n")
		for _, s := range strategies {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		if len(patterns) > 0 {
			b.WriteString("Workflow patterns:\n")
			for _, p := range patterns {
				fmt.Fprintf(&b, "- %s\n", p)
			}
		}

		entry := NewEntry(EntryStrategy, b.String())
		entry.MarkUseful()
		entry.Metadata.RelatedTools = append([]string(nil), trace.ToolsUsed...)
		entry.AddRelatedTask(class)
		entry.AddExample(trace.TaskDescription, "success", "workflow completed successfully")
		entries = append(entries, entry)
	}

	for toolName, practice := range getMap(insights, "tool_best_practices") {
		text, ok := practice.(string)
		if !ok || text == "" {
			continue
		}
		entry := NewEntry(EntryToolUsage, fmt.Sprintf("Tool: %s\nBest practice: %s\n", toolName, text))
		entry.MarkUseful()
		entry.AddRelatedTool(toolName)
		entry.AddRelatedTask(class)
		entries = append(entries, entry)
	}
	return entries
}

// curateQualityIssue stores the optimized prompt from a quality reflection.
// A near-duplicate suggestion for the same tool refreshes the existing
// entry instead of creating a new one.
func (c *Curator) curateQualityIssue(insights Insights, trace *ExecutionTrace, class string, chain *ReflectionChain) []*ContextEntry {
	lg := logging.Get(logging.CategoryACE)

	opt := getMap(insights, "prompt_optimization")
	toolName := getString(opt, "tool")
	suggestedPrompt := getString(opt, "suggested_prompt")
	rootCause := getString(insights, "root_cause")
	suggestions := getStringSlice(insights, "improvement_suggestions")

	if suggestedPrompt == "" {
		lg.Warnw("quality insight carries no suggested prompt, nothing curated")
		return nil
	}

	if chain != nil {
		var originalPrompt string
		for _, d := range trace.StepDetails {
			if d.ToolName == toolName {
				originalPrompt, _ = d.ToolInput["prompt"].(string)
				break
			}
		}
		chain.Add(StagePromptOptimization, map[string]any{
			"tool_name":               toolName,
			"original_prompt":         truncate(originalPrompt, 300),
			"problem":                 rootCause,
			"improvement_suggestions": suggestions,
		}, map[string]any{
			"optimized_prompt": suggestedPrompt,
		}, nil, "prompt optimization recorded", "")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Prompt optimization for tool: %s\n", toolName)
	fmt.Fprintf(&b, "Problem: %s\n", rootCause)
	fmt.Fprintf(&b, "Optimized prompt:\n%s\n", suggestedPrompt)
	b.WriteString("Improvements:\n")
	for _, s := range suggestions {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	content := b.String()

	// Dedup against existing optimization entries for the same tool.
	existing := c.cm.LoadClass(class)
	for _, e := range existing {
		if e.Type != EntryToolUsage {
			continue
		}
		if !containsString(e.Metadata.RelatedTools, toolName) {
			continue
		}
		if sim := contentSimilarity(content, e.Content); sim > c.dedupThreshold() {
			lg.Infow("similar optimization exists, refreshing instead",
				"entry_id", e.EntryID, "similarity", sim)
			e.Touch()
			if err := c.cm.SaveClass(class, existing); err != nil {
				lg.Warnw("refresh save failed", "class", class, "err", err)
			}
			return nil
		}
	}

	entry := NewEntry(EntryToolUsage, content)
	entry.MarkHarmful()
	entry.Metadata.Source = SourceQualityFeedback
	entry.Metadata.OptimizedPrompt = suggestedPrompt
	entry.AddRelatedTool(toolName)
	entry.AddRelatedTask(class)
	entry.AddExample(trace.TaskDescription, "quality_issue", rootCause)
	return []*ContextEntry{entry}
}

// UpdateContext merges new entries into a class: near-duplicates collapse
// into the higher-scoring entry, then retention keeps the top entries by
// score.
func (c *Curator) UpdateContext(class string, newEntries []*ContextEntry) error {
	merged := append(c.cm.LoadClass(class), newEntries...)
	deduped := c.deduplicate(merged)

	maxEntries := c.cfg.MaxEntriesPerClass
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if len(deduped) > maxEntries {
		sort.SliceStable(deduped, func(i, j int) bool {
			return deduped[i].Metadata.Score > deduped[j].Metadata.Score
		})
		deduped = deduped[:maxEntries]
		logging.Get(logging.CategoryACE).Infow("class capped", "class", class, "max", maxEntries)
	}

	if err := c.cm.SaveClass(class, deduped); err != nil {
		return fmt.Errorf("%w: %v", ErrCuration, err)
	}
	return nil
}

func (c *Curator) deduplicate(entries []*ContextEntry) []*ContextEntry {
	var kept []*ContextEntry
	for _, e := range entries {
		dup := false
		for _, k := range kept {
			if e.Type == k.Type && contentSimilarity(e.Content, k.Content) > c.dedupThreshold() {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, e)
		}
	}
	return kept
}

func (c *Curator) dedupThreshold() float64 {
	if c.cfg.DedupThreshold > 0 {
		return c.cfg.DedupThreshold
	}
	return 0.85
}

func newFailureEntry(t EntryType, content, class string) *ContextEntry {
	entry := NewEntry(t, content)
	entry.MarkHarmful()
	entry.AddRelatedTask(class)
	return entry
}

// contentSimilarity is a character-bigram Dice coefficient in [0, 1], cheap
// enough to run pairwise during curation.
func contentSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}

	bigrams := func(s string) map[string]int {
		m := make(map[string]int, len(s))
		runes := []rune(s)
		for i := 0; i+1 < len(runes); i++ {
			m[string(runes[i:i+2])]++
		}
		return m
	}

	ba, bb := bigrams(a), bigrams(b)
	var overlap, total int
	for g, n := range ba {
		if m, ok := bb[g]; ok {
			if m < n {
				overlap += m
			} else {
				overlap += n
			}
		}
		total += n
	}
	for _, n := range bb {
		total += n
	}
	if total == 0 {
		return 0
	}
	return 2 * float64(overlap) / float64(total)
}

// =============================================================================
// INSIGHT ACCESSORS
// =============================================================================

func getString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func getBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func getMap(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func getStringSlice(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getMapSlice(m map[string]any, key string) []map[string]any {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if mm, ok := v.(map[string]any); ok {
			out = append(out, mm)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
