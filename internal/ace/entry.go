// Package ace implements the adaptive context engine: execution traces,
// reflection chains, post-mortem reflection, and curation of reusable
// context entries that feed back into planning.
package ace

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrContext signals a context-store failure.
	ErrContext = errors.New("ace: context error")

	// ErrReflection signals a failed trace analysis.
	ErrReflection = errors.New("ace: reflection error")

	// ErrCuration signals a failed insight curation.
	ErrCuration = errors.New("ace: curation error")
)

// EntryType classifies a context entry.
type EntryType string

const (
	EntryStrategy     EntryType = "strategy"      // workflow strategies that worked
	EntryKnowledge    EntryType = "knowledge"     // domain knowledge
	EntryErrorPattern EntryType = "error_pattern" // workflow designs that failed
	EntryToolUsage    EntryType = "tool_usage"    // per-tool practices and prompts
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryStrategy, EntryKnowledge, EntryErrorPattern, EntryToolUsage:
		return true
	}
	return false
}

// Source values for entry metadata.
const (
	SourceAuto            = "auto"
	SourceUserMemory      = "user_memory"
	SourceQualityFeedback = "quality_feedback"
)

// EntryMetadata carries the feedback counters and relations of an entry.
// Score is always UsefulCount - HarmfulCount.
type EntryMetadata struct {
	CreatedAt       time.Time `json:"created_at"`
	LastUsed        time.Time `json:"last_used"`
	UsefulCount     int       `json:"useful_count"`
	HarmfulCount    int       `json:"harmful_count"`
	Score           int       `json:"score"`
	RelatedTools    []string  `json:"related_tools"`
	RelatedTasks    []string  `json:"related_tasks"`
	Source          string    `json:"source"`
	OptimizedPrompt string    `json:"optimized_prompt,omitempty"`
}

// Example is one concrete task outcome attached to an entry.
type Example struct {
	Task      string    `json:"task"`
	Result    string    `json:"result"` // success, failure, quality_issue
	Reasoning string    `json:"reasoning"`
	Timestamp time.Time `json:"timestamp"`
}

// ContextEntry is one reusable piece of experience, persisted inside exactly
// one task-class file.
type ContextEntry struct {
	EntryID  string        `json:"entry_id"`
	Type     EntryType     `json:"type"`
	Content  string        `json:"content"`
	Metadata EntryMetadata `json:"metadata"`
	Examples []Example     `json:"examples"`
}

// NewEntry creates an entry with neutral feedback counters.
func NewEntry(t EntryType, content string) *ContextEntry {
	now := time.Now().UTC()
	return &ContextEntry{
		EntryID: uuid.NewString(),
		Type:    t,
		Content: content,
		Metadata: EntryMetadata{
			CreatedAt: now,
			LastUsed:  now,
			Source:    SourceAuto,
		},
	}
}

// MarkUseful records positive feedback and recomputes the score.
func (e *ContextEntry) MarkUseful() {
	e.Metadata.UsefulCount++
	e.recalc()
}

// MarkHarmful records negative feedback and recomputes the score.
func (e *ContextEntry) MarkHarmful() {
	e.Metadata.HarmfulCount++
	e.recalc()
}

func (e *ContextEntry) recalc() {
	e.Metadata.Score = e.Metadata.UsefulCount - e.Metadata.HarmfulCount
}

// Touch updates the last-used timestamp.
func (e *ContextEntry) Touch() {
	e.Metadata.LastUsed = time.Now().UTC()
}

// AddExample attaches a concrete task outcome.
func (e *ContextEntry) AddExample(task, result, reasoning string) {
	e.Examples = append(e.Examples, Example{
		Task:      task,
		Result:    result,
		Reasoning: reasoning,
		Timestamp: time.Now().UTC(),
	})
}

// AddRelatedTool links a tool name, once.
func (e *ContextEntry) AddRelatedTool(name string) {
	for _, t := range e.Metadata.RelatedTools {
		if t == name {
			return
		}
	}
	e.Metadata.RelatedTools = append(e.Metadata.RelatedTools, name)
}

// AddRelatedTask links a task class, once.
func (e *ContextEntry) AddRelatedTask(class string) {
	for _, t := range e.Metadata.RelatedTasks {
		if t == class {
			return
		}
	}
	e.Metadata.RelatedTasks = append(e.Metadata.RelatedTasks, class)
}

// FeedbackWeight maps the feedback counters into [0, 1] for retrieval
// ranking. No feedback yields the neutral 0.5.
func (e *ContextEntry) FeedbackWeight() float64 {
	total := e.Metadata.UsefulCount + e.Metadata.HarmfulCount
	if total == 0 {
		return 0.5
	}
	w := float64(e.Metadata.UsefulCount-e.Metadata.HarmfulCount) / float64(total+1)
	return (w + 1) / 2
}
