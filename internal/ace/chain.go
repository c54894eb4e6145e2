package ace

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowforge/internal/storage"
)

// ChainStage names a reflection-chain entry type.
type ChainStage string

const (
	StagePlanGeneration        ChainStage = "plan_generation"
	StagePlanGenerationResult  ChainStage = "plan_generation_result"
	StageToolExecution         ChainStage = "tool_execution"
	StageToolExecutionResult   ChainStage = "tool_execution_result"
	StageQualityAnalysis       ChainStage = "quality_analysis"
	StageQualityAnalysisResult ChainStage = "quality_analysis_result"
	StagePromptOptimization    ChainStage = "prompt_optimization"
)

// ChainEntry is one recorded step of reasoning.
type ChainEntry struct {
	EntryID    string         `json:"entry_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Stage      ChainStage     `json:"stage"`
	InputData  map[string]any `json:"input_data"`
	OutputData map[string]any `json:"output_data"`
	ModelInfo  map[string]any `json:"model_info"`
	Analysis   string         `json:"analysis,omitempty"`
	NextAction string         `json:"next_action,omitempty"`
}

// ReflectionChain is the append-only record of model interactions and
// analyses around one plan. It serves debugging and audit; the execution
// trace serves automated learning.
type ReflectionChain struct {
	ChainID         string       `json:"chain_id"`
	TaskDescription string       `json:"task_description"`
	TaskName        string       `json:"task_name"`
	CreatedAt       time.Time    `json:"created_at"`
	Entries         []ChainEntry `json:"entries"`

	mu      sync.Mutex
	counter int
}

// NewChainID mints a chain identifier: chain_<YYYYMMDD_HHMMSS>_<8 hex>.
func NewChainID() string {
	return fmt.Sprintf("chain_%s_%s",
		time.Now().UTC().Format("20060102_150405"), uuid.NewString()[:8])
}

// NewChain starts a reflection chain for a task.
func NewChain(taskDescription string) *ReflectionChain {
	return &ReflectionChain{
		ChainID:         NewChainID(),
		TaskDescription: taskDescription,
		TaskName:        "default",
		CreatedAt:       time.Now().UTC(),
	}
}

// Add appends an entry and returns it.
func (c *ReflectionChain) Add(stage ChainStage, input, output, modelInfo map[string]any, analysis, nextAction string) ChainEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	entry := ChainEntry{
		EntryID:    fmt.Sprintf("entry_%03d", c.counter),
		Timestamp:  time.Now().UTC(),
		Stage:      stage,
		InputData:  orEmpty(input),
		OutputData: orEmpty(output),
		ModelInfo:  orEmpty(modelInfo),
		Analysis:   analysis,
		NextAction: nextAction,
	}
	c.Entries = append(c.Entries, entry)
	return entry
}

// ByStage returns all entries of one stage, in order.
func (c *ReflectionChain) ByStage(stage ChainStage) []ChainEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ChainEntry
	for _, e := range c.Entries {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent entry, optionally restricted to a stage.
func (c *ReflectionChain) Last(stage ChainStage) (ChainEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.Entries) - 1; i >= 0; i-- {
		if stage == "" || c.Entries[i].Stage == stage {
			return c.Entries[i], true
		}
	}
	return ChainEntry{}, false
}

// Save persists the chain.
func (c *ReflectionChain) Save(st *storage.Manager) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return st.SaveJSON(st.ReflectionFile(c.ChainID), c)
}

// LoadChain reads a persisted chain by id.
func LoadChain(st *storage.Manager, chainID string) (*ReflectionChain, error) {
	var chain ReflectionChain
	if err := st.LoadJSON(st.ReflectionFile(chainID), &chain); err != nil {
		return nil, err
	}
	chain.counter = len(chain.Entries)
	return &chain, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
