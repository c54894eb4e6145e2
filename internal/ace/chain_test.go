package ace

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowforge/internal/storage"
)

func TestNewChainIDShape(t *testing.T) {
	pattern := regexp.MustCompile(`^chain_\d{8}_\d{6}_[0-9a-f]{8}$`)
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		id := NewChainID()
		assert.Regexp(t, pattern, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestChainEntryNumbering(t *testing.T) {
	c := NewChain("extract tables from report.pdf")

	e1 := c.Add(StagePlanGeneration, map[string]any{"query": "x"}, nil, nil, "", "")
	e2 := c.Add(StagePlanGenerationResult, nil, map[string]any{"steps": 3}, nil, "plan ready", "execute")

	assert.Equal(t, "entry_001", e1.EntryID)
	assert.Equal(t, "entry_002", e2.EntryID)
	assert.Equal(t, "default", c.TaskName)
	// nil maps normalize to empty so the persisted JSON never carries null.
	assert.NotNil(t, e1.OutputData)
	assert.NotNil(t, e2.InputData)
}

func TestChainByStageAndLast(t *testing.T) {
	c := NewChain("task")
	c.Add(StageToolExecution, nil, nil, nil, "", "")
	c.Add(StageQualityAnalysis, nil, nil, nil, "first", "")
	c.Add(StageQualityAnalysis, nil, nil, nil, "second", "")

	qa := c.ByStage(StageQualityAnalysis)
	require.Len(t, qa, 2)
	assert.Equal(t, "first", qa[0].Analysis)

	last, ok := c.Last(StageQualityAnalysis)
	require.True(t, ok)
	assert.Equal(t, "second", last.Analysis)

	last, ok = c.Last("")
	require.True(t, ok)
	assert.Equal(t, "entry_003", last.EntryID)

	_, ok = c.Last(StagePromptOptimization)
	assert.False(t, ok)
}

func TestChainSaveLoadRoundTrip(t *testing.T) {
	st, err := storage.NewManager(t.TempDir())
	require.NoError(t, err)

	c := NewChain("summarize meeting notes")
	c.Add(StagePlanGeneration, map[string]any{"query": "summarize"}, nil, nil, "", "")
	c.Add(StagePlanGenerationResult, nil, map[string]any{"steps": float64(2)}, nil, "", "")
	require.NoError(t, c.Save(st))

	loaded, err := LoadChain(st, c.ChainID)
	require.NoError(t, err)
	assert.Equal(t, c.ChainID, loaded.ChainID)
	assert.Equal(t, "summarize meeting notes", loaded.TaskDescription)
	require.Len(t, loaded.Entries, 2)

	// The counter resumes where the persisted chain left off.
	e := loaded.Add(StageToolExecution, nil, nil, nil, "", "")
	assert.Equal(t, "entry_003", e.EntryID)
}

func TestLoadChainMissing(t *testing.T) {
	st, err := storage.NewManager(t.TempDir())
	require.NoError(t, err)

	_, err = LoadChain(st, "chain_00000000_000000_deadbeef")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
