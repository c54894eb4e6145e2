package match

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowforge/internal/config"
	"flowforge/internal/plan"
	"flowforge/internal/storage"
)

func newTestMatcher(t *testing.T) (*Matcher, *storage.Manager) {
	t.Helper()
	st, err := storage.NewManager(t.TempDir())
	require.NoError(t, err)
	return NewMatcher(st, nil, nil, config.Default(st.WorkDir()).Matching), st
}

func samplePlan(flowID string) *plan.Plan {
	return &plan.Plan{
		FlowID:        flowID,
		OriginalQuery: "resize the image",
		CreatedAt:     time.Now().UTC(),
		Steps: []plan.Step{{
			StepID:      1,
			Description: "resize",
			Tool:        "image_resizer",
			ToolInput:   map[string]any{"width": 100},
		}},
	}
}

func TestSaveAndExactMatch(t *testing.T) {
	m, _ := newTestMatcher(t)

	taskID, err := m.SaveTaskMapping("Resize   the IMAGE", samplePlan("flow_1_aaaa1111"), true)
	require.NoError(t, err)
	require.Equal(t, "task_flow_1_aaaa1111", taskID)

	// Whitespace and case differences normalize away.
	got, ok := m.FindExactPlan("resize the image")
	require.True(t, ok)
	require.Equal(t, "flow_1_aaaa1111", got.FlowID)
}

func TestExactMatchSkipsFailedTasks(t *testing.T) {
	m, _ := newTestMatcher(t)

	_, err := m.SaveTaskMapping("resize the image", samplePlan("flow_1_aaaa1111"), false)
	require.NoError(t, err)

	_, ok := m.FindExactPlan("resize the image")
	require.False(t, ok)
}

func TestExactMatchPrefersLatestPlanFile(t *testing.T) {
	m, st := newTestMatcher(t)

	p := samplePlan("flow_1_aaaa1111")
	_, err := m.SaveTaskMapping("resize the image", p, true)
	require.NoError(t, err)

	// An externally edited plan on disk overrides the record snapshot.
	edited := samplePlan("flow_1_aaaa1111")
	edited.Steps[0].ToolInput = map[string]any{"width": 400}
	require.NoError(t, st.SaveJSON(st.PlanFile(p.FlowID), edited))

	got, ok := m.FindExactPlan("resize the image")
	require.True(t, ok)
	require.EqualValues(t, 400, got.Steps[0].ToolInput["width"])
}

func TestExactMatchMemoDroppedOnFailure(t *testing.T) {
	m, _ := newTestMatcher(t)

	_, err := m.SaveTaskMapping("resize the image", samplePlan("flow_1_aaaa1111"), true)
	require.NoError(t, err)

	_, ok := m.FindExactPlan("resize the image")
	require.True(t, ok)

	// A failed re-execution disqualifies the memoized plan.
	require.NoError(t, m.MarkExecuted("flow_1_aaaa1111", false))
	_, ok = m.FindExactPlan("resize the image")
	require.False(t, ok)
}

func TestExactMatchMiss(t *testing.T) {
	m, _ := newTestMatcher(t)
	_, ok := m.FindExactPlan("never seen before")
	require.False(t, ok)
}

func TestFindSimilarRequiresIndex(t *testing.T) {
	m, _ := newTestMatcher(t)
	_, err := m.FindSimilarPlans(context.Background(), "anything", 0.8, 5)
	require.True(t, errors.Is(err, ErrMatching), "want ErrMatching, got %v", err)
}

func TestMarkExecuted(t *testing.T) {
	m, st := newTestMatcher(t)

	_, err := m.SaveTaskMapping("resize the image", samplePlan("flow_1_aaaa1111"), false)
	require.NoError(t, err)
	require.NoError(t, m.MarkExecuted("flow_1_aaaa1111", true))

	var record TaskRecord
	require.NoError(t, st.LoadJSON(st.TaskFile("flow_1_aaaa1111"), &record))
	require.True(t, record.Success)
	require.False(t, record.LastExecutedAt.IsZero())
}

func TestMarkExecutedUnknownFlow(t *testing.T) {
	m, _ := newTestMatcher(t)
	require.Error(t, m.MarkExecuted("flow_0_missing0", true))
}

func TestTaskHistoryNewestFirstWithLimit(t *testing.T) {
	m, _ := newTestMatcher(t)

	for i, id := range []string{"flow_1_aaaa1111", "flow_2_bbbb2222", "flow_3_cccc3333"} {
		_, err := m.SaveTaskMapping("task number "+id, samplePlan(id), i%2 == 0)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond) // distinct mtimes
	}

	history, err := m.TaskHistory(2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "flow_3_cccc3333", history[0].FlowID)
	require.Equal(t, "flow_2_bbbb2222", history[1].FlowID)
}

func TestClearHistory(t *testing.T) {
	m, _ := newTestMatcher(t)

	_, err := m.SaveTaskMapping("one", samplePlan("flow_1_aaaa1111"), true)
	require.NoError(t, err)
	_, err = m.SaveTaskMapping("two", samplePlan("flow_2_bbbb2222"), true)
	require.NoError(t, err)

	removed, err := m.ClearHistory()
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	history, err := m.TaskHistory(10)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("Open the Settings page and toggle dark mode, twice")
	require.Contains(t, got, "settings")
	require.Contains(t, got, "dark")
	require.NotContains(t, got, "a")
	require.LessOrEqual(t, len(got), 10)

	long := "one two three four five six seven eight nine ten eleven twelve"
	require.Len(t, ExtractKeywords(long), 10)
}
