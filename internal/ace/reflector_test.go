package ace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failedTrace(kind string) *ExecutionTrace {
	p := testPlan("web_search", "general_llm_processor")
	return &ExecutionTrace{
		TraceID:         "trace-1",
		FlowID:          p.FlowID,
		TaskDescription: "find recent coverage",
		Plan:            p,
		ToolsUsed:       []string{"web_search"},
		Result: ExecutionResult{
			Success:       false,
			ExecutedSteps: []int{},
			FailureInfo:   &FailureInfo{StepID: 1, Error: "boom", ErrorKind: kind},
		},
		StepDetails: []StepDetail{{
			StepID:    1,
			ToolName:  "web_search",
			ToolInput: map[string]any{"query": "coverage"},
			Error:     "boom",
		}},
	}
}

func successTrace() *ExecutionTrace {
	p := testPlan("pdf_reader", "general_llm_processor")
	return &ExecutionTrace{
		TraceID:         "trace-2",
		FlowID:          p.FlowID,
		TaskDescription: "summarize report.pdf",
		Plan:            p,
		ToolsUsed:       []string{"pdf_reader", "general_llm_processor"},
		Result: ExecutionResult{
			Success:       true,
			ExecutedSteps: []int{1, 2},
			StepResults:   map[int]any{1: "text", 2: "summary"},
			ExecutionTime: 2.5,
		},
		StepDetails: []StepDetail{
			{StepID: 1, ToolName: "pdf_reader", ToolInput: map[string]any{"path": "report.pdf"}},
			{StepID: 2, ToolName: "general_llm_processor", ToolInput: map[string]any{"prompt": "summarize"}},
		},
	}
}

func TestWorkflowKindClassifiedByRule(t *testing.T) {
	for _, kind := range []string{
		"ToolNotFound", "VariableResolutionError", "DependencyError",
		"PlanParsingError", "PlanValidationError",
	} {
		client := &scriptedClient{responses: []map[string]any{
			{"root_cause": "invalid step reference"},
		}}
		r := NewReflector(client)

		insights, err := r.AnalyzeTrace(context.Background(), failedTrace(kind))
		require.NoError(t, err, kind)
		assert.Equal(t, FailureWorkflow, insights.FailureType(), kind)
		// Rule classification: only the analysis call hits the model.
		assert.Equal(t, 1, client.calls(), kind)
		assert.Contains(t, client.prompts[0], "workflow design failure")
	}
}

func TestToolExecutionErrorClassifiedByRule(t *testing.T) {
	client := &scriptedClient{responses: []map[string]any{
		{"root_cause": "bad query parameter", "tool_name": "web_search"},
	}}
	r := NewReflector(client)

	insights, err := r.AnalyzeTrace(context.Background(), failedTrace("ToolExecutionError"))
	require.NoError(t, err)
	assert.Equal(t, FailureTool, insights.FailureType())
	assert.Equal(t, 1, client.calls())
	assert.Contains(t, client.prompts[0], "tool invocation expert")
}

func TestAmbiguousKindClassifiedByModel(t *testing.T) {
	client := &scriptedClient{responses: []map[string]any{
		{"failure_type": "tool", "confidence": 0.8},
		{"root_cause": "tool misbehaved", "tool_name": "web_search"},
	}}
	r := NewReflector(client)

	insights, err := r.AnalyzeTrace(context.Background(), failedTrace("RuntimeError"))
	require.NoError(t, err)
	assert.Equal(t, FailureTool, insights.FailureType())
	assert.Equal(t, 2, client.calls())
}

func TestUnrecognizedVerdictFallsBackToMixed(t *testing.T) {
	client := &scriptedClient{responses: []map[string]any{
		{"failure_type": "no idea"},
		{"primary_cause": "unclear"},
	}}
	r := NewReflector(client)

	insights, err := r.AnalyzeTrace(context.Background(), failedTrace("RuntimeError"))
	require.NoError(t, err)
	assert.Equal(t, FailureMixed, insights.FailureType())
}

func TestSuccessAnalysis(t *testing.T) {
	client := &scriptedClient{responses: []map[string]any{
		{
			"success_strategies":  []any{"extract first, then summarize"},
			"tool_best_practices": map[string]any{"pdf_reader": "pass absolute paths"},
		},
	}}
	r := NewReflector(client)

	insights, err := r.AnalyzeTrace(context.Background(), successTrace())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, insights.FailureType())
	assert.Equal(t, []string{"extract first, then summarize"}, getStringSlice(insights, "success_strategies"))
}

func TestSuccessAnalysisDegradesOnModelError(t *testing.T) {
	client := &scriptedClient{err: errors.New("provider down")}
	r := NewReflector(client)

	insights, err := r.AnalyzeTrace(context.Background(), successTrace())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, insights.FailureType())
	assert.NotEmpty(t, getStringSlice(insights, "success_strategies"))
}

func TestClassificationErrorSurfaces(t *testing.T) {
	client := &scriptedClient{err: errors.New("provider down")}
	r := NewReflector(client)

	_, err := r.AnalyzeTrace(context.Background(), failedTrace("RuntimeError"))
	assert.ErrorIs(t, err, ErrReflection)
}

func TestAnalyzeQualityRecordsChain(t *testing.T) {
	client := &scriptedClient{responses: []map[string]any{
		{
			"problem_step":            float64(2),
			"root_cause":              "summary too shallow",
			"improvement_suggestions": []any{"ask for key figures"},
			"prompt_optimization": map[string]any{
				"tool":             "general_llm_processor",
				"suggested_prompt": "summarize with key figures",
			},
		},
	}}
	r := NewReflector(client)
	chain := NewChain("summarize report.pdf")

	insights, err := r.AnalyzeQuality(context.Background(), successTrace(), "too vague", chain)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuality, insights.FailureType())

	require.Len(t, chain.ByStage(StageQualityAnalysis), 1)
	results := chain.ByStage(StageQualityAnalysisResult)
	require.Len(t, results, 1)
	assert.Equal(t, "summary too shallow", results[0].OutputData["root_cause"])
}
