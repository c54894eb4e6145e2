package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowforge/internal/ace"
	"flowforge/internal/plan"
	"flowforge/internal/progress"
	"flowforge/internal/storage"
	"flowforge/internal/tools"
)

type execEnv struct {
	st       *storage.Manager
	pool     *tools.Pool
	registry *tools.Registry
	traces   *ace.Generator
	bus      *progress.Bus
	ex       *Executor
}

func newExecEnv(t *testing.T) *execEnv {
	t.Helper()
	st, err := storage.NewManager(t.TempDir())
	require.NoError(t, err)

	bus := progress.NewBus(64, time.Minute)
	t.Cleanup(bus.Close)

	env := &execEnv{
		st:       st,
		pool:     tools.NewPool(),
		registry: tools.NewRegistry(),
		traces:   ace.NewGenerator(st),
		bus:      bus,
	}
	env.ex = New(env.registry, env.traces, nil, nil, bus)
	return env
}

func (e *execEnv) addTool(t *testing.T, md tools.Metadata, handle tools.Handle) {
	t.Helper()
	require.NoError(t, e.pool.Add(md, handle))
	require.NoError(t, e.registry.Activate(e.pool, md.Name))
}

func fetchMetadata() tools.Metadata {
	return tools.Metadata{
		Name:        "fetch_data",
		Description: "Fetches a document from the data source.",
		Kind:        tools.KindFunction,
		InputParameters: map[string]tools.Parameter{
			"source": {Type: "string", Required: true},
		},
	}
}

func processorMetadata() tools.Metadata {
	return tools.Metadata{
		Name:        "general_llm_processor",
		Description: "Processes text with the model.",
		Kind:        tools.KindLLM,
		InputParameters: map[string]tools.Parameter{
			"prompt":  {Type: "string", Required: true},
			"content": {Type: "string", Required: false},
		},
		OutputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"content": map[string]any{"type": "string"}},
		},
	}
}

func twoStepPlan() *plan.Plan {
	return &plan.Plan{
		FlowID:        plan.NewFlowID(),
		OriginalQuery: "summarize the report",
		CreatedAt:     time.Now().UTC(),
		Steps: []plan.Step{
			{
				StepID:      1,
				Description: "fetch the report",
				Tool:        "fetch_data",
				ToolInput:   map[string]any{"source": "report.txt"},
			},
			{
				StepID:      2,
				Description: "summarize it",
				Tool:        "general_llm_processor",
				ToolInput: map[string]any{
					"prompt":  "Summarize the following.",
					"content": "{{steps.1.content}}",
				},
				Dependencies: []int{1},
			},
		},
	}
}

func drain(ch <-chan progress.Event) []progress.Event {
	var out []progress.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestExecuteSuccess(t *testing.T) {
	env := newExecEnv(t)

	env.addTool(t, fetchMetadata(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		assert.Equal(t, "report.txt", args["source"])
		return map[string]any{"content": "quarterly numbers"}, nil
	})

	var gotSchema any
	env.addTool(t, processorMetadata(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		assert.Equal(t, "quarterly numbers", args["content"])
		gotSchema = args["current_tool_schema"]
		return map[string]any{"content": "a short summary"}, nil
	})

	events := env.bus.Events("s1")
	res, err := env.ex.Execute(context.Background(), twoStepPlan(), "s1")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, []int{1, 2}, res.ExecutedSteps)
	out2, ok := res.StepResults[2].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a short summary", out2["content"])
	assert.NotNil(t, gotSchema)

	require.NotNil(t, res.Trace)
	assert.True(t, res.Trace.Result.Success)
	assert.Equal(t, []string{"fetch_data", "general_llm_processor"}, res.Trace.ToolsUsed)
	require.Len(t, res.Trace.StepDetails, 2)
	assert.Equal(t, "quarterly numbers", res.Trace.StepDetails[1].ToolInput["content"])

	got := drain(events)
	var kinds []progress.Kind
	for _, ev := range got {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []progress.Kind{
		progress.KindTaskStart,
		progress.KindStepStart, progress.KindStepDone,
		progress.KindStepStart, progress.KindStepDone,
		progress.KindPlanExecution,
	}, kinds)
}

func TestExecuteTraceIsPersisted(t *testing.T) {
	env := newExecEnv(t)
	env.addTool(t, fetchMetadata(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"content": "data"}, nil
	})

	p := twoStepPlan()
	p.Steps = p.Steps[:1]
	res, err := env.ex.Execute(context.Background(), p, "s1")
	require.NoError(t, err)

	loaded, err := env.traces.LoadTrace(res.Trace.TraceID)
	require.NoError(t, err)
	assert.Equal(t, p.FlowID, loaded.FlowID)
	assert.True(t, loaded.Result.Success)
}

func TestExecuteMissingToolFailsFast(t *testing.T) {
	env := newExecEnv(t)
	env.addTool(t, fetchMetadata(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		t.Fatal("handle must not run")
		return nil, nil
	})

	res, err := env.ex.Execute(context.Background(), twoStepPlan(), "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecution)
	assert.ErrorIs(t, err, tools.ErrNotFound)

	assert.False(t, res.Success)
	assert.Empty(t, res.ExecutedSteps)
	assert.NotNil(t, res.ExecutedSteps)
	assert.Equal(t, "ToolNotFound", res.ErrorKind)
	require.NotNil(t, res.Trace)
	assert.Equal(t, "ToolNotFound", res.Trace.Result.FailureInfo.ErrorKind)
}

func TestExecuteStepFailureStopsRun(t *testing.T) {
	env := newExecEnv(t)
	env.addTool(t, fetchMetadata(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("http 503 from upstream")
	})
	processorRan := false
	env.addTool(t, processorMetadata(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		processorRan = true
		return map[string]any{"content": "x"}, nil
	})

	events := env.bus.Events("s1")
	res, err := env.ex.Execute(context.Background(), twoStepPlan(), "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecution)
	assert.False(t, processorRan)

	assert.Equal(t, 1, res.FailedStep)
	assert.Equal(t, "ToolExecutionError", res.ErrorKind)
	assert.Empty(t, res.ExecutedSteps)
	require.NotNil(t, res.Trace.Result.FailureInfo)
	assert.Contains(t, res.Trace.Result.FailureInfo.Error, "http 503")

	got := drain(events)
	last := got[len(got)-1]
	assert.Equal(t, progress.KindStepError, last.Kind)
	assert.Equal(t, 1, last.StepID)
	assert.Equal(t, "fetch_data", last.Tool)
}

func TestExecuteResolutionFailure(t *testing.T) {
	env := newExecEnv(t)
	env.addTool(t, fetchMetadata(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"payload": "no content here"}, nil
	})
	env.addTool(t, processorMetadata(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		t.Fatal("handle must not run")
		return nil, nil
	})

	res, err := env.ex.Execute(context.Background(), twoStepPlan(), "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, plan.ErrResolution)
	assert.Equal(t, "VariableResolutionError", res.ErrorKind)
	assert.Equal(t, 2, res.FailedStep)
	assert.Equal(t, []int{1}, res.ExecutedSteps)
}

func TestExecuteSchemaOutputNeedsContent(t *testing.T) {
	env := newExecEnv(t)
	env.addTool(t, fetchMetadata(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"content": "data"}, nil
	})
	env.addTool(t, processorMetadata(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"summary": "missing the contract field"}, nil
	})

	res, err := env.ex.Execute(context.Background(), twoStepPlan(), "s1")
	require.Error(t, err)
	assert.Equal(t, 2, res.FailedStep)
	assert.Equal(t, "ToolExecutionError", res.ErrorKind)
	assert.Contains(t, res.Error, "content")
}

func TestExecuteCancellationBetweenSteps(t *testing.T) {
	env := newExecEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	env.addTool(t, fetchMetadata(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		cancel()
		return map[string]any{"content": "data"}, nil
	})
	env.addTool(t, processorMetadata(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		t.Fatal("handle must not run after cancellation")
		return nil, nil
	})

	res, err := env.ex.Execute(ctx, twoStepPlan(), "s1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "Cancelled", res.ErrorKind)
	assert.Equal(t, []int{1}, res.ExecutedSteps)
	require.NotNil(t, res.Trace.Result.FailureInfo)
	assert.Equal(t, "Cancelled", res.Trace.Result.FailureInfo.ErrorKind)
}

func TestExecuteInvalidPlanClassified(t *testing.T) {
	env := newExecEnv(t)
	env.addTool(t, fetchMetadata(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"content": "data"}, nil
	})

	p := twoStepPlan()
	p.Steps = p.Steps[:1]
	p.Steps[0].Dependencies = []int{1}

	res, err := env.ex.Execute(context.Background(), p, "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, plan.ErrValidation)
	assert.Equal(t, "PlanValidationError", res.ErrorKind)
	assert.Empty(t, res.ExecutedSteps)
}
