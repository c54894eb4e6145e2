package plan

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func step(id int, tool string, deps ...int) Step {
	return Step{
		StepID:       id,
		Description:  "step " + tool,
		Tool:         tool,
		ToolInput:    map[string]any{},
		Dependencies: deps,
	}
}

func TestParseLinearPlan(t *testing.T) {
	p := &Plan{FlowID: "flow_1_abcd1234", Steps: []Step{
		step(1, "a"),
		step(2, "b", 1),
		step(3, "c", 2),
	}}

	parsed, err := NewParser().Parse(p)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, parsed.Order)
	require.Equal(t, 3, parsed.StepCount)
	require.Equal(t, "b", parsed.StepMap[2].Tool)
}

func TestParseDiamondOrderIsDeterministic(t *testing.T) {
	build := func() *Plan {
		return &Plan{Steps: []Step{
			step(1, "a"),
			step(2, "b", 1),
			step(3, "c", 1),
			step(4, "d", 2, 3),
		}}
	}

	first, err := NewParser().Parse(build())
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3, 4}, first.Order)

	// Same plan, same order, every time.
	for i := 0; i < 10; i++ {
		again, err := NewParser().Parse(build())
		require.NoError(t, err)
		if diff := cmp.Diff(first.Order, again.Order); diff != "" {
			t.Fatalf("order changed between runs (-first +again):\n%s", diff)
		}
	}
}

func TestParseIndependentStepsAscending(t *testing.T) {
	p := &Plan{Steps: []Step{
		step(1, "a"),
		step(2, "b"),
		step(3, "c"),
	}}
	parsed, err := NewParser().Parse(p)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, parsed.Order)
}

func TestCycleRejected(t *testing.T) {
	p := &Plan{Steps: []Step{
		step(1, "a", 2),
		step(2, "b", 1),
	}}

	_, err := NewParser().Parse(p)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDependency), "want ErrDependency, got %v", err)
	require.Contains(t, err.Error(), "cycle: 1 -> 2 -> 1")
}

func TestValidateRejectsSparseStepIDs(t *testing.T) {
	p := &Plan{Steps: []Step{step(1, "a"), step(3, "b")}}
	err := Validate(p)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestValidateRejectsEmptyPlan(t *testing.T) {
	err := Validate(&Plan{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	p := &Plan{Steps: []Step{step(1, "a", 1)}}
	err := Validate(p)
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, err.Error(), "depends on itself")
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	p := &Plan{Steps: []Step{step(1, "a", 7)}}
	require.ErrorIs(t, Validate(p), ErrValidation)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := map[string]Step{
		"no description": {StepID: 1, Tool: "a", ToolInput: map[string]any{}},
		"no tool":        {StepID: 1, Description: "d", ToolInput: map[string]any{}},
		"no tool_input":  {StepID: 1, Description: "d", Tool: "a"},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, Validate(&Plan{Steps: []Step{s}}), ErrValidation)
		})
	}
}

func TestValidateRejectsBadReferences(t *testing.T) {
	withInput := func(in map[string]any) *Plan {
		return &Plan{Steps: []Step{
			step(1, "a"),
			{StepID: 2, Description: "d", Tool: "b", ToolInput: in, Dependencies: []int{1}},
		}}
	}

	cases := map[string]struct {
		input map[string]any
		frag  string
	}{
		"zero":    {map[string]any{"x": "{{steps.0.out}}"}, "step 0"},
		"self":    {map[string]any{"x": "{{steps.2.out}}"}, "own output"},
		"forward": {map[string]any{"x": "{{steps.3.out}}"}, "later step 3"},
		"nested":  {map[string]any{"x": []any{map[string]any{"y": "{steps.5.out}"}}}, "later step 5"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := Validate(withInput(tc.input))
			require.ErrorIs(t, err, ErrValidation)
			require.Contains(t, err.Error(), tc.frag)
		})
	}
}

func TestValidateAcceptsBackReferences(t *testing.T) {
	p := &Plan{Steps: []Step{
		step(1, "a"),
		{StepID: 2, Description: "d", Tool: "b", Dependencies: []int{1},
			ToolInput: map[string]any{"x": "{{steps.1.out}}"}},
	}}
	require.NoError(t, Validate(p))
}

func TestValidateDependenciesForwardEdge(t *testing.T) {
	// A forward dependency with no back edge is not a cycle but still
	// unordered with respect to step ids.
	graph := map[int][]int{1: {2}, 2: {}}
	err := ValidateDependencies(graph)
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, err.Error(), "later step 2")
}

func TestFromRawRoundTrip(t *testing.T) {
	raw := map[string]any{
		"flow_id":        "flow_99_deadbeef",
		"original_query": "resize the image",
		"steps": []any{
			map[string]any{
				"step_id":     float64(1),
				"description": "load",
				"tool":        "image_loader",
				"tool_input":  map[string]any{"path": "in.png"},
			},
		},
	}
	p, err := FromRaw(raw)
	require.NoError(t, err)
	require.Equal(t, "flow_99_deadbeef", p.FlowID)
	require.Len(t, p.Steps, 1)
	require.Equal(t, "image_loader", p.Steps[0].Tool)
	require.NoError(t, Validate(p))
}

func TestNewFlowIDShape(t *testing.T) {
	id := NewFlowID()
	parts := strings.SplitN(id, "_", 3)
	require.Len(t, parts, 3)
	require.Equal(t, "flow", parts[0])
	require.Len(t, parts[2], 8)
	require.NotEqual(t, id, NewFlowID())
}

func TestHashQueryStable(t *testing.T) {
	a := HashQuery("open the settings page")
	b := HashQuery("open the settings page")
	require.Equal(t, a, b)
	require.Len(t, a, 32)
	require.NotEqual(t, a, HashQuery("open the settings panel"))
}

func TestToolsUsedDedup(t *testing.T) {
	p := &Plan{Steps: []Step{step(1, "a"), step(2, "b", 1), step(3, "a", 2)}}
	require.Equal(t, []string{"a", "b"}, p.ToolsUsed())
}
