// Package executor runs a validated plan step by step: sequential execution
// in topological order, variable resolution against prior step outputs,
// per-step tracing, and progress events for the owning session.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowforge/internal/ace"
	"flowforge/internal/logging"
	"flowforge/internal/match"
	"flowforge/internal/plan"
	"flowforge/internal/progress"
	"flowforge/internal/promptcache"
	"flowforge/internal/tools"
)

// ErrExecution signals that a plan run failed. The step-level cause is
// wrapped and carries its own sentinel where one applies.
var ErrExecution = errors.New("executor: plan execution failed")

// Result is the outcome envelope of one run. On failure ExecutedSteps holds
// the steps that completed before the failing one.
type Result struct {
	Success       bool           `json:"success"`
	ExecutedSteps []int          `json:"executed_steps"`
	StepResults   map[int]any    `json:"step_results"`
	ExecutionTime time.Duration  `json:"execution_time"`
	FailedStep    int            `json:"failed_step,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	Error         string         `json:"error,omitempty"`
	Trace         *ace.ExecutionTrace `json:"-"`
}

// Executor drives plan runs. The trace generator is required; matcher,
// prompt cache, and progress bus are optional collaborators.
type Executor struct {
	registry *tools.Registry
	parser   *plan.Parser
	traces   *ace.Generator
	matcher  *match.Matcher
	pc       *promptcache.Cache
	bus      *progress.Bus
}

// New creates an executor over the activated tool registry.
func New(registry *tools.Registry, traces *ace.Generator, matcher *match.Matcher,
	pc *promptcache.Cache, bus *progress.Bus) *Executor {
	return &Executor{
		registry: registry,
		parser:   plan.NewParser(),
		traces:   traces,
		matcher:  matcher,
		pc:       pc,
		bus:      bus,
	}
}

// Execute runs the plan sequentially in dependency order. The first failing
// step stops the run; the trace is finalized either way and returned inside
// the result for reflection.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan, sessionID string) (*Result, error) {
	lg := logging.Get(logging.CategoryExecutor)
	t := logging.StartTimer(logging.CategoryExecutor, "plan_execute")
	defer t.Stop()

	start := time.Now()
	e.traces.StartTrace(p.OriginalQuery, p)
	e.publishStatus(sessionID, progress.KindTaskStart,
		fmt.Sprintf("executing plan %s with %d steps", p.FlowID, len(p.Steps)))

	// Missing tools fail before any step runs.
	for _, name := range p.ToolsUsed() {
		if !e.registry.Has(name) {
			err := fmt.Errorf("%w: %q is not activated", tools.ErrNotFound, name)
			return e.fail(p, sessionID, 0, err, nil, nil, start)
		}
	}

	parsed, err := e.parser.Parse(p)
	if err != nil {
		return e.fail(p, sessionID, 0, err, nil, nil, start)
	}

	executed := make([]int, 0, parsed.StepCount)
	results := make(map[int]any, parsed.StepCount)
	pc := e.flowCache(p.FlowID)

	for _, id := range parsed.Order {
		if err := ctx.Err(); err != nil {
			return e.fail(p, sessionID, id, err, executed, results, start)
		}

		step := parsed.StepMap[id]
		tool, _ := e.registry.Get(step.Tool)
		if e.bus != nil {
			e.bus.StepStart(sessionID, id, step.Tool, step.Description)
		}

		resolved, err := resolveInput(step, results)
		if err != nil {
			e.recordStep(step, resolved, nil, 0, tool.Metadata, err)
			return e.fail(p, sessionID, id, err, executed, results, start)
		}
		// Model-backed tools see their own output schema next to the inputs.
		if tool.Metadata.Kind.IsModelBacked() {
			if _, has := resolved["current_tool_schema"]; !has {
				resolved["current_tool_schema"] = tool.Metadata.OutputSchema
			}
		}

		t0 := time.Now()
		out, err := tool.Handle(ctx, resolved)
		dur := time.Since(t0)
		if err == nil {
			err = validateOutput(step, tool.Metadata, out)
		}
		updateUsage(pc, step.Tool, err == nil, dur)
		if err != nil {
			err = fmt.Errorf("step %d (%s): %w", id, step.Tool, err)
			e.recordStep(step, resolved, nil, dur, tool.Metadata, err)
			return e.fail(p, sessionID, id, err, executed, results, start)
		}

		results[id] = out
		executed = append(executed, id)
		e.recordStep(step, resolved, out, dur, tool.Metadata, nil)
		if e.bus != nil {
			e.bus.StepDone(sessionID, id, step.Tool, step.Description)
		}
		lg.Debugw("step complete", "flow_id", p.FlowID, "step_id", id,
			"tool", step.Tool, "duration", dur)
	}

	elapsed := time.Since(start)
	e.traces.RecordSuccess(executed, results, elapsed)
	trace := e.traces.Finalize()
	e.markExecuted(p.FlowID, true)
	e.publishStatus(sessionID, progress.KindPlanExecution,
		fmt.Sprintf("plan %s complete, %d steps", p.FlowID, len(executed)))
	e.closeSession(sessionID)

	lg.Infow("plan executed", "flow_id", p.FlowID, "steps", len(executed), "duration", elapsed)
	return &Result{
		Success:       true,
		ExecutedSteps: executed,
		StepResults:   results,
		ExecutionTime: elapsed,
		Trace:         trace,
	}, nil
}

// fail finalizes the trace with failure info, emits the step_error event,
// and builds the failure envelope.
func (e *Executor) fail(p *plan.Plan, sessionID string, stepID int, cause error,
	executed []int, results map[int]any, start time.Time) (*Result, error) {

	if executed == nil {
		executed = []int{}
	}
	kind := classifyKind(cause)
	e.traces.RecordFailure(stepID, cause, kind, executed)
	trace := e.traces.Finalize()
	e.markExecuted(p.FlowID, false)

	tool := ""
	if s, ok := p.Step(stepID); ok {
		tool = s.Tool
	}
	if e.bus != nil {
		e.bus.StepError(sessionID, stepID, tool, cause.Error())
	}
	e.closeSession(sessionID)

	logging.Get(logging.CategoryExecutor).Errorw("plan failed",
		"flow_id", p.FlowID, "step_id", stepID, "kind", kind, "err", cause)

	return &Result{
		Success:       false,
		ExecutedSteps: executed,
		StepResults:   results,
		ExecutionTime: time.Since(start),
		FailedStep:    stepID,
		ErrorKind:     kind,
		Error:         cause.Error(),
		Trace:         trace,
	}, fmt.Errorf("%w: %w", ErrExecution, cause)
}

// resolveInput substitutes step references in the tool input against
// recorded outputs.
func resolveInput(step *plan.Step, results map[int]any) (map[string]any, error) {
	resolver := plan.NewResolver(results)
	resolved, err := resolver.Resolve(step.ToolInput)
	if err != nil {
		return nil, err
	}
	out, ok := resolved.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: step %d input resolved to %T", plan.ErrResolution, step.StepID, resolved)
	}
	return out, nil
}

// validateOutput enforces the result contract: a non-nil mapping, and a
// string content field for tools declaring an output schema.
func validateOutput(step *plan.Step, md tools.Metadata, out map[string]any) error {
	if out == nil {
		return fmt.Errorf("tool %q returned no result mapping", step.Tool)
	}
	if len(md.OutputSchema) == 0 {
		return nil
	}
	content, ok := out["content"]
	if !ok {
		return fmt.Errorf("tool %q declares an output schema but returned no content field", step.Tool)
	}
	if _, ok := content.(string); !ok {
		return fmt.Errorf("tool %q returned a non-string content field (%T)", step.Tool, content)
	}
	return nil
}

// classifyKind maps a step failure onto its error kind string.
func classifyKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "Cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, tools.ErrNotFound):
		return "ToolNotFound"
	case errors.Is(err, plan.ErrResolution):
		return "VariableResolutionError"
	case errors.Is(err, plan.ErrDependency):
		return "DependencyError"
	case errors.Is(err, plan.ErrParsing):
		return "PlanParsingError"
	case errors.Is(err, plan.ErrValidation):
		return "PlanValidationError"
	default:
		return "ToolExecutionError"
	}
}

func (e *Executor) recordStep(step *plan.Step, input, output map[string]any,
	dur time.Duration, md tools.Metadata, cause error) {

	detail := ace.StepDetail{
		StepID:     step.StepID,
		ToolName:   step.Tool,
		ToolInput:  input,
		ToolOutput: output,
		Duration:   dur.Seconds(),
		ToolMetadata: toolMetadataSnapshot(md),
	}
	if cause != nil {
		detail.Error = cause.Error()
	}
	e.traces.RecordStep(detail)
}

// toolMetadataSnapshot freezes the metadata the reflector needs later: the
// output schema in particular drives schema-compliant prompt rewrites.
func toolMetadataSnapshot(md tools.Metadata) map[string]any {
	snap := map[string]any{
		"name":        md.Name,
		"kind":        string(md.Kind),
		"description": md.Description,
	}
	if len(md.OutputSchema) > 0 {
		snap["output_schema"] = md.OutputSchema
	}
	return snap
}

// flowCache derives a prompt cache bound to the executing plan's flow, so
// concurrent executions never write into each other's flow dirs.
func (e *Executor) flowCache(flowID string) *promptcache.Cache {
	if e.pc == nil {
		return nil
	}
	return e.pc.ForFlow(flowID)
}

func updateUsage(pc *promptcache.Cache, toolName string, success bool, dur time.Duration) {
	if pc == nil {
		return
	}
	if err := pc.UpdateUsage(toolName, success, dur); err != nil {
		logging.Get(logging.CategoryExecutor).Warnw("usage update failed", "tool", toolName, "err", err)
	}
}

func (e *Executor) markExecuted(flowID string, success bool) {
	if e.matcher == nil {
		return
	}
	if err := e.matcher.MarkExecuted(flowID, success); err != nil {
		logging.Get(logging.CategoryExecutor).Warnw("task record update failed",
			"flow_id", flowID, "success", success, "err", err)
	}
}

func (e *Executor) publishStatus(sessionID string, kind progress.Kind, status string) {
	if e.bus == nil {
		return
	}
	e.bus.Status(sessionID, kind, status)
}

func (e *Executor) closeSession(sessionID string) {
	if e.bus == nil {
		return
	}
	e.bus.CloseSession(sessionID)
}
