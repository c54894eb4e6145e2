package ace

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"flowforge/internal/logging"
	"flowforge/internal/model"
)

// Failure classes assigned by the reflector. Success and quality issues
// flow through the same curation pipeline.
const (
	FailureWorkflow = "workflow"
	FailureTool     = "tool"
	FailureMixed    = "mixed"
	OutcomeSuccess  = "success"
	OutcomeQuality  = "quality_issue"
)

// Error kinds that indicate a defect in the plan itself rather than in a
// tool invocation.
var workflowErrorKinds = map[string]bool{
	"ToolNotFound":            true,
	"VariableResolutionError": true,
	"DependencyError":         true,
	"PlanParsingError":        true,
	"PlanValidationError":     true,
}

// Insights is the structured outcome of a reflection, keyed the way the
// curator consumes it. The "failure_type" key is always present.
type Insights map[string]any

// FailureType returns the assigned failure class.
func (in Insights) FailureType() string {
	s, _ := in["failure_type"].(string)
	return s
}

// Reflector distills execution traces into insights: why a run failed, what
// made it succeed, or why its output quality disappointed.
type Reflector struct {
	client model.Client
}

// NewReflector creates a reflector over a model client.
func NewReflector(client model.Client) *Reflector {
	return &Reflector{client: client}
}

// AnalyzeTrace classifies the trace outcome and runs the matching analysis.
func (r *Reflector) AnalyzeTrace(ctx context.Context, trace *ExecutionTrace) (Insights, error) {
	timer := logging.StartTimer(logging.CategoryACE, "AnalyzeTrace")
	defer timer.Stop()

	if trace.Success() {
		return r.identifySuccessPatterns(ctx, trace)
	}

	failureType, err := r.classifyFailure(ctx, trace)
	if err != nil {
		return nil, err
	}
	switch failureType {
	case FailureWorkflow:
		return r.analyzeFailure(ctx, trace, buildWorkflowFailurePrompt(trace), FailureWorkflow)
	case FailureTool:
		return r.analyzeFailure(ctx, trace, buildToolFailurePrompt(trace), FailureTool)
	default:
		return r.analyzeFailure(ctx, trace, buildMixedFailurePrompt(trace), FailureMixed)
	}
}

// classifyFailure decides workflow vs tool vs mixed. Structural error kinds
// are classified by rule; ambiguous failures go to the model.
func (r *Reflector) classifyFailure(ctx context.Context, trace *ExecutionTrace) (string, error) {
	lg := logging.Get(logging.CategoryACE)
	info := trace.Result.FailureInfo
	if info == nil {
		return FailureMixed, nil
	}

	if workflowErrorKinds[info.ErrorKind] {
		lg.Infow("failure classified by rule", "kind", info.ErrorKind, "class", FailureWorkflow)
		return FailureWorkflow, nil
	}
	if info.ErrorKind == "ToolExecutionError" {
		lg.Infow("failure classified by rule", "kind", info.ErrorKind, "class", FailureTool)
		return FailureTool, nil
	}

	prompt := fmt.Sprintf(`A workflow execution failed. Decide whether the root cause is in the
workflow design or in a tool invocation.

Task: %s
Failed step: %d
Error kind: %s
Error: %s

Workflow structure:
%s

Respond with JSON:
{
  "failure_type": "workflow | tool | mixed",
  "confidence": 0.95,
  "reasoning": "...",
  "primary_cause": "...",
  "secondary_causes": ["..."]
}

Classification guide:
- workflow: step dependencies, ordering, tool selection, variable references
- tool: tool parameters, tool-internal logic, tool prompts
- mixed: both

Return JSON only.`,
		trace.TaskDescription, info.StepID, info.ErrorKind, info.Error, compactPlan(trace, 1000))

	result, err := r.client.CompleteJSON(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: classify failure: %v", ErrReflection, err)
	}

	verdict, _ := result["failure_type"].(string)
	verdict = strings.ToLower(verdict)
	switch {
	case strings.Contains(verdict, "workflow"):
		return FailureWorkflow, nil
	case strings.Contains(verdict, "tool"):
		return FailureTool, nil
	default:
		return FailureMixed, nil
	}
}

func (r *Reflector) analyzeFailure(ctx context.Context, trace *ExecutionTrace, prompt, failureType string) (Insights, error) {
	result, err := r.client.CompleteJSON(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %s analysis: %v", ErrReflection, failureType, err)
	}
	insights := Insights(result)
	insights["failure_type"] = failureType
	logging.Get(logging.CategoryACE).Infow("failure analyzed", "class", failureType)
	return insights, nil
}

// identifySuccessPatterns extracts reusable strategies from a successful
// run. Analysis failure degrades to a minimal insight instead of an error.
func (r *Reflector) identifySuccessPatterns(ctx context.Context, trace *ExecutionTrace) (Insights, error) {
	result, err := r.client.CompleteJSON(ctx, buildSuccessPrompt(trace))
	if err != nil {
		logging.Get(logging.CategoryACE).Warnw("success analysis failed, using minimal insight", "err", err)
		return Insights{
			"failure_type":       OutcomeSuccess,
			"success_strategies": []any{"workflow completed successfully"},
		}, nil
	}
	insights := Insights(result)
	insights["failure_type"] = OutcomeSuccess
	return insights, nil
}

// AnalyzeQuality handles the case where execution succeeded but the user
// judged the output poor. The chain records both sides of the model call.
func (r *Reflector) AnalyzeQuality(ctx context.Context, trace *ExecutionTrace, feedback string, chain *ReflectionChain) (Insights, error) {
	timer := logging.StartTimer(logging.CategoryACE, "AnalyzeQuality")
	defer timer.Stop()

	prompt := buildQualityPrompt(trace, feedback)

	if chain != nil {
		chain.Add(StageQualityAnalysis, map[string]any{
			"task_description": trace.TaskDescription,
			"user_feedback":    feedback,
			"prompt_length":    len(prompt),
		}, nil, nil, "", "")
	}

	result, err := r.client.CompleteJSON(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: quality analysis: %v", ErrReflection, err)
	}
	insights := Insights(result)
	insights["failure_type"] = OutcomeQuality

	if chain != nil {
		chain.Add(StageQualityAnalysisResult, nil, map[string]any{
			"problem_step":            insights["problem_step"],
			"root_cause":              insights["root_cause"],
			"improvement_suggestions": insights["improvement_suggestions"],
			"prompt_optimization":     insights["prompt_optimization"],
		}, nil, fmt.Sprintf("quality issue identified: %v", insights["root_cause"]), "")
	}
	return insights, nil
}

// =============================================================================
// PROMPT BUILDERS
// =============================================================================

func compactPlan(trace *ExecutionTrace, limit int) string {
	data, err := json.MarshalIndent(trace.Plan, "", "  ")
	if err != nil {
		return "{}"
	}
	if limit > 0 && len(data) > limit {
		data = data[:limit]
	}
	return string(data)
}

func buildWorkflowFailurePrompt(trace *ExecutionTrace) string {
	info := trace.Result.FailureInfo
	var failedStep string
	if s, ok := trace.Plan.Step(info.StepID); ok {
		if data, err := json.Marshal(s); err == nil {
			failedStep = string(data)
		}
	}

	return fmt.Sprintf(`You are a workflow design expert. Analyze this workflow design failure.

Task: %s

Generated workflow:
%s

Execution:
- executed steps: %v
- failed step: %d
- failed step detail: %s
- error: %s

Consider: are the dependencies sound, the step order correct, any
intermediate steps missing, the tool choices appropriate, the variable
references valid?

Respond with JSON:
{
  "failure_type": "workflow",
  "root_cause": "...",
  "workflow_issues": [{"issue": "...", "location": "...", "suggestion": "..."}],
  "improved_workflow_strategy": "...",
  "steps_to_add": ["..."],
  "steps_to_remove": ["..."],
  "steps_to_reorder": [{"from": 2, "to": 1, "reason": "..."}]
}

Return JSON only.`,
		trace.TaskDescription, compactPlan(trace, 0),
		trace.Result.ExecutedSteps, info.StepID, failedStep, info.Error)
}

func buildToolFailurePrompt(trace *ExecutionTrace) string {
	info := trace.Result.FailureInfo
	toolName := "unknown"
	var toolInput, schemaConstraint string
	if detail := trace.FailedStepDetail(); detail != nil {
		toolName = detail.ToolName
		if data, err := json.MarshalIndent(detail.ToolInput, "", "  "); err == nil {
			toolInput = string(data)
		}
		schemaConstraint = outputSchemaConstraint(detail.ToolMetadata)
	}

	return fmt.Sprintf(`You are a tool invocation expert. Analyze this tool failure.

Task: %s

Failed step:
- step id: %d
- tool: %s
- tool input: %s
- error: %s
- error chain:
%s

Consider: are the input parameters correct and complete, the types
matching, the values in range, and does the tool's internal prompt need
optimization?
%s
Respond with JSON:
{
  "failure_type": "tool",
  "tool_name": "%s",
  "root_cause": "...",
  "parameter_issues": [{"parameter": "...", "issue": "...", "current_value": "...", "suggested_value": "...", "reason": "..."}],
  "tool_prompt_optimization": {
    "needs_optimization": true,
    "current_issues": ["..."],
    "suggested_prompt": "...",
    "optimization_reason": "..."
  },
  "tool_usage_best_practice": "..."
}

Return JSON only.`,
		trace.TaskDescription, info.StepID, toolName, toolInput,
		info.Error, info.Traceback, schemaConstraint, toolName)
}

func buildMixedFailurePrompt(trace *ExecutionTrace) string {
	info := trace.Result.FailureInfo
	return fmt.Sprintf(`You are a workflow diagnostician. This execution failed; analyze both the
workflow design and the tool invocations.

Task: %s

Workflow:
%s

Failure:
- failed step: %d
- error: %s
- executed steps: %v

Respond with JSON:
{
  "failure_type": "mixed",
  "workflow_analysis": {"has_workflow_issues": true, "issues": ["..."], "suggestions": ["..."]},
  "tool_analysis": {"has_tool_issues": true, "issues": ["..."], "suggestions": ["..."]},
  "primary_cause": "workflow | tool",
  "recommendations": ["..."]
}

Return JSON only.`,
		trace.TaskDescription, compactPlan(trace, 0),
		info.StepID, info.Error, trace.Result.ExecutedSteps)
}

func buildSuccessPrompt(trace *ExecutionTrace) string {
	return fmt.Sprintf(`You are a workflow analyst. This workflow succeeded; extract the key
success patterns.

Task: %s

Workflow:
%s

Result:
- executed steps: %v
- total time: %.2fs
- tools used: %v

Respond with JSON:
{
  "success_strategies": ["..."],
  "tool_best_practices": {"tool_name": "practice"},
  "workflow_patterns": ["..."],
  "key_insights": ["..."]
}

Return JSON only.`,
		trace.TaskDescription, compactPlan(trace, 0),
		trace.Result.ExecutedSteps, trace.Result.ExecutionTime, trace.ToolsUsed)
}

func buildQualityPrompt(trace *ExecutionTrace, feedback string) string {
	steps, _ := json.MarshalIndent(trace.StepDetails, "", "  ")

	// The constraint of the most plausible problem tool: any model-backed
	// step that declares an output schema.
	var schemaConstraint string
	for i := range trace.StepDetails {
		if c := outputSchemaConstraint(trace.StepDetails[i].ToolMetadata); c != "" {
			schemaConstraint = c
			break
		}
	}

	return fmt.Sprintf(`The workflow executed successfully but the user judged the output poor.
Analyze the quality gap.

Task: %s

Execution steps:
%s

User feedback:
%s

Analyze:
1. Where does the actual output diverge from what the user expected?
2. Root cause: extraction accuracy, model understanding, or workflow shape?
3. Improvements: prompt changes, workflow adjustments, parameter tuning.
%s
Critical: the optimized prompt must not define any JSON format or output
fields. The tool's declared output schema already fixes the response shape;
the prompt may only describe what to extract and how to organize it as text.

Respond with JSON:
{
  "problem_step": 1,
  "root_cause": "...",
  "improvement_suggestions": ["..."],
  "prompt_optimization": {
    "tool": "...",
    "suggested_prompt": "task description only, no JSON format definitions"
  }
}

Return JSON only.`,
		trace.TaskDescription, string(steps), feedback, schemaConstraint)
}

// outputSchemaConstraint renders the schema-compliance instruction block for
// a tool that declares an output schema.
func outputSchemaConstraint(toolMetadata map[string]any) string {
	if toolMetadata == nil {
		return ""
	}
	schema, ok := toolMetadata["output_schema"]
	if !ok || schema == nil {
		return ""
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return fmt.Sprintf(`
Constraint: the tool declares this output schema and any optimized prompt
must comply with it:
%s

Rules for prompt optimization:
1. Do not define a new JSON format in the prompt; the schema already fixes it.
2. Optimize only the task description: what to extract, how to organize it.
3. Require the content to be consolidated into a single text string.
`, string(data))
}
