package ace

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"flowforge/internal/logging"
	"flowforge/internal/plan"
	"flowforge/internal/storage"
)

// StepDetail records one step invocation inside a trace.
type StepDetail struct {
	StepID       int            `json:"step_id"`
	ToolName     string         `json:"tool_name"`
	ToolInput    map[string]any `json:"tool_input"`
	ToolOutput   map[string]any `json:"tool_output"` // nil when the step failed
	Duration     float64        `json:"duration"`    // seconds
	Error        string         `json:"error,omitempty"`
	ToolMetadata map[string]any `json:"tool_metadata"`
	Timestamp    time.Time      `json:"timestamp"`
}

// FailureInfo describes the first failing step of a run.
type FailureInfo struct {
	StepID    int    `json:"step_id"`
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
	Traceback string `json:"traceback,omitempty"` // unwrapped error chain
}

// ExecutionResult is the outcome summary of a run.
type ExecutionResult struct {
	Success       bool         `json:"success"`
	ExecutedSteps []int        `json:"executed_steps"`
	StepResults   map[int]any  `json:"step_results"`
	ExecutionTime float64      `json:"execution_time"` // seconds
	FailureInfo   *FailureInfo `json:"failure_info,omitempty"`
}

// ExecutionTrace is the complete record of one workflow run, the input to
// the reflector.
type ExecutionTrace struct {
	TraceID         string          `json:"trace_id"`
	FlowID          string          `json:"flow_id"`
	TaskDescription string          `json:"task_description"`
	Plan            *plan.Plan      `json:"plan_json"`
	ToolsUsed       []string        `json:"tools_used"`
	Result          ExecutionResult `json:"execution_result"`
	StepDetails     []StepDetail    `json:"step_details"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Success reports whether the traced run succeeded.
func (t *ExecutionTrace) Success() bool { return t.Result.Success }

// FailedStepDetail returns the detail of the failing step, if any.
func (t *ExecutionTrace) FailedStepDetail() *StepDetail {
	if t.Result.FailureInfo == nil {
		return nil
	}
	for i := range t.StepDetails {
		if t.StepDetails[i].StepID == t.Result.FailureInfo.StepID {
			return &t.StepDetails[i]
		}
	}
	return nil
}

// Generator captures execution traces. One trace is active at a time; the
// executor drives the record calls and finalizes on completion.
type Generator struct {
	mu      sync.Mutex
	st      *storage.Manager
	current *ExecutionTrace
}

// NewGenerator creates a trace generator.
func NewGenerator(st *storage.Manager) *Generator {
	return &Generator{st: st}
}

// StartTrace opens a new trace for a run, replacing any unfinalized one.
func (g *Generator) StartTrace(description string, p *plan.Plan) *ExecutionTrace {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.current = &ExecutionTrace{
		TraceID:         uuid.NewString(),
		FlowID:          p.FlowID,
		TaskDescription: description,
		Plan:            p,
		Result: ExecutionResult{
			StepResults: make(map[int]any),
		},
		Timestamp: time.Now().UTC(),
	}
	logging.Get(logging.CategoryACE).Debugw("trace started",
		"trace_id", g.current.TraceID, "flow_id", p.FlowID)
	return g.current
}

// RecordStep appends one step invocation to the active trace.
func (g *Generator) RecordStep(detail StepDetail) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		logging.Get(logging.CategoryACE).Warnw("no active trace, step dropped", "step_id", detail.StepID)
		return
	}
	detail.Timestamp = time.Now().UTC()
	g.current.StepDetails = append(g.current.StepDetails, detail)

	for _, t := range g.current.ToolsUsed {
		if t == detail.ToolName {
			return
		}
	}
	g.current.ToolsUsed = append(g.current.ToolsUsed, detail.ToolName)
}

// RecordSuccess marks the active trace as a successful run.
func (g *Generator) RecordSuccess(executedSteps []int, stepResults map[int]any, execTime time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return
	}
	g.current.Result.Success = true
	g.current.Result.ExecutedSteps = executedSteps
	g.current.Result.StepResults = stepResults
	g.current.Result.ExecutionTime = execTime.Seconds()
}

// RecordFailure marks the active trace as failed at a step.
func (g *Generator) RecordFailure(stepID int, err error, errorKind string, executedSteps []int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return
	}
	g.current.Result.Success = false
	g.current.Result.ExecutedSteps = executedSteps
	g.current.Result.FailureInfo = &FailureInfo{
		StepID:    stepID,
		Error:     err.Error(),
		ErrorKind: errorKind,
		Traceback: errorChain(err),
	}
}

// Finalize persists and returns the active trace, clearing it.
func (g *Generator) Finalize() *ExecutionTrace {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return nil
	}

	trace := g.current
	g.current = nil
	if err := g.st.SaveJSON(g.st.TraceFile(trace.TraceID), trace); err != nil {
		logging.Get(logging.CategoryACE).Warnw("trace save failed", "trace_id", trace.TraceID, "err", err)
	}
	return trace
}

// Current returns the active trace, if any.
func (g *Generator) Current() *ExecutionTrace {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// LoadTrace reads a persisted trace by id.
func (g *Generator) LoadTrace(traceID string) (*ExecutionTrace, error) {
	var trace ExecutionTrace
	if err := g.st.LoadJSON(g.st.TraceFile(traceID), &trace); err != nil {
		return nil, err
	}
	return &trace, nil
}

// RecentTraces returns up to limit traces, newest first. Unreadable files
// are skipped.
func (g *Generator) RecentTraces(limit int) []*ExecutionTrace {
	if limit <= 0 {
		limit = 10
	}
	paths, err := g.st.ListJSON(g.st.TracesDir())
	if err != nil {
		return nil
	}

	lg := logging.Get(logging.CategoryACE)
	traces := make([]*ExecutionTrace, 0, limit)
	for _, path := range paths {
		var trace ExecutionTrace
		if err := g.st.LoadJSON(path, &trace); err != nil {
			lg.Warnw("trace unreadable, skipping", "path", path, "err", err)
			continue
		}
		traces = append(traces, &trace)
		if len(traces) == limit {
			break
		}
	}
	return traces
}

// errorChain renders the full wrap chain of an error, outermost first.
func errorChain(err error) string {
	var chain string
	for err != nil {
		if chain != "" {
			chain += "\n  caused by: "
		}
		chain += err.Error()
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return chain
}
