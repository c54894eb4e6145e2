// Package plan defines the workflow plan model: typed steps, flow
// identifiers, structural validation, dependency ordering, and the variable
// resolver applied to tool inputs at execution time.
package plan

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Step is one node of the workflow DAG. Dependencies name prior step_ids
// only; the input mapping may carry {{steps.N.field}} references resolved
// just before invocation.
type Step struct {
	StepID       int            `json:"step_id"`
	Description  string         `json:"description"`
	Tool         string         `json:"tool"`
	ToolInput    map[string]any `json:"tool_input"`
	Dependencies []int          `json:"dependencies,omitempty"`
	Reasoning    string         `json:"reasoning,omitempty"`
}

// Plan is a persisted workflow. Step ids are the dense sequence 1..N and the
// dependency graph is acyclic; Validate enforces both.
type Plan struct {
	FlowID            string    `json:"flow_id"`
	OriginalQuery     string    `json:"original_query"`
	QueryHash         string    `json:"query_hash,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	GenerationTime    float64   `json:"generation_time,omitempty"`
	UsedModel         string    `json:"used_model,omitempty"`
	AppName           string    `json:"app_name,omitempty"`
	OverallStrategy   string    `json:"overall_strategy,omitempty"`
	ComplexityLevel   string    `json:"complexity_level,omitempty"`
	EstimatedSteps    int       `json:"estimated_steps,omitempty"`
	Steps             []Step    `json:"steps"`
	ReusedFrom        string    `json:"reused_from,omitempty"`
	ReflectionChainID string    `json:"reflection_chain_id,omitempty"`
}

// NewFlowID mints a flow identifier: flow_<unix>_<8 hex chars>.
func NewFlowID() string {
	return fmt.Sprintf("flow_%d_%s", time.Now().Unix(), uuid.NewString()[:8])
}

// HashQuery fingerprints a normalized task description for exact-match
// lookup.
func HashQuery(normalized string) string {
	sum := md5.Sum([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// FromRaw converts a decoded model response into a typed plan.
func FromRaw(raw map[string]any) (*Plan, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsing, err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsing, err)
	}
	return &p, nil
}

// ToolsUsed returns the distinct tool names in step order.
func (p *Plan) ToolsUsed() []string {
	seen := make(map[string]bool, len(p.Steps))
	out := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		if !seen[s.Tool] {
			seen[s.Tool] = true
			out = append(out, s.Tool)
		}
	}
	return out
}

// Step returns the step with the given id, if present.
func (p *Plan) Step(id int) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].StepID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}
