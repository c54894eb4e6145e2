package plan

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"flowforge/internal/logging"
)

// Parsed is the executable view of a plan: step lookup, predecessor graph,
// and a deterministic topological execution order.
type Parsed struct {
	StepMap   map[int]*Step
	Graph     map[int][]int
	Order     []int
	StepCount int
}

// Parser validates plan structure and derives the execution order.
type Parser struct{}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse validates the plan and computes its topological execution order.
func (pr *Parser) Parse(p *Plan) (*Parsed, error) {
	lg := logging.Get(logging.CategoryExecutor)
	t := logging.StartTimer(logging.CategoryExecutor, "plan_parse")
	defer t.Stop()

	if err := Validate(p); err != nil {
		return nil, err
	}

	stepMap := make(map[int]*Step, len(p.Steps))
	graph := make(map[int][]int, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		stepMap[s.StepID] = s
		graph[s.StepID] = append([]int(nil), s.Dependencies...)
	}

	if err := ValidateDependencies(graph); err != nil {
		return nil, err
	}

	order, err := topoSort(graph)
	if err != nil {
		return nil, err
	}
	lg.Debugw("plan parsed", "flow_id", p.FlowID, "order", order)

	return &Parsed{
		StepMap:   stepMap,
		Graph:     graph,
		Order:     order,
		StepCount: len(p.Steps),
	}, nil
}

// Validate enforces the structural invariants of a plan: at least one step,
// step_ids forming the dense sequence 1..N, complete step fields,
// dependencies naming existing steps other than the step itself, and every
// {{steps.k.field}} reference targeting an earlier step.
func Validate(p *Plan) error {
	if p == nil {
		return fmt.Errorf("%w: plan is nil", ErrValidation)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrValidation)
	}

	n := len(p.Steps)
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.StepID != i+1 {
			return fmt.Errorf("%w: step_ids must be the dense sequence 1..%d, position %d has id %d",
				ErrValidation, n, i, s.StepID)
		}
		if s.Description == "" {
			return fmt.Errorf("%w: step %d has no description", ErrValidation, s.StepID)
		}
		if s.Tool == "" {
			return fmt.Errorf("%w: step %d has no tool", ErrValidation, s.StepID)
		}
		if s.ToolInput == nil {
			return fmt.Errorf("%w: step %d has no tool_input", ErrValidation, s.StepID)
		}
		for _, dep := range s.Dependencies {
			if dep == s.StepID {
				return fmt.Errorf("%w: step %d depends on itself", ErrValidation, s.StepID)
			}
			if dep < 1 || dep > n {
				return fmt.Errorf("%w: step %d depends on unknown step %d", ErrValidation, s.StepID, dep)
			}
		}
		if err := checkReferences(s); err != nil {
			return err
		}
	}
	return nil
}

// ValidateDependencies rejects graphs that cannot produce an execution
// order: cycles first, then dependencies pointing at later steps.
func ValidateDependencies(graph map[int][]int) error {
	if err := detectCycles(graph); err != nil {
		return err
	}
	for node, deps := range graph {
		for _, dep := range deps {
			if dep > node {
				return fmt.Errorf("%w: step %d depends on later step %d", ErrValidation, node, dep)
			}
		}
	}
	return nil
}

// detectCycles runs a DFS with a recursion-stack set. Nodes are visited in
// ascending order so the reported cycle is stable.
func detectCycles(graph map[int][]int) error {
	nodes := make([]int, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Ints(nodes)

	visited := make(map[int]bool, len(graph))
	onStack := make(map[int]bool, len(graph))

	var path []int
	var walk func(node int) error
	walk = func(node int) error {
		visited[node] = true
		onStack[node] = true
		path = append(path, node)

		for _, dep := range graph[node] {
			if !visited[dep] {
				if err := walk(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]int(nil), path[start:]...), dep)
				parts := make([]string, len(cycle))
				for i, n := range cycle {
					parts[i] = strconv.Itoa(n)
				}
				return fmt.Errorf("%w: cycle: %s", ErrDependency, strings.Join(parts, " -> "))
			}
		}

		path = path[:len(path)-1]
		onStack[node] = false
		return nil
	}

	for _, node := range nodes {
		if !visited[node] {
			if err := walk(node); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoSort applies Kahn's algorithm. Ready nodes are consumed in ascending
// step_id order so equal plans always execute identically.
func topoSort(graph map[int][]int) ([]int, error) {
	inDegree := make(map[int]int, len(graph))
	dependents := make(map[int][]int, len(graph))
	for node, deps := range graph {
		inDegree[node] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], node)
		}
	}

	var ready []int
	for node, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, node)
		}
	}
	sort.Ints(ready)

	order := make([]int, 0, len(graph))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)

		for _, next := range dependents[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				at := sort.SearchInts(ready, next)
				ready = append(ready, 0)
				copy(ready[at+1:], ready[at:])
				ready[at] = next
			}
		}
	}

	if len(order) != len(graph) {
		return nil, fmt.Errorf("%w: dependency graph has no complete ordering", ErrDependency)
	}
	return order, nil
}

// refPattern matches both brace forms; only the step id matters here.
var refPattern = regexp.MustCompile(`\{\{?steps\.(\d+)\.`)

// checkReferences rejects zero, self, and forward step references inside a
// step's tool_input. These are structural plan defects, found before any
// execution starts.
func checkReferences(s *Step) error {
	var walk func(v any) error
	walk = func(v any) error {
		switch val := v.(type) {
		case string:
			for _, m := range refPattern.FindAllStringSubmatch(val, -1) {
				target, err := strconv.Atoi(m[1])
				if err != nil {
					continue
				}
				switch {
				case target == 0:
					return fmt.Errorf("%w: step %d references step 0", ErrValidation, s.StepID)
				case target == s.StepID:
					return fmt.Errorf("%w: step %d references its own output", ErrValidation, s.StepID)
				case target > s.StepID:
					return fmt.Errorf("%w: step %d references later step %d", ErrValidation, s.StepID, target)
				}
			}
		case map[string]any:
			for _, item := range val {
				if err := walk(item); err != nil {
					return err
				}
			}
		case []any:
			for _, item := range val {
				if err := walk(item); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, v := range s.ToolInput {
		if err := walk(v); err != nil {
			return err
		}
	}
	return nil
}
