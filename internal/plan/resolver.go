package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"flowforge/internal/logging"
)

var (
	// doubleBracePattern is the canonical reference form.
	doubleBracePattern = regexp.MustCompile(`\{\{steps\.(\d+)\.([^}]+)\}\}`)
	// singleBracePattern is accepted for backward compatibility only.
	singleBracePattern = regexp.MustCompile(`\{steps\.(\d+)\.([^}]+)\}`)
)

// Replacement records one placeholder substitution for the trace.
type Replacement struct {
	Placeholder string
	Value       any
	Type        string
}

// Resolver substitutes {{steps.N.field}} references against recorded step
// outputs. A string that consists of exactly one reference resolves to the
// referenced value with its type intact; mixed text stringifies each value
// in place. Double-brace references are matched before the legacy
// single-brace form, so a double placeholder is never consumed twice.
type Resolver struct {
	steps        map[int]any
	replacements []Replacement
}

// NewResolver creates a resolver over the step outputs recorded so far.
func NewResolver(steps map[int]any) *Resolver {
	return &Resolver{steps: steps}
}

// Resolve walks an arbitrary JSON-like value, substituting every reference.
// Maps and slices are rebuilt; non-string scalars pass through.
func (r *Resolver) Resolve(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			resolved, err := r.Resolve(item)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.Resolve(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// Replacements returns the substitutions performed so far.
func (r *Resolver) Replacements() []Replacement {
	return r.replacements
}

// HasVariables reports whether the value contains any reference, in either
// brace form.
func HasVariables(value any) bool {
	switch v := value.(type) {
	case string:
		return doubleBracePattern.MatchString(v) || singleBracePattern.MatchString(v)
	case map[string]any:
		for _, item := range v {
			if HasVariables(item) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if HasVariables(item) {
				return true
			}
		}
	}
	return false
}

type refMatch struct {
	placeholder string
	stepID      int
	fieldPath   string
}

func (r *Resolver) resolveString(text string) (any, error) {
	matches := findRefs(text)
	if len(matches) == 0 {
		return text, nil
	}

	// A lone reference spanning the whole string keeps its original type.
	if len(matches) == 1 && matches[0].placeholder == text {
		value, err := r.extract(matches[0].stepID, matches[0].fieldPath)
		if err != nil {
			return nil, err
		}
		r.record(matches[0].placeholder, value)
		return value, nil
	}

	result := text
	for _, m := range matches {
		value, err := r.extract(m.stepID, m.fieldPath)
		if err != nil {
			return nil, err
		}
		r.record(m.placeholder, value)
		result = strings.ReplaceAll(result, m.placeholder, stringify(value))
	}
	return result, nil
}

// findRefs collects double-brace matches, then single-brace matches that do
// not sit inside a double-brace span.
func findRefs(text string) []refMatch {
	var out []refMatch
	doubles := doubleBracePattern.FindAllStringSubmatchIndex(text, -1)
	for _, loc := range doubles {
		out = append(out, newRefMatch(text, loc))
	}
	for _, loc := range singleBracePattern.FindAllStringSubmatchIndex(text, -1) {
		inside := false
		for _, d := range doubles {
			if loc[0] >= d[0] && loc[1] <= d[1] {
				inside = true
				break
			}
		}
		if !inside {
			out = append(out, newRefMatch(text, loc))
		}
	}
	return out
}

func newRefMatch(text string, loc []int) refMatch {
	id, _ := strconv.Atoi(text[loc[2]:loc[3]])
	return refMatch{
		placeholder: text[loc[0]:loc[1]],
		stepID:      id,
		fieldPath:   text[loc[4]:loc[5]],
	}
}

// extract walks a dotted field path, with optional [index] suffixes, through
// the recorded output of one step.
func (r *Resolver) extract(stepID int, fieldPath string) (any, error) {
	stepOut, ok := r.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: step %d has no recorded result", ErrResolution, stepID)
	}

	current := stepOut
	for _, field := range strings.Split(fieldPath, ".") {
		name, index, hasIndex, err := splitIndex(field)
		if err != nil {
			return nil, err
		}

		if name != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: step %d: cannot access field %q on non-mapping value",
					ErrResolution, stepID, name)
			}
			current, ok = m[name]
			if !ok {
				return nil, fmt.Errorf("%w: step %d result has no field %q", ErrResolution, stepID, name)
			}
		}

		if hasIndex {
			list, ok := current.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: step %d: field %q is not a list", ErrResolution, stepID, name)
			}
			if index < 0 || index >= len(list) {
				return nil, fmt.Errorf("%w: step %d: index %d out of range (length %d)",
					ErrResolution, stepID, index, len(list))
			}
			current = list[index]
		}
	}
	return current, nil
}

// splitIndex splits "items[2]" into ("items", 2, true). A field without
// brackets returns hasIndex false.
func splitIndex(field string) (name string, index int, hasIndex bool, err error) {
	open := strings.IndexByte(field, '[')
	if open < 0 {
		return field, 0, false, nil
	}
	closing := strings.IndexByte(field, ']')
	if closing < open {
		return "", 0, false, fmt.Errorf("%w: malformed index in %q", ErrResolution, field)
	}
	idx, convErr := strconv.Atoi(field[open+1 : closing])
	if convErr != nil || idx < 0 {
		return "", 0, false, fmt.Errorf("%w: invalid index %q", ErrResolution, field[open+1:closing])
	}
	return field[:open], idx, true, nil
}

func (r *Resolver) record(placeholder string, value any) {
	r.replacements = append(r.replacements, Replacement{
		Placeholder: placeholder,
		Value:       value,
		Type:        fmt.Sprintf("%T", value),
	})
	logging.Get(logging.CategoryExecutor).Debugw("placeholder resolved",
		"placeholder", placeholder, "type", fmt.Sprintf("%T", value))
}

// stringify renders a resolved value for in-place text substitution.
// Strings embed verbatim; composites render as JSON.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}
