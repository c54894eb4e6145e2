// Package tools implements the two-tier tool catalogue: a pool of every tool
// the host has advertised and a registry of tools activated for planning and
// execution, plus the understanding agent that derives structured manifests.
package tools

import (
	"context"
	"fmt"
)

// Kind governs whether a tool expects a prompt parameter.
type Kind string

const (
	KindFunction Kind = "function" // pure code
	KindLLM      Kind = "llm"      // text-only model call
	KindVL       Kind = "vl"       // vision-language model call
)

// Valid reports whether the kind is one of the known values.
func (k Kind) Valid() bool {
	return k == KindFunction || k == KindLLM || k == KindVL
}

// IsModelBacked reports whether the kind implies an output schema with a
// content field.
func (k Kind) IsModelBacked() bool {
	return k == KindLLM || k == KindVL
}

// Parameter describes one input parameter of a tool.
type Parameter struct {
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

// Metadata is the immutable description captured at pool-insertion time.
// Regeneration produces a new version; entries are never mutated in place.
type Metadata struct {
	Name            string               `json:"name"`
	Description     string               `json:"description"`
	Kind            Kind                 `json:"kind"`
	InputParameters map[string]Parameter `json:"input_parameters"`
	OutputSchema    map[string]any       `json:"output_schema,omitempty"`
}

// Validate enforces metadata completeness. Missing fields are a programming
// error on the host side and refused at registration.
func (m Metadata) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidMetadata)
	}
	if m.Description == "" {
		return fmt.Errorf("%w: %s: description is empty", ErrInvalidMetadata, m.Name)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidMetadata, m.Name, m.Kind)
	}
	if m.InputParameters == nil {
		return fmt.Errorf("%w: %s: input_parameters missing", ErrInvalidMetadata, m.Name)
	}
	for name, p := range m.InputParameters {
		if p.Type == "" {
			return fmt.Errorf("%w: %s: parameter %q has no type", ErrInvalidMetadata, m.Name, name)
		}
	}
	if m.Kind.IsModelBacked() && len(m.OutputSchema) == 0 {
		return fmt.Errorf("%w: %s: kind %s requires an output_schema", ErrInvalidMetadata, m.Name, m.Kind)
	}
	return nil
}

// OutputFields returns the property names declared by the output schema, so
// planners can write correct step references.
func (m Metadata) OutputFields() []string {
	props, ok := m.OutputSchema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(props))
	for name := range props {
		fields = append(fields, name)
	}
	return fields
}

// Handle is the pure call contract of a tool: arguments in, mapping out.
// Implementations may close over per-tool clients but must be safe to call
// from the worker pool.
type Handle func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool pairs metadata with its callable handle.
type Tool struct {
	Metadata Metadata
	Handle   Handle
}
