package plan

import "errors"

var (
	// ErrParsing signals plan JSON that cannot be decoded into the model.
	ErrParsing = errors.New("plan: parsing failed")

	// ErrValidation signals a structurally invalid plan.
	ErrValidation = errors.New("plan: validation failed")

	// ErrDependency signals an unsatisfiable dependency graph.
	ErrDependency = errors.New("plan: dependency error")

	// ErrResolution signals a variable reference that cannot be resolved
	// against the execution context.
	ErrResolution = errors.New("plan: variable resolution failed")
)
