package planner

import "errors"

// ErrGeneration signals that plan generation failed: model call, validation,
// or persistence. Validation problems keep their plan sentinel in the chain.
var ErrGeneration = errors.New("planner: generation failed")
