package tools

import "errors"

var (
	// ErrInvalidMetadata signals incomplete metadata at pool insertion.
	ErrInvalidMetadata = errors.New("tools: invalid metadata")

	// ErrNotFound signals a lookup for a tool the catalogue does not hold.
	ErrNotFound = errors.New("tools: not found")

	// ErrAlreadyRegistered signals a duplicate pool insertion.
	ErrAlreadyRegistered = errors.New("tools: already registered")
)
