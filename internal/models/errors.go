package models

import "errors"

// Sentinel errors shared across the module. Storage failures are wrapped and
// propagated as-is; these cover the structural conditions callers branch on.
var (
	// ErrNotFound marks lookups of unknown datasets, entries, or
	// specifications referenced by name.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate marks name collisions rejected without overwrite.
	ErrDuplicate = errors.New("already exists")

	// ErrValidation marks malformed caller input, such as keyword ranges
	// outside their bounds or an empty submission payload.
	ErrValidation = errors.New("validation failed")
)
