package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid state transition")
	ErrMissingDependency = errors.New("missing required dependency")

	// ErrRunInProgress is returned when a generation run is already active for a project.
	// It matches ErrConflict with errors.Is.
	ErrRunInProgress = fmt.Errorf("generation run already in progress: %w", ErrConflict)
)
