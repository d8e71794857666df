package veritas

import "errors"

var (
	// ErrInvalidConfig is returned when a Config fails validation.
	ErrInvalidConfig = errors.New("veritas: invalid configuration")

	// ErrClosed is returned by operations on a closed Workspace.
	ErrClosed = errors.New("veritas: workspace closed")

	// ErrNoWorkflow is returned when the signed-in role has no workflow canvas.
	ErrNoWorkflow = errors.New("veritas: no workflow for this session")

	// ErrRunNotFound is returned when a run ID does not exist.
	ErrRunNotFound = errors.New("veritas: run not found")
)
