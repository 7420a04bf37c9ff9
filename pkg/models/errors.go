package models

import "errors"

// Error taxonomy for the orchestration layer. Anything that originates
// inside a task's execution is finalized into that task's terminal state
// instead of being propagated; these sentinels cover the admission and
// lookup boundaries.
var (
	// ErrConflict means the session already owns a non-terminal task.
	// Never retried automatically; surfaced to the user as a busy notice.
	ErrConflict = errors.New("a task is already running")

	// ErrNotFound means the referenced session or task does not exist.
	ErrNotFound = errors.New("not found")
)
