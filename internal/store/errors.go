package store

import (
	"errors"
	"fmt"

	"github.com/jonathan/creator-pipeline/internal/types"
)

// ErrNotFound is wrapped by every NotFoundError.
var ErrNotFound = errors.New("not found")

// NotFoundError indicates an operation against an unknown run id.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("run not found: %s", e.RunID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// TransitionError indicates a status change the run state machine does not allow.
type TransitionError struct {
	RunID string
	From  types.RunStatus
	To    types.RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for run %s: %s -> %s", e.RunID, e.From, e.To)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
