package pipeline

import (
	"errors"
	"fmt"

	"github.com/jonathan/creator-pipeline/internal/types"
)

var (
	// ErrMalformedOutput marks stage output that failed structural validation.
	ErrMalformedOutput = errors.New("malformed stage output")
	// ErrStageTimeout marks a stage that used up its time budget.
	ErrStageTimeout = errors.New("stage timed out")
)

// StageError is a failed, timed-out, or malformed stage invocation.
// It terminates the run with status error.
type StageError struct {
	Stage types.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsStageError reports whether err is or wraps a *StageError.
func IsStageError(err error) bool {
	var se *StageError
	return errors.As(err, &se)
}
