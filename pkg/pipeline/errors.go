package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrStageFailed is the sentinel every StageError unwraps to.
	ErrStageFailed = errors.New("pipeline stage failed")
	// ErrNoRecord is returned when no processed record exists at a timestamp.
	ErrNoRecord = errors.New("no record at timestamp")
	// ErrNotModelled is returned for a record the reconstruction model could
	// not see because a schema feature is missing.
	ErrNotModelled = errors.New("record not modelled")
	// ErrModelSchema is returned when a supplied model does not match the
	// feature schema.
	ErrModelSchema = errors.New("model does not match schema")
)

// StageError reports the stage that aborted a run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{ErrStageFailed, e.Err}
}
