package turn

import (
	"errors"
	"fmt"
)

// Stage names one step of a turn.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageComplete   Stage = "complete"
	StageSynthesize Stage = "synthesize"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageTranscribe, StageComplete, StageSynthesize}

// ErrCanceled is returned when the turn's context ended. It is never a
// user-visible failure.
var ErrCanceled = errors.New("turn: canceled")

// StageError reports which stage of a turn failed.
type StageError struct {
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("turn %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// IsCanceled reports whether err is a cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// FailedStage returns the stage of a StageError, or "" for other errors.
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
