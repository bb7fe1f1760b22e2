package orchestrator

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by control operations.
var (
	ErrJobActive    = errors.New("a job is already running or paused")
	ErrNoDeploy     = errors.New("no deploy state found")
	ErrPrecondition = errors.New("precondition failed")
	ErrBusy         = errors.New("tick lock is held")
	ErrRateLimited  = errors.New("rate limited by remote")
	ErrRemote       = errors.New("remote request failed")
)

// StageError is a stage-fatal failure. It is recorded into the job state
// rather than returned from Tick.
type StageError struct {
	Stage   string
	Message string
	Detail  string
}

func (e *StageError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Stage, e.Message, e.Detail)
}

func stageErr(stage, message string, err error) *StageError {
	se := &StageError{Stage: stage, Message: message}
	if err != nil {
		se.Detail = err.Error()
	}
	return se
}
