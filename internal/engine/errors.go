package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRunFinished   = errors.New("workflow run already finished")
	ErrRunSuspended  = errors.New("workflow run is suspended")
	ErrNoPendingGate = errors.New("workflow run is not awaiting a decision")
	ErrNotPaused     = errors.New("workflow run is not paused")
	ErrInputRequired = errors.New("gate option requires input")
)

// PreconditionError refuses a step before anything ran or changed.
type PreconditionError struct {
	Step      string
	Condition string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition %q failed for step %q", e.Condition, e.Step)
}

type InvalidGateOptionError struct {
	Option string
	Valid  []string
}

func (e *InvalidGateOptionError) Error() string {
	return fmt.Sprintf("invalid gate option %q (valid: %s)", e.Option, strings.Join(e.Valid, ", "))
}
