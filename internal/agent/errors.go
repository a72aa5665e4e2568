package agent

import (
	"errors"
	"fmt"
)

var (
	ErrBudgetExceeded  = errors.New("agent: too many consecutive budget violations")
	ErrPanic           = errors.New("agent: panic in agent code")
	ErrNoControllable  = errors.New("agent: host assigned no player to this agent")
	ErrAlreadyActive   = errors.New("agent: runtime already activated")
	ErrUnknownHandle   = errors.New("agent: unknown handle")
	ErrNilAgent        = errors.New("agent: nil agent")
	ErrRuntimeShutdown = errors.New("agent: runtime shut down")
)

type FaultCause string

const (
	CauseError    FaultCause = "error"
	CausePanic    FaultCause = "panic"
	CauseBudget   FaultCause = "budget"
	CauseInit     FaultCause = "init"
	CauseUnmapped FaultCause = "unmapped"
	CausePipeline FaultCause = "pipeline"
)

// FaultError records why one agent left the Active state.
type FaultError struct {
	Agent string
	Tick  uint32
	Cause FaultCause
	Err   error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("agent %s faulted at tick %d (%s): %v", e.Agent, e.Tick, e.Cause, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

func panicError(rec any) error {
	if err, ok := rec.(error); ok {
		return fmt.Errorf("%w: %w", ErrPanic, err)
	}
	return fmt.Errorf("%w: %v", ErrPanic, rec)
}
