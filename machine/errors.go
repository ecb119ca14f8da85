package machine

import (
	"errors"
	"fmt"
)

// Validation errors, returned eagerly at build or config-load time.
var (
	ErrNameRequired         = errors.New("machine name is required")
	ErrStoreRequired        = errors.New("store is required")
	ErrEngineRequired       = errors.New("execution engine is required")
	ErrNoStates             = errors.New("at least one state is required")
	ErrInitialStateRequired = errors.New("initial state is required")
	ErrStateNameRequired    = errors.New("state name is required")
	ErrDuplicateState       = errors.New("duplicate state")
	ErrTargetRequired       = errors.New("transition target is required")
	ErrActionsConflict      = errors.New("actions declared as both list and chain")
	ErrUnknownStrategy      = errors.New("unknown transition strategy")
	ErrUnknownAction        = errors.New("unknown action")
	ErrUnknownCondition     = errors.New("unknown condition")
)

// Runtime errors.
var (
	ErrStateNotFound   = errors.New("state not found")
	ErrAlreadyStarted  = errors.New("machine already started")
	ErrNotStarted      = errors.New("machine not started")
	ErrMachineStopped  = errors.New("machine stopped")
	ErrSubMachineStart = errors.New("sub-machine start failed")
	ErrSubMachineStop  = errors.New("sub-machine stop failed")
)

// StateError attaches the machine and state names to an error raised while
// processing a single state.
type StateError struct {
	Machine string
	State   string
	Err     error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("machine %q, state %q: %v", e.Machine, e.State, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// WrapStateError wraps err with machine and state context. A nil err returns
// nil.
func WrapStateError(machineName, state string, err error) error {
	if err == nil {
		return nil
	}

	return &StateError{
		Machine: machineName,
		State:   state,
		Err:     err,
	}
}

// TransitionError attaches the machine name and the edge being taken to an
// error raised during a transition.
type TransitionError struct {
	Machine string
	From    string
	To      string
	Err     error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("machine %q, transition %q -> %q: %v", e.Machine, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// WrapTransitionError wraps err with transition context. A nil err returns
// nil.
func WrapTransitionError(machineName, from, to string, err error) error {
	if err == nil {
		return nil
	}

	return &TransitionError{
		Machine: machineName,
		From:    from,
		To:      to,
		Err:     err,
	}
}
