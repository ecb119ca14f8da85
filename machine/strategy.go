package machine

import "fmt"

// Strategy controls what happens to a state's in-flight entry actions when a
// new mutation arrives while they are still running.
type Strategy int

const (
	// Wait lets the running entry actions finish; the mutation is queued
	// and examined afterwards.
	Wait Strategy = iota

	// Stop cancels the running entry actions so the mutation can be
	// examined immediately.
	Stop
)

func (s Strategy) String() string {
	switch s {
	case Wait:
		return "wait"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy converts a config string into a Strategy. The empty string
// defaults to Wait.
func ParseStrategy(raw string) (Strategy, error) {
	switch raw {
	case "", "wait":
		return Wait, nil
	case "stop":
		return Stop, nil
	default:
		return Wait, fmt.Errorf("%w: %q", ErrUnknownStrategy, raw)
	}
}

// Decision carries the information a dynamic strategy function may consult:
// the state whose entry actions are running, the interrupting mutation's
// current value, and the state a pending transition would move to (empty when
// no transition has matched yet).
type Decision[T any] struct {
	From    string
	To      string
	Current T
}

// StrategyFunc decides the strategy per mutation instead of statically.
type StrategyFunc[T any] func(d Decision[T]) Strategy
