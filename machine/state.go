package machine

import (
	"context"

	"github.com/amp-labs/flowstate/runner"
	"github.com/amp-labs/flowstate/store"
)

// Condition guards a transition edge. It receives the committed value and
// the value before the commit, and must be a pure function of its inputs.
type Condition[T any] func(current, previous T) bool

// Transition is one outgoing edge of a state. A nil When always matches.
type Transition[T any] struct {
	Target string
	When   Condition[T]
}

func (t Transition[T]) matches(snap store.Snapshot[T]) bool {
	if t.When == nil {
		return true
	}

	return t.When(snap.Current, snap.Previous)
}

// SubMachine is a nested machine attached to a state. It is started after
// the state's entry actions complete, and stopped (awaited) when the state
// is left. *Machine[U] satisfies it for any U, so machines nest recursively.
type SubMachine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// stateDef is one row of the state table. Immutable after Build.
type stateDef[T any] struct {
	name        string
	entry       []runner.Action[T]
	exit        []runner.Action[T]
	transitions []Transition[T]
	strategy    Strategy
	strategyFn  StrategyFunc[T]
	sub         SubMachine
}

// resolveStrategy picks the effective strategy for one interrupting
// mutation. The dynamic function, when present, shadows the static value.
func (s *stateDef[T]) resolveStrategy(d Decision[T]) Strategy {
	if s.strategyFn != nil {
		return s.strategyFn(d)
	}

	return s.strategy
}

// firstMatch returns the first declared transition whose condition accepts
// the snapshot. Declaration order is the priority order.
func (s *stateDef[T]) firstMatch(snap store.Snapshot[T]) (Transition[T], bool) {
	for _, tr := range s.transitions {
		if tr.matches(snap) {
			return tr, true
		}
	}

	return Transition[T]{}, false
}
