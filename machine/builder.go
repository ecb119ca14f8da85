package machine

import (
	"fmt"
	"log/slog"

	"go.uber.org/atomic"

	"github.com/amp-labs/flowstate/runner"
	"github.com/amp-labs/flowstate/store"
)

// Builder assembles a Machine. Each state is configured through the scoped
// sub-builder returned by State, so there is no notion of a "currently
// edited" state. All validation happens in Build; nothing is checked before
// then and no partially built machine is ever returned.
type Builder[T any] struct {
	name    string
	store   store.Store[T]
	initial string
	states  []*StateBuilder[T]
	onEnter []Hook[T]
	onExit  []Hook[T]
	logger  *slog.Logger
}

// NewBuilder starts a machine definition bound to the given store.
func NewBuilder[T any](name string, st store.Store[T]) *Builder[T] {
	return &Builder[T]{
		name:  name,
		store: st,
	}
}

// InitialState sets the state the machine starts in.
func (b *Builder[T]) InitialState(name string) *Builder[T] {
	b.initial = name

	return b
}

// State declares a state and returns its scoped sub-builder. Declaring the
// same name twice is reported by Build.
func (b *Builder[T]) State(name string) *StateBuilder[T] {
	sb := &StateBuilder[T]{
		builder: b,
		name:    name,
	}
	b.states = append(b.states, sb)

	return sb
}

// OnEnter registers a global hook observing every entry dispatch.
func (b *Builder[T]) OnEnter(hook Hook[T]) *Builder[T] {
	b.onEnter = append(b.onEnter, hook)

	return b
}

// OnExit registers a global hook observing every exit dispatch.
func (b *Builder[T]) OnExit(hook Hook[T]) *Builder[T] {
	b.onExit = append(b.onExit, hook)

	return b
}

// Logger sets the machine's logger. Defaults to slog.Default.
func (b *Builder[T]) Logger(logger *slog.Logger) *Builder[T] {
	b.logger = logger

	return b
}

// Build validates the whole definition and constructs the machine. The
// execution engine is passed explicitly; machines never resolve their
// engine from ambient process state.
func (b *Builder[T]) Build(engine *runner.Engine[T]) (*Machine[T], error) {
	if b.name == "" {
		return nil, ErrNameRequired
	}

	if b.store == nil {
		return nil, ErrStoreRequired
	}

	if engine == nil {
		return nil, ErrEngineRequired
	}

	if len(b.states) == 0 {
		return nil, ErrNoStates
	}

	if b.initial == "" {
		return nil, ErrInitialStateRequired
	}

	states := make(map[string]*stateDef[T], len(b.states))
	order := make([]string, 0, len(b.states))

	for _, sb := range b.states {
		def, err := sb.build()
		if err != nil {
			return nil, err
		}

		if _, exists := states[def.name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateState, def.name)
		}

		states[def.name] = def
		order = append(order, def.name)
	}

	if _, ok := states[b.initial]; !ok {
		return nil, WrapStateError(b.name, b.initial, ErrStateNotFound)
	}

	for _, def := range states {
		for _, tr := range def.transitions {
			if tr.Target == "" {
				return nil, WrapStateError(b.name, def.name, ErrTargetRequired)
			}

			if _, ok := states[tr.Target]; !ok {
				return nil, WrapTransitionError(b.name, def.name, tr.Target, ErrStateNotFound)
			}
		}
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Machine[T]{
		name:     b.name,
		initial:  b.initial,
		states:   states,
		order:    order,
		store:    b.store,
		engine:   engine,
		logger:   logger,
		onEnter:  b.onEnter,
		onExit:   b.onExit,
		inbox:    newInbox[T](),
		gate:     newGate(),
		current:  atomic.NewString(b.initial),
		started:  atomic.NewBool(false),
		stopped:  atomic.NewBool(false),
		queue:    newSnapshotQueue[T](b.name),
		failures: make(map[uint64]error),
		waiters:  make(map[uint64][]chan error),
		exitRuns: make(map[string]struct{}),
	}, nil
}

// StateBuilder configures one state. It is scoped to the state it was
// created for; Done returns to the parent builder for chaining.
type StateBuilder[T any] struct {
	builder *Builder[T]
	name    string

	entry      []runner.Action[T]
	entryChain func(*runner.Chain[T])
	exit       []runner.Action[T]
	exitChain  func(*runner.Chain[T])

	transitions []Transition[T]
	strategy    Strategy
	strategyFn  StrategyFunc[T]
	sub         SubMachine
}

// OnEntry sets the state's entry actions as a literal ordered list.
// Mutually exclusive with OnEntryChain.
func (s *StateBuilder[T]) OnEntry(actions ...runner.Action[T]) *StateBuilder[T] {
	s.entry = append(s.entry, actions...)

	return s
}

// OnEntryChain sets the state's entry actions through a chain callback.
// Mutually exclusive with OnEntry.
func (s *StateBuilder[T]) OnEntryChain(fn func(*runner.Chain[T])) *StateBuilder[T] {
	s.entryChain = fn

	return s
}

// OnExit sets the state's exit actions as a literal ordered list. Mutually
// exclusive with OnExitChain.
func (s *StateBuilder[T]) OnExit(actions ...runner.Action[T]) *StateBuilder[T] {
	s.exit = append(s.exit, actions...)

	return s
}

// OnExitChain sets the state's exit actions through a chain callback.
// Mutually exclusive with OnExit.
func (s *StateBuilder[T]) OnExitChain(fn func(*runner.Chain[T])) *StateBuilder[T] {
	s.exitChain = fn

	return s
}

// To declares an outgoing edge. Declaration order is evaluation order and
// the first matching condition wins. A nil condition always matches.
func (s *StateBuilder[T]) To(target string, when Condition[T]) *StateBuilder[T] {
	s.transitions = append(s.transitions, Transition[T]{
		Target: target,
		When:   when,
	})

	return s
}

// Strategy sets the static interruption strategy for this state.
func (s *StateBuilder[T]) Strategy(strategy Strategy) *StateBuilder[T] {
	s.strategy = strategy

	return s
}

// StrategyFunc sets a per-commit strategy decision, shadowing Strategy.
func (s *StateBuilder[T]) StrategyFunc(fn StrategyFunc[T]) *StateBuilder[T] {
	s.strategyFn = fn

	return s
}

// Sub attaches a nested machine, started after this state's entry and
// stopped before the state is left.
func (s *StateBuilder[T]) Sub(sub SubMachine) *StateBuilder[T] {
	s.sub = sub

	return s
}

// Done returns the parent builder.
func (s *StateBuilder[T]) Done() *Builder[T] {
	return s.builder
}

// build normalizes the state definition. Chain callbacks are resolved here,
// once, into plain ordered action lists.
func (s *StateBuilder[T]) build() (*stateDef[T], error) {
	if s.name == "" {
		return nil, ErrStateNameRequired
	}

	entry, err := normalizeActions(s.builder.name, s.name, s.entry, s.entryChain)
	if err != nil {
		return nil, err
	}

	exit, err := normalizeActions(s.builder.name, s.name, s.exit, s.exitChain)
	if err != nil {
		return nil, err
	}

	return &stateDef[T]{
		name:        s.name,
		entry:       entry,
		exit:        exit,
		transitions: s.transitions,
		strategy:    s.strategy,
		strategyFn:  s.strategyFn,
		sub:         s.sub,
	}, nil
}

func normalizeActions[T any](
	machineName, stateName string,
	list []runner.Action[T],
	chainFn func(*runner.Chain[T]),
) ([]runner.Action[T], error) {
	if len(list) > 0 && chainFn != nil {
		return nil, WrapStateError(machineName, stateName, ErrActionsConflict)
	}

	if chainFn != nil {
		chain := new(runner.Chain[T])
		chainFn(chain)

		return chain.Actions(), nil
	}

	return list, nil
}
