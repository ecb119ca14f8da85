package machine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/amp-labs/flowstate/runner"
	"github.com/amp-labs/flowstate/store"
)

type game struct {
	X int
}

// eventLog collects ordered lifecycle observations across goroutines.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, event)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.events))
	copy(out, l.events)

	return out
}

func (l *eventLog) indexOf(event string) int {
	for i, e := range l.list() {
		if e == event {
			return i
		}
	}

	return -1
}

func testRunEngine(t *testing.T) *runner.Engine[game] {
	t.Helper()

	engine := runner.NewEngine[game]("machine-test", runner.WithLogger(slogt.New(t)))
	t.Cleanup(engine.Close)

	return engine
}

func noop(name string) runner.Action[game] {
	return runner.ActionFunc[game](name, func(context.Context, runner.Context[game]) error {
		return nil
	})
}

func record(log *eventLog, name string) runner.Action[game] {
	return runner.ActionFunc[game](name, func(context.Context, runner.Context[game]) error {
		log.add(name)

		return nil
	})
}

func negative(current, _ game) bool {
	return current.X < 0
}

func hookEvent(log *eventLog, kind string) Hook[game] {
	return func(lctx runner.Context[game]) {
		log.add(kind + "." + lctx.From + ">" + lctx.To)
	}
}

func TestStartEntersInitialState(t *testing.T) {
	t.Parallel()

	log := new(eventLog)
	st := store.New(game{X: 1})

	m, err := NewBuilder("g", st).
		InitialState("a").
		OnEnter(hookEvent(log, "enter")).
		State("a").OnEntry(record(log, "a.entry")).To("b", negative).Done().
		State("b").Done().
		Logger(slogt.New(t)).
		Build(testRunEngine(t))
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	defer func() { require.NoError(t, m.Stop(context.Background())) }()

	require.Equal(t, "a", m.CurrentState())
	require.Equal(t, "g", m.Name())
	require.Equal(t, []string{"a", "b"}, m.States())
	require.Equal(t, []string{"enter.>a", "a.entry"}, log.list())
}

func TestUpdateDrivesTransition(t *testing.T) {
	t.Parallel()

	log := new(eventLog)
	st := store.New(game{X: 1})

	m, err := NewBuilder("g", st).
		InitialState("a").
		OnEnter(hookEvent(log, "enter")).
		OnExit(hookEvent(log, "exit")).
		State("a").
		OnEntry(noop("a.entry")).
		OnExit(noop("a.exit")).
		To("b", negative).
		Done().
		State("b").OnEntry(record(log, "b.entry")).Done().
		Logger(slogt.New(t)).
		Build(testRunEngine(t))
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	defer func() { require.NoError(t, m.Stop(context.Background())) }()

	require.NoError(t, m.Update(context.Background(), func(g game) game {
		g.X = -1

		return g
	}))

	require.Equal(t, "b", m.CurrentState())

	// Exit of a is dispatched before b's entry, and b's entry actions
	// have completed by the time Update returns.
	exitIdx := log.indexOf("exit.a>b")
	enterIdx := log.indexOf("enter.a>b")
	require.GreaterOrEqual(t, exitIdx, 0)
	require.GreaterOrEqual(t, enterIdx, 0)
	require.Less(t, exitIdx, enterIdx)
	require.GreaterOrEqual(t, log.indexOf("b.entry"), 0)
}

func TestHooksFireForActionlessStates(t *testing.T) {
	t.Parallel()

	log := new(eventLog)
	st := store.New(game{X: 1})

	// Neither side of the edge declares actions; the global hooks still
	// observe the full exit/entry sequence.
	m, err := NewBuilder("g", st).
		InitialState("a").
		OnEnter(hookEvent(log, "enter")).
		OnExit(hookEvent(log, "exit")).
		State("a").To("b", negative).Done().
		State("b").Done().
		Logger(slogt.New(t)).
		Build(testRunEngine(t))
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	defer func() { require.NoError(t, m.Stop(context.Background())) }()

	require.Equal(t, []string{"enter.>a"}, log.list())

	require.NoError(t, m.Update(context.Background(), func(g game) game {
		g.X = -1

		return g
	}))

	require.Equal(t, "b", m.CurrentState())

	exitIdx := log.indexOf("exit.a>b")
	enterIdx := log.indexOf("enter.a>b")
	require.GreaterOrEqual(t, exitIdx, 0)
	require.GreaterOrEqual(t, enterIdx, 0)
	require.Less(t, exitIdx, enterIdx)
}

func TestStopStrategyCancelsPendingEntry(t *testing.T) {
	t.Parallel()

	log := new(eventLog)
	st := store.New(game{X: 1})

	entryRunning := make(chan struct{})

	var cancellations int

	slowEntry := runner.ActionFunc[game]("a.entry", func(ctx context.Context, _ runner.Context[game]) error {
		close(entryRunning)
		<-ctx.Done()

		log.add("a.entry.cancelled")
		cancellations++

		return ctx.Err()
	})

	m, err := NewBuilder("g", st).
		InitialState("a").
		OnEnter(hookEvent(log, "enter")).
		OnExit(hookEvent(log, "exit")).
		State("a").Strategy(Stop).OnEntry(slowEntry).To("b", negative).Done().
		State("b").Done().
		Logger(slogt.New(t)).
		Build(testRunEngine(t))
	require.NoError(t, err)

	startDone := make(chan error, 1)

	go func() {
		startDone <- m.Start(context.Background())
	}()

	<-entryRunning

	require.NoError(t, m.Update(context.Background(), func(g game) game {
		g.X = -1

		return g
	}))
	require.NoError(t, <-startDone)

	defer func() { require.NoError(t, m.Stop(context.Background())) }()

	require.Equal(t, "b", m.CurrentState())
	require.Equal(t, 1, cancellations)

	// Cancellation lands before the new state's exit/entry sequence.
	cancelIdx := log.indexOf("a.entry.cancelled")
	enterIdx := log.indexOf("enter.a>b")
	require.GreaterOrEqual(t, cancelIdx, 0)
	require.Less(t, cancelIdx, enterIdx)
}

func TestWaitStrategyQueuesMutations(t *testing.T) {
	t.Parallel()

	log := new(eventLog)
	st := store.New(game{X: 1})

	entryRunning := make(chan struct{})
	release := make(chan struct{})

	slowEntry := runner.ActionFunc[game]("a.entry", func(ctx context.Context, _ runner.Context[game]) error {
		close(entryRunning)

		select {
		case <-release:
			log.add("a.entry.done")

			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	m, err := NewBuilder("g", st).
		InitialState("a").
		OnEnter(hookEvent(log, "enter")).
		State("a").OnEntry(slowEntry).To("b", negative).Done().
		State("b").Done().
		Logger(slogt.New(t)).
		Build(testRunEngine(t))
	require.NoError(t, err)

	startDone := make(chan error, 1)

	go func() {
		startDone <- m.Start(context.Background())
	}()

	<-entryRunning

	updateDone := make(chan error, 1)

	go func() {
		updateDone <- m.Update(context.Background(), func(g game) game {
			g.X = -1

			return g
		})
	}()

	// The entry run keeps running; no transition is evaluated yet.
	select {
	case err := <-updateDone:
		t.Fatalf("update finished before the entry run completed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, "a", m.CurrentState())

	close(release)

	require.NoError(t, <-updateDone)
	require.NoError(t, <-startDone)

	defer func() { require.NoError(t, m.Stop(context.Background())) }()

	require.Equal(t, "b", m.CurrentState())

	// The queued mutation was only evaluated after the entry settled.
	require.Less(t, log.indexOf("a.entry.done"), log.indexOf("enter.a>b"))
}

func TestInitialSnapshotTriggersTransition(t *testing.T) {
	t.Parallel()

	st := store.New(game{X: -5})

	m, err := NewBuilder("g", st).
		InitialState("a").
		State("a").To("b", negative).Done().
		State("b").Done().
		Logger(slogt.New(t)).
		Build(testRunEngine(t))
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	defer func() { require.NoError(t, m.Stop(context.Background())) }()

	require.Equal(t, "b", m.CurrentState())
}

func TestFirstMatchWins(t *testing.T) {
	t.Parallel()

	st := store.New(game{X: 1})

	m, err := NewBuilder("g", st).
		InitialState("a").
		State("a").
		To("b", negative).
		To("c", func(current, _ game) bool { return current.X != 0 }).
		Done().
		State("b").Done().
		State("c").Done().
		Logger(slogt.New(t)).
		Build(testRunEngine(t))
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	defer func() { require.NoError(t, m.Stop(context.Background())) }()

	// Both conditions hold for X=-1; the first declared edge wins.
	require.NoError(t, m.Update(context.Background(), func(g game) game {
		g.X = -1

		return g
	}))
	require.Equal(t, "b", m.CurrentState())
}

func TestNoopUpdateNeverTransitions(t *testing.T) {
	t.Parallel()

	log := new(eventLog)
	st := store.New(game{X: 1})

	m, err := NewBuilder("g", st).
		InitialState("a").
		OnExit(hookEvent(log, "exit")).
		State("a").OnExit(noop("a.exit")).To("b", negative).Done().
		State("b").Done().
		Logger(slogt.New(t)).
		Build(testRunEngine(t))
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	defer func() { require.NoError(t, m.Stop(context.Background())) }()

	require.NoError(t, m.Update(context.Background(), func(g game) game { return g }))
	require.Equal(t, "a", m.CurrentState())
	require.Equal(t, -1, log.indexOf("exit.a>b"))
}

func TestUpdateReturnsTransitionError(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	st := store.New(game{X: 1})

	failing := runner.ActionFunc[game]("b.entry", func(context.Context, runner.Context[game]) error {
		return errBoom
	})

	m, err := NewBuilder("g", st).
		InitialState("a").
		State("a").To("b", negative).Done().
		State("b").OnEntry(failing).Done().
		Logger(slogt.New(t)).
		Build(testRunEngine(t))
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	defer func() { require.NoError(t, m.Stop(context.Background())) }()

	err = m.Update(context.Background(), func(g game) game {
		g.X = -1

		return g
	})
	require.ErrorIs(t, err, errBoom)

	var trErr *TransitionError

	require.ErrorAs(t, err, &trErr)
	require.Equal(t, "a", trErr.From)
	require.Equal(t, "b", trErr.To)

	// A failed entry run leaves the machine usable; the state already
	// swapped and later updates are still processed.
	require.Equal(t, "b", m.CurrentState())
	require.NoError(t, m.Update(context.Background(), func(g game) game {
		g.X = 1

		return g
	}))
}

func TestSubMachineStopsBeforeNextEntry(t *testing.T) {
	t.Parallel()

	log := new(eventLog)
	parentStore := store.New(game{X: 1})
	childStore := store.New(game{})

	engine := testRunEngine(t)

	childEntry := runner.ActionFunc[game]("child.entry", func(context.Context, runner.Context[game]) error {
		log.add("child.entry")

		return nil
	})
	childExit := runner.ActionFunc[game]("child.exit", func(context.Context, runner.Context[game]) error {
		log.add("child.exit")

		return nil
	})

	child, err := NewBuilder("child", childStore).
		InitialState("only").
		State("only").OnEntry(childEntry).OnExit(childExit).Done().
		Logger(slogt.New(t)).
		Build(engine)
	require.NoError(t, err)

	parent, err := NewBuilder("parent", parentStore).
		InitialState("a").
		OnEnter(hookEvent(log, "enter")).
		State("a").Sub(child).To("b", negative).Done().
		State("b").OnEntry(record(log, "b.entry")).Done().
		Logger(slogt.New(t)).
		Build(engine)
	require.NoError(t, err)

	require.NoError(t, parent.Start(context.Background()))
	require.Equal(t, "only", child.CurrentState())

	require.NoError(t, parent.Update(context.Background(), func(g game) game {
		g.X = -1

		return g
	}))

	defer func() { require.NoError(t, parent.Stop(context.Background())) }()

	require.Equal(t, "b", parent.CurrentState())

	// The child fully unwinds, exit actions included, before the parent
	// dispatches b's entry.
	childExitIdx := log.indexOf("child.exit")
	enterBIdx := log.indexOf("enter.a>b")
	require.GreaterOrEqual(t, childExitIdx, 0)
	require.Less(t, childExitIdx, enterBIdx)
	require.Less(t, enterBIdx, log.indexOf("b.entry"))
}

func TestStopRunsExitAndUnsubscribes(t *testing.T) {
	t.Parallel()

	log := new(eventLog)
	st := store.New(game{X: 1})

	m, err := NewBuilder("g", st).
		InitialState("a").
		OnEnter(hookEvent(log, "enter")).
		State("a").OnExit(record(log, "a.exit")).To("b", negative).Done().
		State("b").OnEntry(record(log, "b.entry")).Done().
		Logger(slogt.New(t)).
		Build(testRunEngine(t))
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	require.Equal(t, "a", m.CurrentState())
	require.GreaterOrEqual(t, log.indexOf("a.exit"), 0)

	// The subscription is gone: commits after stop trigger nothing.
	st.Mutate(func(g game) game {
		g.X = -1

		return g
	})

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, "a", m.CurrentState())
	require.Equal(t, -1, log.indexOf("b.entry"))

	require.ErrorIs(t, m.Update(context.Background(), func(g game) game { return g }), ErrMachineStopped)
}

func TestLifecycleGuards(t *testing.T) {
	t.Parallel()

	st := store.New(game{})

	m, err := NewBuilder("g", st).
		InitialState("a").
		State("a").Done().
		Logger(slogt.New(t)).
		Build(testRunEngine(t))
	require.NoError(t, err)

	require.ErrorIs(t, m.Update(context.Background(), func(g game) game { return g }), ErrNotStarted)
	require.ErrorIs(t, m.Stop(context.Background()), ErrNotStarted)

	require.NoError(t, m.Start(context.Background()))
	require.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	require.ErrorIs(t, m.Start(context.Background()), ErrMachineStopped)
}

func TestWaitForTransitionIdle(t *testing.T) {
	t.Parallel()

	st := store.New(game{})

	m, err := NewBuilder("g", st).
		InitialState("a").
		State("a").Done().
		Logger(slogt.New(t)).
		Build(testRunEngine(t))
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	defer func() { require.NoError(t, m.Stop(context.Background())) }()

	require.NoError(t, m.WaitForTransition(context.Background()))
}

func TestStrategyFuncDecidesPerCommit(t *testing.T) {
	t.Parallel()

	st := store.New(game{X: 1})

	entryRunning := make(chan struct{})
	release := make(chan struct{})

	var entryOnce sync.Once

	slowEntry := runner.ActionFunc[game]("a.entry", func(ctx context.Context, _ runner.Context[game]) error {
		entryOnce.Do(func() { close(entryRunning) })

		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	m, err := NewBuilder("g", st).
		InitialState("a").
		State("a").
		OnEntry(slowEntry).
		StrategyFunc(func(d Decision[game]) Strategy {
			if d.Current.X < 0 {
				return Stop
			}

			return Wait
		}).
		To("b", negative).
		Done().
		State("b").Done().
		Logger(slogt.New(t)).
		Build(testRunEngine(t))
	require.NoError(t, err)

	startDone := make(chan error, 1)

	go func() {
		startDone <- m.Start(context.Background())
	}()

	<-entryRunning

	// A non-negative commit waits; the entry run keeps going and the
	// update stays parked behind it.
	waitingUpdate := make(chan error, 1)

	go func() {
		waitingUpdate <- m.Update(context.Background(), func(g game) game {
			g.X = 2

			return g
		})
	}()

	select {
	case err := <-waitingUpdate:
		t.Fatalf("update resolved while the entry run was pending: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// A negative commit resolves to Stop and preempts the run; both
	// commits are then evaluated in order.
	require.NoError(t, m.Update(context.Background(), func(g game) game {
		g.X = -1

		return g
	}))
	require.NoError(t, <-waitingUpdate)
	require.NoError(t, <-startDone)

	defer func() { require.NoError(t, m.Stop(context.Background())) }()

	require.Equal(t, "b", m.CurrentState())
}
