// Package machine implements a data-driven finite state machine. A machine
// binds a frozen state table to an observable store: every committed store
// mutation is evaluated against the current state's transitions, and the
// first matching edge drives an exit/entry lifecycle sequence executed by a
// runner.Engine. Mutations arriving while lifecycle work is in flight are
// queued (Wait strategy) or cancel the work (Stop strategy) and are never
// silently dropped. States may own nested sub-machines, started and stopped
// in lockstep with their owner.
//
// All mutation handling, transition evaluation, and flag updates run on a
// single goroutine per machine, fed by an unbounded inbox. The public API
// communicates with that goroutine through messages; no locks guard
// loop-owned state.
package machine

import (
	"context"
	"errors"
	"log/slog"

	"go.uber.org/atomic"

	"github.com/amp-labs/flowstate/runner"
	"github.com/amp-labs/flowstate/store"
)

// Hook observes lifecycle dispatch globally. Enter hooks fire before entry
// actions are handed to the engine, exit hooks before exit actions, and both
// fire even for states that declare no actions for the phase. Hooks run
// synchronously on the machine goroutine and must be fast.
type Hook[T any] func(lctx runner.Context[T])

// Machine is a running (or runnable) state machine instance. Build one with
// a Builder or FromConfig; the state table is frozen from then on. A machine
// is bound to exactly one store and one execution engine, starts at most
// once, and is terminal after Stop.
type Machine[T any] struct {
	name    string
	initial string
	states  map[string]*stateDef[T]
	order   []string
	store   store.Store[T]
	engine  *runner.Engine[T]
	logger  *slog.Logger
	onEnter []Hook[T]
	onExit  []Hook[T]

	inbox *inbox[T]
	gate  *gate

	current *atomic.String
	started *atomic.Bool
	stopped *atomic.Bool

	// Everything below is owned by the machine goroutine.
	queue         *snapshotQueue[T]
	processed     uint64
	failures      map[uint64]error
	waiters       map[uint64][]chan error
	transitioning bool
	entryRun      *runner.Run[T]
	exitRuns      map[string]struct{}
	stopping      bool
	stopReplies   []chan error
	unsubscribe   func()
}

// Name returns the machine's configured name.
func (m *Machine[T]) Name() string {
	return m.name
}

// CurrentState returns the name of the state the machine is in. Before Start
// it reports the initial state; after Stop it reports the last state held.
func (m *Machine[T]) CurrentState() string {
	return m.current.Load()
}

// States returns the declared state names in declaration order.
func (m *Machine[T]) States() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)

	return out
}

// Start subscribes to the store, runs the initial state's entry actions
// (awaited, interruptible per the state's strategy), starts its sub-machine,
// and evaluates transitions once against the store's current value. It
// returns after the machine has settled; mutation handling continues on the
// machine goroutine until Stop.
//
// ctx bounds the machine's lifecycle runs: cancelling it cancels in-flight
// actions. Start may be called once; a stopped machine cannot be restarted.
func (m *Machine[T]) Start(ctx context.Context) error {
	if m.stopped.Load() {
		return ErrMachineStopped
	}

	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	startupDone := make(chan error, 1)
	go m.loop(ctx, startupDone)

	return <-startupDone
}

// Stop tears the machine down: runs the current state's exit actions
// (awaited), stops its sub-machine, stops stray fire-and-forget exit runs,
// unsubscribes from the store, and terminates the machine goroutine.
// Terminal; subsequent calls are a no-op.
func (m *Machine[T]) Stop(ctx context.Context) error {
	if !m.started.Load() {
		return ErrNotStarted
	}

	reply := make(chan error, 1)
	if !m.inbox.send(message[T]{kind: msgStop, reply: reply}) {
		// Inbox already closed: teardown has finished.
		return nil
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Update awaits any in-flight transition, commits the updater's result to
// the store, and then awaits the machine having fully processed that commit.
// It returns the error of the transition the commit fired, or nil when no
// transition fired (including no-op updates). A Stop-strategy cancellation
// is control flow, not an error.
func (m *Machine[T]) Update(ctx context.Context, updater func(T) T) error {
	if !m.started.Load() {
		return ErrNotStarted
	}

	if m.stopped.Load() {
		return ErrMachineStopped
	}

	// Await the gate without adopting the previous transition's outcome;
	// only the transition our own commit fires belongs to this call.
	if err := m.gate.awaitOpen(ctx); err != nil {
		return err
	}

	snap := m.store.Mutate(updater)

	reply := make(chan error, 1)
	if !m.inbox.send(message[T]{kind: msgAwait, version: snap.Version, reply: reply}) {
		return ErrMachineStopped
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForTransition blocks until the in-flight transition (if any) settles
// and returns its outcome. Immediate when the machine is idle.
func (m *Machine[T]) WaitForTransition(ctx context.Context) error {
	return m.gate.wait(ctx)
}

// loop is the machine goroutine: startup, then one message at a time until a
// stop request wins.
func (m *Machine[T]) loop(ctx context.Context, startupDone chan<- error) {
	startupDone <- m.startup(ctx)

	for !m.stopping {
		msg, ok := <-m.inbox.receive()
		if !ok {
			return
		}

		m.handle(ctx, msg)
	}

	m.teardown(ctx)
}

// startup runs the initial state's entry sequence and evaluates transitions
// once against the seed snapshot. Entry failure propagates to Start but does
// not tear the machine down; the subscription stays live.
func (m *Machine[T]) startup(ctx context.Context) error {
	m.unsubscribe = m.store.Subscribe(func(snap store.Snapshot[T]) {
		m.inbox.send(message[T]{kind: msgSnapshot, snapshot: snap})
	})

	state := m.states[m.initial]
	seed := store.Snapshot[T]{
		Current:  m.store.Current(),
		Previous: m.store.Previous(),
	}

	m.logger.Debug("Starting machine", "machine", m.name, "initial", m.initial)

	// The seed goes in first so it is evaluated ahead of any commit that
	// lands while the initial entry is running.
	m.queue.push(seed)

	err := m.enter(ctx, state, "", seed)

	// Transitions are checked once right after the initial entry settles;
	// conditions already satisfied by the seed fire immediately.
	m.drain(ctx)

	if err != nil && !errors.Is(err, runner.ErrStopped) {
		return WrapStateError(m.name, state.name, err)
	}

	return nil
}

// handle processes one message while the machine is idle.
func (m *Machine[T]) handle(ctx context.Context, msg message[T]) {
	switch msg.kind {
	case msgSnapshot:
		m.queue.push(msg.snapshot)
		snapshotsObserved.WithLabelValues(m.name, dispositionImmediate).Inc()
		m.drain(ctx)
	case msgAwait:
		m.handleAwait(msg)
	case msgStop:
		m.stopping = true
		m.stopReplies = append(m.stopReplies, msg.reply)
	case msgExitDone:
		delete(m.exitRuns, msg.runID)
	}
}

// handleAwait answers an Update call waiting for its commit to be processed,
// or parks it until the commit's version has been drained.
func (m *Machine[T]) handleAwait(msg message[T]) {
	if m.stopping {
		msg.reply <- ErrMachineStopped

		return
	}

	if msg.version <= m.processed {
		err := m.failures[msg.version]
		delete(m.failures, msg.version)
		msg.reply <- err

		return
	}

	m.waiters[msg.version] = append(m.waiters[msg.version], msg.reply)
}

// noteProcessed records that every commit up to version has been evaluated
// and releases parked Update calls. Cancellation is not a failure; only
// real errors are retained for late awaiters.
func (m *Machine[T]) noteProcessed(version uint64, err error) {
	if version == 0 {
		// Seed snapshot; no commit, nobody awaits it.
		return
	}

	m.processed = version

	if err != nil && errors.Is(err, runner.ErrStopped) {
		err = nil
	}

	replies := m.waiters[version]
	delete(m.waiters, version)

	for _, reply := range replies {
		reply <- err
	}

	if err != nil && len(replies) == 0 {
		// No awaiter yet; keep the failure for a late msgAwait.
		m.failures[version] = err
	}

	for v := range m.failures {
		if v+64 <= version {
			delete(m.failures, v)
		}
	}
}
