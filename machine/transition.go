package machine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amp-labs/flowstate/runner"
	"github.com/amp-labs/flowstate/store"
)

type phase int

const (
	phaseEnter phase = iota
	phaseExit
)

func (p phase) String() string {
	if p == phaseExit {
		return "exit"
	}

	return "entry"
}

// dispatch runs the lifecycle sequence for one phase of a state. Global
// hooks fire synchronously first and observe every dispatch, whether or not
// the state declares actions for the phase; only the engine run is skipped
// for an empty action list.
func (m *Machine[T]) dispatch(
	ctx context.Context,
	state *stateDef[T],
	p phase,
	from, to string,
	snap store.Snapshot[T],
) (*runner.Run[T], error) {
	actions := state.entry
	hooks := m.onEnter

	if p == phaseExit {
		actions = state.exit
		hooks = m.onExit
	}

	lctx := runner.Context[T]{
		Machine:  m.name,
		From:     from,
		To:       to,
		Snapshot: snap,
	}

	for _, hook := range hooks {
		hook(lctx)
	}

	if len(actions) == 0 {
		return nil, nil //nolint:nilnil
	}

	run := m.engine.Create(actions, lctx, state.name+"."+p.String())
	if err := m.engine.Start(ctx, run); err != nil {
		return nil, err
	}

	return run, nil
}

// enter runs a state's entry sequence: entry actions awaited, then the
// sub-machine start. A cancelled entry skips the sub-machine; the cancel
// means the machine is about to move on or shut down.
func (m *Machine[T]) enter(ctx context.Context, state *stateDef[T], from string, snap store.Snapshot[T]) error {
	run, err := m.dispatch(ctx, state, phaseEnter, from, state.name, snap)
	if err != nil {
		return err
	}

	if run != nil {
		m.entryRun = run

		err = m.awaitEntry(state, run)

		m.entryRun = nil

		if err != nil {
			return err
		}
	}

	if state.sub != nil && !m.stopping {
		if err := state.sub.Start(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrSubMachineStart, err)
		}
	}

	return nil
}

// awaitEntry blocks until the entry run settles while keeping the inbox
// live, so commits observed mid-run are queued or cancel the run per the
// state's strategy.
func (m *Machine[T]) awaitEntry(state *stateDef[T], run *runner.Run[T]) error {
	cancelled := false

	for {
		select {
		case <-run.Done():
			return run.Err()
		case msg, ok := <-m.inbox.receive():
			if !ok {
				<-run.Done()

				return run.Err()
			}

			m.handleDuringEntry(msg, state, run, &cancelled)
		}
	}
}

// handleDuringEntry applies the mutation-observed rules while an entry run
// is awaited. During a transition commits only queue; outside one the
// state's strategy decides whether the run is cancelled to make room for
// immediate evaluation. The run is cancelled at most once.
func (m *Machine[T]) handleDuringEntry(msg message[T], state *stateDef[T], run *runner.Run[T], cancelled *bool) {
	switch msg.kind {
	case msgSnapshot:
		m.queue.push(msg.snapshot)
		snapshotsObserved.WithLabelValues(m.name, dispositionQueued).Inc()

		if m.transitioning || *cancelled {
			return
		}

		decision := Decision[T]{
			From:    state.name,
			Current: msg.snapshot.Current,
		}

		if state.resolveStrategy(decision) == Stop {
			m.logger.Debug("Cancelling entry run for new commit",
				"machine", m.name, "state", state.name, "version", msg.snapshot.Version)
			m.engine.Stop(run.ID())
			runsCancelled.WithLabelValues(m.name, state.name).Inc()

			*cancelled = true
		}
	case msgAwait:
		m.handleAwait(msg)
	case msgStop:
		m.stopping = true
		m.stopReplies = append(m.stopReplies, msg.reply)

		if !*cancelled {
			m.engine.Stop(run.ID())

			*cancelled = true
		}
	case msgExitDone:
		delete(m.exitRuns, msg.runID)
	}
}

// drain evaluates queued commits FIFO until the queue empties or a stop
// request wins. A fired transition consumes further commits from the same
// loop, so stale snapshots are always evaluated against the new state.
func (m *Machine[T]) drain(ctx context.Context) {
	for !m.stopping {
		snap, ok := m.queue.pop()
		if !ok {
			return
		}

		m.step(ctx, snap)
	}
}

// step evaluates one snapshot against the current state's transitions,
// first match wins, and answers the Update call awaiting that commit.
func (m *Machine[T]) step(ctx context.Context, snap store.Snapshot[T]) {
	name := m.current.Load()

	state, ok := m.states[name]
	if !ok {
		m.noteProcessed(snap.Version, WrapStateError(m.name, name, ErrStateNotFound))

		return
	}

	tr, matched := state.firstMatch(snap)
	if !matched {
		m.noteProcessed(snap.Version, nil)

		return
	}

	m.noteProcessed(snap.Version, m.transition(ctx, state, tr.Target, snap))
}

// transition drives one edge: close the gate, dispatch the old state's exit
// without awaiting it, unwind the old sub-machine, swap the current state,
// run the new entry awaited, start the new sub-machine. The gate reopens
// with the outcome before queued commits are re-drained, whatever happens.
func (m *Machine[T]) transition(ctx context.Context, from *stateDef[T], target string, snap store.Snapshot[T]) (err error) {
	to, ok := m.states[target]
	if !ok {
		return WrapTransitionError(m.name, from.name, target, ErrStateNotFound)
	}

	m.transitioning = true
	m.gate.reset()

	started := time.Now()
	ctx, span := startTransitionSpan(ctx, m.name, from.name, target, snap.Version)

	defer func() {
		m.transitioning = false
		m.gate.complete(err)
		endSpan(span, err)

		transitionDuration.WithLabelValues(m.name).Observe(time.Since(started).Seconds())

		outcome := "success"
		if err != nil {
			outcome = "error"
		}

		transitionsTotal.WithLabelValues(m.name, from.name, target, outcome).Inc()
	}()

	m.logger.Info("Transitioning",
		"machine", m.name, "from", from.name, "to", target, "version", snap.Version)

	// Normally the interrupt path has already cancelled any entry run;
	// this covers transitions reached without going through it.
	if m.entryRun != nil {
		decision := Decision[T]{From: from.name, To: target, Current: snap.Current}
		if from.resolveStrategy(decision) == Stop {
			m.engine.Stop(m.entryRun.ID())
		}
	}

	exitRun, derr := m.dispatch(ctx, from, phaseExit, from.name, target, snap)
	if derr != nil {
		return WrapTransitionError(m.name, from.name, target, derr)
	}

	if exitRun != nil {
		// Exit must not delay the new state's entry, but its completion
		// is tracked so Stop can reap strays later.
		m.exitRuns[exitRun.ID()] = struct{}{}
		m.watchExitRun(exitRun)
	}

	if from.sub != nil {
		// The nested machine fully unwinds before the owner changes.
		if serr := from.sub.Stop(ctx); serr != nil && !errors.Is(serr, ErrNotStarted) {
			return WrapTransitionError(m.name, from.name, target,
				fmt.Errorf("%w: %w", ErrSubMachineStop, serr))
		}
	}

	m.current.Store(target)

	if eerr := m.enter(ctx, to, from.name, snap); eerr != nil && !errors.Is(eerr, runner.ErrStopped) {
		return WrapTransitionError(m.name, from.name, target, eerr)
	}

	return nil
}

// watchExitRun reports a fire-and-forget exit run's completion back to the
// machine goroutine so the tracking set stays accurate.
func (m *Machine[T]) watchExitRun(run *runner.Run[T]) {
	go func() {
		<-run.Done()

		if err := run.Err(); err != nil && !errors.Is(err, runner.ErrStopped) {
			m.logger.Error("Exit actions failed",
				"machine", m.name, "run", run.Label(), "error", err)
		}

		m.inbox.send(message[T]{kind: msgExitDone, runID: run.ID()})
	}()
}

// teardown is the terminal sequence, run on the machine goroutine.
func (m *Machine[T]) teardown(ctx context.Context) {
	m.stopped.Store(true)

	// Unsubscribe first: no lifecycle work may be triggered by commits
	// landing after stop.
	if m.unsubscribe != nil {
		m.unsubscribe()
	}

	var err error

	name := m.current.Load()
	if state, ok := m.states[name]; ok {
		snap := store.Snapshot[T]{
			Current:  m.store.Current(),
			Previous: m.store.Previous(),
		}

		run, derr := m.dispatch(ctx, state, phaseExit, state.name, "", snap)

		switch {
		case derr != nil:
			err = WrapStateError(m.name, state.name, derr)
		case run != nil:
			<-run.Done()

			if rerr := run.Err(); rerr != nil && !errors.Is(rerr, runner.ErrStopped) {
				err = WrapStateError(m.name, state.name, rerr)
			}
		}

		if state.sub != nil {
			if serr := state.sub.Stop(ctx); serr != nil && !errors.Is(serr, ErrNotStarted) && err == nil {
				err = WrapStateError(m.name, state.name,
					fmt.Errorf("%w: %w", ErrSubMachineStop, serr))
			}
		}
	}

	for id := range m.exitRuns {
		m.engine.Stop(id)
	}

	for version, replies := range m.waiters {
		for _, reply := range replies {
			reply <- ErrMachineStopped
		}

		delete(m.waiters, version)
	}

	m.gate.complete(ErrMachineStopped)

	for _, reply := range m.stopReplies {
		reply <- err
	}

	m.logger.Debug("Machine stopped", "machine", m.name, "state", name)

	m.inbox.close()

	go m.drainRemaining()
}

// drainRemaining answers messages that were still buffered when teardown
// closed the inbox, so no caller is left parked forever.
func (m *Machine[T]) drainRemaining() {
	for msg := range m.inbox.receive() {
		switch msg.kind {
		case msgAwait:
			msg.reply <- ErrMachineStopped
		case msgStop:
			msg.reply <- nil
		case msgSnapshot, msgExitDone:
		}
	}
}
