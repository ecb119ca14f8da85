package machine

import (
	"context"
	"sync"
)

// gate is a single-slot resettable completion signal, broadcast by closing a
// channel. It starts open. The machine loop resets it when a transition
// begins and completes it, with the transition's outcome, when the
// transition settles. Any number of goroutines may wait on it concurrently.
type gate struct {
	mu   sync.Mutex
	open bool
	err  error
	ch   chan struct{}
}

func newGate() *gate {
	ch := make(chan struct{})
	close(ch)

	return &gate{
		open: true,
		ch:   ch,
	}
}

// reset closes the gate for a new transition. No-op when already closed.
func (g *gate) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.open {
		return
	}

	g.open = false
	g.err = nil
	g.ch = make(chan struct{})
}

// complete opens the gate, publishing the transition's outcome to all
// waiters. No-op when already open.
func (g *gate) complete(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open {
		return
	}

	g.open = true
	g.err = err
	close(g.ch)
}

// wait blocks until the gate is open, then returns the outcome of the
// transition that opened it. Immediate when the gate is already open.
func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		g.mu.Lock()
		defer g.mu.Unlock()

		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitOpen blocks until the gate is open but discards the transition
// outcome. Used by callers who only need the machine to be idle and must
// not inherit a previous transition's error.
func (g *gate) awaitOpen(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
