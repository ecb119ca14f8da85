package runner

import "context"

// Action is a single ordered unit of lifecycle work executed on state entry
// or exit. Execute must honor ctx cancellation for the run to be stoppable
// mid-action.
type Action[T any] interface {
	Name() string
	Execute(ctx context.Context, lctx Context[T]) error
}

type actionFunc[T any] struct {
	name string
	fn   func(ctx context.Context, lctx Context[T]) error
}

func (a *actionFunc[T]) Name() string {
	return a.name
}

func (a *actionFunc[T]) Execute(ctx context.Context, lctx Context[T]) error {
	return a.fn(ctx, lctx)
}

// ActionFunc wraps a plain function as an Action.
func ActionFunc[T any](name string, fn func(ctx context.Context, lctx Context[T]) error) Action[T] { //nolint:ireturn
	return &actionFunc[T]{
		name: name,
		fn:   fn,
	}
}

// Chain builds an ordered action list incrementally. It backs the callback
// form of entry/exit configuration: the callback receives a Chain, appends to
// it, and the result is normalized into a plain action list when the machine
// is built.
type Chain[T any] struct {
	actions []Action[T]
}

// Add appends actions to the chain in the given order.
func (c *Chain[T]) Add(actions ...Action[T]) *Chain[T] {
	c.actions = append(c.actions, actions...)

	return c
}

// AddFunc appends a function action to the chain.
func (c *Chain[T]) AddFunc(name string, fn func(ctx context.Context, lctx Context[T]) error) *Chain[T] {
	return c.Add(ActionFunc(name, fn))
}

// Actions returns a copy of the accumulated action list.
func (c *Chain[T]) Actions() []Action[T] {
	out := make([]Action[T], len(c.actions))
	copy(out, c.actions)

	return out
}
