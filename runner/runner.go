// Package runner executes ordered lifecycle action lists on behalf of a state
// machine. An Engine creates Runs, launches them asynchronously on a worker
// pool, and can stop them mid-flight by cancelling the run's context. A Run
// exposes a completion channel and a terminal error; cancellation is reported
// as the ErrStopped sentinel so callers can distinguish interruption from
// failure.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
)

const defaultWorkerCount = 10

var (
	// ErrStopped is returned by a run whose context was cancelled via
	// Engine.Stop or a parent context. It signals interruption, not failure.
	ErrStopped = errors.New("run stopped")

	// ErrActionPanic wraps a panic recovered from an action.
	ErrActionPanic = errors.New("action panicked")

	// ErrEngineClosed is returned when starting a run on a closed engine.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrRunAlreadyStarted is returned when a run is started twice.
	ErrRunAlreadyStarted = errors.New("run already started")
)

func isStopped(err error) bool {
	return errors.Is(err, ErrStopped)
}

func isPanic(err error) bool {
	return errors.Is(err, ErrActionPanic)
}

// Run is a handle to one execution of an ordered action list. A Run is
// created idle, started at most once, and terminal once Done is closed.
type Run[T any] struct {
	id      string
	label   string
	actions []Action[T]
	lctx    Context[T]

	started *atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// ID returns the unique identifier of the run.
func (r *Run[T]) ID() string {
	return r.id
}

// Label returns the human-readable label the run was created with.
func (r *Run[T]) Label() string {
	return r.label
}

// Done is closed when the run has finished, for any reason.
func (r *Run[T]) Done() <-chan struct{} {
	return r.done
}

// Err returns the terminal error of the run. It is only meaningful after
// Done is closed: nil on success, ErrStopped on cancellation, ErrActionPanic
// on a recovered panic, otherwise the first action error.
func (r *Run[T]) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

type engineOptions struct {
	workers int
	logger  *slog.Logger
}

type Option func(*engineOptions)

// WithWorkers sets the size of the engine's worker pool.
func WithWorkers(count int) Option {
	return func(o *engineOptions) {
		o.workers = count
	}
}

// WithLogger sets the logger used by the engine and its runs.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// Engine creates and executes Runs on a shared worker pool.
type Engine[T any] struct {
	name   string
	logger *slog.Logger
	pool   pond.Pool

	mu     sync.Mutex
	closed bool
	active map[string]*Run[T]
}

// NewEngine creates an execution engine named name. The name appears in logs,
// metrics, and trace attributes.
func NewEngine[T any](name string, opts ...Option) *Engine[T] {
	options := &engineOptions{
		workers: defaultWorkerCount,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(options)
	}

	return &Engine[T]{
		name:   name,
		logger: options.logger.With("engine", name),
		pool:   pond.NewPool(options.workers),
		active: make(map[string]*Run[T]),
	}
}

// Create builds an idle Run over the given action list. The lifecycle context
// is captured at creation time and handed unchanged to every action.
func (e *Engine[T]) Create(actions []Action[T], lctx Context[T], label string) *Run[T] {
	return &Run[T]{
		id:      uuid.New().String(),
		label:   sanitizeLabel(label),
		actions: actions,
		lctx:    lctx,
		started: atomic.NewBool(false),
		done:    make(chan struct{}),
	}
}

// Start launches the run asynchronously. It returns immediately; callers
// await completion via run.Done or ignore the handle for fire-and-forget
// runs. Starting a run twice or on a closed engine is an error.
func (e *Engine[T]) Start(ctx context.Context, run *Run[T]) error {
	if !run.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrRunAlreadyStarted, run.id)
	}

	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		cancel()

		return ErrEngineClosed
	}

	run.cancel = cancel
	e.active[run.id] = run
	e.mu.Unlock()

	runsStarted.WithLabelValues(e.name, run.label).Inc()

	e.pool.Submit(func() {
		e.execute(runCtx, run)
	})

	return nil
}

// Stop cancels the run with the given id. Unknown or already-finished runs
// are a no-op.
func (e *Engine[T]) Stop(id string) {
	e.mu.Lock()
	run, ok := e.active[id]
	e.mu.Unlock()

	if !ok {
		return
	}

	e.logger.Debug("Stopping run", "run_id", run.id, "label", run.label)
	run.cancel()
}

// Close stops accepting new runs, cancels all active runs, and waits for the
// worker pool to drain.
func (e *Engine[T]) Close() {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()

		return
	}

	e.closed = true
	active := make([]*Run[T], 0, len(e.active))

	for _, run := range e.active {
		active = append(active, run)
	}
	e.mu.Unlock()

	for _, run := range active {
		run.cancel()
	}

	e.pool.StopAndWait()
}

func (e *Engine[T]) execute(ctx context.Context, run *Run[T]) {
	started := time.Now()

	ctx, span := otel.Tracer("flowstate/runner").Start(ctx, "run."+run.label,
		trace.WithAttributes(
			attribute.String("engine", e.name),
			attribute.String("run.id", run.id),
			attribute.Int("run.actions", len(run.actions)),
		))

	err := e.runActions(ctx, run)

	e.finish(run, err)

	if err != nil && !isStopped(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()

	runDuration.WithLabelValues(e.name, run.label).Observe(time.Since(started).Seconds())
	runsFinished.WithLabelValues(e.name, run.label, outcomeLabel(err)).Inc()
}

func (e *Engine[T]) runActions(ctx context.Context, run *Run[T]) error {
	for _, action := range run.actions {
		// Cancellation halts between actions; a running action only
		// stops early if it observes ctx itself.
		if err := ctx.Err(); err != nil {
			e.logger.Debug("Run cancelled",
				"run_id", run.id, "label", run.label, "action", action.Name())

			return ErrStopped
		}

		if err := e.runAction(ctx, run, action); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ErrStopped
			}

			return err
		}
	}

	return nil
}

func (e *Engine[T]) runAction(ctx context.Context, run *Run[T], action Action[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			actionPanics.WithLabelValues(e.name, run.label, action.Name()).Inc()
			e.logger.Error("Recovered panic in action",
				"run_id", run.id,
				"label", run.label,
				"action", action.Name(),
				"panic", r,
				"stack", string(debug.Stack()))

			err = fmt.Errorf("%w: %s: %v", ErrActionPanic, action.Name(), r)
		}
	}()

	started := time.Now()
	defer func() {
		actionDuration.WithLabelValues(e.name, run.label, action.Name()).
			Observe(time.Since(started).Seconds())
	}()

	return action.Execute(ctx, run.lctx)
}

func (e *Engine[T]) finish(run *Run[T], err error) {
	e.mu.Lock()
	delete(e.active, run.id)
	e.mu.Unlock()

	run.cancel()

	run.err = err
	close(run.done)
}
