// Package store provides the observable data container that drives a
// flowstate machine. A Store holds a current and a previous value; every
// committed mutation produces an immutable Snapshot and notifies all
// subscribers exactly once, in commit order. The machine reacts to those
// snapshots; it never polls.
package store

import "sync"

// Snapshot is the immutable record of one committed mutation. Current and
// Previous are captured atomically at commit time, so conditions can be
// evaluated consistently even if the store mutates again before the snapshot
// is consumed. Version is a monotonically increasing commit counter.
type Snapshot[T any] struct {
	Current  T
	Previous T
	Version  uint64
}

// Listener receives one Snapshot per committed mutation.
type Listener[T any] func(Snapshot[T])

// Store is an observable container of values of type T.
type Store[T any] interface {
	// Current returns the most recently committed value.
	Current() T

	// Previous returns the value that was current before the last commit.
	// Before the first mutation it equals the initial value.
	Previous() T

	// Mutate applies updater to the current value and commits the result,
	// notifying every subscriber before returning. It returns the snapshot
	// of the commit.
	Mutate(updater func(T) T) Snapshot[T]

	// Subscribe registers a listener and returns a function that removes
	// it. Listeners are invoked synchronously under the commit, so they
	// observe commits in order and must not call Mutate on the same store.
	Subscribe(listener Listener[T]) (unsubscribe func())
}

// New creates an in-memory Store seeded with initial. Both Current and
// Previous report the initial value until the first mutation.
func New[T any](initial T) Store[T] {
	return &memoryStore[T]{
		current:   initial,
		previous:  initial,
		listeners: make(map[int]Listener[T]),
	}
}

type memoryStore[T any] struct {
	mu        sync.Mutex
	current   T
	previous  T
	version   uint64
	nextID    int
	listeners map[int]Listener[T]
}

func (s *memoryStore[T]) Current() T { //nolint:ireturn
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current
}

func (s *memoryStore[T]) Previous() T { //nolint:ireturn
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.previous
}

func (s *memoryStore[T]) Mutate(updater func(T) T) Snapshot[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := updater(s.current)
	s.previous = s.current
	s.current = next
	s.version++

	snap := Snapshot[T]{
		Current:  s.current,
		Previous: s.previous,
		Version:  s.version,
	}

	// Notify under the commit lock: every listener sees commits in order,
	// exactly once each, with no interleaving from concurrent mutators.
	for _, listener := range s.listeners {
		listener(snap)
	}

	return snap
}

func (s *memoryStore[T]) Subscribe(listener Listener[T]) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = listener

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.listeners, id)
	}
}
