package machine

import "github.com/amp-labs/flowstate/store"

// snapshotQueue is the FIFO of mutations observed while the machine was
// busy. Only the machine loop touches it.
type snapshotQueue[T any] struct {
	machine string
	items   []store.Snapshot[T]
}

func newSnapshotQueue[T any](machineName string) *snapshotQueue[T] {
	return &snapshotQueue[T]{machine: machineName}
}

func (q *snapshotQueue[T]) push(snap store.Snapshot[T]) {
	q.items = append(q.items, snap)
	queueDepth.WithLabelValues(q.machine).Set(float64(len(q.items)))
}

func (q *snapshotQueue[T]) pop() (store.Snapshot[T], bool) {
	if len(q.items) == 0 {
		return store.Snapshot[T]{}, false
	}

	snap := q.items[0]
	q.items = q.items[1:]
	queueDepth.WithLabelValues(q.machine).Set(float64(len(q.items)))

	return snap, true
}
