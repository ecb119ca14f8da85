package machine

import (
	"sync"

	"github.com/amp-labs/flowstate/store"
)

type messageKind int

const (
	// msgSnapshot carries one committed store mutation.
	msgSnapshot messageKind = iota

	// msgAwait asks the loop to reply once it has processed the given
	// store version.
	msgAwait

	// msgStop asks the loop to tear the machine down.
	msgStop

	// msgExitDone reports that a fire-and-forget exit run finished.
	msgExitDone
)

// message is the envelope for everything sent to the machine loop. The store
// subscription, the public API, and exit-run watchers all communicate with
// the loop exclusively through these.
type message[T any] struct {
	kind     messageKind
	snapshot store.Snapshot[T]
	version  uint64
	reply    chan error
	runID    string
}

// inbox is an unbounded FIFO feeding the machine loop. Sends never block, so
// the store's commit lock is never held up by a busy machine, and the loop
// can keep receiving while it awaits lifecycle runs.
type inbox[T any] struct {
	in        chan message[T]
	out       <-chan message[T]
	closeOnce sync.Once
}

func newInbox[T any]() *inbox[T] {
	in := make(chan message[T])
	out := make(chan message[T])

	go pump(in, out)

	return &inbox[T]{
		in:  in,
		out: out,
	}
}

// pump buffers messages between in and out so senders never block.
func pump[T any](in chan message[T], out chan message[T]) {
	var queue []message[T]

	outCh := func() chan message[T] {
		if len(queue) == 0 {
			return nil
		}

		return out
	}

	head := func() message[T] {
		if len(queue) == 0 {
			return message[T]{}
		}

		return queue[0]
	}

	for len(queue) > 0 || in != nil {
		select {
		case msg, ok := <-in:
			if !ok {
				in = nil
			} else {
				queue = append(queue, msg)
			}
		case outCh() <- head():
			queue = queue[1:]
		}
	}

	close(out)
}

// send delivers msg to the loop. It reports false when the inbox has been
// closed, which only happens after teardown has begun.
func (b *inbox[T]) send(msg message[T]) (delivered bool) {
	defer func() {
		if recover() != nil {
			delivered = false
		}
	}()

	b.in <- msg

	return true
}

// receive returns the channel the loop reads from. It is closed after close
// once all buffered messages have been delivered.
func (b *inbox[T]) receive() <-chan message[T] {
	return b.out
}

func (b *inbox[T]) close() {
	b.closeOnce.Do(func() {
		close(b.in)
	})
}
