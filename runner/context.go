package runner

import "github.com/amp-labs/flowstate/store"

// Context is the lifecycle context handed to every entry and exit action and
// to the machine's global hooks: which machine is transitioning, the edge
// being taken, and the snapshot that triggered it. From is empty for the
// initial entry; To is empty for the terminal exit. Actions treat it as
// read-only.
type Context[T any] struct {
	Machine  string
	From     string
	To       string
	Snapshot store.Snapshot[T]
}
