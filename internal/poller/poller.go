// Package poller implements the scheduler loop's nine poller classes
// (SPEC_FULL.md §4.4): each owns a narrow slice of durable cursor state
// in the poller_state table and, on each tick, turns new external state
// into tasks. A Poller's state update is the only way it advances, so
// re-running a tick without a state change is a no-op.
package poller

import "context"

// Poller is ticked by the scheduler loop at its own cadence.
type Poller interface {
	Name() string
	Tick(ctx context.Context) error
}
