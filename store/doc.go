// Package store provides the per-context session cache: the current [Session]
// value, its [Status], and an ordered set of listeners notified on every change.
//
// # Dispatch model
//
// [Store.Set] notifies listeners synchronously on the calling goroutine. A Set issued
// while listeners are already running (from inside a listener or from another
// goroutine) is queued and delivered by the active dispatcher once the current round
// completes, so no listener is ever invoked reentrantly.
//
// # Architecture boundaries
//
// This package owns the cached value only. It does NOT fetch sessions, talk to sibling
// contexts, or decide when a refresh happens; those belong to the scheduler, channel,
// and root packages.
//
// # What this package must NOT do
//
//   - Perform I/O or block in [Store.Get].
//   - Import goAuthSync, scheduler, channel, or endpoint (no upward imports).
//   - Move a store back to [StatusPending] once it has resolved.
package store
