// Package goAuthSync keeps a client-side copy of an auth backend's session in sync
// across independent contexts (browser tabs, worker processes, CLI sessions).
//
// Each context owns one [Client]. A Client caches the session in a store, refreshes it
// through a single-flight scheduler, and tells sibling contexts about changes over a
// channel transport. Clients are safe to call from multiple goroutines after
// [Builder.Build].
//
// # Architecture boundaries
//
// goAuthSync is the public surface. It exposes [Client], [Builder], [Config] and value
// types (SessionState, SignInResult, MetricsSnapshot). The cache lives in store/, the
// transports in channel/, refresh timing in scheduler/ and the HTTP surface in
// endpoint/. backend/ is a reference implementation of the server side used by tests
// and the CLI; nothing in this package depends on it.
//
// # What this package must NOT do
//
//   - Share memory between contexts. Contexts only exchange channel messages.
//   - Run more than one session fetch per context at a time.
//   - Surface background refresh errors to consumers. They only affect status.
//   - Move a session's expiry backwards. A fetch reporting an earlier expiry for the
//     same identity keeps the later one; extending it is the server's job.
//
// # Freshness
//
// Every notification carries a [channel.Stamp] taken when the sender started the fetch
// that produced its state. A receiver ignores notifications that are not newer than
// its own state, so delivery order across contexts does not matter.
package goAuthSync
