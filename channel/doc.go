// Package channel defines the cross-context Sync Channel: a best-effort broadcast
// of session change notifications between contexts that share an origin.
//
// Transports:
//
//   - [Hub] / [Member]: contexts living in one process.
//   - redischannel: Redis Pub/Sub, for contexts spread across processes.
//   - wschannel: a WebSocket relay, for contexts that can only reach an HTTP endpoint.
//   - [Nop]: single-context mode when no transport is available.
//
// Every transport filters out messages whose Origin equals the subscribing context's
// own origin, so a context never observes its own notifications. Delivery is FIFO per
// sender; there is no ordering across senders, which is why every [Message] carries a
// [Stamp] that receivers compare against their own state.
package channel
