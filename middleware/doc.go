// Package middleware exposes HTTP middleware that guards application routes with the
// reference backend's session cookie.
//
// # Guards
//
//   - [Guard]: rejects requests an [Authenticator] does not accept.
//   - [RequireToken]: stateless check of the signed session token, no Redis call.
//   - [RequireSession]: token plus the Redis session record, sliding its expiry.
//
// Accepted requests carry the resolved [Identity] in their context.
//
// # What this package must NOT do
//
//   - Create or delete sessions (the backend does).
//   - Make authorization decisions beyond pass/reject.
package middleware
