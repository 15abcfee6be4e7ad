// Package session persists the reference backend's server-side session records in
// Redis.
//
// # Binary encoding
//
// Records are stored as a compact binary blob whose first byte is the schema
// version. Expiry sits at a fixed offset so that the sliding-expiry script can update
// it in place without decoding the rest.
//
// # Sliding expiry
//
// Every successful read may push the expiry forward, capped by the absolute
// lifetime. The update is a compare-and-set in Lua: an expiry never moves backwards,
// even when reads race.
//
// # What this package must NOT do
//
//   - Import goAuthSync, jwt, or password (no upward imports).
//   - Interpret session data; it is opaque JSON.
//   - Store plaintext secrets.
package session
