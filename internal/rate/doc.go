// Package rate throttles failed credential sign-ins with Redis counters.
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Key prefixes:
//   - "si:" failed sign-ins per username
//   - "sii:" failed sign-ins per client IP
//
// # What this package must NOT do
//
//   - Decide what a failed sign-in is (the backend does).
//   - Be imported outside the goAuthSync module.
package rate
