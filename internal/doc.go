// Package internal contains helpers that are intentionally private to goAuthSync:
// random tokens and the backend's double-submit CSRF cookie.
//
// # Sub-packages
//
//   - rate: Redis-backed sign-in throttle used by the reference backend
//
// # What this package must NOT do
//
//   - Export types that appear in the public goAuthSync API.
//   - Be imported by any package outside the goAuthSync module.
package internal
