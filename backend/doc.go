// Package backend is a reference implementation of the auth backend's session surface,
// the HTTP collaborator every goAuthSync context talks to.
//
// # Routes
//
// All routes hang off Options.BasePath (default /api/auth):
//
//	GET  /session               current session, sliding its expiry
//	POST /session               merge data into the session (csrf)
//	GET  /csrf                  csrf token + double-submit cookie
//	GET  /providers             provider metadata
//	POST /signin/{provider}     authorization URL of an external provider (csrf)
//	POST /callback/credentials  username/password sign-in (csrf, throttled)
//	POST /signout               end the session (csrf)
//
// # Storage
//
// Sessions live in Redis as binary records (package session). The browser holds a
// signed JWT naming the session; the record is authoritative, so deleting it ends the
// session everywhere regardless of token lifetime.
//
// # What this package must NOT do
//
//   - Complete external provider flows (only the authorization URL is produced).
//   - Keep session state in process memory.
package backend
