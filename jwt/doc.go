// Package jwt issues and verifies the session-token cookie of the reference backend.
//
// The token only points at a server-side session record: it carries the session and
// user ids, never session data. Revocation is done by deleting the record.
package jwt
