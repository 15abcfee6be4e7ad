// Package password hashes and verifies the secrets of the reference backend's
// credentials provider with Argon2id.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Hasher.NeedsRehash] reports hashes produced with weaker parameters so the backend
// can re-hash after the next successful sign-in.
//
// # What this package must NOT do
//
//   - Store or look up users; callers supply plaintext and stored hashes.
//   - Import any other goAuthSync package.
//   - Log plaintext passwords.
package password
