// Package session verifies the access tokens presented to the relay.
//
// Tokens are issued by an external identity provider. Two formats are accepted:
// PASETO v4.public (Ed25519, claims "uid" and "sid") and HS256 JWT (user id in
// "sub", optional "sid"). The relay never issues tokens in production; Issue
// exists for tests and dev tooling.
//
// When a Store is configured, a token carrying a session id is additionally checked
// against the server-side session row so revoked sessions are rejected on the next
// action, not only at expiry.
package session
