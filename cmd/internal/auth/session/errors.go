package session

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSessionNotFound is returned when the token's session id has no backing row.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned when the session is expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionRevoked is returned when the session has been revoked.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrNoSigningKey is returned by Issue when only a verification key is configured.
	ErrNoSigningKey = errors.New("no signing key configured")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
