package realtime

import "errors"

var (
	// ErrUnauthenticated is returned when a token is missing, malformed, expired or revoked.
	ErrUnauthenticated = errors.New("realtime: unauthenticated")

	// ErrInvalidPayload is returned when an inbound payload fails decoding or validation.
	ErrInvalidPayload = errors.New("realtime: invalid payload")

	// ErrPersistence wraps any failure reported by the MessageStore.
	ErrPersistence = errors.New("realtime: persistence failure")
)
