package session

import (
	"context"
	"time"
)

// Row mirrors the sessions row the relay reads to honor revocations.
type Row struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Store is the read-only view of the identity provider's session table.
type Store interface {
	// GetByID loads a session row by ID. Returns ErrSessionNotFound when absent.
	GetByID(ctx context.Context, sessionID string) (Row, error)
}
