package session

import (
	"context"
	"strings"
	"time"
)

// Service validates access tokens for the relay.
//
// It is stateless apart from its collaborators and safe for concurrent use.
// Every call re-verifies the token; nothing about a previous verification is cached.
type Service struct {
	cfg    Config
	tokens AccessTokenManager
	store  Store
}

// NewService constructs a Service. store may be nil, in which case only the token
// itself is verified.
func NewService(cfg Config, store Store, tokens AccessTokenManager) *Service {
	return &Service{cfg: cfg, store: store, tokens: tokens}
}

// ValidateAccessToken verifies an access token and, when possible, ensures the
// backing session is still active.
func (s *Service) ValidateAccessToken(ctx context.Context, token string, now time.Time) (AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > 8192 {
		return AccessClaims{}, ErrInvalidToken
	}

	claims, err := s.tokens.Verify(token, now)
	if err != nil {
		return AccessClaims{}, err
	}

	if s.store == nil || claims.SessionID == "" {
		return claims, nil
	}

	// Server-authoritative session check to honor revocations.
	row, err := s.store.GetByID(ctx, claims.SessionID)
	if err != nil {
		return AccessClaims{}, err
	}
	if row.UserID != claims.UserID {
		return AccessClaims{}, ErrInvalidToken
	}
	if row.RevokedAt != nil {
		return AccessClaims{}, ErrSessionRevoked
	}
	if !row.ExpiresAt.After(now) {
		return AccessClaims{}, ErrSessionExpired
	}

	return claims, nil
}

// Authenticate returns the user id carried by a valid token.
func (s *Service) Authenticate(ctx context.Context, token string, now time.Time) (string, error) {
	claims, err := s.ValidateAccessToken(ctx, token, now)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// IssueAccessToken issues a token with the configured manager. Dev and test use only.
func (s *Service) IssueAccessToken(userID, sessionID string, now time.Time) (string, time.Time, error) {
	return s.tokens.Issue(userID, sessionID, now)
}
