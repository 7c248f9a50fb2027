package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtClaims mirrors the identity provider's HS256 tokens: the user id lives in "sub".
type jwtClaims struct {
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

type jwtHS256Manager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
	key       []byte
}

// NewJWTHS256Manager builds an AccessTokenManager for HS256-signed JWTs.
func NewJWTHS256Manager(cfg Config) (AccessTokenManager, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, ErrConfig
	}
	return &jwtHS256Manager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		key:       []byte(cfg.JWTSecret),
	}, nil
}

func (m *jwtHS256Manager) Issue(userID, sessionID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(m.ttl)
	claims := jwtClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (m *jwtHS256Manager) Verify(token string, now time.Time) (AccessClaims, error) {
	if token == "" {
		return AccessClaims{}, ErrInvalidToken
	}

	var claims jwtClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return m.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !parsed.Valid {
		return AccessClaims{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return AccessClaims{}, ErrInvalidToken
	}

	out := AccessClaims{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		Issuer:    claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}
