package session

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// AccessClaims is the minimal identity envelope propagated across WS actions.
// SessionID may be empty for token formats that do not carry one.
type AccessClaims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// AccessTokenManager issues and verifies short-lived access tokens.
type AccessTokenManager interface {
	Issue(userID, sessionID string, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
}

// NewAccessTokenManager builds the manager selected by cfg.TokenFormat.
func NewAccessTokenManager(cfg Config) (AccessTokenManager, error) {
	switch normalizeFormat(cfg.TokenFormat) {
	case FormatJWT:
		return NewJWTHS256Manager(cfg)
	case FormatPaseto, "":
		return NewPasetoV4PublicManager(cfg)
	default:
		return nil, ErrConfig
	}
}

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret   paseto.V4AsymmetricSecretKey
	canIssue bool
	public   paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds an AccessTokenManager based on PASETO v4.public.
//
// Verification uses the public key; without one it is derived from the secret key.
// Without a secret key the manager is verify-only and Issue fails with ErrNoSigningKey.
// Clock skew is applied during verification via ValidAt to tolerate minor clock differences.
func NewPasetoV4PublicManager(cfg Config) (AccessTokenManager, error) {
	m := &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
	}

	if cfg.PasetoV4SecretKeyHex != "" {
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.secret, m.canIssue = secret, true
		m.public = secret.Public()
	}

	if cfg.PasetoV4PublicKeyHex != "" {
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PasetoV4PublicKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		if m.canIssue && m.public.ExportHex() != public.ExportHex() {
			return nil, ErrConfig
		}
		m.public = public
	} else if !m.canIssue {
		return nil, ErrConfig
	}

	return m, nil
}

func (m *pasetoV4PublicManager) Issue(userID, sessionID string, now time.Time) (string, time.Time, error) {
	if !m.canIssue {
		return "", time.Time{}, ErrNoSigningKey
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("uid", userID)
	if sessionID != "" {
		_ = tok.Set("sid", sessionID)
	}

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *pasetoV4PublicManager) Verify(token string, now time.Time) (AccessClaims, error) {
	if token == "" {
		return AccessClaims{}, ErrInvalidToken
	}

	// Validate slightly in the future so "nbf" survives small clock differences.
	validNow := now.Add(m.clockSkew)

	// Build a fresh parser per call to avoid accumulating rules across verifies.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	sid, _ := parsed.GetString("sid")

	// NotExpired checks wall-clock time; honor the caller's clock as well.
	if !exp.IsZero() && !exp.After(now) {
		return AccessClaims{}, ErrInvalidToken
	}

	return AccessClaims{
		UserID:    uid,
		SessionID: sid,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}
