package session

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Token formats accepted by NewAccessTokenManager.
const (
	FormatPaseto = "paseto"
	FormatJWT    = "jwt"
)

// Config defines the runtime configuration for token verification.
//
// The key must match TokenFormat: for "paseto" the relay verifies with
// PasetoV4PublicKeyHex, and PasetoV4SecretKeyHex is only needed where tokens are
// minted (dev tooling, tests). When both are set they must be a key pair.
// "jwt" needs JWTSecret.
type Config struct {
	// Issuer is the expected "iss" claim.
	Issuer string `env:"RELAY_AUTH_ISSUER" envDefault:"dmrelay"`

	// TokenFormat selects the access token format ("paseto" or "jwt").
	TokenFormat string `env:"RELAY_AUTH_TOKEN_FORMAT" envDefault:"paseto"`

	// AccessTokenTTL is only used by Issue (tests, dev tooling).
	AccessTokenTTL time.Duration `env:"RELAY_AUTH_ACCESS_TTL" envDefault:"15m"`

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration `env:"RELAY_AUTH_CLOCK_SKEW" envDefault:"30s"`

	// PasetoV4PublicKeyHex is the hex-encoded Ed25519 public key of the identity provider.
	PasetoV4PublicKeyHex string `env:"RELAY_PASETO_V4_PUBLIC_KEY_HEX"`

	// PasetoV4SecretKeyHex is the matching secret key. Optional; enables Issue.
	PasetoV4SecretKeyHex string `env:"RELAY_PASETO_V4_SECRET_KEY_HEX"`

	// JWTSecret is the shared HMAC secret for HS256 tokens.
	JWTSecret string `env:"RELAY_JWT_SECRET"`

	// CheckSessions enables the server-side session lookup on every verification.
	CheckSessions bool `env:"RELAY_AUTH_CHECK_SESSIONS" envDefault:"false"`
}

// DefaultConfig returns the defaults used when no environment overrides are set.
func DefaultConfig() Config {
	return Config{
		Issuer:         "dmrelay",
		TokenFormat:    FormatPaseto,
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, ErrConfig
	}
	cfg.TokenFormat = normalizeFormat(cfg.TokenFormat)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants of a Config.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return ErrConfig
	}
	if c.AccessTokenTTL <= 0 || c.ClockSkew < 0 {
		return ErrConfig
	}

	switch normalizeFormat(c.TokenFormat) {
	case FormatPaseto:
		if c.PasetoV4PublicKeyHex == "" && c.PasetoV4SecretKeyHex == "" {
			return ErrConfig
		}
	case FormatJWT:
		// HS256 keys shorter than the hash output are brute-forceable.
		if len(c.JWTSecret) < 32 {
			return ErrConfig
		}
	default:
		return ErrConfig
	}
	return nil
}

func normalizeFormat(f string) string {
	return strings.ToLower(strings.TrimSpace(f))
}
