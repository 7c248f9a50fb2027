package realtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32
)

// GatewayConfig holds the websocket gateway knobs.
//
// Origin is required by default and only localhost is allowed, which is safe for dev.
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's own origin verification. Dev only.
	DevInsecure bool `env:"RELAY_WS_DEV_INSECURE" envDefault:"false"`

	OriginRequired bool     `env:"RELAY_WS_ORIGIN_REQUIRED" envDefault:"true"`
	AllowedOrigins []string `env:"RELAY_WS_ALLOWED_ORIGINS" envDefault:"http://localhost,http://127.0.0.1" envSeparator:","`

	WriteTimeout    time.Duration `env:"RELAY_WS_WRITE_TIMEOUT" envDefault:"5s"`
	ReadIdleTimeout time.Duration `env:"RELAY_WS_READ_IDLE_TIMEOUT" envDefault:"2m"`
	SendQueueSize   int           `env:"RELAY_WS_SEND_QUEUE" envDefault:"256"`

	HeartbeatInterval time.Duration `env:"RELAY_WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"RELAY_WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`

	RateEvents int           `env:"RELAY_WS_RATE_EVENTS" envDefault:"120"`
	RateWindow time.Duration `env:"RELAY_WS_RATE_WINDOW" envDefault:"10s"`
}

// DefaultGatewayConfig mirrors the envDefault tags.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// LoadGatewayConfig reads RELAY_WS_* variables.
func LoadGatewayConfig() (GatewayConfig, error) {
	cfg, err := env.ParseAs[GatewayConfig]()
	if err != nil {
		return GatewayConfig{}, fmt.Errorf("realtime: gateway config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return GatewayConfig{}, err
	}
	return cfg, nil
}

// Validate rejects non-positive timeouts and limits.
func (c GatewayConfig) Validate() error {
	switch {
	case c.WriteTimeout <= 0, c.ReadIdleTimeout <= 0:
		return errors.New("realtime: ws timeouts must be positive")
	case c.HeartbeatInterval <= 0, c.HeartbeatTimeout <= 0:
		return errors.New("realtime: ws heartbeat must be positive")
	case c.RateEvents <= 0, c.RateWindow <= 0:
		return errors.New("realtime: ws rate limit must be positive")
	case c.SendQueueSize <= 0:
		return errors.New("realtime: ws send queue must be positive")
	}
	return nil
}

// normalized clamps values the gateway relies on.
func (c GatewayConfig) normalized() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}
