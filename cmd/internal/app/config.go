package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains the process-level runtime configuration.
// Auth (RELAY_AUTH_*) and gateway (RELAY_WS_*) settings are loaded by their own packages.
type Config struct {
	HTTPAddr string `env:"RELAY_HTTP_ADDR" envDefault:"0.0.0.0:8080"`

	LogLevel  string `env:"RELAY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"RELAY_LOG_FORMAT" envDefault:"json"`
	LogColor  bool   `env:"RELAY_LOG_COLOR" envDefault:"false"`

	ReadHeaderTimeout time.Duration `env:"RELAY_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"RELAY_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"RELAY_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"RELAY_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"RELAY_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	ShutdownTimeout   time.Duration `env:"RELAY_HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// DatabaseURL selects PostgreSQL. When empty, SQLitePath selects SQLite.
	// With neither, messages live in memory.
	DatabaseURL string `env:"RELAY_DATABASE_URL"`
	DBMaxConns  int32  `env:"RELAY_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"RELAY_DB_MIN_CONNS" envDefault:"0"`
	DBSchema    string `env:"RELAY_DB_SCHEMA" envDefault:"relay"`

	DBConnectTimeout  time.Duration `env:"RELAY_DB_CONNECT_TIMEOUT" envDefault:"3s"`
	DBMaxConnIdleTime time.Duration `env:"RELAY_DB_MAX_CONN_IDLE" envDefault:"5m"`

	// DBAutoMigrate creates the messages schema on startup (Postgres only; SQLite always does).
	DBAutoMigrate bool `env:"RELAY_DB_AUTO_MIGRATE" envDefault:"true"`

	SQLitePath string `env:"RELAY_SQLITE_PATH"`

	// If true, /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool `env:"RELAY_READINESS_REQUIRE_DB" envDefault:"false"`
}

// LoadConfig loads Config from environment variables.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("app: config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges env parsing cannot express.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("app: RELAY_HTTP_ADDR is empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "pretty":
	default:
		return fmt.Errorf("app: unknown RELAY_LOG_FORMAT %q", c.LogFormat)
	}
	if c.DBMaxConns < 0 || c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return errors.New("app: invalid db pool bounds")
	}
	if c.DBConnectTimeout <= 0 {
		return errors.New("app: RELAY_DB_CONNECT_TIMEOUT must be positive")
	}
	return nil
}
