package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbApplicationName       = "dmrelay"
	defaultDBConnectTimeout = 3 * time.Second
)

// postgresPoolConfig maps the RELAY_DB_* settings onto a pgx pool config.
// Parameters already present in the URL win over the defaults applied here.
func postgresPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse RELAY_DATABASE_URL: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	pcfg.MinConns = cfg.DBMinConns
	if cfg.DBMaxConnIdleTime > 0 {
		pcfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime
	}
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = dbApplicationName
	}
	return pcfg, nil
}

// openPostgresPool connects and requires one successful round trip within
// RELAY_DB_CONNECT_TIMEOUT before handing the pool out.
func openPostgresPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := postgresPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pingPool(ctx, pool, cfg.DBConnectTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func pingPool(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultDBConnectTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return pool.Ping(ctx)
}
