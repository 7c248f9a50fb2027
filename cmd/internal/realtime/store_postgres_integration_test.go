package realtime

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// Integration tests are enabled when RELAY_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_Contract(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	runMessageStoreContract(t, func(t *testing.T) MessageStore {
		schema := mustCreateTestSchema(t, pool)
		t.Cleanup(func() { mustDropSchema(t, pool, schema) })

		st, err := NewPostgresStore(pool, WithSchema(schema))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, st.ApplySchema(ctx))
		return st
	})
}

func TestPostgresStore_ApplySchemaIsIdempotent(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st, err := NewPostgresStore(pool, WithSchema(schema))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, st.ApplySchema(ctx))
	require.NoError(t, st.ApplySchema(ctx))
}

func TestNewPostgresStore_RejectsBadSchema(t *testing.T) {
	_, err := NewPostgresStore(nil, WithSchema(`relay"; DROP TABLE x; --`))
	require.Error(t, err)

	_, err = NewPostgresStore(nil)
	require.Error(t, err)
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("RELAY_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: RELAY_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse RELAY_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "relay_it_" + strings.ToLower(NewRandomHex(8))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
