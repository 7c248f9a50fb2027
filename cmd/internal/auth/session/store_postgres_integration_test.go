package session

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Integration tests are enabled when RELAY_DATABASE_URL is set.
// Each test works in a throwaway schema holding only a sessions table, the shape
// the identity provider exposes to the relay.

func TestPostgresStore_GetByID(t *testing.T) {
	ctx := context.Background()
	pool := mustPGXPool(ctx, t)
	schema := mustSessionsSchema(ctx, t, pool)

	store, err := NewPostgresStore(pool, schema)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	id := newULID(t)
	mustInsertSession(ctx, t, pool, schema, id, "user-1", now.Add(time.Hour), nil)

	row, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if row.ID != id || row.UserID != "user-1" || row.RevokedAt != nil {
		t.Fatalf("GetByID: unexpected row %+v", row)
	}
	if !row.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("GetByID: expires_at=%v want %v", row.ExpiresAt, now.Add(time.Hour))
	}

	if _, err := store.GetByID(ctx, newULID(t)); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetByID(missing): expected ErrSessionNotFound, got %v", err)
	}
}

func TestPostgresStore_ServiceHonorsRevocation(t *testing.T) {
	ctx := context.Background()
	pool := mustPGXPool(ctx, t)
	schema := mustSessionsSchema(ctx, t, pool)

	store, err := NewPostgresStore(pool, schema)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	cfg.CheckSessions = true
	tokens, err := NewAccessTokenManager(cfg)
	if err != nil {
		t.Fatalf("NewAccessTokenManager: %v", err)
	}
	svc := NewService(cfg, store, tokens)

	now := time.Now().UTC()
	sid := newULID(t)
	mustInsertSession(ctx, t, pool, schema, sid, "user-2", now.Add(time.Hour), nil)

	tok, _, err := svc.IssueAccessToken("user-2", sid, now)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	uid, err := svc.Authenticate(ctx, tok, now.Add(time.Second))
	if err != nil || uid != "user-2" {
		t.Fatalf("Authenticate(active): uid=%q err=%v", uid, err)
	}

	if _, err := pool.Exec(ctx,
		`UPDATE `+pgx.Identifier{schema, "sessions"}.Sanitize()+` SET revoked_at = now() WHERE id = $1`, sid,
	); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if _, err := svc.Authenticate(ctx, tok, now.Add(2*time.Second)); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("Authenticate(revoked): expected ErrSessionRevoked, got %v", err)
	}
}

func TestNewPostgresStore_RejectsBadSchema(t *testing.T) {
	ctx := context.Background()
	pool := mustPGXPool(ctx, t)

	if _, err := NewPostgresStore(pool, `relay"; DROP TABLE x; --`); err == nil {
		t.Fatalf("expected invalid schema identifier to be rejected")
	}
}

func mustPGXPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("RELAY_DATABASE_URL"))
	if raw == "" {
		t.Skip("RELAY_DATABASE_URL is not set; skipping Postgres integration test")
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(cctx, raw)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func mustSessionsSchema(ctx context.Context, t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "session_it_" + strings.ToLower(newULID(t))
	ident := pgx.Identifier{schema}.Sanitize()
	table := pgx.Identifier{schema, "sessions"}.Sanitize()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+ident+`;
CREATE TABLE `+table+` (
  id         TEXT PRIMARY KEY,
  user_id    TEXT NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  revoked_at TIMESTAMPTZ
);`); err != nil {
		t.Fatalf("create sessions schema: %v", err)
	}

	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+ident+` CASCADE`)
	})
	return schema
}

func mustInsertSession(ctx context.Context, t *testing.T, pool *pgxpool.Pool, schema, id, userID string, expiresAt time.Time, revokedAt *time.Time) {
	t.Helper()

	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgx.Identifier{schema, "sessions"}.Sanitize()+` (id, user_id, expires_at, revoked_at) VALUES ($1, $2, $3, $4)`,
		id, userID, expiresAt, revokedAt,
	); err != nil {
		t.Fatalf("insert session: %v", err)
	}
}

func newULID(t *testing.T) string {
	t.Helper()
	id, err := ulid.New(ulid.Now(), rand.Reader)
	if err != nil {
		t.Fatalf("ulid.New: %v", err)
	}
	return id.String()
}
