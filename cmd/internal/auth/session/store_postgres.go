package session

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (<schema>.sessions).
// The pool is owned by the caller.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore creates a Postgres-backed session store reading schema.sessions.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("session: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "relay"
	}
	if !pgIdentRE.MatchString(schema) {
		return nil, errors.New("session: invalid schema identifier")
	}
	return &PostgresStore{
		pool:  pool,
		table: pgx.Identifier{schema, "sessions"}.Sanitize(),
	}, nil
}

// GetByID loads a session row by ID.
func (s *PostgresStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	var row Row

	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, expires_at, revoked_at
		FROM `+s.table+`
		WHERE id = $1
	`, sessionID).Scan(
		&row.ID,
		&row.UserID,
		&row.ExpiresAt,
		&row.RevokedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}

	return row, nil
}
