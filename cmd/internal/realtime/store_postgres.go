// Package realtime contains the direct-messaging relay: presence, active chats,
// message fan-out, read receipts, unread counts, the WebSocket gateway and the
// message persistence primitives.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Ordering: history is ordered by created_at, then by the bigserial seq column.
// seq follows nextval order, which is insertion order for a single writer but can
// differ from commit order when transactions overlap.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// ApplySchema creates the schema, table and indexes if they do not exist.
func (s *PostgresStore) ApplySchema(ctx context.Context) error {
	messages := pgIdent(s.schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id          TEXT PRIMARY KEY,
  seq         BIGSERIAL NOT NULL UNIQUE,
  sender_id   TEXT NOT NULL,
  receiver_id TEXT NOT NULL,
  content     TEXT NOT NULL,
  is_read     BOOLEAN NOT NULL DEFAULT false,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_messages_content_len CHECK (char_length(content) > 0 AND char_length(content) <= 4000)
);

CREATE INDEX IF NOT EXISTS idx_messages_unread
  ON %s (receiver_id, is_read, sender_id);

CREATE INDEX IF NOT EXISTS idx_messages_pair_created
  ON %s (sender_id, receiver_id, created_at, seq);
`, pgx.Identifier{s.schema}.Sanitize(), messages, messages, messages)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateMessage inserts a new unread message.
func (s *PostgresStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("realtime: nil store")
	}
	if !in.valid() {
		return Message{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	// TIMESTAMPTZ keeps microseconds; truncate so the returned value matches a later read.
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.Truncate(time.Microsecond)

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}

	messages := pgIdent(s.schema, "messages")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, sender_id, receiver_id, content, is_read, created_at)
		 VALUES ($1, $2, $3, $4, false, $5)`,
		id, in.SenderID, in.ReceiverID, in.Content, now,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return Message{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		CreatedAt:  now,
	}, nil
}

// FetchConversation returns every message between the pair ordered by created_at ASC.
func (s *PostgresStore) FetchConversation(ctx context.Context, userID, otherUserID string) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if userID == "" || otherUserID == "" {
		return nil, errors.New("missing user id")
	}

	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`SELECT id, sender_id, receiver_id, content, is_read, created_at
		   FROM `+messages+`
		  WHERE (sender_id = $1 AND receiver_id = $2)
		     OR (sender_id = $2 AND receiver_id = $1)
		  ORDER BY created_at ASC, seq ASC`,
		userID, otherUserID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead flips every unread message from senderID to readerID in one statement.
func (s *PostgresStore) MarkRead(ctx context.Context, readerID, senderID string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("realtime: nil store")
	}
	if readerID == "" || senderID == "" {
		return 0, errors.New("missing user id")
	}

	messages := pgIdent(s.schema, "messages")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET is_read = true
		  WHERE sender_id = $1 AND receiver_id = $2 AND is_read = false`,
		senderID, readerID,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UnreadCounts groups unread messages addressed to userID by sender.
func (s *PostgresStore) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil store")
	}
	if userID == "" {
		return nil, errors.New("missing user id")
	}

	messages := pgIdent(s.schema, "messages")
	rows, err := s.pool.Query(ctx,
		`SELECT sender_id, COUNT(*)
		   FROM `+messages+`
		  WHERE receiver_id = $1 AND is_read = false
		  GROUP BY sender_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			sender string
			n      int64
		)
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, err
		}
		out[sender] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
