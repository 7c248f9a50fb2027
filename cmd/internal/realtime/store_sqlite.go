package realtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a MessageStore backed by a single SQLite file.
// It is meant for single-node deployments; it owns its *sql.DB.
//
// created_at is stored as unix milliseconds; rowid breaks ties in insertion order.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
  id          TEXT PRIMARY KEY,
  sender_id   TEXT NOT NULL,
  receiver_id TEXT NOT NULL,
  content     TEXT NOT NULL CHECK (length(content) > 0),
  is_read     INTEGER NOT NULL DEFAULT 0,
  created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_unread
  ON messages (receiver_id, is_read, sender_id);

CREATE INDEX IF NOT EXISTS idx_messages_pair_created
  ON messages (sender_id, receiver_id, created_at);
`

// OpenSQLiteStore opens (or creates) the database at path and applies the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("realtime: sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database handle (used by readiness).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateMessage inserts a new unread message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if !in.valid() {
		return Message{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = time.UnixMilli(now.UnixMilli()).UTC()

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, sender_id, receiver_id, content, is_read, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		id, in.SenderID, in.ReceiverID, in.Content, now.UnixMilli(),
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
func (s *SQLiteStore) FetchConversation(ctx context.Context, userID, otherUserID string) ([]Message, error) {
	if userID == "" || otherUserID == "" {
		return nil, errors.New("missing user id")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, content, is_read, created_at
		   FROM messages
		  WHERE (sender_id = ? AND receiver_id = ?)
		     OR (sender_id = ? AND receiver_id = ?)
		  ORDER BY created_at ASC, rowid ASC`,
		userID, otherUserID, otherUserID, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m      Message
			isRead int
			millis int64
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &isRead, &millis); err != nil {
			return nil, err
		}
		m.IsRead = isRead != 0
		m.CreatedAt = time.UnixMilli(millis).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead flips every unread message from senderID to readerID in one statement.
func (s *SQLiteStore) MarkRead(ctx context.Context, readerID, senderID string) (int64, error) {
	if readerID == "" || senderID == "" {
		return 0, errors.New("missing user id")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1
		  WHERE sender_id = ? AND receiver_id = ? AND is_read = 0`,
		senderID, readerID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnreadCounts groups unread messages addressed to userID by sender.
func (s *SQLiteStore) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	if userID == "" {
		return nil, errors.New("missing user id")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, COUNT(*) FROM messages
		  WHERE receiver_id = ? AND is_read = 0
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
			n      int
		)
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, err
		}
		out[sender] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
