package realtime

import (
	"context"
	"time"
)

// Message is the canonical persisted direct message.
// IsRead only ever moves from false to true.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Content    string
	IsRead     bool
	CreatedAt  time.Time
}

// MessageStore persists and queries direct messages.
//
// Requirements:
//   - CreateMessage stores IsRead=false and assigns a monotonic id
//   - FetchConversation returns both directions ordered by CreatedAt ASC, ties by id
//   - MarkRead is a single bulk filter update and reports how many rows changed
//   - UnreadCounts only contains senders with at least one unread message
type MessageStore interface {
	CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error)
	FetchConversation(ctx context.Context, userID, otherUserID string) ([]Message, error)
	MarkRead(ctx context.Context, readerID, senderID string) (int64, error)
	UnreadCounts(ctx context.Context, userID string) (map[string]int, error)
	Close() error
}

// CreateMessageInput describes a message create request.
type CreateMessageInput struct {
	SenderID   string
	ReceiverID string
	Content    string
	Now        time.Time
}

func (in CreateMessageInput) valid() bool {
	return in.SenderID != "" && in.ReceiverID != "" && in.Content != ""
}
