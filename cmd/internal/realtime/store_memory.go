package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// InMemoryStore is a dev-only fallback when no database is configured.
// It supports:
//   - CreateMessage: id allocation + unread bookkeeping
//   - FetchConversation: both directions, creation order
//   - MarkRead / UnreadCounts: maintained incrementally
type InMemoryStore struct {
	mu     sync.Mutex
	pairs  map[conversationKey][]*Message // messages in insertion order
	unread map[string]map[string]int      // receiver -> sender -> count
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		pairs:  make(map[conversationKey][]*Message),
		unread: make(map[string]map[string]int),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateMessage persists a new unread message.
func (s *InMemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
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

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}

	msg := &Message{
		ID:         id,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		CreatedAt:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(in.SenderID, in.ReceiverID)
	s.pairs[key] = append(s.pairs[key], msg)

	bySender := s.unread[in.ReceiverID]
	if bySender == nil {
		bySender = make(map[string]int)
		s.unread[in.ReceiverID] = bySender
	}
	bySender[in.SenderID]++

	return *msg, nil
}

// FetchConversation returns every message between the pair, oldest first.
func (s *InMemoryStore) FetchConversation(ctx context.Context, userID, otherUserID string) ([]Message, error) {
	if userID == "" || otherUserID == "" {
		return nil, errors.New("missing user id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	snap := lo.Map(s.pairs[pairKey(userID, otherUserID)], func(m *Message, _ int) Message { return *m })
	s.mu.Unlock()

	// Ensure ordering defensively: callers may pass explicit timestamps out of order.
	sort.SliceStable(snap, func(i, j int) bool { return messageLess(snap[i], snap[j]) })
	return snap, nil
}

// MarkRead flips every unread message from senderID to readerID.
func (s *InMemoryStore) MarkRead(ctx context.Context, readerID, senderID string) (int64, error) {
	if readerID == "" || senderID == "" {
		return 0, errors.New("missing user id")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.pairs[pairKey(readerID, senderID)] {
		if m.SenderID == senderID && m.ReceiverID == readerID && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	if bySender := s.unread[readerID]; bySender != nil {
		delete(bySender, senderID)
		if len(bySender) == 0 {
			delete(s.unread, readerID)
		}
	}
	return n, nil
}

// UnreadCounts returns the grouped unread counts addressed to userID.
func (s *InMemoryStore) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	if userID == "" {
		return nil, errors.New("missing user id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int, len(s.unread[userID]))
	for sender, n := range s.unread[userID] {
		if n > 0 {
			out[sender] = n
		}
	}
	return out, nil
}

// conversationKey identifies an unordered pair of user ids.
type conversationKey struct{ a, b string }

// pairKey is order-independent: (a,b) and (b,a) share one conversation.
func pairKey(a, b string) conversationKey {
	if b < a {
		a, b = b, a
	}
	return conversationKey{a: a, b: b}
}

func messageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
