package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "dmrelay/shared/contracts/relay/v1"

	"github.com/samber/lo"
)

// Relay is the direct-messaging core: it persists messages, routes them to live
// connections, keeps read state and pushes unread counts.
//
// Replies to an action (message_sent, messages_history, the read echo, an
// explicit unread_counts) go to the acting connection. Everything addressed to
// another user is routed through Presence and silently skipped when that user is
// offline.
type Relay struct {
	log      *slog.Logger
	presence *Presence
	chats    *ActiveChats
	store    MessageStore
	metrics  *Metrics
	now      func() time.Time
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRelay constructs a Relay over store. A nil store falls back to the in-memory one.
func NewRelay(log *slog.Logger, store MessageStore, opts ...RelayOption) *Relay {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	presence := NewPresence(log)
	r := &Relay{
		log:      log,
		presence: presence,
		chats:    NewActiveChats(presence),
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Presence exposes the registry (read-only use: lookups and counts).
func (r *Relay) Presence() *Presence { return r.presence }

// ActiveChats exposes the active conversation tracker.
func (r *Relay) ActiveChats() *ActiveChats { return r.chats }

// Connect registers c as its user's live handle and pushes the initial unread counts.
// A replaced handle's active chat goes with it.
func (r *Relay) Connect(ctx context.Context, c *Client) {
	r.presence.Register(c.UserID, c)
	r.metrics.setConnected(r.presence.Online())

	_ = r.PushUnreadCounts(ctx, c.UserID)
}

// Disconnect removes c and its active chat from presence. A handle that was already
// replaced changes nothing.
func (r *Relay) Disconnect(c *Client) {
	r.presence.Unregister(c)
	r.metrics.setConnected(r.presence.Online())
}

// SendMessage persists a message from senderID and fans it out.
//
// The receiver, when online, gets receive_message followed by fresh unread counts.
// The acting connection always gets message_sent with the persisted message.
func (r *Relay) SendMessage(ctx context.Context, from *Client, senderID string, p v1.SendMessagePayload) error {
	p, err := normalizeSend(senderID, p)
	if err != nil {
		return err
	}

	msg, err := r.store.CreateMessage(ctx, CreateMessageInput{
		SenderID:   senderID,
		ReceiverID: p.ReceiverID,
		Content:    p.Content,
		Now:        r.now(),
	})
	if err != nil {
		r.log.Error("relay.send.persist.fail", "sender_id", senderID, "receiver_id", p.ReceiverID, "err", err)
		return fmt.Errorf("%w: create message: %w", ErrPersistence, err)
	}
	r.metrics.persisted()

	if rc, ok := r.presence.Lookup(msg.ReceiverID); ok {
		live := toPayload(msg)
		live.IsNewMessage = true
		r.deliver(rc, v1.TypeReceiveMessage, live)
		_ = r.PushUnreadCounts(ctx, msg.ReceiverID)
	} else {
		r.metrics.delivery(v1.TypeReceiveMessage, deliveryOffline)
	}

	r.deliver(from, v1.TypeMessageSent, toPayload(msg))
	return nil
}

// History sends the full conversation between userID and the requested counterpart.
func (r *Relay) History(ctx context.Context, from *Client, userID string, p v1.GetMessagesPayload) error {
	p.OtherUserID = strings.TrimSpace(p.OtherUserID)
	if err := validatePayload(p); err != nil {
		return err
	}

	msgs, err := r.store.FetchConversation(ctx, userID, p.OtherUserID)
	if err != nil {
		r.log.Error("relay.history.fail", "user_id", userID, "other_user_id", p.OtherUserID, "err", err)
		return fmt.Errorf("%w: fetch conversation: %w", ErrPersistence, err)
	}

	history := v1.MessagesHistoryPayload(lo.Map(msgs, func(m Message, _ int) v1.MessagePayload {
		return toPayload(m)
	}))
	r.deliver(from, v1.TypeMessagesHistory, history)
	return nil
}

// MarkRead marks every unread message from the payload's sender to readerID as read.
func (r *Relay) MarkRead(ctx context.Context, from *Client, readerID string, p v1.MarkMessagesReadPayload) error {
	p.SenderID = strings.TrimSpace(p.SenderID)
	if err := validatePayload(p); err != nil {
		return err
	}
	return r.markRead(ctx, from, readerID, p.SenderID)
}

// SetActiveChat records the open conversation and marks it read.
// A null or blank counterpart only clears the entry.
func (r *Relay) SetActiveChat(ctx context.Context, from *Client, userID string, p v1.SetActiveChatPayload) error {
	counterpart := ""
	if p.ReceiverID != nil {
		counterpart = strings.TrimSpace(*p.ReceiverID)
	}
	if counterpart == "" {
		r.chats.Clear(from)
		return nil
	}

	// A replaced handle still gets its read marking; only the live handle owns the entry.
	if !r.chats.Set(from, counterpart) {
		r.log.Debug("relay.active_chat.stale_handle", "user_id", userID)
	}
	return r.markRead(ctx, from, userID, counterpart)
}

// markRead is shared by mark_messages_read and set_active_chat.
func (r *Relay) markRead(ctx context.Context, from *Client, readerID, senderID string) error {
	n, err := r.store.MarkRead(ctx, readerID, senderID)
	if err != nil {
		r.log.Error("relay.mark_read.fail", "reader_id", readerID, "sender_id", senderID, "err", err)
		return fmt.Errorf("%w: mark read: %w", ErrPersistence, err)
	}
	r.metrics.markedRead(n)

	_ = r.PushUnreadCounts(ctx, readerID)

	receipt := v1.MessagesMarkedReadPayload{SenderID: senderID, ReceiverID: readerID}
	if n > 0 {
		r.route(senderID, v1.TypeMessagesMarkedRead, receipt)
	}
	r.deliver(from, v1.TypeMessagesMarkedRead, receipt)
	return nil
}

// PushUnreadCounts sends userID's unread snapshot to their live handle.
// Offline users are skipped without querying the store. Failures are logged.
func (r *Relay) PushUnreadCounts(ctx context.Context, userID string) error {
	c, ok := r.presence.Lookup(userID)
	if !ok {
		return nil
	}

	counts, err := r.store.UnreadCounts(ctx, userID)
	if err != nil {
		r.log.Warn("relay.unread.push.fail", "user_id", userID, "err", err)
		return fmt.Errorf("%w: unread counts: %w", ErrPersistence, err)
	}
	r.deliver(c, v1.TypeUnreadCounts, v1.UnreadCountsPayload(counts))
	return nil
}

// SendUnreadCounts answers an explicit get_unread_counts on the acting connection.
func (r *Relay) SendUnreadCounts(ctx context.Context, to *Client, userID string) error {
	counts, err := r.store.UnreadCounts(ctx, userID)
	if err != nil {
		r.log.Error("relay.unread.fail", "user_id", userID, "err", err)
		return fmt.Errorf("%w: unread counts: %w", ErrPersistence, err)
	}
	r.deliver(to, v1.TypeUnreadCounts, v1.UnreadCountsPayload(counts))
	return nil
}

// SendError delivers an error envelope to c.
func (r *Relay) SendError(c *Client, code, message string) {
	r.metrics.errorSent(code)
	r.deliver(c, v1.TypeError, v1.ErrorPayload{Code: code, Message: message})
}

// ---- delivery ----

func (r *Relay) route(userID, typ string, payload any) {
	c, ok := r.presence.Lookup(userID)
	if !ok {
		r.metrics.delivery(typ, deliveryOffline)
		return
	}
	r.deliver(c, typ, payload)
}

func (r *Relay) deliver(c *Client, typ string, payload any) {
	if c == nil {
		r.metrics.delivery(typ, deliveryOffline)
		return
	}

	env, err := newEnvelope(typ, payload, r.now())
	if err != nil {
		r.log.Error("relay.encode.fail", "type", typ, "err", err)
		return
	}

	if !c.Deliver(env) {
		r.metrics.delivery(typ, deliveryDropped)
		r.log.Warn("relay.deliver.drop", "type", typ, "user_id", c.UserID, "conn_id", c.ID)
		return
	}
	r.metrics.delivery(typ, deliveryOK)
}

func newEnvelope(typ string, payload any, ts time.Time) (v1.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: b,
	}, nil
}

func toPayload(m Message) v1.MessagePayload {
	return v1.MessagePayload{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		IsRead:     m.IsRead,
		CreatedAt:  m.CreatedAt,
	}
}
