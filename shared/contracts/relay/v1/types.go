// Package v1 defines the dmrelay direct-messaging protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
// Event names and payload field names are wire-stable; existing browser clients
// depend on the camelCase payload keys.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated on /ws.
const Subprotocol = "dmrelay.v1"

// Type constants (wire-stable).
const (
	// TypeSendMessage sends a direct message (client -> server).
	TypeSendMessage = "send_message"
	// TypeMessageSent confirms a persisted message to its sender (server -> client).
	TypeMessageSent = "message_sent"
	// TypeReceiveMessage delivers a new message to its receiver (server -> client).
	TypeReceiveMessage = "receive_message"

	// TypeGetMessages requests the history with another user (client -> server).
	TypeGetMessages = "get_messages"
	// TypeMessagesHistory returns the ordered history (server -> client).
	TypeMessagesHistory = "messages_history"

	// TypeMarkMessagesRead marks every message from a sender as read (client -> server).
	TypeMarkMessagesRead = "mark_messages_read"
	// TypeMessagesMarkedRead is the read receipt (server -> sender and reader).
	TypeMessagesMarkedRead = "messages_marked_read"

	// TypeSetActiveChat declares the conversation open in the UI (client -> server).
	TypeSetActiveChat = "set_active_chat"

	// TypeGetUnreadCounts requests the unread snapshot (client -> server).
	TypeGetUnreadCounts = "get_unread_counts"
	// TypeUnreadCounts carries the per-sender unread snapshot (server -> client).
	TypeUnreadCounts = "unread_counts"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
//
// Token is optional on inbound actions. When empty the server re-verifies the
// token presented on the handshake.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSendMessage,
		TypeMessageSent,
		TypeReceiveMessage,
		TypeGetMessages,
		TypeMessagesHistory,
		TypeMarkMessagesRead,
		TypeMessagesMarkedRead,
		TypeSetActiveChat,
		TypeGetUnreadCounts,
		TypeUnreadCounts,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// IsInbound reports whether t is an event a client may send.
func IsInbound(t string) bool {
	switch t {
	case TypeSendMessage, TypeGetMessages, TypeMarkMessagesRead, TypeSetActiveChat, TypeGetUnreadCounts:
		return true
	default:
		return false
	}
}

// ---- Payloads ----

// SendMessagePayload requests sending a message to ReceiverID.
type SendMessagePayload struct {
	ReceiverID string `json:"receiverId" validate:"required"`
	Content    string `json:"content" validate:"required"`
}

// MessagePayload is the full persisted message as seen by clients.
// IsNewMessage is only set on live receive_message deliveries.
type MessagePayload struct {
	ID           string    `json:"id"`
	SenderID     string    `json:"senderId"`
	ReceiverID   string    `json:"receiverId"`
	Content      string    `json:"content"`
	IsRead       bool      `json:"isRead"`
	CreatedAt    time.Time `json:"createdAt"`
	IsNewMessage bool      `json:"isNewMessage,omitempty"`
}

// GetMessagesPayload requests the history between the caller and OtherUserID.
type GetMessagesPayload struct {
	OtherUserID string `json:"otherUserId" validate:"required"`
}

// MessagesHistoryPayload is the ordered history, oldest first.
type MessagesHistoryPayload []MessagePayload

// MarkMessagesReadPayload marks every unread message from SenderID to the caller as read.
type MarkMessagesReadPayload struct {
	SenderID string `json:"senderId" validate:"required"`
}

// MessagesMarkedReadPayload tells SenderID that ReceiverID has read their messages.
type MessagesMarkedReadPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// SetActiveChatPayload declares the open conversation; nil clears it.
type SetActiveChatPayload struct {
	ReceiverID *string `json:"receiverId"`
}

// UnreadCountsPayload maps sender id to the number of unread messages from that sender.
// Senders with no unread messages are absent.
type UnreadCountsPayload map[string]int

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
