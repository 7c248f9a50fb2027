package realtime

import (
	"sync"

	v1 "dmrelay/shared/contracts/relay/v1"

	"github.com/google/uuid"
)

// Client is the connection handle of one live websocket session.
//
// Design notes:
//   - Send is intentionally NOT closed by the server to avoid panics from concurrent deliverers.
//   - done is used to signal goroutines to stop.
//   - Close is idempotent.
//   - Token is the handshake token. It is re-verified for every action, never trusted as identity.
type Client struct {
	ID     string
	UserID string
	Token  string
	Send   chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue and a random connection id.
func NewClient(userID, token string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Token:  token,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep delivery safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Deliver enqueues env without blocking.
// It reports false when the client is closing or its queue is full; the frame is dropped.
func (c *Client) Deliver(env v1.Envelope) bool {
	if c == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
