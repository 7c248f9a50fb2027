package realtime

import (
	"log/slog"
	"sync"
)

// Presence maps user ids to their single live connection handle.
//
// Last connect wins: Register overwrites any previous handle for the user. The
// previous handle is orphaned, not closed; routing to it stops immediately.
// The map is never exposed to callers.
type Presence struct {
	log *slog.Logger

	mu    sync.RWMutex
	users map[string]*presenceEntry
}

// presenceEntry is one user's live handle plus state scoped to that handle.
type presenceEntry struct {
	client     *Client
	activeChat string
}

// NewPresence constructs an empty registry.
func NewPresence(log *slog.Logger) *Presence {
	if log == nil {
		log = slog.Default()
	}
	return &Presence{
		log:   log,
		users: make(map[string]*presenceEntry),
	}
}

// Register maps userID to c and returns the handle it replaced, if any.
// The new entry starts without an active chat.
func (p *Presence) Register(userID string, c *Client) *Client {
	if userID == "" || c == nil {
		return nil
	}

	p.mu.Lock()
	var prev *Client
	if e, ok := p.users[userID]; ok {
		prev = e.client
	}
	if prev != c {
		p.users[userID] = &presenceEntry{client: c}
	}
	p.mu.Unlock()

	if prev != nil && prev != c {
		p.log.Info("presence.replace", "user_id", userID, "conn_id", c.ID, "replaced_conn_id", prev.ID)
		return prev
	}
	p.log.Debug("presence.register", "user_id", userID, "conn_id", c.ID)
	return nil
}

// Unregister removes the mapping that points at exactly this handle, together
// with its active chat. A stale handle (already replaced) is a no-op and reports false.
func (p *Presence) Unregister(c *Client) bool {
	if c == nil || c.UserID == "" {
		return false
	}

	p.mu.Lock()
	e, ok := p.users[c.UserID]
	removed := ok && e.client == c
	if removed {
		delete(p.users, c.UserID)
	}
	p.mu.Unlock()

	if removed {
		p.log.Debug("presence.unregister", "user_id", c.UserID, "conn_id", c.ID)
	}
	return removed
}

// Lookup returns the live handle for userID.
func (p *Presence) Lookup(userID string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.users[userID]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// Online returns the number of registered users.
func (p *Presence) Online() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}
