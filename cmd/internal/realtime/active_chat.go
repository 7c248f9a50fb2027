package realtime

// ActiveChats records, per user, the counterpart whose conversation is open in the UI.
//
// An entry is absent or holds exactly one counterpart. Entries hang off the user's
// presence entry and share the presence lock, so they belong to one handle: a fresh
// handle starts with no active chat, unregistering drops it, and a handle that is no
// longer the user's live one can neither set nor clear it.
type ActiveChats struct {
	p *Presence
}

// NewActiveChats constructs a tracker over p's entries.
func NewActiveChats(p *Presence) *ActiveChats {
	return &ActiveChats{p: p}
}

// Set records counterpartID as owner's open conversation. An empty counterpart clears it.
// It reports false when owner is not its user's live handle.
func (a *ActiveChats) Set(owner *Client, counterpartID string) bool {
	if owner == nil || owner.UserID == "" {
		return false
	}
	a.p.mu.Lock()
	defer a.p.mu.Unlock()

	e, ok := a.p.users[owner.UserID]
	if !ok || e.client != owner {
		return false
	}
	e.activeChat = counterpartID
	return true
}

// Get returns userID's open conversation.
func (a *ActiveChats) Get(userID string) (string, bool) {
	a.p.mu.RLock()
	defer a.p.mu.RUnlock()

	e, ok := a.p.users[userID]
	if !ok || e.activeChat == "" {
		return "", false
	}
	return e.activeChat, true
}

// Clear forgets owner's open conversation.
func (a *ActiveChats) Clear(owner *Client) bool {
	return a.Set(owner, "")
}
