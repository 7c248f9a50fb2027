package realtime

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a ULID used as message id.
// Ids minted within the same millisecond are strictly increasing, so they break
// CreatedAt ties in insertion order.
func NewMessageID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	idMu.Lock()
	defer idMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), idEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) string {
	id, err := NewMessageID(now)
	if err != nil {
		return NewRandomHex(10)
	}
	return id
}
