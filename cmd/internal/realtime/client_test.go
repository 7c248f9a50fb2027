package realtime

import (
	"testing"

	v1 "dmrelay/shared/contracts/relay/v1"

	"github.com/stretchr/testify/require"
)

func TestClient_DeliverNonBlocking(t *testing.T) {
	c := NewClient("u1", "tok", 1)
	require.NotEmpty(t, c.ID)

	require.True(t, c.Deliver(v1.Envelope{Type: v1.TypeUnreadCounts}))
	require.False(t, c.Deliver(v1.Envelope{Type: v1.TypeUnreadCounts}), "full queue drops")

	<-c.Send
	c.Close()
	c.Close()
	require.False(t, c.Deliver(v1.Envelope{Type: v1.TypeUnreadCounts}), "closed client drops")
}

func TestClient_NilSafe(t *testing.T) {
	var c *Client
	require.False(t, c.Deliver(v1.Envelope{}))
	c.Close()
	<-c.Done()
}
