package realtime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActiveChats(t *testing.T) {
	p := newTestPresence()
	a := NewActiveChats(p)

	u1 := NewClient("u1", "tok", 4)
	require.False(t, a.Set(u1, "u2"), "an unregistered handle owns no entry")
	_, ok := a.Get("u1")
	require.False(t, ok)

	p.Register("u1", u1)
	_, ok = a.Get("u1")
	require.False(t, ok)

	require.True(t, a.Set(u1, "u2"))
	got, ok := a.Get("u1")
	require.True(t, ok)
	require.Equal(t, "u2", got)

	require.True(t, a.Set(u1, "u3"))
	got, _ = a.Get("u1")
	require.Equal(t, "u3", got, "an entry holds exactly one counterpart")

	require.True(t, a.Set(u1, ""))
	_, ok = a.Get("u1")
	require.False(t, ok)

	a.Set(u1, "u2")
	require.True(t, a.Clear(u1))
	_, ok = a.Get("u1")
	require.False(t, ok)

	require.False(t, a.Set(nil, "u2"))
	require.False(t, a.Set(NewClient("", "tok", 4), "u2"))
}

func TestActiveChats_BoundToLiveHandle(t *testing.T) {
	p := newTestPresence()
	a := NewActiveChats(p)

	old := NewClient("u1", "tok", 4)
	p.Register("u1", old)
	require.True(t, a.Set(old, "u2"))

	cur := NewClient("u1", "tok", 4)
	p.Register("u1", cur)
	_, ok := a.Get("u1")
	require.False(t, ok, "a fresh handle starts without an active chat")

	require.False(t, a.Set(old, "u9"), "a replaced handle cannot set the live entry")
	_, ok = a.Get("u1")
	require.False(t, ok)

	require.True(t, a.Set(cur, "u3"))
	require.False(t, a.Clear(old))
	require.False(t, p.Unregister(old))
	got, ok := a.Get("u1")
	require.True(t, ok, "a stale handle cannot wipe the live entry")
	require.Equal(t, "u3", got)

	require.True(t, p.Unregister(cur))
	_, ok = a.Get("u1")
	require.False(t, ok)
}
