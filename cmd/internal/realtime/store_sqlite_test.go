package realtime

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_Contract(t *testing.T) {
	runMessageStoreContract(t, func(t *testing.T) MessageStore {
		st, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	st, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	created, err := st.CreateMessage(ctx, CreateMessageInput{SenderID: "u1", ReceiverID: "u2", Content: "kept"})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = OpenSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	msgs, err := st.FetchConversation(ctx, "u2", "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, created.ID, msgs[0].ID)
	require.True(t, created.CreatedAt.Equal(msgs[0].CreatedAt))
	require.NoError(t, st.Ping(ctx))
}

func TestOpenSQLiteStore_RequiresPath(t *testing.T) {
	_, err := OpenSQLiteStore("  ")
	require.Error(t, err)
}
