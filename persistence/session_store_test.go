package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRedisSessionStore_SaveLoadDelete(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisSessionStore(client)

	rec := SessionRecord{
		SessionID:    "sess-1",
		Role:         "developer",
		MountedTools: []string{"claude-context", "serena"},
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		LedgerUsed:   100,
		LedgerBudget: 10000,
	}
	require.NoError(t, store.Save(rec))

	loaded, ok, err := store.Load("sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.Role, loaded.Role)
	require.ElementsMatch(t, rec.MountedTools, loaded.MountedTools)

	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.Delete("sess-1"))
	_, ok, err = store.Load("sess-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileSessionStore_DiscardsStaleOnList(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSessionStore(dir, 50*time.Millisecond)
	require.NoError(t, err)

	fresh := SessionRecord{SessionID: "fresh", LastActivity: time.Now()}
	stale := SessionRecord{SessionID: "stale", LastActivity: time.Now().Add(-time.Hour)}
	require.NoError(t, store.Save(fresh))
	require.NoError(t, store.Save(stale))

	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "fresh", all[0].SessionID)

	_, ok, err := store.Load("stale")
	require.NoError(t, err)
	require.False(t, ok, "stale record should have been deleted during List")
}
