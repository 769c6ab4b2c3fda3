package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dopemux/metamcp-broker/session"
)

func TestRedisCheckpointStore_AppendAndLoad(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisCheckpointStore(client)

	cp := session.Checkpoint{
		Index:     0,
		Kind:      session.KindRoleSwitch,
		Timestamp: time.Now(),
		Role:      "developer",
		Payload:   map[string]interface{}{"from_role": "developer", "to_role": "researcher"},
	}
	require.NoError(t, store.AppendCheckpoint("sess-1", cp))

	loaded, err := store.Load("sess-1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, session.KindRoleSwitch, loaded[0].Kind)
	require.Equal(t, "developer", loaded[0].Role)
}

func TestFileCheckpointStore_AppendAndLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileCheckpointStore(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)

	cp1 := session.Checkpoint{Index: 0, Kind: session.KindSessionEnd, Timestamp: time.Now(), Role: "developer"}
	cp2 := session.Checkpoint{Index: 1, Kind: session.KindTaskComplete, Timestamp: time.Now(), Role: "developer"}
	require.NoError(t, store.AppendCheckpoint("sess-2", cp1))
	require.NoError(t, store.AppendCheckpoint("sess-2", cp2))

	loaded, err := store.Load("sess-2")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, session.KindSessionEnd, loaded[0].Kind)
	require.Equal(t, session.KindTaskComplete, loaded[1].Kind)
}

func TestFileCheckpointStore_LoadMissingSession(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileCheckpointStore(dir)
	require.NoError(t, err)

	loaded, err := store.Load("does-not-exist")
	require.NoError(t, err)
	require.Empty(t, loaded)
}
