package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dopemux/metamcp-broker/ledger"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisUsageLog_AppendAndRecords(t *testing.T) {
	client := newTestRedis(t)
	log := NewRedisUsageLog(client, WithUsageLogMaxRecords(10))

	rec := ledger.UsageRecord{
		Timestamp:  time.Now(),
		SessionID:  "sess-1",
		Role:       "developer",
		Tool:       "claude-context",
		Method:     "search",
		TokensUsed: 1200,
	}
	require.NoError(t, log.Append(rec))

	records, err := log.Records("sess-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, rec.Tool, records[0].Tool)
	require.Equal(t, rec.TokensUsed, records[0].TokensUsed)
}

func TestRedisUsageLog_TrimsToMaxRecords(t *testing.T) {
	client := newTestRedis(t)
	log := NewRedisUsageLog(client, WithUsageLogMaxRecords(3))

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(ledger.UsageRecord{SessionID: "sess-1", Tool: "t", TokensUsed: i}))
	}

	records, err := log.Records("sess-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	// oldest two were trimmed; the surviving three are the most recent pushes.
	require.Equal(t, 2, records[0].TokensUsed)
	require.Equal(t, 4, records[2].TokensUsed)
}

func TestFileUsageLog_Append(t *testing.T) {
	dir := t.TempDir()
	log, err := NewFileUsageLog(filepath.Join(dir, "usage.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	require.NoError(t, log.Append(ledger.UsageRecord{SessionID: "a", Tool: "exa", TokensUsed: 500}))
	require.NoError(t, log.Append(ledger.UsageRecord{SessionID: "b", Tool: "serena", TokensUsed: 400}))
}
