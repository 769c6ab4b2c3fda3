package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/ledger"
)

// defaultUsageLogTTL matches spec §4.3's "a 30-day window is sufficient for
// the predictive heuristics".
const defaultUsageLogTTL = 30 * 24 * time.Hour

// RedisUsageLog implements ledger.UsageLog as a per-session capped list in
// Redis. Each record is appended as a JSON blob; the list is trimmed to
// maxRecords and the key's TTL is refreshed on every append so idle
// sessions' usage history ages out with the retention window.
type RedisUsageLog struct {
	client     *redis.Client
	keyPrefix  string
	ttl        time.Duration
	maxRecords int64
	logger     core.Logger
}

// RedisUsageLogOption configures a RedisUsageLog.
type RedisUsageLogOption func(*RedisUsageLog)

// WithUsageLogKeyPrefix overrides the default "metamcp:usage" key prefix.
func WithUsageLogKeyPrefix(prefix string) RedisUsageLogOption {
	return func(l *RedisUsageLog) { l.keyPrefix = prefix }
}

// WithUsageLogTTL overrides the default 30-day retention window.
func WithUsageLogTTL(ttl time.Duration) RedisUsageLogOption {
	return func(l *RedisUsageLog) { l.ttl = ttl }
}

// WithUsageLogMaxRecords bounds how many records are retained per session,
// independent of TTL, so a single hot session cannot grow its list forever.
func WithUsageLogMaxRecords(n int64) RedisUsageLogOption {
	return func(l *RedisUsageLog) { l.maxRecords = n }
}

// WithUsageLogLogger attaches a logger for append failures.
func WithUsageLogLogger(logger core.Logger) RedisUsageLogOption {
	return func(l *RedisUsageLog) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewRedisUsageLog builds a RedisUsageLog bound to an already-connected
// client.
func NewRedisUsageLog(client *redis.Client, opts ...RedisUsageLogOption) *RedisUsageLog {
	l := &RedisUsageLog{
		client:     client,
		keyPrefix:  "metamcp:usage",
		ttl:        defaultUsageLogTTL,
		maxRecords: 100_000,
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisUsageLog) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", l.keyPrefix, sessionID)
}

// Append pushes the record onto the session's usage list, trims it to
// maxRecords, and refreshes the key's TTL.
func (l *RedisUsageLog) Append(record ledger.UsageRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	data, err := json.Marshal(record)
	if err != nil {
		return core.NewError("RedisUsageLog.Append", "internal", err)
	}

	key := l.sessionKey(record.SessionID)
	pipe := l.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -l.maxRecords, -1)
	pipe.Expire(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewError("RedisUsageLog.Append", "transport", err).WithID(record.SessionID)
	}
	return nil
}

// Records returns every stored usage record for a session, oldest first.
// Used by analytics aggregations and by ledger rebuild on restart.
func (l *RedisUsageLog) Records(sessionID string) ([]ledger.UsageRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := l.client.LRange(ctx, l.sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, core.NewError("RedisUsageLog.Records", "transport", err).WithID(sessionID)
	}
	out := make([]ledger.UsageRecord, 0, len(raw))
	for _, item := range raw {
		var rec ledger.UsageRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

var _ ledger.UsageLog = (*RedisUsageLog)(nil)

// FileUsageLog is the no-Redis fallback: a single append-only, newline
// delimited JSON file shared across all sessions. Matches spec §6's
// "token-usage log... append-only table of usage records" with the
// narrowest possible implementation.
type FileUsageLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFileUsageLog opens (creating if necessary) the append-only log file.
func NewFileUsageLog(path string) (*FileUsageLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, core.NewError("NewFileUsageLog", "internal", err).WithID(path)
	}
	return &FileUsageLog{path: path, f: f}, nil
}

// Append writes one JSON line per record.
func (l *FileUsageLog) Append(record ledger.UsageRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return core.NewError("FileUsageLog.Append", "internal", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	data = append(data, '\n')
	if _, err := l.f.Write(data); err != nil {
		return core.NewError("FileUsageLog.Append", "internal", err).WithID(l.path)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *FileUsageLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

var _ ledger.UsageLog = (*FileUsageLog)(nil)
