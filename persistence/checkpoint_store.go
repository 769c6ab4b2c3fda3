package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/session"
)

const defaultCheckpointTTL = 30 * 24 * time.Hour

// RedisCheckpointStore mirrors the durably-kinded checkpoints (session-end,
// task-complete, role-switch) the session registry writes, matching spec
// §4.5's "subject to best-effort delivery" - append failures are surfaced
// to the registry, which only logs them, never blocks the hot path on them.
type RedisCheckpointStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    core.Logger
}

// RedisCheckpointStoreOption configures a RedisCheckpointStore.
type RedisCheckpointStoreOption func(*RedisCheckpointStore)

// WithCheckpointStoreKeyPrefix overrides the default "metamcp:checkpoints"
// key prefix.
func WithCheckpointStoreKeyPrefix(prefix string) RedisCheckpointStoreOption {
	return func(s *RedisCheckpointStore) { s.keyPrefix = prefix }
}

// WithCheckpointStoreTTL overrides the default 30-day retention window.
func WithCheckpointStoreTTL(ttl time.Duration) RedisCheckpointStoreOption {
	return func(s *RedisCheckpointStore) { s.ttl = ttl }
}

// WithCheckpointStoreRedisLogger attaches a logger for store failures.
func WithCheckpointStoreRedisLogger(logger core.Logger) RedisCheckpointStoreOption {
	return func(s *RedisCheckpointStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRedisCheckpointStore builds a RedisCheckpointStore bound to an
// already-connected client.
func NewRedisCheckpointStore(client *redis.Client, opts ...RedisCheckpointStoreOption) *RedisCheckpointStore {
	s := &RedisCheckpointStore{
		client:    client,
		keyPrefix: "metamcp:checkpoints",
		ttl:       defaultCheckpointTTL,
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisCheckpointStore) key(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", s.keyPrefix, sessionID)
}

// AppendCheckpoint satisfies session.DurableSink.
func (s *RedisCheckpointStore) AppendCheckpoint(sessionID string, cp session.Checkpoint) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	data, err := json.Marshal(cp)
	if err != nil {
		return core.NewError("RedisCheckpointStore.AppendCheckpoint", "internal", err)
	}

	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewError("RedisCheckpointStore.AppendCheckpoint", "transport", err).WithID(sessionID)
	}
	return nil
}

// Load returns every durably-mirrored checkpoint for a session, oldest
// first, for session-recovery on broker restart.
func (s *RedisCheckpointStore) Load(sessionID string) ([]session.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, core.NewError("RedisCheckpointStore.Load", "transport", err).WithID(sessionID)
	}
	out := make([]session.Checkpoint, 0, len(raw))
	for _, item := range raw {
		var cp session.Checkpoint
		if err := json.Unmarshal([]byte(item), &cp); err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

var _ session.DurableSink = (*RedisCheckpointStore)(nil)

// FileCheckpointStore is the no-Redis fallback: one append-only JSON-lines
// file per session under a base directory, matching spec §6's "session
// store: one file per session... containing... checkpoint list".
type FileCheckpointStore struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileCheckpointStore ensures baseDir exists and returns a store rooted
// there.
func NewFileCheckpointStore(baseDir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, core.NewError("NewFileCheckpointStore", "internal", err).WithID(baseDir)
	}
	return &FileCheckpointStore{baseDir: baseDir}, nil
}

func (s *FileCheckpointStore) path(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID+".checkpoints.jsonl")
}

// AppendCheckpoint satisfies session.DurableSink.
func (s *FileCheckpointStore) AppendCheckpoint(sessionID string, cp session.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return core.NewError("FileCheckpointStore.AppendCheckpoint", "internal", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return core.NewError("FileCheckpointStore.AppendCheckpoint", "internal", err).WithID(sessionID)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return core.NewError("FileCheckpointStore.AppendCheckpoint", "internal", err).WithID(sessionID)
	}
	return nil
}

// Load reads every checkpoint recorded for a session, oldest first.
func (s *FileCheckpointStore) Load(sessionID string) ([]session.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewError("FileCheckpointStore.Load", "internal", err).WithID(sessionID)
	}
	return decodeCheckpointLines(data), nil
}

func decodeCheckpointLines(data []byte) []session.Checkpoint {
	var out []session.Checkpoint
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var cp session.Checkpoint
		if err := dec.Decode(&cp); err != nil {
			break
		}
		out = append(out, cp)
	}
	return out
}

var _ session.DurableSink = (*FileCheckpointStore)(nil)
