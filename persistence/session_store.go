package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dopemux/metamcp-broker/core"
)

// SessionRecord is the materialized, persisted view of a session used for
// best-effort recovery across broker restarts (spec §4.3 persistence note,
// §6 "session store"). It is a snapshot, not a live handle - on restart the
// broker re-admits each record's session id and role through
// session.Registry.Admit; mounted tools and checkpoints are not restored
// from it, and it is never deserialized directly into registry internals.
type SessionRecord struct {
	SessionID      string            `json:"session_id"`
	Role           string            `json:"role"`
	MountedTools   []string          `json:"mounted_tools"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivity   time.Time         `json:"last_activity"`
	EscalationKind string            `json:"escalation_kind,omitempty"`
	EscalationTTL  *time.Time        `json:"escalation_ttl,omitempty"`
	LedgerUsed     int               `json:"ledger_used"`
	LedgerBudget   int               `json:"ledger_budget"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// SessionStore persists and recovers SessionRecords. Implementations are
// consulted once at broker startup: files/keys not touched within the
// configured idle window are discarded rather than recovered (spec §6).
type SessionStore interface {
	Save(record SessionRecord) error
	Load(sessionID string) (SessionRecord, bool, error)
	List() ([]SessionRecord, error)
	Delete(sessionID string) error
}

// RedisSessionStore persists one JSON string value per session under
// "{prefix}:session:{id}" plus a set of all known session ids for listing.
type RedisSessionStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// RedisSessionStoreOption configures a RedisSessionStore.
type RedisSessionStoreOption func(*RedisSessionStore)

// WithSessionStoreKeyPrefix overrides the default "metamcp:sessions" prefix.
func WithSessionStoreKeyPrefix(prefix string) RedisSessionStoreOption {
	return func(s *RedisSessionStore) { s.keyPrefix = prefix }
}

// WithSessionStoreTTL overrides the default 2-hour idle TTL; records older
// than this fall off Redis on their own, standing in for the idle-GC scan.
func WithSessionStoreTTL(ttl time.Duration) RedisSessionStoreOption {
	return func(s *RedisSessionStore) { s.ttl = ttl }
}

// NewRedisSessionStore builds a RedisSessionStore bound to an
// already-connected client.
func NewRedisSessionStore(client *redis.Client, opts ...RedisSessionStoreOption) *RedisSessionStore {
	s := &RedisSessionStore{
		client:    client,
		keyPrefix: "metamcp:sessions",
		ttl:       2 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSessionStore) key(id string) string {
	return fmt.Sprintf("%s:session:%s", s.keyPrefix, id)
}

func (s *RedisSessionStore) indexKey() string {
	return s.keyPrefix + ":index"
}

// Save writes the record and refreshes the session's idle TTL.
func (s *RedisSessionStore) Save(record SessionRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	data, err := json.Marshal(record)
	if err != nil {
		return core.NewError("RedisSessionStore.Save", "internal", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(record.SessionID), data, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), record.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewError("RedisSessionStore.Save", "transport", err).WithID(record.SessionID)
	}
	return nil
}

// Load returns a session's persisted record, or ok=false if it has
// expired or never existed.
func (s *RedisSessionStore) Load(sessionID string) (SessionRecord, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		s.client.SRem(ctx, s.indexKey(), sessionID)
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, core.NewError("RedisSessionStore.Load", "transport", err).WithID(sessionID)
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SessionRecord{}, false, core.NewError("RedisSessionStore.Load", "internal", err).WithID(sessionID)
	}
	return rec, true, nil
}

// List scans the index set and drops any id whose record has expired,
// matching spec §6's "sessions not touched within the idle window are
// discarded" restart behavior.
func (s *RedisSessionStore) List() ([]SessionRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, core.NewError("RedisSessionStore.List", "transport", err)
	}

	out := make([]SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.Load(id)
		if err != nil || !ok {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes a session's record and index entry.
func (s *RedisSessionStore) Delete(sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(sessionID))
	pipe.SRem(ctx, s.indexKey(), sessionID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return core.NewError("RedisSessionStore.Delete", "transport", err).WithID(sessionID)
	}
	return nil
}

var _ SessionStore = (*RedisSessionStore)(nil)

// FileSessionStore is the no-Redis fallback: one JSON file per session
// under a base directory, per spec §6's literal description.
type FileSessionStore struct {
	mu          sync.Mutex
	baseDir     string
	idleTimeout time.Duration
}

// NewFileSessionStore ensures baseDir exists and returns a store rooted
// there. idleTimeout governs List's discard-if-stale behavior.
func NewFileSessionStore(baseDir string, idleTimeout time.Duration) (*FileSessionStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, core.NewError("NewFileSessionStore", "internal", err).WithID(baseDir)
	}
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Hour
	}
	return &FileSessionStore{baseDir: baseDir, idleTimeout: idleTimeout}, nil
}

func (s *FileSessionStore) path(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID+".json")
}

// Save writes the record as a single JSON file, replacing any prior one.
func (s *FileSessionStore) Save(record SessionRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return core.NewError("FileSessionStore.Save", "internal", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path(record.SessionID), data, 0o644); err != nil {
		return core.NewError("FileSessionStore.Save", "internal", err).WithID(record.SessionID)
	}
	return nil
}

// Load reads a session's file, returning ok=false if it does not exist.
func (s *FileSessionStore) Load(sessionID string) (SessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, core.NewError("FileSessionStore.Load", "internal", err).WithID(sessionID)
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SessionRecord{}, false, core.NewError("FileSessionStore.Load", "internal", err).WithID(sessionID)
	}
	return rec, true, nil
}

// List scans baseDir for session files, discarding (and deleting) any
// whose LastActivity predates idleTimeout.
func (s *FileSessionStore) List() ([]SessionRecord, error) {
	s.mu.Lock()
	entries, err := os.ReadDir(s.baseDir)
	s.mu.Unlock()
	if err != nil {
		return nil, core.NewError("FileSessionStore.List", "internal", err).WithID(s.baseDir)
	}

	cutoff := time.Now().Add(-s.idleTimeout)
	out := make([]SessionRecord, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(e.Name(), ".json")
		rec, ok, err := s.Load(sessionID)
		if err != nil || !ok {
			continue
		}
		if rec.LastActivity.Before(cutoff) {
			_ = s.Delete(sessionID)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes a session's file.
func (s *FileSessionStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return core.NewError("FileSessionStore.Delete", "internal", err).WithID(sessionID)
	}
	return nil
}

var _ SessionStore = (*FileSessionStore)(nil)
