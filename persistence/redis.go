// Package persistence provides the durable storage implementations the
// core's narrow boundary interfaces (ledger.UsageLog, session.DurableSink,
// and the session-recovery SessionStore) are built against. Redis is the
// primary backend; a file-backed fallback covers the no-Redis deployment
// path core.Config.RedisURL leaves open (spec §9: "any store that supports
// durable append and atomic single-file write suffices").
package persistence

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a *redis.Client from a connection URL
// (redis://[user:password@]host:port/db), matching core.Config.RedisURL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 3 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 3 * time.Second
	}
	return redis.NewClient(opts), nil
}
