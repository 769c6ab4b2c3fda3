// Package scheduler runs the broker's four independent background passes
// (L9 in the broker design): health checks, idle-session GC, escalation
// expiry, and auto-checkpointing. Each is its own goroutine with its own
// ticker; all mutate session state only through session.Registry, which
// serializes per-session so a scheduler pass can never race a live call.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/policy"
	"github.com/dopemux/metamcp-broker/session"
	"github.com/dopemux/metamcp-broker/transport"
)

// defaults used when a policy snapshot leaves a period unset (zero value).
const (
	defaultHealthCheckInterval     = 30 * time.Second
	defaultSessionGCInterval       = 5 * time.Minute
	defaultSessionIdleTimeout      = 2 * time.Hour
	defaultEscalationCheckInterval = 1 * time.Minute
	defaultAutoCheckpointInterval  = 25 * time.Minute
)

// Scheduler owns the four background passes and their lifecycle.
type Scheduler struct {
	logger     core.Logger
	sessions   *session.Registry
	transport  *transport.Manager
	snapshotFn func() *policy.Snapshot

	mu           sync.Mutex
	lastCheckpoint map[string]time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Scheduler. snapshotFn must return the currently active
// policy snapshot (the same source session.Registry and ledger.Ledger
// consult), so period changes take effect on policy reload without a
// broker restart.
func New(sessions *session.Registry, mgr *transport.Manager, snapshotFn func() *policy.Snapshot, logger core.Logger) *Scheduler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Scheduler{
		logger:         logger,
		sessions:       sessions,
		transport:      mgr,
		snapshotFn:     snapshotFn,
		lastCheckpoint: make(map[string]time.Time),
	}
}

// Start launches all four passes as goroutines. Stop (or ctx cancellation)
// tears them all down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.runPass(ctx, "health-check", func() time.Duration { return s.brokerSettings().HealthCheckInterval }, defaultHealthCheckInterval, s.runHealthPass)
	s.runPass(ctx, "session-gc", func() time.Duration { return s.brokerSettings().SessionGCInterval }, defaultSessionGCInterval, s.runSessionGC)
	s.runPass(ctx, "escalation-expiry", func() time.Duration { return s.brokerSettings().EscalationCheckInterval }, defaultEscalationCheckInterval, s.runEscalationExpiry)
	s.runPass(ctx, "auto-checkpoint", func() time.Duration { return s.brokerSettings().AutoCheckpointInterval }, defaultAutoCheckpointInterval, s.runAutoCheckpoint)
}

// Stop cancels every running pass and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) brokerSettings() policy.BrokerSettings {
	if s.snapshotFn == nil {
		return policy.BrokerSettings{}
	}
	snap := s.snapshotFn()
	if snap == nil {
		return policy.BrokerSettings{}
	}
	return snap.Broker
}

// runPass starts a named periodic goroutine. period() is re-read on every
// tick so a policy reload can change the cadence without restarting the
// scheduler; a non-positive value falls back to fallback.
func (s *Scheduler) runPass(ctx context.Context, name string, period func() time.Duration, fallback time.Duration, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interval := period()
		if interval <= 0 {
			interval = fallback
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
				if next := period(); next > 0 && next != interval {
					interval = next
					ticker.Reset(interval)
				}
			}
		}
	}()
}

// runHealthPass runs one health-check sweep over every server connection.
func (s *Scheduler) runHealthPass(ctx context.Context) {
	if s.transport == nil {
		return
	}
	results := s.transport.HealthCheckAll(ctx)
	for name, h := range results {
		if !h.IsHealthy() {
			s.logger.Warn("server unhealthy after health pass", map[string]interface{}{
				"server": name,
				"status": string(h.Status),
				"error":  h.LastError,
			})
			// A health-check failure is itself evidence of a dead server,
			// independent of whether any session happened to call it -
			// count it toward the same breaker call traffic does.
			s.transport.RecordFailure(name)
		}
	}
}

// runSessionGC closes any session idle past the configured threshold,
// writing a session-end checkpoint first (handled inside Registry.Close).
func (s *Scheduler) runSessionGC(ctx context.Context) {
	idleTimeout := s.brokerSettings().SessionIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultSessionIdleTimeout
	}
	cutoff := time.Now().Add(-idleTimeout)
	for _, id := range s.sessions.IdleSince(cutoff) {
		if err := s.sessions.Close(id); err != nil {
			s.logger.Warn("session GC close failed", map[string]interface{}{
				"session_id": id,
				"error":      err.Error(),
			})
			continue
		}
		s.forgetCheckpointClock(id)
		s.logger.Info("session reaped by idle GC", map[string]interface{}{"session_id": id})
	}
}

// runEscalationExpiry expires every session whose active escalation's
// expiry instant has passed.
func (s *Scheduler) runEscalationExpiry(ctx context.Context) {
	now := time.Now()
	for _, st := range s.sessions.All() {
		if st.Escalation == nil {
			continue
		}
		if st.Escalation.ExpiresAt.IsZero() || st.Escalation.ExpiresAt.After(now) {
			continue
		}
		if err := s.sessions.ExpireEscalation(st.SessionID); err != nil {
			s.logger.Warn("escalation expiry failed", map[string]interface{}{
				"session_id": st.SessionID,
				"error":      err.Error(),
			})
		}
	}
}

// runAutoCheckpoint writes an auto-checkpoint for every active session
// whose role-specific interval has elapsed since its last one.
func (s *Scheduler) runAutoCheckpoint(ctx context.Context) {
	snap := s.snapshotFn()
	now := time.Now()

	for _, st := range s.sessions.All() {
		interval := defaultAutoCheckpointInterval
		if snap != nil {
			if role, ok := snap.Roles[st.Role]; ok && role.AutoCheckpointMins > 0 {
				interval = time.Duration(role.AutoCheckpointMins) * time.Minute
			} else if snap.Broker.AutoCheckpointInterval > 0 {
				interval = snap.Broker.AutoCheckpointInterval
			}
		}

		s.mu.Lock()
		last, seen := s.lastCheckpoint[st.SessionID]
		s.mu.Unlock()
		if seen && now.Sub(last) < interval {
			continue
		}

		_, err := s.sessions.Checkpoint(st.SessionID, session.KindAutoCheckpoint, map[string]interface{}{"role": st.Role}, session.MentalState{})
		if err != nil {
			s.logger.Warn("auto-checkpoint failed", map[string]interface{}{
				"session_id": st.SessionID,
				"error":      err.Error(),
			})
			continue
		}
		s.mu.Lock()
		s.lastCheckpoint[st.SessionID] = now
		s.mu.Unlock()
	}
}

func (s *Scheduler) forgetCheckpointClock(sessionID string) {
	s.mu.Lock()
	delete(s.lastCheckpoint, sessionID)
	s.mu.Unlock()
}
