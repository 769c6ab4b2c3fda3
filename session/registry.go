package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/ledger"
	"github.com/dopemux/metamcp-broker/policy"
	"github.com/dopemux/metamcp-broker/roles"
)

// defaultRoleSwitchTimeout applies when a policy snapshot was built without
// going through policy/store.go's YAML-load defaulting (e.g. constructed
// directly in tests).
const defaultRoleSwitchTimeout = 5 * time.Second

// entry is the mutable per-session record. All mutation goes through the
// entry's own mutex, matching the ledger's per-session serialization: one
// writer at a time per session, no global lock held during the work.
type entry struct {
	mu sync.Mutex

	sessionID    string
	role         string
	mountedTools map[string]struct{}
	createdAt    time.Time
	lastActivity time.Time
	escalation   *Escalation

	ring     []Checkpoint
	ringSize int
	nextIdx  int
}

// Registry tracks every active session and serializes mutation to each one.
// It depends directly on a policy snapshot pointer, a role registry, and a
// token ledger - no interfaces for those, since session always needs their
// concrete behavior and none of them import session back.
type Registry struct {
	logger core.Logger

	mu       sync.RWMutex
	sessions map[string]*entry

	roles  *roles.Registry
	ledger *ledger.Ledger
	tools  ToolProvisioner
	sink   DurableSink

	snapshotFn func() *policy.Snapshot
}

// New builds a Registry. snapshotFn returns the currently active policy
// snapshot on every call, so the registry always orchestrates against the
// latest reload. tools and sink may be nil - a nil tools provisioner skips
// tool mount/release calls, a nil sink drops durable checkpoint mirroring.
func New(r *roles.Registry, l *ledger.Ledger, tools ToolProvisioner, sink DurableSink, logger core.Logger, snapshotFn func() *policy.Snapshot) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		logger:     logger,
		sessions:   make(map[string]*entry),
		roles:      r,
		ledger:     l,
		tools:      tools,
		sink:       sink,
		snapshotFn: snapshotFn,
	}
}

// Admit creates a new session starting in the given role. The null-origin
// transition is always legal, so this fails only if the role is unknown to
// the current policy snapshot, its default tools cannot be ensured, or the
// ledger cannot open the session.
func (reg *Registry) Admit(sessionID, role string) (State, error) {
	snap := reg.snapshotFn()

	if ok, _, err := reg.roles.TransitionLegal("", role); !ok {
		return State{}, err
	}

	mounted, err := reg.roles.DefaultTools(role)
	if err != nil {
		return State{}, err
	}
	if reg.tools != nil {
		if err := reg.tools.Ensure(keys(mounted)); err != nil {
			return State{}, core.NewError("session.Admit", "transport", core.ErrServerUnavailable).WithID(err.Error())
		}
	}

	if _, err := reg.ledger.InitSession(sessionID, role, snap); err != nil {
		return State{}, err
	}

	ringSize := snap.Broker.CheckpointRingSize
	if ringSize <= 0 {
		ringSize = 64
	}

	now := time.Now()
	e := &entry{
		sessionID:    sessionID,
		role:         role,
		mountedTools: mounted,
		createdAt:    now,
		lastActivity: now,
		ringSize:     ringSize,
	}

	reg.mu.Lock()
	reg.sessions[sessionID] = e
	reg.mu.Unlock()

	reg.logger.Info("session admitted", map[string]interface{}{
		"session_id": sessionID,
		"role":       role,
	})

	return reg.stateOf(e), nil
}

// SwitchRole implements the broker design's role-switch orchestration: (a)
// legality check, (b) compute the mounted-tool delta, (c) ensure the added
// tools within the policy's role-switch deadline, (d) checkpoint outgoing
// state, (e) release stale tools, (f) swap role/mounted tools, (g) clear any
// active escalation, (h) switch the ledger budget. Step (c) runs before
// anything about the session is recorded or mutated, so a deadline expiry
// aborts the switch with the session left in its previous role with all
// tools intact (spec §4.2's role-switch-timeout requirement) - the
// checkpoint write and state mutation only happen once the new tools are
// confirmed up. Every step after (a) runs under the session's own lock so no
// other mutation interleaves.
func (reg *Registry) SwitchRole(ctx context.Context, sessionID, newRole string) (SwitchResult, error) {
	start := time.Now()
	snap := reg.snapshotFn()

	e, err := reg.get(sessionID)
	if err != nil {
		return SwitchResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	oldRole := e.role

	// (a) legality
	if ok, _, err := reg.roles.TransitionLegal(oldRole, newRole); !ok {
		return SwitchResult{}, err
	}

	// (b) compute mounted-tool delta against the new role's defaults
	newDefaults, err := reg.roles.DefaultTools(newRole)
	if err != nil {
		return SwitchResult{}, err
	}
	var toAdd, toDel []string
	for t := range newDefaults {
		if _, ok := e.mountedTools[t]; !ok {
			toAdd = append(toAdd, t)
		}
	}
	for t := range e.mountedTools {
		if _, ok := newDefaults[t]; !ok {
			toDel = append(toDel, t)
		}
	}

	// (c) ensure the added tools, bounded by role_switch_timeout - nothing
	// below this point has touched the session yet, so a timeout leaves it
	// untouched.
	if reg.tools != nil && len(toAdd) > 0 {
		timeout := snap.Broker.RoleSwitchTimeout
		if timeout <= 0 {
			timeout = defaultRoleSwitchTimeout
		}
		if err := ensureWithDeadline(ctx, reg.tools, toAdd, timeout); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return SwitchResult{}, core.NewError("session.SwitchRole", "timeout", core.ErrTimeout).WithID(sessionID)
			}
			return SwitchResult{}, core.NewError("session.SwitchRole", "transport", core.ErrServerUnavailable).WithID(err.Error())
		}
	}

	// (d) checkpoint outgoing state - the switch is now committed to succeed
	reg.appendCheckpointLocked(e, KindRoleSwitch, map[string]interface{}{
		"from_role": oldRole,
		"to_role":   newRole,
	}, MentalState{})

	// (e) release stale tools, best effort - never aborts the switch
	if reg.tools != nil && len(toDel) > 0 {
		if err := reg.tools.Release(toDel); err != nil {
			reg.logger.Warn("tool release failed during role switch", map[string]interface{}{
				"session_id": sessionID,
				"tools":      toDel,
				"error":      err.Error(),
			})
		}
	}

	// (f) swap role and mounted set
	e.role = newRole
	e.mountedTools = newDefaults

	// (g) clear any active escalation - it belonged to the old role's context
	e.escalation = nil

	// (h) switch the ledger budget, preserving used tokens
	if _, err := reg.ledger.SwitchRole(sessionID, newRole, snap); err != nil {
		return SwitchResult{}, err
	}

	e.lastActivity = time.Now()

	return SwitchResult{
		Previous:        oldRole,
		Current:         newRole,
		Mounted:         newDefaults,
		MountedDeltaAdd: toAdd,
		MountedDeltaDel: toDel,
		DurationMS:      time.Since(start).Milliseconds(),
	}, nil
}

// ensureWithDeadline runs tools.Ensure(toAdd) under a deadline, since
// ToolProvisioner.Ensure takes no context of its own and may block
// indefinitely (e.g. starting a stdio subprocess that never becomes ready).
func ensureWithDeadline(ctx context.Context, tools ToolProvisioner, toAdd []string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- tools.Ensure(toAdd)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestEscalation grants an escalation immediately unless the policy
// entry requires approval, in which case it is recorded as pending.
func (reg *Registry) RequestEscalation(sessionID, key string) (EscalationResult, error) {
	e, err := reg.get(sessionID)
	if err != nil {
		return EscalationResult{}, err
	}

	e.mu.Lock()
	role := e.role
	e.mu.Unlock()

	opts, err := reg.roles.EscalationOptions(role, roles.ContextHints{})
	if err != nil {
		return EscalationResult{}, err
	}
	var esc *policy.Escalation
	for _, o := range opts {
		if o.Key == key {
			e := o.Escalation
			esc = &e
			break
		}
	}
	if esc == nil {
		snap := reg.snapshotFn()
		rd, ok := snap.Role(role)
		if !ok {
			return EscalationResult{}, core.NewError("session.RequestEscalation", "role", core.ErrRoleNotFound).WithID(role)
		}
		if v, ok := rd.EscalationTriggers[key]; ok {
			esc = &v
		}
	}
	if esc == nil {
		return EscalationResult{}, core.NewError("session.RequestEscalation", "access", core.ErrAccessDenied).WithID(key)
	}

	now := time.Now()
	expires := now.Add(time.Duration(esc.MaxDurationSeconds) * time.Second)

	e.mu.Lock()
	defer e.mu.Unlock()

	toolSet := make(map[string]struct{}, len(esc.AdditionalTools))
	for _, t := range esc.AdditionalTools {
		toolSet[t] = struct{}{}
	}

	if esc.RequiresApproval {
		e.escalation = &Escalation{
			Kind:            key,
			AdditionalTools: toolSet,
			PendingApproval: true,
			Deadline:        now.Add(5 * time.Minute),
		}
		return EscalationResult{PendingApproval: true, AdditionalTools: esc.AdditionalTools, Deadline: e.escalation.Deadline}, nil
	}

	if reg.tools != nil {
		if err := reg.tools.Ensure(esc.AdditionalTools); err != nil {
			return EscalationResult{}, core.NewError("session.RequestEscalation", "transport", core.ErrServerUnavailable).WithID(err.Error())
		}
	}
	for t := range toolSet {
		e.mountedTools[t] = struct{}{}
	}
	e.escalation = &Escalation{
		Kind:            key,
		AdditionalTools: toolSet,
		ExpiresAt:       expires,
	}
	reg.roles.RecordEscalationGranted(key)

	return EscalationResult{Granted: true, AdditionalTools: esc.AdditionalTools, ExpiresAt: expires}, nil
}

// ExpireEscalation releases an escalation's additional tools and clears it,
// whether invoked by a background scheduler on TTL expiry or explicitly.
func (reg *Registry) ExpireEscalation(sessionID string) error {
	e, err := reg.get(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.escalation == nil {
		return nil
	}
	if reg.tools != nil {
		if err := reg.tools.Release(keys(e.escalation.AdditionalTools)); err != nil {
			reg.logger.Warn("tool release failed during escalation expiry", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
	}
	for t := range e.escalation.AdditionalTools {
		delete(e.mountedTools, t)
	}
	e.escalation = nil
	return nil
}

// Checkpoint appends a checkpoint to the session's bounded ring, mirroring
// to durable storage for the kinds spec §4.5 requires.
func (reg *Registry) Checkpoint(sessionID string, kind CheckpointKind, payload map[string]interface{}, mental MentalState) (Checkpoint, error) {
	e, err := reg.get(sessionID)
	if err != nil {
		return Checkpoint{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return reg.appendCheckpointLocked(e, kind, payload, mental), nil
}

// appendCheckpointLocked must be called with e.mu held.
func (reg *Registry) appendCheckpointLocked(e *entry, kind CheckpointKind, payload map[string]interface{}, mental MentalState) Checkpoint {
	cp := Checkpoint{
		Index:       e.nextIdx,
		Kind:        kind,
		Timestamp:   time.Now(),
		Role:        e.role,
		Payload:     payload,
		MentalState: mental,
	}
	e.nextIdx++

	if len(e.ring) >= e.ringSize {
		e.ring = e.ring[1:]
	}
	e.ring = append(e.ring, cp)

	if durablyMirrored(kind) && reg.sink != nil {
		if err := reg.sink.AppendCheckpoint(e.sessionID, cp); err != nil {
			reg.logger.Warn("durable checkpoint append failed", map[string]interface{}{
				"session_id": e.sessionID,
				"kind":       string(kind),
				"error":      err.Error(),
			})
		}
	}
	return cp
}

// Restore returns the most recent checkpoint in a session's ring, or a
// specific index if found within it.
func (reg *Registry) Restore(sessionID string, index int) (Checkpoint, error) {
	e, err := reg.get(sessionID)
	if err != nil {
		return Checkpoint{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.ring) == 0 {
		return Checkpoint{}, core.NewError("session.Restore", "session", core.ErrNoSuchSession).WithID(fmt.Sprintf("%s: empty checkpoint ring", sessionID))
	}
	if index < 0 {
		return e.ring[len(e.ring)-1], nil
	}
	for _, cp := range e.ring {
		if cp.Index == index {
			return cp, nil
		}
	}
	return Checkpoint{}, core.NewError("session.Restore", "session", core.ErrNoSuchSession).WithID(fmt.Sprintf("%s: checkpoint %d not in ring", sessionID, index))
}

// Touch updates a session's last-activity timestamp, used by the idle-GC
// scheduler to decide what to reap.
func (reg *Registry) Touch(sessionID string) error {
	e, err := reg.get(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.lastActivity = time.Now()
	e.mu.Unlock()
	return nil
}

// Close writes a session-end checkpoint, releases mounted tools, and
// removes the session's ledger and registry state.
func (reg *Registry) Close(sessionID string) error {
	e, err := reg.get(sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	reg.appendCheckpointLocked(e, KindSessionEnd, map[string]interface{}{"role": e.role}, MentalState{})
	mounted := keys(e.mountedTools)
	e.mu.Unlock()

	if reg.tools != nil && len(mounted) > 0 {
		if err := reg.tools.Release(mounted); err != nil {
			reg.logger.Warn("tool release failed during session close", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
	}

	reg.ledger.Close(sessionID)

	reg.mu.Lock()
	delete(reg.sessions, sessionID)
	reg.mu.Unlock()

	return nil
}

// State returns a point-in-time snapshot of a session's state.
func (reg *Registry) State(sessionID string) (State, error) {
	e, err := reg.get(sessionID)
	if err != nil {
		return State{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return reg.stateOf(e), nil
}

func (reg *Registry) stateOf(e *entry) State {
	mounted := make(map[string]struct{}, len(e.mountedTools))
	for t := range e.mountedTools {
		mounted[t] = struct{}{}
	}
	return State{
		SessionID:    e.sessionID,
		Role:         e.role,
		MountedTools: mounted,
		CreatedAt:    e.createdAt,
		LastActivity: e.lastActivity,
		Escalation:   e.escalation,
	}
}

// All returns a point-in-time snapshot of every active session, for
// schedulers that need to scan the whole set (escalation expiry,
// auto-checkpoint).
func (reg *Registry) All() []State {
	reg.mu.RLock()
	entries := make([]*entry, 0, len(reg.sessions))
	for _, e := range reg.sessions {
		entries = append(entries, e)
	}
	reg.mu.RUnlock()

	out := make([]State, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, reg.stateOf(e))
		e.mu.Unlock()
	}
	return out
}

// IdleSince returns every session whose last activity predates the cutoff,
// for the idle-GC scheduler.
func (reg *Registry) IdleSince(cutoff time.Time) []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var idle []string
	for id, e := range reg.sessions {
		e.mu.Lock()
		last := e.lastActivity
		e.mu.Unlock()
		if last.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	return idle
}

func (reg *Registry) get(sessionID string) (*entry, error) {
	reg.mu.RLock()
	e, ok := reg.sessions[sessionID]
	reg.mu.RUnlock()
	if !ok {
		return nil, core.NewError("session.get", "session", core.ErrNoSuchSession).WithID(sessionID)
	}
	return e, nil
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
