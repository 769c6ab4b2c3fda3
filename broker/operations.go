package broker

import (
	"context"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/session"
	"github.com/dopemux/metamcp-broker/telemetry"
)

// SessionStatus is the read surface for a session's live state plus its
// ledger budget snapshot, e.g. for a cmd "session status" subcommand.
type SessionStatus struct {
	State  session.State
	Ledger LedgerView
}

// LedgerView is the subset of ledger.Snapshot surfaced to callers outside
// the ledger package.
type LedgerView struct {
	Used            int
	Remaining       int
	UsagePercentage float64
	Status          string
}

// SwitchRole wraps session.Registry.SwitchRole with the metrics spec §4.7
// calls for; the auto-checkpoint guarantee it also mentions is already
// satisfied inside Registry.SwitchRole itself, which writes the
// role-switch checkpoint before the mounted-tool set changes.
func (b *Broker) SwitchRole(ctx context.Context, sessionID, newRole string) (result session.SwitchResult, brokerErr *core.Error) {
	defer func() {
		if r := recover(); r != nil {
			brokerErr = b.panicToError("broker.SwitchRole", r)
		}
	}()

	res, err := b.sessions.SwitchRole(ctx, sessionID, newRole)
	if err != nil {
		return session.SwitchResult{}, asCoreError(err)
	}

	if b.metrics != nil {
		b.metrics.RecordRoleSwitch(ctx, res.Previous, res.Current)
		b.metrics.RecordRoleSwitchDuration(ctx, float64(res.DurationMS))
	}
	return res, nil
}

// RequestEscalation wraps session.Registry.RequestEscalation, publishing
// an escalation-grant metric on an immediate grant.
func (b *Broker) RequestEscalation(ctx context.Context, sessionID, key string) (result session.EscalationResult, brokerErr *core.Error) {
	defer func() {
		if r := recover(); r != nil {
			brokerErr = b.panicToError("broker.RequestEscalation", r)
		}
	}()

	role := ""
	if state, stateErr := b.sessions.State(sessionID); stateErr == nil {
		role = state.Role
	}

	res, err := b.sessions.RequestEscalation(sessionID, key)
	if err != nil {
		return session.EscalationResult{}, asCoreError(err)
	}
	if res.Granted && b.metrics != nil {
		b.metrics.RecordEscalation(ctx, role, key)
	}
	return res, nil
}

// SessionStatus resolves a session's live state and budget snapshot.
func (b *Broker) SessionStatus(sessionID string) (SessionStatus, *core.Error) {
	state, err := b.sessions.State(sessionID)
	if err != nil {
		return SessionStatus{}, asCoreError(err)
	}
	snap, err := b.ledger.Status(sessionID)
	if err != nil {
		return SessionStatus{}, asCoreError(err)
	}
	return SessionStatus{
		State: state,
		Ledger: LedgerView{
			Used:            snap.Used,
			Remaining:       snap.Remaining,
			UsagePercentage: snap.UsagePercentage,
			Status:          snap.Status.String(),
		},
	}, nil
}

// BrokerHealth returns the broker-wide health rollup (spec §4.8).
func (b *Broker) BrokerHealth() telemetry.BrokerHealth {
	return telemetry.Snapshot(b.transport, len(b.sessions.All()), b.alerts)
}

// ReloadPolicy re-reads the policy document from its original path and
// publishes the new snapshot atomically (spec §4.1); in-flight requests
// keep observing their already-captured snapshot.
func (b *Broker) ReloadPolicy() *core.Error {
	if err := b.policy.Reload(b.policy.Path()); err != nil {
		return asCoreError(err)
	}
	return nil
}

// asCoreError normalizes any error into *core.Error, wrapping foreign
// errors as Internal so every broker-facing return type is uniform.
func asCoreError(err error) *core.Error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*core.Error); ok {
		return ce
	}
	return core.NewError("broker", "internal", err)
}

