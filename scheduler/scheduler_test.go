package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dopemux/metamcp-broker/ledger"
	"github.com/dopemux/metamcp-broker/policy"
	"github.com/dopemux/metamcp-broker/roles"
	"github.com/dopemux/metamcp-broker/session"
	"github.com/dopemux/metamcp-broker/transport"
)

func testSnapshot() *policy.Snapshot {
	return &policy.Snapshot{
		Version: 1,
		Broker: policy.BrokerSettings{
			SessionGCInterval:       20 * time.Millisecond,
			SessionIdleTimeout:      10 * time.Millisecond,
			EscalationCheckInterval: 20 * time.Millisecond,
			AutoCheckpointInterval:  20 * time.Millisecond,
			HealthCheckInterval:     20 * time.Millisecond,
		},
		Roles: map[string]*policy.RoleDef{
			"developer": {
				Name:         "developer",
				DefaultTools: []string{"claude-context"},
				TokenBudget:  20000,
				EscalationTriggers: map[string]policy.Escalation{
					"test_failure": {AdditionalTools: []string{"zen"}, MaxDurationSeconds: 1},
				},
			},
		},
	}
}

func newTestSetup() (*session.Registry, *transport.Manager) {
	snap := testSnapshot()
	r := roles.New(snap)
	l := ledger.New(nil, nil, nil)
	reg := session.New(r, l, nil, nil, nil, func() *policy.Snapshot { return snap })
	mgr := transport.New(nil)
	return reg, mgr
}

func TestSessionGCReapsIdleSessions(t *testing.T) {
	reg, mgr := newTestSetup()
	_, err := reg.Admit("sess-1", "developer")
	require.NoError(t, err)

	sched := New(reg, mgr, func() *policy.Snapshot { return testSnapshot() }, nil)

	time.Sleep(15 * time.Millisecond)
	sched.runSessionGC(context.Background())

	_, err = reg.State("sess-1")
	require.Error(t, err, "idle session should have been reaped")
}

func TestEscalationExpirySweepsPastExpiry(t *testing.T) {
	reg, mgr := newTestSetup()
	_, err := reg.Admit("sess-1", "developer")
	require.NoError(t, err)

	_, err = reg.RequestEscalation("sess-1", "test_failure")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	sched := New(reg, mgr, func() *policy.Snapshot { return testSnapshot() }, nil)
	sched.runEscalationExpiry(context.Background())

	st, err := reg.State("sess-1")
	require.NoError(t, err)
	assert.Nil(t, st.Escalation, "escalation past expiry should have been cleared")
}

func TestAutoCheckpointWritesOncePerInterval(t *testing.T) {
	reg, mgr := newTestSetup()
	_, err := reg.Admit("sess-1", "developer")
	require.NoError(t, err)

	sched := New(reg, mgr, func() *policy.Snapshot { return testSnapshot() }, nil)

	sched.runAutoCheckpoint(context.Background())
	cp, err := reg.Restore("sess-1", -1)
	require.NoError(t, err)
	assert.Equal(t, session.KindAutoCheckpoint, cp.Kind)

	// A second pass inside the interval should not write another one.
	sched.runAutoCheckpoint(context.Background())
	cp2, err := reg.Restore("sess-1", -1)
	require.NoError(t, err)
	assert.Equal(t, cp.Index, cp2.Index)
}

func TestHealthPassIsNoopWithoutServers(t *testing.T) {
	reg, mgr := newTestSetup()
	sched := New(reg, mgr, func() *policy.Snapshot { return testSnapshot() }, nil)
	assert.NotPanics(t, func() { sched.runHealthPass(context.Background()) })
}

func TestStartStopTearsDownAllPasses(t *testing.T) {
	reg, mgr := newTestSetup()
	sched := New(reg, mgr, func() *policy.Snapshot { return testSnapshot() }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
	sched.Stop()
}
