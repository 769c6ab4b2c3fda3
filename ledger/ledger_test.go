package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dopemux/metamcp-broker/policy"
)

func testPolicySnapshot() *policy.Snapshot {
	return &policy.Snapshot{
		Broker: policy.BrokerSettings{
			WarningFraction: 0.75,
			HardCapTokens:   100000,
			ReservedTokens:  500,
		},
		Roles: map[string]*policy.RoleDef{
			"developer": {Name: "developer", TokenBudget: 10000},
			"researcher": {Name: "researcher", TokenBudget: 5000},
		},
	}
}

type recordingLog struct {
	records []UsageRecord
}

func (r *recordingLog) Append(rec UsageRecord) error {
	r.records = append(r.records, rec)
	return nil
}

type recordingEmitter struct {
	transitions []BudgetStatus
}

func (e *recordingEmitter) EmitBandTransition(sessionID string, from, to BudgetStatus, snap Snapshot) {
	e.transitions = append(e.transitions, to)
}

func TestInitSessionSeedsFromRoleBudget(t *testing.T) {
	l := New(nil, nil, nil)
	snap, err := l.InitSession("sess-1", "developer", testPolicySnapshot())
	require.NoError(t, err)

	assert.Equal(t, 10000, snap.TotalBudget)
	assert.Equal(t, 500, snap.Reserved)
	assert.Equal(t, 7500, snap.WarningThreshold)
	assert.Equal(t, Healthy, snap.Status)
}

func TestSwitchRolePreservesUsage(t *testing.T) {
	l := New(nil, nil, nil)
	_, err := l.InitSession("sess-1", "developer", testPolicySnapshot())
	require.NoError(t, err)

	_, err = l.Record("sess-1", 1000, "exa", "search", 900, false, 0)
	require.NoError(t, err)

	snap, err := l.SwitchRole("sess-1", "researcher", testPolicySnapshot())
	require.NoError(t, err)

	assert.Equal(t, 5000, snap.TotalBudget)
	assert.Equal(t, 1000, snap.Used)
}

func TestRecordDebitsAndAppendsLog(t *testing.T) {
	log := &recordingLog{}
	l := New(log, nil, nil)
	_, err := l.InitSession("sess-1", "developer", testPolicySnapshot())
	require.NoError(t, err)

	snap, err := l.Record("sess-1", 2000, "claude-context", "search", 1800, true, 200)
	require.NoError(t, err)

	assert.Equal(t, 2000, snap.Used)
	require.Len(t, log.records, 1)
	assert.Equal(t, "claude-context", log.records[0].Tool)
	assert.Equal(t, 200, log.records[0].TokensSaved)
}

func TestBandTransitionsEmitForward(t *testing.T) {
	emitter := &recordingEmitter{}
	l := New(nil, emitter, nil)
	_, err := l.InitSession("sess-1", "developer", testPolicySnapshot())
	require.NoError(t, err)

	// 10000 budget: push usage to 80% (warning band).
	_, err = l.Record("sess-1", 8000, "zen", "debug", 8000, false, 0)
	require.NoError(t, err)

	require.NotEmpty(t, emitter.transitions)
	assert.Equal(t, Warning, emitter.transitions[len(emitter.transitions)-1])
}

func TestBandTransitionHysteresisSuppressesReentry(t *testing.T) {
	emitter := &recordingEmitter{}
	l := New(nil, emitter, nil)
	_, err := l.InitSession("sess-1", "developer", testPolicySnapshot())
	require.NoError(t, err)

	// Reach warning (75%+), drop to moderate (within 5%), come back to
	// warning - should not re-emit since the drop wasn't >= 5 points.
	_, err = l.Record("sess-1", 7600, "zen", "debug", 7600, false, 0) // 76% -> warning, emits
	require.NoError(t, err)
	before := len(emitter.transitions)

	_, err = l.Record("sess-1", -200, "zen", "debug", 0, false, 0) // 74% -> moderate, small drop
	require.NoError(t, err)
	_, err = l.Record("sess-1", 200, "zen", "debug", 0, false, 0) // back to 76% -> warning again
	require.NoError(t, err)

	assert.Equal(t, before, len(emitter.transitions), "re-entering warning without a >=5pt drop must not re-emit")
}

func TestCanAffordUsesReserveWhenNeeded(t *testing.T) {
	l := New(nil, nil, nil)
	_, err := l.InitSession("sess-1", "developer", testPolicySnapshot())
	require.NoError(t, err)

	// budget 10000, reserved 500 -> available 9500.
	_, err = l.Record("sess-1", 9600, "zen", "debug", 9600, false, 0)
	require.NoError(t, err)

	ok, reason, shortage := l.CanAfford("sess-1", 300)
	assert.True(t, ok)
	assert.Equal(t, "using-reserve", reason)
	assert.Equal(t, 0, shortage)

	ok, _, shortage = l.CanAfford("sess-1", 1000)
	assert.False(t, ok)
	assert.Greater(t, shortage, 0)
}

func TestEstimateFallsBackToHeuristic(t *testing.T) {
	l := New(nil, nil, nil)
	est := l.Estimate("sess-1", "sequential-thinking", "think", map[string]interface{}{}, nil)
	assert.Equal(t, 4000, est)
}

func TestEstimateScalesWithResultCount(t *testing.T) {
	l := New(nil, nil, nil)
	costTable := map[string]policy.CostEntry{
		"exa": {BaseCost: 500, PerResultCost: 100, ResultCap: 10},
	}
	est := l.Estimate("sess-1", "exa", "search", map[string]interface{}{"numResults": 20}, costTable)
	// count capped at 10 -> 500 + 10*100 = 1500
	assert.Equal(t, 1500, est)
}

func TestBurnRateUndefinedWithFewerThanTwoRecords(t *testing.T) {
	l := New(nil, nil, nil)
	_, err := l.InitSession("sess-1", "developer", testPolicySnapshot())
	require.NoError(t, err)

	snap, err := l.Record("sess-1", 500, "zen", "debug", 500, false, 0)
	require.NoError(t, err)
	assert.False(t, snap.BurnRateDefined)
	assert.Nil(t, snap.TimeToExhaustion)
}

func TestStatusUnknownSessionErrors(t *testing.T) {
	l := New(nil, nil, nil)
	_, err := l.Status("does-not-exist")
	require.Error(t, err)
}

func TestCloseRemovesSession(t *testing.T) {
	l := New(nil, nil, nil)
	_, err := l.InitSession("sess-1", "developer", testPolicySnapshot())
	require.NoError(t, err)

	l.Close("sess-1")
	_, err = l.Status("sess-1")
	require.Error(t, err)
}
