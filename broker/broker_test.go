package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/ledger"
	"github.com/dopemux/metamcp-broker/policy"
	"github.com/dopemux/metamcp-broker/rewrite"
	"github.com/dopemux/metamcp-broker/roles"
	"github.com/dopemux/metamcp-broker/session"
	"github.com/dopemux/metamcp-broker/transport"
)

type fakeConn struct {
	mu         sync.Mutex
	callErr    error
	callResult map[string]interface{}
	calls      int
	block      chan struct{}
}

func (f *fakeConn) Start(ctx context.Context) error { return nil }
func (f *fakeConn) Call(ctx context.Context, method string, args map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callResult, nil
}
func (f *fakeConn) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeConn) Stop(ctx context.Context) error        { return nil }

// waitForCalls blocks until f has recorded at least n calls, for tests that
// race a blocked in-flight call against a second, capacity-checking one.
func waitForCalls(t *testing.T, f *fakeConn, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		calls := f.calls
		f.mu.Unlock()
		if calls >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d calls", n)
}

func testSnapshot() *policy.Snapshot {
	return &policy.Snapshot{
		Version: 1,
		Broker: policy.BrokerSettings{
			WarningFraction: 0.75,
			HardCapTokens:   50000,
			ReservedTokens:  100,
			ToolTimeout:     time.Second,
		},
		Roles: map[string]*policy.RoleDef{
			"developer": {
				Name:         "developer",
				DefaultTools: []string{"serena"},
				TokenBudget:  1000,
			},
		},
		Servers: map[string]*policy.ServerDef{
			"serena": {Name: "serena", Transport: "http"},
		},
		Rewrites: map[string]policy.RewriteRuleSet{
			"serena": {MaxResults: 10},
		},
		CostTable: map[string]policy.CostEntry{},
	}
}

type setup struct {
	broker   *Broker
	sessions *session.Registry
	ledger   *ledger.Ledger
	mgr      *transport.Manager
	conn     *fakeConn
	snap     *policy.Snapshot
}

func newSetup(t *testing.T) *setup {
	t.Helper()
	snap := testSnapshot()
	r := roles.New(snap)
	l := ledger.New(nil, nil, nil)
	mgr := transport.New(nil)
	conn := &fakeConn{callResult: map[string]interface{}{"ok": true}}
	require.NoError(t, mgr.Register(context.Background(), "serena", snap.Servers["serena"], conn, snap.Broker))

	sessions := session.New(r, l, mgr, nil, nil, func() *policy.Snapshot { return snap })
	ps := &policyStoreStub{snap: snap}
	b := New(ps, sessions, l, rewrite.New(nil), mgr, nil, nil, nil)

	return &setup{broker: b, sessions: sessions, ledger: l, mgr: mgr, conn: conn, snap: snap}
}

// policyStoreStub satisfies PolicySource without touching the filesystem.
type policyStoreStub struct {
	snap *policy.Snapshot
}

func (p *policyStoreStub) CurrentSnapshot() *policy.Snapshot { return p.snap }
func (p *policyStoreStub) Path() string                      { return "" }
func (p *policyStoreStub) Reload(source string) error         { return nil }

func TestCallToolSuccessRecordsUsage(t *testing.T) {
	s := newSetup(t)
	_, err := s.sessions.Admit("sess-1", "developer")
	require.NoError(t, err)

	resp := s.broker.CallTool(context.Background(), CallRequest{
		SessionID: "sess-1",
		Tool:      "serena",
		Method:    "search",
		Args:      map[string]interface{}{"query": "x"},
	})

	require.True(t, resp.OK)
	assert.Equal(t, 1, s.conn.calls)
	assert.Greater(t, resp.TokensUsed, 0)

	status, err := s.ledger.Status("sess-1")
	require.NoError(t, err)
	assert.Equal(t, resp.TokensUsed, status.Used)
}

func TestCallToolNoSuchSessionDenied(t *testing.T) {
	s := newSetup(t)

	resp := s.broker.CallTool(context.Background(), CallRequest{SessionID: "ghost", Tool: "serena", Method: "search"})

	require.False(t, resp.OK)
	assert.Equal(t, "session", resp.Error.Kind)
}

func TestCallToolUnmountedToolDenied(t *testing.T) {
	s := newSetup(t)
	_, err := s.sessions.Admit("sess-1", "developer")
	require.NoError(t, err)

	resp := s.broker.CallTool(context.Background(), CallRequest{SessionID: "sess-1", Tool: "exa", Method: "search"})

	require.False(t, resp.OK)
	assert.Equal(t, "access", resp.Error.Kind)
	assert.Equal(t, 0, s.conn.calls)
}

func TestCallToolOpenBreakerShortCircuitsBeforeRewrite(t *testing.T) {
	s := newSetup(t)
	_, err := s.sessions.Admit("sess-1", "developer")
	require.NoError(t, err)

	s.conn.callErr = assert.AnError
	for i := 0; i < 5; i++ {
		s.broker.CallTool(context.Background(), CallRequest{SessionID: "sess-1", Tool: "serena", Method: "search"})
	}
	callsBeforeOpen := s.conn.calls

	resp := s.broker.CallTool(context.Background(), CallRequest{SessionID: "sess-1", Tool: "serena", Method: "search"})

	require.False(t, resp.OK)
	assert.Equal(t, "transport", resp.Error.Kind)
	assert.Equal(t, callsBeforeOpen, s.conn.calls, "breaker should short-circuit without invoking the connection again")
}

func TestCallToolBudgetExceededDeniesAndRaisesAlert(t *testing.T) {
	s := newSetup(t)
	s.snap.Roles["developer"].TokenBudget = 10
	_, err := s.sessions.Admit("sess-1", "developer")
	require.NoError(t, err)

	resp := s.broker.CallTool(context.Background(), CallRequest{
		SessionID: "sess-1",
		Tool:      "serena",
		Method:    "search",
		Args:      map[string]interface{}{"maxResults": 500},
	})

	require.False(t, resp.OK)
	assert.Equal(t, "budget", resp.Error.Kind)
	assert.NotEmpty(t, resp.Optimizations)

	active := s.broker.alerts.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "budget:sess-1", active[0].ID)
}

func TestCallToolTransportFailureDoesNotCountToolErrorsAgainstBreaker(t *testing.T) {
	s := newSetup(t)
	_, err := s.sessions.Admit("sess-1", "developer")
	require.NoError(t, err)

	s.conn.callErr = core.NewError("fakeConn.Call", "tool", core.ErrTool)

	for i := 0; i < 10; i++ {
		resp := s.broker.CallTool(context.Background(), CallRequest{SessionID: "sess-1", Tool: "serena", Method: "search"})
		require.False(t, resp.OK)
		assert.Equal(t, "tool", resp.Error.Kind)
	}
	assert.Equal(t, 10, s.conn.calls, "a tool-error envelope should never trip the breaker")
}

func TestCallToolTransportFailureSurfacesAsTransportNotServerUnavailable(t *testing.T) {
	s := newSetup(t)
	_, err := s.sessions.Admit("sess-1", "developer")
	require.NoError(t, err)

	s.conn.callErr = core.NewError("transport.http.Call", "transport", core.ErrTransport).WithID("marshal error")

	resp := s.broker.CallTool(context.Background(), CallRequest{SessionID: "sess-1", Tool: "serena", Method: "search"})

	require.False(t, resp.OK)
	assert.Equal(t, "transport", resp.Error.Kind)
	assert.True(t, errors.Is(resp.Error, core.ErrTransport))
	assert.False(t, errors.Is(resp.Error, core.ErrServerUnavailable))
}

func TestCallToolServerBusyDeniesBeforeDispatch(t *testing.T) {
	s := newSetup(t)
	s.snap.Servers["serena"].MaxInFlight = 1
	_, err := s.sessions.Admit("sess-1", "developer")
	require.NoError(t, err)

	release := make(chan struct{})
	s.conn.block = release
	defer close(release)

	go s.broker.CallTool(context.Background(), CallRequest{SessionID: "sess-1", Tool: "serena", Method: "search"})
	waitForCalls(t, s.conn, 1)

	resp := s.broker.CallTool(context.Background(), CallRequest{SessionID: "sess-1", Tool: "serena", Method: "search"})

	require.False(t, resp.OK)
	assert.Equal(t, "transport", resp.Error.Kind)
	assert.True(t, errors.Is(resp.Error, core.ErrServerBusy))
}

func TestSwitchRoleRecordsMetricsAndReturnsResult(t *testing.T) {
	s := newSetup(t)
	s.snap.Roles["researcher"] = &policy.RoleDef{Name: "researcher", DefaultTools: []string{}, TokenBudget: 500}
	s.snap.Roles["developer"].NaturalTransitions = []string{"researcher"}
	_, err := s.sessions.Admit("sess-1", "developer")
	require.NoError(t, err)

	result, brokerErr := s.broker.SwitchRole(context.Background(), "sess-1", "researcher")

	require.Nil(t, brokerErr)
	assert.Equal(t, "developer", result.Previous)
	assert.Equal(t, "researcher", result.Current)
}

func TestSwitchRoleUnknownSessionReturnsError(t *testing.T) {
	s := newSetup(t)

	_, brokerErr := s.broker.SwitchRole(context.Background(), "ghost", "researcher")

	require.NotNil(t, brokerErr)
}

func TestRequestEscalationGrantsAndRecordsMetric(t *testing.T) {
	s := newSetup(t)
	s.snap.Roles["developer"].EscalationTriggers = map[string]policy.Escalation{
		"test_failure": {AdditionalTools: []string{}, MaxDurationSeconds: 60},
	}
	_, err := s.sessions.Admit("sess-1", "developer")
	require.NoError(t, err)

	result, brokerErr := s.broker.RequestEscalation(context.Background(), "sess-1", "test_failure")

	require.Nil(t, brokerErr)
	assert.True(t, result.Granted)
}

func TestSessionStatusReturnsLedgerView(t *testing.T) {
	s := newSetup(t)
	_, err := s.sessions.Admit("sess-1", "developer")
	require.NoError(t, err)

	status, brokerErr := s.broker.SessionStatus("sess-1")

	require.Nil(t, brokerErr)
	assert.Equal(t, "developer", status.State.Role)
	assert.Equal(t, 1000, status.Ledger.Used+status.Ledger.Remaining)
}

func TestBrokerHealthReflectsTransportAndSessions(t *testing.T) {
	s := newSetup(t)
	_, err := s.sessions.Admit("sess-1", "developer")
	require.NoError(t, err)

	health := s.broker.BrokerHealth()

	assert.Equal(t, 1, health.ActiveSessions)
	assert.Len(t, health.Servers, 1)
}
