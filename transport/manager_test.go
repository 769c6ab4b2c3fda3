package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/policy"
)

type fakeConn struct {
	startErr  error
	healthErr error
	callErr   error
	callResult map[string]interface{}
	calls     int
}

func (f *fakeConn) Start(ctx context.Context) error { return f.startErr }
func (f *fakeConn) Call(ctx context.Context, method string, args map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	f.calls++
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callResult, nil
}
func (f *fakeConn) HealthCheck(ctx context.Context) error { return f.healthErr }
func (f *fakeConn) Stop(ctx context.Context) error        { return nil }

func injectConn(m *Manager, name string, def *policy.ServerDef, conn Conn) *connState {
	st := &connState{
		name:      name,
		def:       def,
		conn:      conn,
		breaker:   newBreaker(name, 3, 50*time.Millisecond),
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		health:    Health{Status: StatusReady, LastCheck: time.Now()},
	}
	m.mu.Lock()
	m.conns[name] = st
	m.mu.Unlock()
	return st
}

func TestCallDispatchesThroughBreaker(t *testing.T) {
	m := New(nil)
	conn := &fakeConn{callResult: map[string]interface{}{"ok": true}}
	injectConn(m, "serena", &policy.ServerDef{Transport: "http"}, conn)

	result, err := m.Call(context.Background(), "serena", "search", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, 1, conn.calls)
}

func TestCallUnknownServerFails(t *testing.T) {
	m := New(nil)
	_, err := m.Call(context.Background(), "nope", "search", nil, time.Second)
	require.Error(t, err)
}

func TestCallOpensBreakerAfterConsecutiveFailures(t *testing.T) {
	m := New(nil)
	conn := &fakeConn{callErr: assert.AnError}
	injectConn(m, "serena", &policy.ServerDef{Transport: "http"}, conn)

	for i := 0; i < 3; i++ {
		_, err := m.Call(context.Background(), "serena", "search", nil, time.Second)
		require.Error(t, err)
	}

	_, err := m.Call(context.Background(), "serena", "search", nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, 3, conn.calls, "breaker should fail fast on the 4th call without invoking the connection")
}

func TestBreakerHalfOpensAfterRecoveryWindow(t *testing.T) {
	m := New(nil)
	conn := &fakeConn{callErr: assert.AnError}
	st := injectConn(m, "serena", &policy.ServerDef{Transport: "http"}, conn)
	st.breaker = newBreaker("serena", 1, 10*time.Millisecond)

	_, err := m.Call(context.Background(), "serena", "search", nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, "open", st.breaker.GetState())

	time.Sleep(20 * time.Millisecond)
	conn.callErr = nil
	conn.callResult = map[string]interface{}{"ok": true}

	_, err = m.Call(context.Background(), "serena", "search", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "closed", st.breaker.GetState())
}

func TestHealthCheckAllUpdatesStatus(t *testing.T) {
	m := New(nil)
	injectConn(m, "ok-server", &policy.ServerDef{Transport: "http"}, &fakeConn{})
	injectConn(m, "bad-server", &policy.ServerDef{Transport: "http"}, &fakeConn{healthErr: assert.AnError})

	results := m.HealthCheckAll(context.Background())

	assert.Equal(t, StatusReady, results["ok-server"].Status)
	assert.Equal(t, StatusFailed, results["bad-server"].Status)
}

func TestOverallHealthIsFractionHealthy(t *testing.T) {
	m := New(nil)
	injectConn(m, "a", &policy.ServerDef{Transport: "http"}, &fakeConn{})
	st := injectConn(m, "b", &policy.ServerDef{Transport: "http"}, &fakeConn{})
	st.health.Status = StatusFailed

	assert.Equal(t, 0.5, m.OverallHealth())
}

func TestEnsureRejectsUnknownServer(t *testing.T) {
	m := New(nil)
	err := m.Ensure([]string{"ghost"})
	require.Error(t, err)
}

func TestEnsureSkipsHealthyServer(t *testing.T) {
	m := New(nil)
	conn := &fakeConn{}
	injectConn(m, "serena", &policy.ServerDef{Transport: "http"}, conn)

	require.NoError(t, m.Ensure([]string{"serena"}))
	assert.Equal(t, 0, conn.calls)
}

func TestCallReturnsServerBusyAtMaxInFlight(t *testing.T) {
	m := New(nil)
	conn := &fakeConn{callResult: map[string]interface{}{"ok": true}}
	st := injectConn(m, "serena", &policy.ServerDef{Transport: "http", MaxInFlight: 1}, conn)
	st.inFlight = 1

	_, err := m.Call(context.Background(), "serena", "search", nil, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrServerBusy))
	assert.Equal(t, 0, conn.calls, "a call denied for capacity must never reach the connection")
}

func TestAtCapacityReflectsInFlightBound(t *testing.T) {
	m := New(nil)
	st := injectConn(m, "serena", &policy.ServerDef{Transport: "http", MaxInFlight: 2}, &fakeConn{})

	assert.False(t, m.AtCapacity("serena"))
	st.inFlight = 2
	assert.True(t, m.AtCapacity("serena"))
	assert.False(t, m.CanCall("serena"))
}

func TestMaxInFlightDefaultsWhenUnset(t *testing.T) {
	m := New(nil)
	st := injectConn(m, "serena", &policy.ServerDef{Transport: "http"}, &fakeConn{})

	st.inFlight = defaultMaxInFlight - 1
	assert.False(t, m.AtCapacity("serena"))
	st.inFlight = defaultMaxInFlight
	assert.True(t, m.AtCapacity("serena"))
}

func TestStatsReportsCallCountAndBreakerState(t *testing.T) {
	m := New(nil)
	injectConn(m, "serena", &policy.ServerDef{Transport: "http"}, &fakeConn{callResult: map[string]interface{}{}})

	_, err := m.Call(context.Background(), "serena", "search", nil, time.Second)
	require.NoError(t, err)

	stats := m.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].CallCount)
	assert.Equal(t, "closed", stats[0].BreakerState)
}
