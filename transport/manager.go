package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/policy"
)

// connState bundles a connection with its breaker, health, and usage
// counters - everything the manager needs to know about one server.
type connState struct {
	mu sync.Mutex

	name   string
	def    *policy.ServerDef
	conn   Conn
	breaker *gobreakerCircuit

	health    Health
	createdAt time.Time
	lastUsed  time.Time

	callCount      int
	responseTimes  []float64
	consecutiveFails int
	inFlight       int
}

// defaultMaxInFlight is the per-server in-flight cap applied when a policy
// document leaves max_in_flight unset.
const defaultMaxInFlight = 10

// maxInFlight returns st's configured in-flight bound, falling back to
// defaultMaxInFlight. Must be called with st.mu held.
func (st *connState) maxInFlight() int {
	if st.def != nil && st.def.MaxInFlight > 0 {
		return st.def.MaxInFlight
	}
	return defaultMaxInFlight
}

// Manager owns every tool-server connection: startup sequencing, health
// monitoring, circuit breaking, and call dispatch. One Manager serves the
// whole broker; connections are server-scoped, shared across all sessions.
type Manager struct {
	logger core.Logger

	mu       sync.RWMutex
	conns    map[string]*connState
	builders map[string]func(name string, def *policy.ServerDef, logger core.Logger) Conn
}

// New builds a Manager with no connections started.
func New(logger core.Logger) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Manager{
		logger: logger,
		conns:  make(map[string]*connState),
		builders: map[string]func(string, *policy.ServerDef, core.Logger) Conn{
			"stdio":     func(n string, d *policy.ServerDef, l core.Logger) Conn { return newStdioConn(n, d, l) },
			"http":      func(n string, d *policy.ServerDef, l core.Logger) Conn { return newHTTPConn(n, d, l) },
			"streaming": func(n string, d *policy.ServerDef, l core.Logger) Conn { return newStreamConn(n, d, l) },
		},
	}
}

// StartAll starts every server declared in the snapshot in ascending order
// of startup timeout (cheap first). A failed start is recorded but does not
// abort the sequence, matching spec §4.6.
func (m *Manager) StartAll(ctx context.Context, snap *policy.Snapshot) {
	names := make([]string, 0, len(snap.Servers))
	for name := range snap.Servers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return snap.Servers[names[i]].StartupTimeout < snap.Servers[names[j]].StartupTimeout
	})

	for _, name := range names {
		if err := m.startOne(ctx, name, snap.Servers[name], snap.Broker); err != nil {
			m.logger.Error("server start failed", map[string]interface{}{
				"server": name,
				"error":  err.Error(),
			})
		}
	}
}

func (m *Manager) startOne(ctx context.Context, name string, def *policy.ServerDef, broker policy.BrokerSettings) error {
	builder, ok := m.builders[def.Transport]
	if !ok {
		return core.NewError("transport.startOne", "config", core.ErrInvalidConfiguration).WithID(def.Transport)
	}

	conn := builder(name, def, m.logger)
	st := &connState{
		name:      name,
		def:       def,
		conn:      conn,
		breaker:   newBreaker(name, broker.CircuitBreakerThreshold, broker.CircuitBreakerRecovery),
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		health:    Health{Status: StatusStarting, LastCheck: time.Now()},
	}

	if err := conn.Start(ctx); err != nil {
		st.health.Status = StatusFailed
		st.health.LastError = err.Error()
		m.mu.Lock()
		m.conns[name] = st
		m.mu.Unlock()
		return err
	}

	timeout := def.StartupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := m.waitForReady(ctx, st, timeout); err != nil {
		st.health.Status = StatusFailed
		st.health.LastError = err.Error()
	}

	m.mu.Lock()
	m.conns[name] = st
	m.mu.Unlock()

	return nil
}

func (m *Manager) waitForReady(ctx context.Context, st *connState, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := st.conn.HealthCheck(ctx); err == nil {
			st.health.Status = StatusReady
			st.health.LastCheck = time.Now()
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return core.NewError("transport.waitForReady", "transport", core.ErrTimeout).WithID(st.name)
}

// Register wires a pre-built Conn in under name, bypassing the transport
// builder map - for custom or in-process connections (and for tests) that
// don't come from one of the stdio/http/streaming builders.
func (m *Manager) Register(ctx context.Context, name string, def *policy.ServerDef, conn Conn, broker policy.BrokerSettings) error {
	st := &connState{
		name:      name,
		def:       def,
		conn:      conn,
		breaker:   newBreaker(name, broker.CircuitBreakerThreshold, broker.CircuitBreakerRecovery),
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		health:    Health{Status: StatusStarting, LastCheck: time.Now()},
	}
	if err := conn.Start(ctx); err != nil {
		st.health.Status = StatusFailed
		st.health.LastError = err.Error()
		m.mu.Lock()
		m.conns[name] = st
		m.mu.Unlock()
		return err
	}
	st.health.Status = StatusReady
	m.mu.Lock()
	m.conns[name] = st
	m.mu.Unlock()
	return nil
}

// Ensure checks that each named server has a registered connection and is
// healthy, restarting any unhealthy one and waiting for it to become ready;
// a name with no registered connection is an error. Used by the session
// registry during admission and role switches.
func (m *Manager) Ensure(tools []string) error {
	for _, name := range tools {
		m.mu.RLock()
		st, ok := m.conns[name]
		m.mu.RUnlock()
		if ok {
			st.mu.Lock()
			healthy := st.health.IsHealthy()
			st.mu.Unlock()
			if healthy {
				continue
			}
			if err := m.recover(context.Background(), name); err != nil {
				return err
			}
			continue
		}
		return core.NewError("transport.Ensure", "config", core.ErrInvalidConfiguration).WithID(name)
	}
	return nil
}

// Release is a no-op at the connection level: connections are
// server-scoped and shared across sessions (spec §5), so releasing a tool
// from one session's mounted set never tears down the underlying server.
func (m *Manager) Release(tools []string) error {
	return nil
}

// CanCall reports whether server currently admits calls, without attempting
// one: its breaker must be closed (or half-open) and it must be under its
// configured max-in-flight bound. The broker orchestrator consults this
// ahead of the rewrite engine so a server that's already unavailable
// short-circuits before any rewrite work is done on the call.
func (m *Manager) CanCall(server string) bool {
	m.mu.RLock()
	st, ok := m.conns[server]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if !st.breaker.CanExecute() {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inFlight < st.maxInFlight()
}

// AtCapacity reports whether server is currently at its configured
// max-in-flight bound, independent of breaker state - the broker uses this
// to report ServerBusy distinctly from a breaker-open ServerUnavailable at
// its pre-rewrite admission check (spec's "per-server maximum in-flight
// bound... causes new calls to return ServerBusy").
func (m *Manager) AtCapacity(server string) bool {
	m.mu.RLock()
	st, ok := m.conns[server]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inFlight >= st.maxInFlight()
}

// Call dispatches one tool invocation through the named server's circuit
// breaker, after admitting it against the server's max-in-flight bound. The
// breaker and in-flight count are both consulted before the call is
// attempted, matching spec §4.7 step 4 (checked before rewrite's budget
// admission upstream).
func (m *Manager) Call(ctx context.Context, server, method string, args map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	m.mu.RLock()
	st, ok := m.conns[server]
	m.mu.RUnlock()
	if !ok {
		return nil, core.NewError("transport.Call", "transport", core.ErrServerUnavailable).WithID(server)
	}

	if !st.breaker.CanExecute() {
		return nil, core.NewError("transport.Call", "transport", core.ErrServerUnavailable).WithID(server)
	}

	st.mu.Lock()
	if st.inFlight >= st.maxInFlight() {
		st.mu.Unlock()
		return nil, core.NewError("transport.Call", "transport", core.ErrServerBusy).WithID(server)
	}
	st.inFlight++
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		st.inFlight--
		st.mu.Unlock()
	}()

	start := time.Now()
	var result map[string]interface{}
	var innerErr error
	breakerErr := st.breaker.Execute(ctx, func() error {
		var err error
		result, err = st.conn.Call(ctx, method, args, timeout)
		innerErr = err
		if err != nil && core.IsToolError(err) {
			// a downstream tool's own error envelope is a successful round
			// trip as far as the breaker is concerned (spec §4.7's failure
			// table) - only report it to the breaker as a non-failure.
			return nil
		}
		return err
	})
	elapsed := time.Since(start)

	st.mu.Lock()
	st.lastUsed = time.Now()
	st.callCount++
	st.responseTimes = append(st.responseTimes, elapsed.Seconds()*1000)
	if len(st.responseTimes) > 100 {
		st.responseTimes = st.responseTimes[len(st.responseTimes)-100:]
	}
	if breakerErr != nil {
		st.consecutiveFails++
	} else {
		st.consecutiveFails = 0
	}
	st.mu.Unlock()

	if innerErr != nil {
		return nil, innerErr
	}
	if breakerErr != nil {
		if breakerErr == core.ErrCircuitBreakerOpen {
			return nil, core.NewError("transport.Call", "transport", core.ErrServerUnavailable).WithID(server)
		}
		return nil, breakerErr
	}
	return result, nil
}

// HealthCheckAll runs a health pass over every connection, called by the
// health-pass background scheduler.
func (m *Manager) HealthCheckAll(ctx context.Context) map[string]Health {
	m.mu.RLock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	m.mu.RUnlock()

	results := make(map[string]Health, len(names))
	for _, name := range names {
		m.mu.RLock()
		st := m.conns[name]
		m.mu.RUnlock()

		start := time.Now()
		err := st.conn.HealthCheck(ctx)
		elapsed := time.Since(start).Seconds() * 1000

		st.mu.Lock()
		if err != nil {
			st.health.Status = StatusFailed
			st.health.ErrorCount++
			st.health.LastError = err.Error()
		} else {
			st.health.Status = StatusReady
			st.health.LastError = ""
		}
		st.health.LastCheck = time.Now()
		st.health.ResponseTimeMS = elapsed
		st.health.UptimeSeconds = time.Since(st.createdAt).Seconds()
		results[name] = st.health
		st.mu.Unlock()
	}
	return results
}

// recover tears down and restarts a connection after repeated failures.
func (m *Manager) recover(ctx context.Context, name string) error {
	m.mu.RLock()
	st, ok := m.conns[name]
	m.mu.RUnlock()
	if !ok {
		return core.NewError("transport.recover", "transport", core.ErrServerUnavailable).WithID(name)
	}

	_ = st.conn.Stop(ctx)

	newConn := m.builders[st.def.Transport](name, st.def, m.logger)
	if err := newConn.Start(ctx); err != nil {
		return core.NewError("transport.recover", "transport", core.ErrServerUnavailable).WithID(err.Error())
	}

	st.mu.Lock()
	st.conn = newConn
	st.health = Health{Status: StatusStarting, LastCheck: time.Now()}
	st.mu.Unlock()

	return m.waitForReady(ctx, st, 10*time.Second)
}

// OverallHealth returns healthy-count / total-servers, spec §4.8's rollup
// numerator.
func (m *Manager) OverallHealth() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.conns) == 0 {
		return 0
	}
	healthy := 0
	for _, st := range m.conns {
		st.mu.Lock()
		if st.health.IsHealthy() {
			healthy++
		}
		st.mu.Unlock()
	}
	return float64(healthy) / float64(len(m.conns))
}

// Stats returns a point-in-time usage summary for every connection.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Stats, 0, len(m.conns))
	for name, st := range m.conns {
		st.mu.Lock()
		var avg float64
		if len(st.responseTimes) > 0 {
			var sum float64
			for _, v := range st.responseTimes {
				sum += v
			}
			avg = sum / float64(len(st.responseTimes))
		}
		out = append(out, Stats{
			Name:          name,
			Transport:     st.def.Transport,
			Status:        st.health.Status,
			UptimeSeconds: time.Since(st.createdAt).Seconds(),
			IdleSeconds:   time.Since(st.lastUsed).Seconds(),
			CallCount:     st.callCount,
			AvgResponseMS: avg,
			ErrorCount:    st.health.ErrorCount,
			LastError:     st.health.LastError,
			BreakerState:  st.breaker.GetState(),
		})
		st.mu.Unlock()
	}
	return out
}

// StopAll tears down every connection in reverse of any meaningful order;
// a flat map has none, so this simply stops each one.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	conns := make([]*connState, 0, len(m.conns))
	for _, st := range m.conns {
		conns = append(conns, st)
	}
	m.mu.RUnlock()

	for _, st := range conns {
		if err := st.conn.Stop(ctx); err != nil {
			m.logger.Warn("server stop failed", map[string]interface{}{
				"server": st.name,
				"error":  err.Error(),
			})
		}
	}
}

// RecordFailure lets an external caller (the broker, on a downstream
// protocol error) count a failure against a server's breaker without
// going through Call - used when the broker itself detects a transport
// failure outside the normal call path.
func (m *Manager) RecordFailure(server string) {
	m.mu.RLock()
	st, ok := m.conns[server]
	m.mu.RUnlock()
	if !ok {
		return
	}
	_ = st.breaker.Execute(context.Background(), func() error {
		return fmt.Errorf("recorded external failure")
	})
}
