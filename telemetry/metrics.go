package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricInstruments holds cached metric instruments for efficient recording
type MetricInstruments struct {
	meter          metric.Meter
	counters       map[string]metric.Int64Counter
	floatCounters  map[string]metric.Float64Counter
	upDownCounters map[string]metric.Int64UpDownCounter
	histograms     map[string]metric.Float64Histogram
	gauges         map[string]gaugeCallback
	mu             sync.RWMutex
}

// gaugeCallback holds gauge registration info
type gaugeCallback struct {
	registration metric.Registration
	callback     metric.Callback
	gauge        metric.Float64ObservableGauge
}

// NewMetricInstruments creates a new metrics instrument cache
func NewMetricInstruments(meterName string) *MetricInstruments {
	return &MetricInstruments{
		meter:          otel.Meter(meterName),
		counters:       make(map[string]metric.Int64Counter),
		floatCounters:  make(map[string]metric.Float64Counter),
		upDownCounters: make(map[string]metric.Int64UpDownCounter),
		histograms:     make(map[string]metric.Float64Histogram),
		gauges:         make(map[string]gaugeCallback),
	}
}

// RecordCounter increments a counter metric
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		// Double-check after acquiring write lock
		if counter, exists = m.counters[name]; !exists {
			var err error
			counter, err = m.meter.Int64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create counter %s: %w", name, err)
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordFloatCounter increments a float counter metric (for costs, rates, etc.)
func (m *MetricInstruments) RecordFloatCounter(ctx context.Context, name string, value float64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.floatCounters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if counter, exists = m.floatCounters[name]; !exists {
			var err error
			counter, err = m.meter.Float64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create float counter %s: %w", name, err)
			}
			m.floatCounters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordUpDownCounter records a value that can go up or down (like queue size)
func (m *MetricInstruments) RecordUpDownCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.upDownCounters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if counter, exists = m.upDownCounters[name]; !exists {
			var err error
			counter, err = m.meter.Int64UpDownCounter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create up-down counter %s: %w", name, err)
			}
			m.upDownCounters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordHistogram records a value distribution (like latencies)
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if histogram, exists = m.histograms[name]; !exists {
			var err error
			histogram, err = m.meter.Float64Histogram(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create histogram %s: %w", name, err)
			}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.Record(ctx, value, opts...)
	return nil
}

// RegisterGauge registers an observable gauge. newCallback receives the
// freshly created instrument so it can build a closure that calls
// obs.ObserveFloat64(gauge, value, ...) on each collection - the instrument
// does not exist until after Float64ObservableGauge returns, so the
// callback cannot be built by the caller ahead of time.
func (m *MetricInstruments) RegisterGauge(name string, newCallback func(gauge metric.Float64ObservableGauge) metric.Callback, opts ...metric.Float64ObservableGaugeOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.gauges[name]; exists {
		return fmt.Errorf("gauge %s already registered", name)
	}

	gauge, err := m.meter.Float64ObservableGauge(name, opts...)
	if err != nil {
		return fmt.Errorf("failed to create gauge %s: %w", name, err)
	}

	callback := newCallback(gauge)
	registration, err := m.meter.RegisterCallback(callback, gauge)
	if err != nil {
		return fmt.Errorf("failed to register callback for gauge %s: %w", name, err)
	}

	m.gauges[name] = gaugeCallback{
		registration: registration,
		callback:     callback,
		gauge:        gauge,
	}

	return nil
}

// UnregisterGauge unregisters a gauge callback
func (m *MetricInstruments) UnregisterGauge(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gauge, exists := m.gauges[name]
	if !exists {
		return fmt.Errorf("gauge %s not found", name)
	}

	if err := gauge.registration.Unregister(); err != nil {
		return fmt.Errorf("failed to unregister gauge %s: %w", name, err)
	}

	delete(m.gauges, name)
	return nil
}

// Shutdown unregisters all gauge callbacks
func (m *MetricInstruments) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, gauge := range m.gauges {
		if err := gauge.registration.Unregister(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unregister gauge %s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}

// Helper functions for common metric patterns

// RecordDuration records a duration in milliseconds as a histogram
func (m *MetricInstruments) RecordDuration(ctx context.Context, name string, milliseconds float64, opts ...metric.RecordOption) error {
	return m.RecordHistogram(ctx, name, milliseconds, opts...)
}

// RecordBytesTransferred records bytes as a counter
func (m *MetricInstruments) RecordBytesTransferred(ctx context.Context, name string, bytes int64, opts ...metric.AddOption) error {
	return m.RecordCounter(ctx, name, bytes, opts...)
}

// RecordError increments an error counter with error type
func (m *MetricInstruments) RecordError(ctx context.Context, name string, errorType string) error {
	return m.RecordCounter(ctx, name, 1,
		metric.WithAttributes(attribute.String("error.type", errorType)))
}

// RecordSuccess increments a success counter
func (m *MetricInstruments) RecordSuccess(ctx context.Context, name string) error {
	return m.RecordCounter(ctx, name, 1,
		metric.WithAttributes(attribute.String("status", "success")))
}

// Broker metric name constants (spec §4.8 taxonomy).
const (
	MetricToolCalls        = "metamcp.tool.calls"
	MetricToolErrors       = "metamcp.tool.errors"
	MetricOptimizations    = "metamcp.rewrite.optimizations"
	MetricRoleSwitches     = "metamcp.role.switches"
	MetricBudgetWarnings   = "metamcp.ledger.budget_warnings"
	MetricTokensUsed       = "metamcp.ledger.tokens_used"
	MetricEscalations      = "metamcp.escalation.grants"
	MetricCircuitOpen      = "metamcp.transport.circuit_open"

	MetricLedgerUsagePct     = "metamcp.ledger.usage_pct"
	MetricServerHealth       = "metamcp.server.health"
	MetricFocusSessionCount  = "metamcp.session.focus_count"

	MetricToolCallDuration     = "metamcp.tool.call_duration_ms"
	MetricRoleSwitchDuration   = "metamcp.role.switch_duration_ms"
	MetricServerResponseTime   = "metamcp.server.response_time_ms"
	MetricTokensPerCall        = "metamcp.tool.tokens_per_call"
)

// BrokerMetrics wraps a MetricInstruments cache with named methods for the
// broker's own domain events, instead of scattering raw instrument names
// across broker/session/rewrite call sites.
type BrokerMetrics struct {
	instruments *MetricInstruments
}

// NewBrokerMetrics binds a BrokerMetrics facade to an instrument cache.
func NewBrokerMetrics(instruments *MetricInstruments) *BrokerMetrics {
	return &BrokerMetrics{instruments: instruments}
}

// RecordToolCall increments the call counter, tagged by role/server/tool
// and outcome. err is recorded as a separate error counter when non-nil.
func (m *BrokerMetrics) RecordToolCall(ctx context.Context, role, server, tool string, callErr error) {
	attrs := metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("server", server),
		attribute.String("tool", tool),
	)
	_ = m.instruments.RecordCounter(ctx, MetricToolCalls, 1, attrs)
	if callErr != nil {
		_ = m.instruments.RecordCounter(ctx, MetricToolErrors, 1, attrs)
	}
}

// RecordOptimization increments the rewrite-engine optimization counter for
// a single applied optimization kind.
func (m *BrokerMetrics) RecordOptimization(ctx context.Context, kind string) {
	_ = m.instruments.RecordCounter(ctx, MetricOptimizations, 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRoleSwitch increments the role-switch counter, tagged by the
// transition taken.
func (m *BrokerMetrics) RecordRoleSwitch(ctx context.Context, fromRole, toRole string) {
	_ = m.instruments.RecordCounter(ctx, MetricRoleSwitches, 1,
		metric.WithAttributes(attribute.String("from_role", fromRole), attribute.String("to_role", toRole)))
}

// RecordBudgetWarning increments the budget-band-transition counter for a
// session crossing into a new BudgetStatus band.
func (m *BrokerMetrics) RecordBudgetWarning(ctx context.Context, sessionID, band string) {
	_ = m.instruments.RecordCounter(ctx, MetricBudgetWarnings, 1,
		metric.WithAttributes(attribute.String("band", band)))
}

// RecordTokensUsed adds tokens consumed by a single tool call to the
// running counter, tagged by role and tool.
func (m *BrokerMetrics) RecordTokensUsed(ctx context.Context, role, tool string, tokens int64) {
	_ = m.instruments.RecordCounter(ctx, MetricTokensUsed, tokens,
		metric.WithAttributes(attribute.String("role", role), attribute.String("tool", tool)))
}

// RecordEscalation increments the escalation-grant counter.
func (m *BrokerMetrics) RecordEscalation(ctx context.Context, role, tool string) {
	_ = m.instruments.RecordCounter(ctx, MetricEscalations, 1,
		metric.WithAttributes(attribute.String("role", role), attribute.String("tool", tool)))
}

// RecordCircuitOpen increments the transport circuit-breaker-open counter
// for a server.
func (m *BrokerMetrics) RecordCircuitOpen(ctx context.Context, server string) {
	_ = m.instruments.RecordCounter(ctx, MetricCircuitOpen, 1,
		metric.WithAttributes(attribute.String("server", server)))
}

// RecordToolCallDuration records a single tool call's wall time in
// milliseconds.
func (m *BrokerMetrics) RecordToolCallDuration(ctx context.Context, server, tool string, ms float64) {
	_ = m.instruments.RecordHistogram(ctx, MetricToolCallDuration, ms,
		metric.WithAttributes(attribute.String("server", server), attribute.String("tool", tool)))
}

// RecordRoleSwitchDuration records how long a SwitchRole orchestration took.
func (m *BrokerMetrics) RecordRoleSwitchDuration(ctx context.Context, ms float64) {
	_ = m.instruments.RecordHistogram(ctx, MetricRoleSwitchDuration, ms)
}

// RecordServerResponseTime records a downstream server's raw response
// latency, independent of broker-side overhead.
func (m *BrokerMetrics) RecordServerResponseTime(ctx context.Context, server string, ms float64) {
	_ = m.instruments.RecordHistogram(ctx, MetricServerResponseTime, ms,
		metric.WithAttributes(attribute.String("server", server)))
}

// RecordTokensPerCall records the token cost distribution of individual
// tool calls. The ledger's historical-mean estimate is computed from its own
// usage records, not from this histogram.
func (m *BrokerMetrics) RecordTokensPerCall(ctx context.Context, tool string, tokens float64) {
	_ = m.instruments.RecordHistogram(ctx, MetricTokensPerCall, tokens,
		metric.WithAttributes(attribute.String("tool", tool)))
}

// SetLedgerUsage registers (once) an observable gauge reporting a session's
// budget usage percentage. fn is called by the OTel SDK on each collection.
func (m *BrokerMetrics) SetLedgerUsage(fn func(ctx context.Context) []GaugeSample) error {
	return m.instruments.RegisterGauge(MetricLedgerUsagePct, sampleCallback(fn))
}

// SetServerHealth registers an observable gauge reporting per-server
// health ratios (1.0 healthy .. 0.0 failed).
func (m *BrokerMetrics) SetServerHealth(fn func(ctx context.Context) []GaugeSample) error {
	return m.instruments.RegisterGauge(MetricServerHealth, sampleCallback(fn))
}

// SetFocusSessionCount registers an observable gauge reporting the number
// of sessions currently in a focus mode escalation.
func (m *BrokerMetrics) SetFocusSessionCount(fn func(ctx context.Context) []GaugeSample) error {
	return m.instruments.RegisterGauge(MetricFocusSessionCount, sampleCallback(fn))
}

// GaugeSample is one observed value plus its attribute set, returned by a
// gauge's sampling function.
type GaugeSample struct {
	Value      float64
	Attributes []attribute.KeyValue
}

func sampleCallback(fn func(ctx context.Context) []GaugeSample) func(metric.Float64ObservableGauge) metric.Callback {
	return func(gauge metric.Float64ObservableGauge) metric.Callback {
		return func(ctx context.Context, obs metric.Observer) error {
			for _, s := range fn(ctx) {
				obs.ObserveFloat64(gauge, s.Value, metric.WithAttributes(s.Attributes...))
			}
			return nil
		}
	}
}
