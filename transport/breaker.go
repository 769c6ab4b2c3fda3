package transport

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dopemux/metamcp-broker/core"
)

// gobreakerCircuit adapts github.com/sony/gobreaker.CircuitBreaker to the
// core.CircuitBreaker interface. One instance guards one server connection.
type gobreakerCircuit struct {
	name      string
	threshold int
	recovery  time.Duration
	cb        *gobreaker.CircuitBreaker
}

// newBreaker builds a per-connection circuit breaker matching spec §4.6:
// threshold consecutive failures trips to open, recovery is a single
// half-open probe after the recovery timeout.
func newBreaker(name string, threshold int, recovery time.Duration) *gobreakerCircuit {
	if threshold <= 0 {
		threshold = 5
	}
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	g := &gobreakerCircuit{name: name, threshold: threshold, recovery: recovery}
	g.cb = gobreaker.NewCircuitBreaker(g.settings())
	return g
}

func (g *gobreakerCircuit) settings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        g.name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     g.recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(g.threshold)
		},
	}
}

func (g *gobreakerCircuit) Execute(ctx context.Context, fn func() error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return core.ErrCircuitBreakerOpen
	}
	return err
}

func (g *gobreakerCircuit) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	return g.Execute(ctx, func() error {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (g *gobreakerCircuit) GetState() string {
	switch g.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

func (g *gobreakerCircuit) GetMetrics() map[string]interface{} {
	counts := g.cb.Counts()
	return map[string]interface{}{
		"requests":              counts.Requests,
		"total_successes":       counts.TotalSuccesses,
		"total_failures":        counts.TotalFailures,
		"consecutive_successes": counts.ConsecutiveSuccesses,
		"consecutive_failures":  counts.ConsecutiveFailures,
		"state":                 g.GetState(),
	}
}

func (g *gobreakerCircuit) Reset() {
	// gobreaker has no direct reset; a fresh breaker with the same settings
	// discards accumulated counts and starts closed.
	g.cb = gobreaker.NewCircuitBreaker(g.settings())
}

func (g *gobreakerCircuit) CanExecute() bool {
	return g.GetState() != "open"
}

var _ core.CircuitBreaker = (*gobreakerCircuit)(nil)
