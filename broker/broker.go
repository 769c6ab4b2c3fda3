// Package broker implements the Broker Orchestrator (L7): the single
// entry point for tool calls, role switches, and escalation requests,
// tying together every lower layer behind one panic-safe API.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/ledger"
	"github.com/dopemux/metamcp-broker/policy"
	"github.com/dopemux/metamcp-broker/rewrite"
	"github.com/dopemux/metamcp-broker/session"
	"github.com/dopemux/metamcp-broker/telemetry"
	"github.com/dopemux/metamcp-broker/transport"
)

// CallRequest is the broker's single tool-invocation entry point (spec
// §4.7). Priority is carried through to telemetry/logging; it does not
// currently affect dispatch ordering - calls within a session are already
// admitted in submission order (spec §5), and cross-session calls are
// naturally concurrent.
type CallRequest struct {
	SessionID string
	Tool      string
	Method    string
	Args      map[string]interface{}
	Priority  int
}

// CallResponse mirrors spec §4.7's response tuple exactly.
type CallResponse struct {
	OK            bool
	Result        map[string]interface{}
	Error         *core.Error
	Optimizations []rewrite.Optimization
	TokensUsed    int
	ElapsedMS     int64
}

// PolicySource is the narrow slice of *policy.Store the broker needs: the
// live snapshot plus enough to re-trigger a reload from its own path.
type PolicySource interface {
	CurrentSnapshot() *policy.Snapshot
	Path() string
	Reload(source string) error
}

// Broker wires every layer (policy, roles, ledger, rewrite, session,
// transport, telemetry) behind the four orchestrator operations spec §4.7
// and §4.9 name.
type Broker struct {
	policy    PolicySource
	sessions  *session.Registry
	ledger    *ledger.Ledger
	rewrite   *rewrite.Engine
	transport *transport.Manager
	metrics   *telemetry.BrokerMetrics
	alerts    *telemetry.AlertEngine
	logger    core.Logger
}

// New assembles a Broker from its already-constructed layers. Wiring all
// of these together (policy load, role/ledger/session construction,
// transport startup) is cmd/metamcp-broker's job.
func New(
	policyStore PolicySource,
	sessions *session.Registry,
	ledgerSvc *ledger.Ledger,
	rewriteEngine *rewrite.Engine,
	transportMgr *transport.Manager,
	metrics *telemetry.BrokerMetrics,
	alerts *telemetry.AlertEngine,
	logger core.Logger,
) *Broker {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if alerts == nil {
		alerts = telemetry.NewAlertEngine(telemetry.DefaultAlertCooldown)
	}
	return &Broker{
		policy:    policyStore,
		sessions:  sessions,
		ledger:    ledgerSvc,
		rewrite:   rewriteEngine,
		transport: transportMgr,
		metrics:   metrics,
		alerts:    alerts,
		logger:    logger,
	}
}

// panicToError turns a recovered panic value into an Internal core.Error
// tagged with a correlation id, instead of crashing the broker process
// over one bad request (spec §9's error-boundary note). Callers invoke it
// from their own deferred recover() so the stack unwinds in the panicking
// method, not here.
func (b *Broker) panicToError(op string, r interface{}) *core.Error {
	corrID := uuid.NewString()
	b.logger.Error("recovered panic in broker operation", map[string]interface{}{
		"op":             op,
		"correlation_id": corrID,
		"panic":          fmt.Sprintf("%v", r),
	})
	return core.NewError(op, "internal", core.ErrInternal).WithID(corrID)
}

// recoverToInternal is the CallTool-specific adapter: it builds the
// Internal error via panicToError and writes it into resp in place.
func (b *Broker) recoverToInternal(op string, resp *CallResponse) {
	if r := recover(); r != nil {
		resp.OK = false
		resp.Result = nil
		resp.Error = b.panicToError(op, r)
	}
}

// CallTool runs the eight-step request path from spec §4.7: resolve
// session, touch it, check tool mount, check the breaker, rewrite, call,
// then record usage or failure.
func (b *Broker) CallTool(ctx context.Context, req CallRequest) CallResponse {
	start := time.Now()
	resp := CallResponse{}
	defer b.recoverToInternal("broker.CallTool", &resp)

	// 1. Resolve session.
	state, err := b.sessions.State(req.SessionID)
	if err != nil {
		return b.denied("broker.CallTool", "session", core.ErrNoSuchSession, req.SessionID, start)
	}

	// 2. Touch.
	_ = b.sessions.Touch(req.SessionID)

	// 3. Tool must be mounted for the session's current role.
	if _, mounted := state.MountedTools[req.Tool]; !mounted {
		return b.denied("broker.CallTool", "access", core.ErrAccessDenied, req.Tool, start)
	}

	// 4. Breaker and in-flight-capacity pre-check, before any rewrite work.
	if b.transport.AtCapacity(req.Tool) {
		return b.denied("broker.CallTool", "transport", core.ErrServerBusy, req.Tool, start)
	}
	if !b.transport.CanCall(req.Tool) {
		if b.metrics != nil {
			b.metrics.RecordCircuitOpen(ctx, req.Tool)
		}
		return b.denied("broker.CallTool", "transport", core.ErrServerUnavailable, req.Tool, start)
	}

	// 5. Rewrite.
	snap := b.policy.CurrentSnapshot()
	call := rewrite.Call{Tool: req.Tool, Method: req.Method, Args: req.Args}
	rewritten, opts := b.rewrite.Rewrite(call, req.SessionID, snap, b.ledger)
	for _, opt := range opts {
		if b.metrics != nil {
			b.metrics.RecordOptimization(ctx, string(opt.Kind))
		}
		if opt.Kind == rewrite.DenyExpensive {
			resp := b.denied("broker.CallTool", "budget", core.ErrBudgetExceeded, req.SessionID, start)
			resp.Optimizations = opts
			if b.alerts != nil {
				b.alerts.Raise(telemetry.AlertWarning, "budget:"+req.SessionID, "call denied: budget exceeded")
			}
			return resp
		}
	}

	// 6. Dispatch.
	timeout := 30 * time.Second
	if snap.Broker.ToolTimeout > 0 {
		timeout = snap.Broker.ToolTimeout
	}
	result, callErr := b.transport.Call(ctx, req.Tool, rewritten.Method, rewritten.Args, timeout)
	elapsed := time.Since(start)

	if callErr != nil {
		// 8. Failure path: Manager.Call already decided whether this error
		// counted against the breaker (a tool error envelope never does,
		// per spec §4.7's failure table); this step only needs to classify
		// it for the response and for metrics.
		kind, sentinel := classifyTransportError(callErr)
		if b.metrics != nil {
			b.metrics.RecordToolCall(ctx, state.Role, req.Tool, req.Method, callErr)
		}
		resp := b.denied("broker.CallTool", kind, sentinel, req.Tool, start)
		resp.Optimizations = opts
		resp.ElapsedMS = elapsed.Milliseconds()
		return resp
	}

	// 7. Success path: estimate actual consumption, record usage, update metrics.
	tokensUsed := estimateTokensFromResult(result)
	estimated := b.ledger.Estimate(req.SessionID, req.Tool, req.Method, rewritten.Args, snap.CostTable)
	saved := 0
	if estimated > tokensUsed {
		saved = estimated - tokensUsed
	}
	rewriteFired := len(opts) > 0
	if _, err := b.ledger.Record(req.SessionID, tokensUsed, req.Tool, req.Method, estimated, rewriteFired, saved); err != nil {
		b.logger.Warn("ledger record failed", map[string]interface{}{
			"session_id": req.SessionID,
			"tool":       req.Tool,
			"error":      err.Error(),
		})
	}

	if b.metrics != nil {
		b.metrics.RecordToolCall(ctx, state.Role, req.Tool, req.Method, nil)
		b.metrics.RecordTokensUsed(ctx, state.Role, req.Tool, int64(tokensUsed))
		b.metrics.RecordToolCallDuration(ctx, req.Tool, req.Method, float64(elapsed.Milliseconds()))
		b.metrics.RecordTokensPerCall(ctx, req.Tool, float64(tokensUsed))
	}

	resp.OK = true
	resp.Result = result
	resp.Optimizations = opts
	resp.TokensUsed = tokensUsed
	resp.ElapsedMS = elapsed.Milliseconds()
	return resp
}

func (b *Broker) denied(op, kind string, sentinel error, id string, start time.Time) CallResponse {
	return CallResponse{
		OK:        false,
		Error:     core.NewError(op, kind, sentinel).WithID(id),
		ElapsedMS: time.Since(start).Milliseconds(),
	}
}

// classifyTransportError maps a transport-layer error onto the broker's
// failure taxonomy (spec §4.7's table): timeouts and protocol failures
// count toward the breaker; a tool error envelope (ToolError) deliberately
// does not. Every transport Conn implementation already wraps its errors
// in one of these sentinels via core.NewError, so a plain errors.Is chain
// is enough - no heuristic sniffing needed.
func classifyTransportError(err error) (string, error) {
	switch {
	case errors.Is(err, core.ErrTool):
		return "tool", core.ErrTool
	case errors.Is(err, core.ErrTimeout):
		return "timeout", core.ErrTimeout
	case errors.Is(err, core.ErrServerBusy):
		return "transport", core.ErrServerBusy
	case errors.Is(err, core.ErrTransport):
		return "transport", core.ErrTransport
	default:
		return "transport", core.ErrServerUnavailable
	}
}

// estimateTokensFromResult is the byte-length-based heuristic spec §4.7
// step 7 explicitly allows in place of a real tokenizer: roughly four
// bytes of JSON per token, floor of one.
func estimateTokensFromResult(result map[string]interface{}) int {
	size := jsonSize(result)
	tokens := size / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

func jsonSize(v interface{}) int {
	switch t := v.(type) {
	case nil:
		return 4
	case string:
		return len(t)
	case map[string]interface{}:
		n := 2
		for k, val := range t {
			n += len(k) + 3 + jsonSize(val)
		}
		return n
	case []interface{}:
		n := 2
		for _, val := range t {
			n += jsonSize(val) + 1
		}
		return n
	default:
		return 8
	}
}
