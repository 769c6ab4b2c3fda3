package telemetry

import (
	"context"
	"fmt"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/ledger"
)

// BudgetEmitter implements ledger.Emitter, turning a session's band
// transition into a metric recording plus an alert raise/clear pair. It is
// the observability-layer counterpart to AlertEngine: the ledger only
// knows it crossed a threshold, this decides whether anyone gets told.
type BudgetEmitter struct {
	metrics *BrokerMetrics
	alerts  *AlertEngine
	logger  core.Logger
}

// NewBudgetEmitter wires a ledger.Emitter over the broker's metrics and
// alert engine. metrics and alerts may be nil; a nil logger falls back to
// a no-op.
func NewBudgetEmitter(metrics *BrokerMetrics, alerts *AlertEngine, logger core.Logger) *BudgetEmitter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &BudgetEmitter{metrics: metrics, alerts: alerts, logger: logger}
}

// EmitBandTransition records the new band and raises (or clears) the
// corresponding alert, per spec §4.8's band-to-severity mapping.
func (e *BudgetEmitter) EmitBandTransition(sessionID string, from, to ledger.BudgetStatus, snap ledger.Snapshot) {
	ctx := context.Background()
	if e.metrics != nil {
		e.metrics.RecordBudgetWarning(ctx, sessionID, to.String())
	}

	id := "budget:" + sessionID
	if to <= ledger.Moderate {
		if e.alerts != nil {
			e.alerts.Clear(id)
		}
		return
	}

	severity := severityForBand(to)
	msg := fmt.Sprintf("session %s entered %s budget band (%.1f%% used)", sessionID, to.String(), snap.UsagePercentage)
	if e.alerts != nil && e.alerts.Raise(severity, id, msg) {
		e.logger.Warn("budget band transition", map[string]interface{}{
			"session_id": sessionID,
			"from":       from.String(),
			"to":         to.String(),
			"usage_pct":  snap.UsagePercentage,
		})
	}
}

func severityForBand(b ledger.BudgetStatus) AlertSeverity {
	switch b {
	case ledger.Exceeded:
		return AlertCritical
	case ledger.Critical:
		return AlertErrorSev
	case ledger.Warning:
		return AlertWarning
	default:
		return AlertInfo
	}
}

var _ ledger.Emitter = (*BudgetEmitter)(nil)
