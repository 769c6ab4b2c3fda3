package telemetry

import (
	"time"

	"github.com/dopemux/metamcp-broker/transport"
)

// BrokerStatus is the broker-wide rollup band, derived from the fraction
// of tool servers currently healthy (spec §4.8): ready when >90% of
// servers are healthy, degraded between 50% and 90%, failed otherwise.
type BrokerStatus string

const (
	BrokerReady    BrokerStatus = "ready"
	BrokerDegraded BrokerStatus = "degraded"
	BrokerFailed   BrokerStatus = "failed"
)

const (
	readyThreshold    = 0.9
	degradedThreshold = 0.5
)

// BrokerHealth is the point-in-time snapshot returned by the broker's
// health surface (cmd "health" subcommand, any future HTTP status route).
type BrokerHealth struct {
	Status         BrokerStatus    `json:"status"`
	OverallHealth  float64         `json:"overall_health"`
	CheckedAt      time.Time       `json:"checked_at"`
	Servers        []transport.Stats `json:"servers"`
	ActiveSessions int             `json:"active_sessions"`
	ActiveAlerts   []Alert         `json:"active_alerts,omitempty"`
}

// RollupStatus classifies an overall-health fraction into a BrokerStatus
// band.
func RollupStatus(overall float64) BrokerStatus {
	switch {
	case overall > readyThreshold:
		return BrokerReady
	case overall >= degradedThreshold:
		return BrokerDegraded
	default:
		return BrokerFailed
	}
}

// Snapshot assembles a BrokerHealth view from a transport Manager's
// current state, the session registry's active count, and any alerts the
// engine currently considers live.
func Snapshot(mgr *transport.Manager, activeSessions int, alerts *AlertEngine) BrokerHealth {
	overall := mgr.OverallHealth()
	h := BrokerHealth{
		Status:         RollupStatus(overall),
		OverallHealth:  overall,
		CheckedAt:      time.Now(),
		Servers:        mgr.Stats(),
		ActiveSessions: activeSessions,
	}
	if alerts != nil {
		h.ActiveAlerts = alerts.Active()
	}
	return h
}
