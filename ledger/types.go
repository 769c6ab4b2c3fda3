// Package ledger tracks per-session token budgets, burn rate, and cost
// estimation (L3 in the broker design).
package ledger

import "time"

// BudgetStatus is the notification band derived from a session's usage
// fraction. Bands only ever compare by rank, never by string value.
type BudgetStatus int

const (
	Healthy BudgetStatus = iota
	Moderate
	Warning
	Critical
	Exceeded
)

func (s BudgetStatus) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Moderate:
		return "moderate"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Exceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// bandFor derives the status band from a usage percentage (0-100), per the
// fixed thresholds: healthy <50, moderate [50,75), warning [75,90),
// critical [90,95), exceeded >=95.
func bandFor(usagePct float64) BudgetStatus {
	switch {
	case usagePct >= 95:
		return Exceeded
	case usagePct >= 90:
		return Critical
	case usagePct >= 75:
		return Warning
	case usagePct >= 50:
		return Moderate
	default:
		return Healthy
	}
}

// bandLowerBound returns the usage percentage at which a band begins.
func bandLowerBound(b BudgetStatus) float64 {
	switch b {
	case Exceeded:
		return 95
	case Critical:
		return 90
	case Warning:
		return 75
	case Moderate:
		return 50
	default:
		return 0
	}
}

// UsageRecord is one durable row: a single tool call's token cost plus the
// context needed for analytics and estimation.
type UsageRecord struct {
	Timestamp        time.Time
	SessionID        string
	Role             string
	Tool             string
	Method           string
	TokensUsed       int
	EstimatedTokens  int
	RewriteFired     bool
	TokensSaved      int
}

// Snapshot is the read-only view of a session's ledger state returned by
// Status, InitSession, SwitchRole, and Record.
type Snapshot struct {
	SessionID        string
	Role             string
	TotalBudget      int
	Used             int
	Reserved         int
	WarningThreshold int
	HardCap          int
	LastUpdated      time.Time

	Remaining         int
	Available         int
	UsagePercentage   float64
	Status            BudgetStatus
	BurnRatePerHour   float64
	BurnRateDefined   bool
	TimeToExhaustion  *time.Duration
}

// UsageLog is the durable append-only sink for usage records. Persistence
// implementations (Redis, file-backed) satisfy this; Record still updates
// in-memory state even if the append fails, logging the failure.
type UsageLog interface {
	Append(record UsageRecord) error
}

// Emitter receives band-transition notifications for the observability
// layer. A nil Emitter is treated as a no-op.
type Emitter interface {
	EmitBandTransition(sessionID string, from, to BudgetStatus, snap Snapshot)
}
