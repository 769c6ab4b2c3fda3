package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/policy"
)

// defaultHeuristicCosts is the fallback base-cost table used when a policy
// document has no costs entry for a tool. Mirrors the values observed in
// production usage before per-tool policy entries existed.
var defaultHeuristicCosts = map[string]int{
	"claude-context":       1200,
	"sequential-thinking":  4000,
	"zen":                  2500,
	"exa":                  1500,
	"task-master-ai":       800,
	"context7":             600,
	"serena":               400,
	"conport":              300,
	"cli":                  200,
	"playwright":           1000,
}

const defaultHeuristicBase = 500
const minEstimate = 50

// resultParamKeys are the parameter names checked, in order, for a
// result-count to scale the base cost by.
var resultParamKeys = []string{"maxResults", "numResults", "max_results", "limit"}

type state struct {
	mu sync.Mutex

	sessionID        string
	role             string
	totalBudget      int
	used             int
	reserved         int
	warningThreshold int
	hardCap          int
	lastUpdated      time.Time

	records []UsageRecord

	lastEmittedBand     BudgetStatus
	minPctSinceLastEmit float64
}

// Ledger is the per-session token accounting engine. One Ledger instance
// serves every session; per-session mutation is serialized by each
// session's own mutex, matching the session registry's single-writer rule
// (spec §5).
type Ledger struct {
	log     UsageLog
	emitter Emitter
	logger  core.Logger

	mu       sync.RWMutex
	sessions map[string]*state
}

// New builds a Ledger. log and emitter may be nil; a nil log silently
// drops durability, a nil emitter silently drops notifications.
func New(log UsageLog, emitter Emitter, logger core.Logger) *Ledger {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Ledger{
		log:      log,
		emitter:  emitter,
		logger:   logger,
		sessions: make(map[string]*state),
	}
}

// InitSession seeds a fresh ledger entry from the role's budget and the
// policy's warning fraction and reserved-token floor.
func (l *Ledger) InitSession(sessionID, role string, snap *policy.Snapshot) (Snapshot, error) {
	rd, ok := snap.Role(role)
	var budget int
	if ok {
		budget = rd.TokenBudget
	} else {
		budget = snap.Broker.HardCapTokens
	}

	st := &state{
		sessionID:        sessionID,
		role:             role,
		totalBudget:       budget,
		reserved:          snap.Broker.ReservedTokens,
		warningThreshold:  int(float64(budget) * snap.Broker.WarningFraction),
		hardCap:           snap.Broker.HardCapTokens,
		lastUpdated:       time.Now(),
		lastEmittedBand:   Healthy,
		minPctSinceLastEmit: 0,
	}

	l.mu.Lock()
	l.sessions[sessionID] = st
	l.mu.Unlock()

	l.logger.Info("ledger session initialized", map[string]interface{}{
		"session_id": sessionID,
		"role":       role,
		"budget":     budget,
	})
	return snapshotOf(st), nil
}

// SwitchRole preserves used tokens while replacing the budget and warning
// threshold for the new role.
func (l *Ledger) SwitchRole(sessionID, newRole string, snap *policy.Snapshot) (Snapshot, error) {
	st, err := l.get(sessionID)
	if err != nil {
		return l.InitSession(sessionID, newRole, snap)
	}

	rd, ok := snap.Role(newRole)
	var budget int
	if ok {
		budget = rd.TokenBudget
	} else {
		budget = snap.Broker.HardCapTokens
	}

	st.mu.Lock()
	st.role = newRole
	st.totalBudget = budget
	st.warningThreshold = int(float64(budget) * snap.Broker.WarningFraction)
	st.lastUpdated = time.Now()
	snapOut := snapshotOf(st)
	st.mu.Unlock()

	return snapOut, nil
}

// Record appends a usage record, debits the budget, recomputes burn rate,
// and returns the resulting snapshot. Callers that also need to know
// whether an observability event fired should inspect Emitter output; the
// ledger calls it directly so the hot path does not need to poll.
func (l *Ledger) Record(sessionID string, tokens int, tool, method string, estimated int, rewriteFired bool, saved int) (Snapshot, error) {
	st, err := l.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	st.mu.Lock()
	st.used += tokens
	st.lastUpdated = time.Now()
	rec := UsageRecord{
		Timestamp:       st.lastUpdated,
		SessionID:       sessionID,
		Role:            st.role,
		Tool:            tool,
		Method:          method,
		TokensUsed:      tokens,
		EstimatedTokens: estimated,
		RewriteFired:    rewriteFired,
		TokensSaved:     saved,
	}
	st.records = append(st.records, rec)
	snap := snapshotOf(st)

	from := st.lastEmittedBand
	to, emit := maybeEmit(st, snap.UsagePercentage)
	st.mu.Unlock()

	if l.log != nil {
		if err := l.log.Append(rec); err != nil {
			l.logger.Warn("usage record append failed", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
	}

	if emit {
		l.logBandTransition(sessionID, from, to, snap)
		if l.emitter != nil {
			l.emitter.EmitBandTransition(sessionID, from, to, snap)
		}
	}

	return snap, nil
}

func (l *Ledger) logBandTransition(sessionID string, from, to BudgetStatus, snap Snapshot) {
	fields := map[string]interface{}{
		"session_id": sessionID,
		"from":       from.String(),
		"to":         to.String(),
		"usage_pct":  snap.UsagePercentage,
	}
	switch to {
	case Warning:
		l.logger.Warn("budget warning", fields)
	case Critical, Exceeded:
		l.logger.Error("budget "+to.String(), fields)
	default:
		l.logger.Info("budget band changed", fields)
	}
}

// maybeEmit updates the hysteresis state and reports whether a
// notification should fire for this record. Forward transitions (entering
// a worse band) always emit. Re-entering a band already emitted requires
// usage to have first dropped at least 5 percentage points below that
// band's lower boundary.
func maybeEmit(st *state, usagePct float64) (BudgetStatus, bool) {
	band := bandFor(usagePct)

	if band == st.lastEmittedBand {
		if usagePct < st.minPctSinceLastEmit {
			st.minPctSinceLastEmit = usagePct
		}
		return band, false
	}

	if int(band) > int(st.lastEmittedBand) {
		st.lastEmittedBand = band
		st.minPctSinceLastEmit = usagePct
		return band, true
	}

	if usagePct < st.minPctSinceLastEmit {
		st.minPctSinceLastEmit = usagePct
	}
	lower := bandLowerBound(st.lastEmittedBand)
	if st.minPctSinceLastEmit <= lower-5 {
		st.lastEmittedBand = band
		return band, true
	}
	return band, false
}

// Status returns the current snapshot without mutating anything.
func (l *Ledger) Status(sessionID string) (Snapshot, error) {
	st, err := l.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return snapshotOf(st), nil
}

// CanAfford reports whether required tokens can be spent: true if within
// the available (non-reserve) pool, true with reason "using-reserve" if
// only the reserve covers it, false with a shortage otherwise.
func (l *Ledger) CanAfford(sessionID string, required int) (bool, string, int) {
	st, err := l.get(sessionID)
	if err != nil {
		return false, "no budget state for session", required
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	remaining := remainingOf(st)
	available := availableOf(st)

	if available >= required {
		return true, "budget available", 0
	}
	if remaining >= required {
		return true, "using-reserve", 0
	}
	return false, fmt.Sprintf("insufficient budget: need %d, have %d", required, remaining), required - remaining
}

// Estimate returns a token cost projection for a prospective call. It
// prefers a 30-day historical mean computed from in-memory records, and
// falls back to the policy cost table (or the built-in heuristic table) if
// no history exists. When the tool's cost-table entry sets PerResultCost,
// the requested result count (capped at ResultCap) times PerResultCost is
// added to that base.
func (l *Ledger) Estimate(sessionID, tool, method string, params map[string]interface{}, costTable map[string]policy.CostEntry) int {
	base := l.historicalMean(sessionID, tool, method)
	if base == 0 {
		base = heuristicBase(tool, costTable)
	}

	entry, hasEntry := costTable[tool]
	multiplier := 1.0
	if hasEntry && entry.PerResultCost > 0 {
		count := resultCount(params)
		resultCap := entry.ResultCap
		if resultCap > 0 && count > resultCap {
			count = resultCap
		}
		extra := count * entry.PerResultCost
		est := base + extra
		if est < minEstimate {
			est = minEstimate
		}
		return est
	}

	est := int(float64(base) * multiplier)
	if est < minEstimate {
		est = minEstimate
	}
	return est
}

func heuristicBase(tool string, costTable map[string]policy.CostEntry) int {
	if entry, ok := costTable[tool]; ok && entry.BaseCost > 0 {
		return entry.BaseCost
	}
	if cost, ok := defaultHeuristicCosts[tool]; ok {
		return cost
	}
	return defaultHeuristicBase
}

func resultCount(params map[string]interface{}) int {
	for _, key := range resultParamKeys {
		v, ok := params[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}

// historicalMean averages tokens_used for matching (tool, method) pairs
// within the last 30 days of this session's records. Returns 0 if no
// history exists, signalling the caller to fall back to a heuristic.
func (l *Ledger) historicalMean(sessionID, tool, method string) int {
	st, err := l.get(sessionID)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	st.mu.Lock()
	defer st.mu.Unlock()

	var total, count int
	for _, rec := range st.records {
		if rec.Tool != tool || rec.Method != method {
			continue
		}
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		total += rec.TokensUsed
		count++
	}
	if count == 0 {
		return 0
	}
	return total / count
}

func (l *Ledger) get(sessionID string) (*state, error) {
	l.mu.RLock()
	st, ok := l.sessions[sessionID]
	l.mu.RUnlock()
	if !ok {
		return nil, core.NewError("ledger.get", "session", core.ErrNoSuchSession).WithID(sessionID)
	}
	return st, nil
}

// Close removes a session's in-memory ledger state, e.g. when the session
// registry closes the session.
func (l *Ledger) Close(sessionID string) {
	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()
}

func remainingOf(st *state) int {
	r := st.totalBudget - st.used
	if r < 0 {
		return 0
	}
	return r
}

func availableOf(st *state) int {
	a := remainingOf(st) - st.reserved
	if a < 0 {
		return 0
	}
	return a
}

func snapshotOf(st *state) Snapshot {
	pct := 0.0
	if st.totalBudget > 0 {
		pct = (float64(st.used) / float64(st.totalBudget)) * 100
	}

	rate, defined := burnRate(st.records)
	var tte *time.Duration
	if defined && rate > 0 {
		remaining := remainingOf(st)
		d := time.Duration(float64(remaining)/(rate/3600)) * time.Second
		tte = &d
	}

	return Snapshot{
		SessionID:        st.sessionID,
		Role:             st.role,
		TotalBudget:      st.totalBudget,
		Used:             st.used,
		Reserved:         st.reserved,
		WarningThreshold: st.warningThreshold,
		HardCap:          st.hardCap,
		LastUpdated:      st.lastUpdated,
		Remaining:        remainingOf(st),
		Available:        availableOf(st),
		UsagePercentage:  pct,
		Status:           bandFor(pct),
		BurnRatePerHour:  rate,
		BurnRateDefined:  defined,
		TimeToExhaustion: tte,
	}
}

// burnRate computes tokens-per-hour over the trailing hour of records.
// Undefined (false) if fewer than two records fall in that window.
func burnRate(records []UsageRecord) (float64, bool) {
	cutoff := time.Now().Add(-time.Hour)
	var windowed []UsageRecord
	for _, r := range records {
		if r.Timestamp.After(cutoff) {
			windowed = append(windowed, r)
		}
	}
	if len(windowed) < 2 {
		return 0, false
	}
	var total int
	for _, r := range windowed {
		total += r.TokensUsed
	}
	span := windowed[len(windowed)-1].Timestamp.Sub(windowed[0].Timestamp).Hours()
	if span <= 0 {
		return 0, false
	}
	return float64(total) / span, true
}
