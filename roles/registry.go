// Package roles answers the three questions the broker's access-control
// layer needs: does a role grant a tool, is a transition legal, and which
// escalations are contextually relevant (L2 in the broker design).
package roles

import (
	"sort"
	"sync"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/policy"
)

var complexityRank = map[string]int{"low": 0, "medium": 1, "high": 2}

// TransitionRule names which rule accepted or vetoed a transition, so the
// broker can surface it in a user-visible error message.
type TransitionRule string

const (
	RuleNullOrigin     TransitionRule = "null-origin"
	RuleSameRole       TransitionRule = "same-role"
	RuleNaturalPath    TransitionRule = "natural-transition"
	RuleEscalationPath TransitionRule = "escalation-path"
	RuleComplexityStep TransitionRule = "complexity-step"
	RuleComplexityJump TransitionRule = "complexity-jump-forbidden"
	RuleUnknownRole    TransitionRule = "unknown-role"
)

// EscalationOption is one ranked entry returned by EscalationOptions.
type EscalationOption struct {
	Key        string
	Escalation policy.Escalation
	Relevance  float64
}

// ContextHints are caller-supplied signals for SuggestRole and
// EscalationOptions ranking - file patterns touched, recent error counts,
// task keywords. The broker only consumes orderings computed from these;
// it never invents ranking heuristics of its own (spec §1, §4.2).
type ContextHints struct {
	FilePatterns []string
	TaskKeywords []string
	RecentErrors int
}

// Registry answers role/transition/escalation questions against a single
// policy snapshot. Every legality/tool-set query is a read against the
// snapshot pointer handed to it; the only mutable state is the
// transition/escalation frequency counters below, guarded by countersMu.
type Registry struct {
	snapshot *policy.Snapshot

	// countersMu guards transitionCounts/escalationCounts: one Registry is
	// shared across every session (spec §5's concurrent-session model), so
	// two sessions switching roles or escalating at once race on these maps
	// without it.
	countersMu       sync.Mutex
	transitionCounts map[[2]string]int
	escalationCounts map[string]int
}

// New builds a Registry bound to a policy snapshot. Callers construct a
// fresh Registry (or call Rebind) after every policy reload.
func New(snapshot *policy.Snapshot) *Registry {
	return &Registry{
		snapshot:         snapshot,
		transitionCounts: make(map[[2]string]int),
		escalationCounts: make(map[string]int),
	}
}

// Rebind swaps the registry onto a new policy snapshot without losing
// accumulated analytics counters.
func (r *Registry) Rebind(snapshot *policy.Snapshot) {
	r.snapshot = snapshot
}

// DefaultTools returns the set of tools a role grants by default.
func (r *Registry) DefaultTools(role string) (map[string]struct{}, error) {
	rd, ok := r.snapshot.Role(role)
	if !ok {
		return nil, core.NewError("roles.DefaultTools", "role", core.ErrRoleNotFound).WithID(role)
	}
	return rd.DefaultToolSet(), nil
}

// ValidateRoleName reports whether name is a declared role.
func (r *Registry) ValidateRoleName(name string) bool {
	_, ok := r.snapshot.Role(name)
	return ok
}

// TransitionLegal implements spec §4.2's legality rule: always legal from
// null; always legal to self; legal along a declared natural-transition or
// escalation edge; otherwise legal only if the cognitive-complexity jump
// is at most one step.
func (r *Registry) TransitionLegal(from, to string) (bool, TransitionRule, error) {
	if from == "" {
		return true, RuleNullOrigin, nil
	}
	if from == to {
		return true, RuleSameRole, nil
	}

	fromRole, ok := r.snapshot.Role(from)
	if !ok {
		return false, RuleUnknownRole, core.NewError("roles.TransitionLegal", "role", core.ErrRoleNotFound).WithID(from)
	}
	toRole, ok := r.snapshot.Role(to)
	if !ok {
		return false, RuleUnknownRole, core.NewError("roles.TransitionLegal", "role", core.ErrRoleNotFound).WithID(to)
	}

	if contains(fromRole.NaturalTransitions, to) {
		r.recordTransition(from, to)
		return true, RuleNaturalPath, nil
	}
	if contains(fromRole.EscalatesTo, to) {
		r.recordTransition(from, to)
		return true, RuleEscalationPath, nil
	}

	fromRank, fOK := complexityRank[fromRole.CognitiveComplexity]
	toRank, tOK := complexityRank[toRole.CognitiveComplexity]
	if fOK && tOK {
		step := toRank - fromRank
		if step < 0 {
			step = -step
		}
		if step <= 1 {
			r.recordTransition(from, to)
			return true, RuleComplexityStep, nil
		}
	}
	return false, RuleComplexityJump, core.NewError("roles.TransitionLegal", "access", core.ErrTransitionDenied).WithID(from + "->" + to)
}

func (r *Registry) recordTransition(from, to string) {
	r.countersMu.Lock()
	r.transitionCounts[[2]string{from, to}]++
	r.countersMu.Unlock()
}

// EscalationOptions ranks a role's declared escalations against the
// supplied context hints and returns at most three entries (spec §4.2's
// cognitive-load cap). Relevance scoring is plain arithmetic over caller
// context, not an ADHD heuristic engine; an external collaborator may
// instead supply a pre-ranked ordering which the broker will consume
// unchanged via this same return shape.
func (r *Registry) EscalationOptions(role string, hints ContextHints) ([]EscalationOption, error) {
	rd, ok := r.snapshot.Role(role)
	if !ok {
		return nil, core.NewError("roles.EscalationOptions", "role", core.ErrRoleNotFound).WithID(role)
	}

	options := make([]EscalationOption, 0, len(rd.EscalationTriggers))
	for key, esc := range rd.EscalationTriggers {
		options = append(options, EscalationOption{
			Key:        key,
			Escalation: esc,
			Relevance:  relevance(key, esc, hints),
		})
	}
	sort.SliceStable(options, func(i, j int) bool {
		if options[i].Relevance != options[j].Relevance {
			return options[i].Relevance > options[j].Relevance
		}
		return options[i].Escalation.Priority > options[j].Escalation.Priority
	})
	if len(options) > 3 {
		options = options[:3]
	}
	return options, nil
}

// relevance is a simple deterministic score: keyword/pattern overlap plus
// a bump from recent errors for escalations whose key suggests recovery.
func relevance(key string, esc policy.Escalation, hints ContextHints) float64 {
	score := float64(esc.Priority)
	for _, kw := range hints.TaskKeywords {
		if containsSubstring(key, kw) {
			score += 2
		}
	}
	for _, pat := range hints.FilePatterns {
		if containsSubstring(key, pat) {
			score += 1
		}
	}
	if hints.RecentErrors > 0 && containsSubstring(key, "failure") {
		score += float64(hints.RecentErrors)
	}
	if esc.AutoTrigger {
		score += 0.5
	}
	return score
}

// SuggestRole ranks every declared role by the same relevance arithmetic
// as EscalationOptions, returning the best match. This gives the broker
// something concrete to consume when no external collaborator supplies a
// ranking (spec §11 supplemented feature, grounded on the original
// suggest_role_for_context heuristic).
func (r *Registry) SuggestRole(hints ContextHints) (string, bool) {
	var best string
	var bestScore float64
	found := false
	for name, role := range r.snapshot.Roles {
		score := relevance(name, policy.Escalation{}, hints)
		for _, t := range role.DefaultTools {
			if containsAny(hints.TaskKeywords, t) {
				score += 1
			}
		}
		if !found || score > bestScore {
			best, bestScore, found = name, score, true
		}
	}
	return best, found
}

// Analytics exposes transition/escalation frequency counters for the
// Observability layer (spec §11 supplemented feature).
type Analytics struct {
	TransitionCounts map[string]int
	EscalationCounts map[string]int
}

func (r *Registry) Analytics() Analytics {
	r.countersMu.Lock()
	defer r.countersMu.Unlock()

	a := Analytics{
		TransitionCounts: make(map[string]int, len(r.transitionCounts)),
		EscalationCounts: make(map[string]int, len(r.escalationCounts)),
	}
	for pair, n := range r.transitionCounts {
		a.TransitionCounts[pair[0]+"->"+pair[1]] = n
	}
	for key, n := range r.escalationCounts {
		a.EscalationCounts[key] = n
	}
	return a
}

// RecordEscalationGranted increments the escalation-frequency counter;
// called by the session registry whenever RequestEscalation grants.
func (r *Registry) RecordEscalationGranted(key string) {
	r.countersMu.Lock()
	r.escalationCounts[key]++
	r.countersMu.Unlock()
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

func containsSubstring(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func containsAny(list []string, target string) bool {
	for _, v := range list {
		if containsSubstring(target, v) || containsSubstring(v, target) {
			return true
		}
	}
	return false
}
