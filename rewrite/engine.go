package rewrite

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/ledger"
	"github.com/dopemux/metamcp-broker/policy"
)

// BudgetSource is the narrow slice of the token ledger the rewrite engine
// needs: a cost projection and the session's current status band.
type BudgetSource interface {
	Estimate(sessionID, tool, method string, params map[string]interface{}, costTable map[string]policy.CostEntry) int
	Status(sessionID string) (ledger.Snapshot, error)
}

// Engine applies policy-driven rewrite rules to tool calls. It holds no
// per-call state; every call to Rewrite is independent and safe to invoke
// from multiple goroutines.
type Engine struct {
	logger core.Logger
}

// New builds a rewrite Engine.
func New(logger core.Logger) *Engine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Engine{logger: logger}
}

// Rewrite applies the four-stage rule order from the broker design: policy
// trims, method-specific projection rules, minimum-input validity, then
// budget projection with one aggressive retrim round. It is idempotent and
// never increases the estimated cost of the call.
//
// A DenyExpensive optimization in the returned slice means the caller must
// treat this as an admission denial regardless of the returned call.
func (e *Engine) Rewrite(call Call, sessionID string, snap *policy.Snapshot, budget BudgetSource) (Call, []Optimization) {
	var opts []Optimization
	working := call.clone()

	rules, hasRules := snap.Rewrites[call.Tool]

	if hasRules {
		if opt, changed := trimResults(working, rules); changed {
			opts = append(opts, opt)
		}
		if opt, changed := trimItemSize(working, rules); changed {
			opts = append(opts, opt)
		}
	}

	if hasRules {
		if opt, changed := applyProjection(working, rules, sessionID, budget); changed {
			opts = append(opts, opt)
		}
	}

	if hasRules && rules.MinQueryLength > 0 {
		if opt, ok := checkMinQueryLength(working, rules); ok {
			opts = append(opts, opt)
		}
	}

	estimate := budget.Estimate(sessionID, working.Tool, working.Method, working.Args, snap.CostTable)
	status, err := budget.Status(sessionID)
	available := status.Available
	if err != nil {
		available = estimate // unknown budget: do not block on it here
	}

	if estimate > available {
		if hasRules {
			if opt, changed := aggressiveRetrim(working, rules); changed {
				opts = append(opts, opt)
				estimate = budget.Estimate(sessionID, working.Tool, working.Method, working.Args, snap.CostTable)
			}
		}

		if estimate > available {
			if hasRules && rules.IsSearchClass && status.Remaining >= estimate {
				opts = append(opts, Optimization{
					Kind:             SuggestAlternative,
					CallFingerprint:  fingerprint(call),
					EstimatedSavings: 0,
					Explanation:      fmt.Sprintf("projected cost %d exceeds available budget, using reserve", estimate),
					UserMessage:      "this search is expensive for your remaining budget - consider narrowing it",
				})
			} else {
				opts = append(opts, Optimization{
					Kind:             DenyExpensive,
					CallFingerprint:  fingerprint(call),
					EstimatedSavings: 0,
					Explanation:      fmt.Sprintf("projected cost %d exceeds remaining budget %d", estimate, status.Remaining),
					UserMessage:      "this call is too expensive for the remaining budget",
				})
				return Call{Tool: call.Tool, Method: call.Method, Args: map[string]interface{}{}}, opts
			}
		}
	}

	return working, opts
}

func trimResults(call Call, rules policy.RewriteRuleSet) (Optimization, bool) {
	if rules.MaxResults <= 0 {
		return Optimization{}, false
	}
	for _, key := range resultParamKeys {
		v, ok := call.Args[key]
		if !ok {
			continue
		}
		n, ok := toInt(v)
		if !ok || n <= rules.MaxResults {
			continue
		}
		call.Args[key] = rules.MaxResults
		return Optimization{
			Kind:             TrimResults,
			CallFingerprint:  fingerprint(call),
			EstimatedSavings: estimateResultSavings(n, rules.MaxResults),
			Explanation:      fmt.Sprintf("capped %s from %d to %d", key, n, rules.MaxResults),
			UserMessage:      fmt.Sprintf("limited results to %d", rules.MaxResults),
		}, true
	}
	return Optimization{}, false
}

func trimItemSize(call Call, rules policy.RewriteRuleSet) (Optimization, bool) {
	if rules.MaxItemSize <= 0 {
		return Optimization{}, false
	}
	for _, key := range itemSizeParamKeys {
		v, ok := call.Args[key]
		if !ok {
			continue
		}
		n, ok := toInt(v)
		if !ok || n <= rules.MaxItemSize {
			continue
		}
		call.Args[key] = rules.MaxItemSize
		return Optimization{
			Kind:             TrimResults,
			CallFingerprint:  fingerprint(call),
			EstimatedSavings: 0,
			Explanation:      fmt.Sprintf("capped %s from %d to %d", key, n, rules.MaxItemSize),
		}, true
	}
	return Optimization{}, false
}

// applyProjection forces the warning projection once the session's budget
// status has reached warning or worse; otherwise it fills in the default
// projection if the caller didn't specify one.
func applyProjection(call Call, rules policy.RewriteRuleSet, sessionID string, budget BudgetSource) (Optimization, bool) {
	if rules.DefaultProjection == "" && rules.WarningProjection == "" {
		return Optimization{}, false
	}
	status, err := budget.Status(sessionID)
	useWarning := err == nil && status.Status >= ledger.Warning && rules.WarningProjection != ""

	current, _ := call.Args["projection"].(string)

	if useWarning && current != rules.WarningProjection {
		call.Args["projection"] = rules.WarningProjection
		return Optimization{
			Kind:            ReduceScope,
			CallFingerprint: fingerprint(call),
			Explanation:     fmt.Sprintf("forced %q projection due to budget status %s", rules.WarningProjection, status.Status),
			UserMessage:     "switched to a lighter result format to conserve budget",
		}, true
	}
	if !useWarning && current == "" && rules.DefaultProjection != "" {
		call.Args["projection"] = rules.DefaultProjection
		return Optimization{
			Kind:            ReduceScope,
			CallFingerprint: fingerprint(call),
			Explanation:     fmt.Sprintf("defaulted projection to %q", rules.DefaultProjection),
		}, true
	}
	return Optimization{}, false
}

func checkMinQueryLength(call Call, rules policy.RewriteRuleSet) (Optimization, bool) {
	for _, key := range queryParamKeys {
		v, ok := call.Args[key]
		if !ok {
			continue
		}
		q, ok := v.(string)
		if !ok {
			continue
		}
		if len(q) >= rules.MinQueryLength {
			return Optimization{}, false
		}
		return Optimization{
			Kind:             SuggestAlternative,
			CallFingerprint:  fingerprint(call),
			EstimatedSavings: 0,
			Explanation:      fmt.Sprintf("query too short (%d chars), minimum %d recommended", len(q), rules.MinQueryLength),
			UserMessage:      fmt.Sprintf("try a more specific query (at least %d characters)", rules.MinQueryLength),
		}, true
	}
	return Optimization{}, false
}

// aggressiveRetrim is the single additional trim round attempted when the
// first pass still projects over budget: it lowers the result count to half
// the rule's MaxResults (floor of 1) rather than introducing new rule
// categories. A count already at or below that target is left unchanged, so
// rewriting the output again is a no-op; rules without MaxResults get no
// aggressive round.
func aggressiveRetrim(call Call, rules policy.RewriteRuleSet) (Optimization, bool) {
	if rules.MaxResults <= 0 {
		return Optimization{}, false
	}
	reduced := rules.MaxResults / 2
	if reduced < 1 {
		reduced = 1
	}
	for _, key := range resultParamKeys {
		v, ok := call.Args[key]
		if !ok {
			continue
		}
		n, ok := toInt(v)
		if !ok || n <= reduced {
			continue
		}
		call.Args[key] = reduced
		return Optimization{
			Kind:             TrimResults,
			CallFingerprint:  fingerprint(call),
			EstimatedSavings: estimateResultSavings(n, reduced),
			Explanation:      fmt.Sprintf("aggressively reduced %s from %d to %d to fit budget", key, n, reduced),
			UserMessage:      "reduced result count further to fit your remaining budget",
		}, true
	}
	return Optimization{}, false
}

func estimateResultSavings(from, to int) int {
	if from <= to {
		return 0
	}
	return (from - to) * 50
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// fingerprint derives a stable identifier for a call's tool, method, and
// sorted argument keys/values, for observability correlation without
// embedding raw argument payloads.
func fingerprint(call Call) string {
	keys := make([]string, 0, len(call.Args))
	for k := range call.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%s:%s", call.Tool, call.Method)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%v", k, call.Args[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
