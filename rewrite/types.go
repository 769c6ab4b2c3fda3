// Package rewrite implements the pre-invocation optimization pass applied
// to every tool call before dispatch (L4 in the broker design).
package rewrite

// OptimizationKind enumerates the distinct ways a call can be adjusted.
type OptimizationKind string

const (
	TrimResults        OptimizationKind = "trim-results"
	ReduceScope        OptimizationKind = "reduce-scope"
	CacheHint          OptimizationKind = "cache-hint"
	SuggestAlternative OptimizationKind = "suggest-alternative"
	DenyExpensive      OptimizationKind = "deny-expensive"
)

// Call is a tool invocation subject to rewriting. Rewrite never touches
// Tool or Method, only Args.
type Call struct {
	Tool   string
	Method string
	Args   map[string]interface{}
}

// clone returns a shallow copy of a call with its own Args map, so callers
// can compare before/after without aliasing.
func (c Call) clone() Call {
	args := make(map[string]interface{}, len(c.Args))
	for k, v := range c.Args {
		args[k] = v
	}
	return Call{Tool: c.Tool, Method: c.Method, Args: args}
}

// Optimization records one applied (or suggested) adjustment, fingerprinted
// against the original call for observability.
type Optimization struct {
	Kind             OptimizationKind
	CallFingerprint  string
	EstimatedSavings int
	Explanation      string
	UserMessage      string
}

// resultParamKeys are checked, in order, for a result-count to clamp.
var resultParamKeys = []string{"maxResults", "numResults", "limit"}

// itemSizeParamKeys are checked, in order, for a per-item size to clamp.
var itemSizeParamKeys = []string{"maxFileSize", "maxItemSize"}

// queryParamKeys are checked, in order, for the free-text query to validate.
var queryParamKeys = []string{"query", "q"}
