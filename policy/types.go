// Package policy loads the declarative policy document and exposes it as
// an immutable, atomically-swapped snapshot (L1 in the broker design).
package policy

import "time"

// RoleDef is the immutable role descriptor carried in a Snapshot.
type RoleDef struct {
	Name                 string            `yaml:"-"`
	Description          string            `yaml:"description"`
	DefaultTools         []string          `yaml:"default_tools"`
	TokenBudget          int               `yaml:"token_budget"`
	EscalationTriggers   map[string]Escalation `yaml:"escalation_triggers"`
	CognitiveComplexity  string            `yaml:"cognitive_complexity"` // low|medium|high
	NaturalTransitions   []string          `yaml:"natural_transitions"`
	EscalatesTo          []string          `yaml:"escalates_to"`
	TypicalSessionMins   int               `yaml:"typical_session_minutes"`
	AutoCheckpointMins   int               `yaml:"auto_checkpoint_minutes"`
}

// Escalation is one entry in a role's escalation menu.
type Escalation struct {
	AdditionalTools    []string `yaml:"additional_tools"`
	MaxDurationSeconds int      `yaml:"max_duration_seconds"`
	AutoTrigger        bool     `yaml:"auto_trigger"`
	RequiresApproval   bool     `yaml:"requires_approval"`
	Priority           int      `yaml:"priority"`
}

// ServerDef is the immutable tool-server descriptor carried in a Snapshot.
type ServerDef struct {
	Name            string            `yaml:"-"`
	Transport       string            `yaml:"transport"` // stdio|http|streaming
	Command         string            `yaml:"command,omitempty"`
	Args            []string          `yaml:"args,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	WorkDir         string            `yaml:"work_dir,omitempty"`
	BaseURL         string            `yaml:"base_url,omitempty"`
	AuthEnvVar      string            `yaml:"auth_env_var,omitempty"`
	HealthPath      string            `yaml:"health_path,omitempty"`
	StartupTimeout  time.Duration     `yaml:"startup_timeout"`
	MaxInFlight     int               `yaml:"max_in_flight"`
}

// RewriteRuleSet is the tool-specific table of trim/clamp/augment
// directives applied by the rewrite engine.
type RewriteRuleSet struct {
	MaxResults            int      `yaml:"max_results,omitempty"`
	MaxItemSize           int      `yaml:"max_item_size,omitempty"`
	DefaultProjection     string   `yaml:"default_projection,omitempty"`
	WarningProjection     string   `yaml:"warning_projection,omitempty"`
	DisallowedCombos      []string `yaml:"disallowed_combinations,omitempty"`
	MinQueryLength        int      `yaml:"min_query_length,omitempty"`
	IsSearchClass         bool     `yaml:"search_class,omitempty"`
}

// CostEntry is the heuristic base-cost table entry for a tool, used by the
// ledger's estimate() when no historical mean is available.
type CostEntry struct {
	BaseCost         int     `yaml:"base_cost"`
	PerResultCost    int     `yaml:"per_result_cost,omitempty"`
	ResultCap        int     `yaml:"result_cap,omitempty"`
}

// BrokerSettings is the top-level "broker" section of the policy document.
type BrokerSettings struct {
	WarningFraction          float64       `yaml:"warning_fraction"`
	HardCapTokens            int           `yaml:"hard_cap_tokens"`
	ReservedTokens           int           `yaml:"reserved_tokens"`
	ToolTimeout              time.Duration `yaml:"tool_timeout"`
	RoleSwitchTimeout        time.Duration `yaml:"role_switch_timeout"`
	HealthCheckInterval      time.Duration `yaml:"health_check_interval"`
	SessionGCInterval        time.Duration `yaml:"session_gc_interval"`
	SessionIdleTimeout       time.Duration `yaml:"session_idle_timeout"`
	EscalationCheckInterval  time.Duration `yaml:"escalation_check_interval"`
	AutoCheckpointInterval   time.Duration `yaml:"auto_checkpoint_interval"`
	CheckpointRingSize       int           `yaml:"checkpoint_ring_size"`
	CircuitBreakerThreshold  int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerRecovery   time.Duration `yaml:"circuit_breaker_recovery"`
}

// FeatureFlags is the "features" section, toggling optional behavior.
type FeatureFlags struct {
	SuggestAlternatives bool `yaml:"suggest_alternatives"`
	AutoCheckpoints     bool `yaml:"auto_checkpoints"`
}

// Snapshot is the immutable, fully-resolved policy in force at a point in
// time. Consumers must not mutate it; Store.Reload publishes a new one
// atomically via pointer swap.
type Snapshot struct {
	Version   int
	Broker    BrokerSettings
	Features  FeatureFlags
	Roles     map[string]*RoleDef
	Servers   map[string]*ServerDef
	Rewrites  map[string]RewriteRuleSet // keyed by tool name
	CostTable map[string]CostEntry      // keyed by tool name
}

// Role looks up a role by name.
func (s *Snapshot) Role(name string) (*RoleDef, bool) {
	r, ok := s.Roles[name]
	return r, ok
}

// Server looks up a tool-server descriptor by name.
func (s *Snapshot) Server(name string) (*ServerDef, bool) {
	d, ok := s.Servers[name]
	return d, ok
}

// DefaultToolSet returns the set of tools a role grants by default.
func (r *RoleDef) DefaultToolSet() map[string]struct{} {
	set := make(map[string]struct{}, len(r.DefaultTools))
	for _, t := range r.DefaultTools {
		set[t] = struct{}{}
	}
	return set
}
