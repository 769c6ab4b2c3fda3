package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/dopemux/metamcp-broker/core"
)

// document is the on-disk YAML shape, matching spec §6's top-level keys:
// broker, features, rules, profiles, servers.
type document struct {
	Broker   BrokerSettings            `yaml:"broker"`
	Features FeatureFlags              `yaml:"features"`
	Rules    map[string]RewriteRuleSet `yaml:"rules"`
	Costs    map[string]CostEntry      `yaml:"costs"`
	Profiles map[string]RoleDef        `yaml:"profiles"`
	Servers  map[string]ServerDef      `yaml:"servers"`
}

// Store loads and exposes the broker's policy. Reload is atomic: a new
// Snapshot is built and validated in full, then published with a single
// pointer swap, so in-flight requests keep observing their captured
// snapshot (spec §4.1).
type Store struct {
	current atomic.Pointer[Snapshot]
	path    string
	logger  core.Logger

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// New builds a Store and performs the first load from path. It returns an
// error if the initial document fails validation - there is no prior
// snapshot to fall back to.
func New(path string, logger core.Logger) (*Store, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &Store{path: path, logger: logger, stop: make(chan struct{})}
	snap, err := loadAndValidate(path, 1)
	if err != nil {
		return nil, core.NewError("policy.New", "policy", err)
	}
	s.current.Store(snap)
	return s, nil
}

// CurrentSnapshot returns the active, immutable policy snapshot.
func (s *Store) CurrentSnapshot() *Snapshot {
	return s.current.Load()
}

// Path returns the document path this Store was opened with, for callers
// that need to re-trigger a Reload from the original source (e.g. a CLI
// "reload-policy" command or the broker's explicit reload operation).
func (s *Store) Path() string {
	return s.path
}

// Reload rebuilds the snapshot from source and swaps it in atomically.
// On validation failure the previous snapshot remains live and the error
// is returned to the caller untouched.
func (s *Store) Reload(source string) error {
	prev := s.current.Load()
	next, err := loadAndValidate(source, prev.Version+1)
	if err != nil {
		s.logger.Error("policy reload failed, keeping previous snapshot", map[string]interface{}{
			"source": source,
			"error":  err.Error(),
		})
		return core.NewError("policy.Reload", "policy", err)
	}
	s.current.Store(next)
	s.logger.Info("policy reloaded", map[string]interface{}{
		"source":  source,
		"version": next.Version,
	})
	return nil
}

// WatchForChanges starts an fsnotify watch on the policy file's directory
// and triggers Reload on write events. Call Close to stop watching.
func (s *Store) WatchForChanges() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return core.NewError("policy.WatchForChanges", "policy", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return core.NewError("policy.WatchForChanges", "policy", err)
	}
	s.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := s.Reload(s.path); err != nil {
						s.logger.Warn("hot-reload failed", map[string]interface{}{"error": err.Error()})
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("policy watcher error", map[string]interface{}{"error": err.Error()})
			case <-s.stop:
				return
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if one was started.
func (s *Store) Close() error {
	close(s.stop)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func loadAndValidate(path string, version int) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy document: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing policy document: %w", core.ErrPolicyInvalid)
	}

	snap := &Snapshot{
		Version:   version,
		Broker:    applyBrokerDefaults(doc.Broker),
		Features:  doc.Features,
		Roles:     make(map[string]*RoleDef, len(doc.Profiles)),
		Servers:   make(map[string]*ServerDef, len(doc.Servers)),
		Rewrites:  doc.Rules,
		CostTable: doc.Costs,
	}
	for name, r := range doc.Profiles {
		rc := r
		rc.Name = name
		snap.Roles[name] = &rc
	}
	for name, d := range doc.Servers {
		dc := d
		dc.Name = name
		snap.Servers[name] = &dc
	}

	if err := validate(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func applyBrokerDefaults(b BrokerSettings) BrokerSettings {
	if b.WarningFraction == 0 {
		b.WarningFraction = 0.75
	}
	if b.ToolTimeout == 0 {
		b.ToolTimeout = 30 * time.Second
	}
	if b.RoleSwitchTimeout == 0 {
		b.RoleSwitchTimeout = 5 * time.Second
	}
	if b.HealthCheckInterval == 0 {
		b.HealthCheckInterval = 30 * time.Second
	}
	if b.SessionGCInterval == 0 {
		b.SessionGCInterval = 5 * time.Minute
	}
	if b.SessionIdleTimeout == 0 {
		b.SessionIdleTimeout = 2 * time.Hour
	}
	if b.EscalationCheckInterval == 0 {
		b.EscalationCheckInterval = time.Minute
	}
	if b.AutoCheckpointInterval == 0 {
		b.AutoCheckpointInterval = 25 * time.Minute
	}
	if b.CheckpointRingSize == 0 {
		b.CheckpointRingSize = 64
	}
	if b.CircuitBreakerThreshold == 0 {
		b.CircuitBreakerThreshold = 5
	}
	if b.CircuitBreakerRecovery == 0 {
		b.CircuitBreakerRecovery = 30 * time.Second
	}
	return b
}

// validate enforces spec §4.1's validation rules: declared tool
// references, budget ceilings, fraction ranges, positive intervals.
func validate(snap *Snapshot) error {
	if snap.Broker.WarningFraction <= 0 || snap.Broker.WarningFraction >= 1 {
		return fmt.Errorf("%w: warning_fraction must be in (0,1)", core.ErrPolicyInvalid)
	}
	if snap.Broker.HardCapTokens <= 0 {
		return fmt.Errorf("%w: hard_cap_tokens must be positive", core.ErrPolicyInvalid)
	}
	for key, d := range map[string]time.Duration{
		"tool_timeout":              snap.Broker.ToolTimeout,
		"role_switch_timeout":       snap.Broker.RoleSwitchTimeout,
		"health_check_interval":     snap.Broker.HealthCheckInterval,
		"session_gc_interval":       snap.Broker.SessionGCInterval,
		"session_idle_timeout":      snap.Broker.SessionIdleTimeout,
		"escalation_check_interval": snap.Broker.EscalationCheckInterval,
		"auto_checkpoint_interval":  snap.Broker.AutoCheckpointInterval,
		"circuit_breaker_recovery":  snap.Broker.CircuitBreakerRecovery,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", core.ErrPolicyInvalid, key)
		}
	}

	declaredTools := make(map[string]struct{})
	for name := range snap.Rewrites {
		declaredTools[name] = struct{}{}
	}
	for name := range snap.Servers {
		declaredTools[name] = struct{}{}
	}

	for name, role := range snap.Roles {
		if role.TokenBudget > snap.Broker.HardCapTokens {
			return fmt.Errorf("%w: role %q budget %d exceeds hard cap %d",
				core.ErrPolicyInvalid, name, role.TokenBudget, snap.Broker.HardCapTokens)
		}
		for _, tool := range role.DefaultTools {
			if !toolKnown(tool, declaredTools, snap.Servers) {
				return fmt.Errorf("%w: role %q default tool %q not declared",
					core.ErrPolicyInvalid, name, tool)
			}
		}
		for key, esc := range role.EscalationTriggers {
			for _, tool := range esc.AdditionalTools {
				if !toolKnown(tool, declaredTools, snap.Servers) {
					return fmt.Errorf("%w: role %q escalation %q tool %q not declared",
						core.ErrPolicyInvalid, name, key, tool)
				}
			}
			if esc.MaxDurationSeconds <= 0 {
				return fmt.Errorf("%w: role %q escalation %q duration must be positive",
					core.ErrPolicyInvalid, name, key)
			}
		}
		for _, to := range role.NaturalTransitions {
			if _, ok := snap.Roles[to]; !ok {
				return fmt.Errorf("%w: role %q natural transition to undeclared role %q",
					core.ErrPolicyInvalid, name, to)
			}
		}
	}
	return nil
}

// toolKnown accepts any tool name that is either declared as a server
// (every server exposes at least one tool named after it) or has its own
// rewrite rule entry - policy documents may declare tools more granularly
// than servers.
func toolKnown(tool string, declared map[string]struct{}, servers map[string]*ServerDef) bool {
	if _, ok := declared[tool]; ok {
		return true
	}
	for name := range servers {
		if name == tool {
			return true
		}
	}
	return false
}
