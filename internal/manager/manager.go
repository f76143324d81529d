// Package manager implements the feature registry and its dependency-ordered
// lifecycle orchestration: startup/shutdown sequencing, safety-gated runtime
// toggling, health propagation, and recovery.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rvguard/rvguard/internal/audit"
	"github.com/rvguard/rvguard/internal/config"
	"github.com/rvguard/rvguard/internal/feature"
	"github.com/rvguard/rvguard/internal/lifecycle"
	"github.com/rvguard/rvguard/internal/metrics"
	"github.com/rvguard/rvguard/pkg/types"
)

// Manager owns the feature registry. It is the only component that mutates
// it; cross-component reads go through snapshots.
type Manager struct {
	set    *config.Set
	trail  *audit.Trail
	logger *slog.Logger

	// emergencyStop is invoked when a local failure escalates system-wide.
	// Wired to SafetyService.EmergencyStop after construction.
	emergencyStop func(reason string)

	// deployed reports whether the physical device governed by a
	// POSITION_CRITICAL feature is currently deployed (slide out, jacks
	// down). Nil means unknown, which fails closed.
	deployed func(name string) bool

	// authorize validates a toggle authorization code.
	authorize func(code string) bool

	mu       sync.RWMutex
	features map[string]feature.Feature
	started  bool

	// Per-feature serialization of toggle/recovery. Distinct features may
	// proceed in parallel.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithEmergencyStop wires the system-wide emergency stop escalation.
func WithEmergencyStop(fn func(reason string)) Option {
	return func(m *Manager) { m.emergencyStop = fn }
}

// WithDeploymentProbe wires the physical-deployment check used to refuse
// disabling a POSITION_CRITICAL feature while its device is deployed.
func WithDeploymentProbe(fn func(name string) bool) Option {
	return func(m *Manager) { m.deployed = fn }
}

// WithAuthorizer wires authorization-code validation for safety overrides.
func WithAuthorizer(fn func(code string) bool) Option {
	return func(m *Manager) { m.authorize = fn }
}

// SetEmergencyStop wires the escalation after construction. The manager and
// the safety service reference each other, so one side has to be connected
// late.
func (m *Manager) SetEmergencyStop(fn func(reason string)) {
	m.emergencyStop = fn
}

// New creates a Manager over a validated configuration set.
func New(set *config.Set, trail *audit.Trail, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		set:      set,
		trail:    trail,
		logger:   logger.With("component", "manager"),
		features: make(map[string]feature.Feature),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a feature instance to the registry. Exactly one instance per
// definition: a name collision fails with DuplicateFeatureError.
func (m *Manager) Register(f feature.Feature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := f.Name()
	if _, exists := m.features[name]; exists {
		return &types.DuplicateFeatureError{Name: name}
	}
	if _, ok := m.set.Get(name); !ok {
		return &types.ConfigurationError{Reason: fmt.Sprintf("feature %q has no definition", name)}
	}
	m.features[name] = f
	return nil
}

// RegisterDefaults creates and registers a base feature for every definition
// that has no instance yet. Collaborators register concrete implementations
// first; the remainder run on the default lifecycle.
func (m *Manager) RegisterDefaults() {
	for name, def := range m.set.Definitions() {
		m.mu.RLock()
		_, exists := m.features[name]
		m.mu.RUnlock()
		if exists {
			continue
		}
		_ = m.Register(feature.NewBase(def, m.logger, m.auditFunc()))
	}
}

// Feature returns a registered feature by name.
func (m *Manager) Feature(name string) (feature.Feature, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.features[name]
	return f, ok
}

// StartupOrder exposes the resolved dependency order.
func (m *Manager) StartupOrder() []string { return m.set.StartupOrder() }

// StartAll starts enabled features sequentially in dependency order, never
// in parallel, since the ordering is the point. A startup failure of
// an OPERATIONAL or MAINTENANCE feature disables it and continues; a
// CRITICAL failure triggers the emergency stop; any other safety-tiered
// failure aborts the sequence and surfaces the error.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	for _, name := range m.set.StartupOrder() {
		f, ok := m.Feature(name)
		if !ok || !f.Enabled() {
			continue
		}
		if err := m.startFeature(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) startFeature(ctx context.Context, f feature.Feature) error {
	name := f.Name()
	def := f.Definition()
	m.logger.Info("starting feature", "feature", name, "classification", def.Classification)

	err := f.Startup(ctx)
	if err == nil {
		return nil
	}

	metrics.StartupFailures.Add(1)
	startupErr := &types.StartupError{Feature: name, Err: err}
	m.record(types.AuditEntry{
		Kind:    types.EventStartupFailure,
		Feature: name,
		Reason:  err.Error(),
	})

	// A failure before the feature left STOPPED still lands in FAILED via
	// the normal path.
	if f.State() == types.StateStopped {
		m.ApplyState(ctx, name, types.StateInitializing, "startup")
	}
	m.ApplyState(ctx, name, types.StateFailed, "startup failed")

	switch def.Classification {
	case types.ClassOperational, types.ClassMaintenance:
		// Non-fatal: disable and report.
		m.logger.Warn("non-critical feature failed to start, disabling",
			"feature", name, "error", err)
		f.SetEnabled(false)
		return nil
	case types.ClassCritical:
		m.logger.Error("critical feature failed to start", "feature", name, "error", err)
		if m.emergencyStop != nil {
			m.emergencyStop(fmt.Sprintf("critical feature %s failed to start: %v", name, err))
		}
		return startupErr
	default:
		return startupErr
	}
}

// StopAll shuts features down in reverse dependency order. Shutdown errors
// are logged, not propagated: teardown always runs to completion.
func (m *Manager) StopAll(ctx context.Context) {
	order := m.set.StartupOrder()
	for i := len(order) - 1; i >= 0; i-- {
		f, ok := m.Feature(order[i])
		if !ok {
			continue
		}
		if err := f.Shutdown(ctx); err != nil {
			m.logger.Error("feature shutdown failed", "feature", order[i], "error", err)
		}
	}
	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
}

// ApplyState drives a feature through its safety-gated setter and then
// propagates the committed result to dependents. This is the single entry
// point for state changes observed by the rest of the system: the
// dependency's committed state precedes dependent notification.
func (m *Manager) ApplyState(ctx context.Context, name string, to types.FeatureState, reason string) types.FeatureState {
	f, ok := m.Feature(name)
	if !ok {
		return ""
	}
	old := f.State()
	applied := f.SetState(to, reason)
	if applied != old {
		m.propagateHealthChange(ctx, name, applied, old)
	}
	return applied
}

// propagateHealthChange notifies every enabled dependent exactly once per
// committed change (single, non-reentrant pass). When the change is a FAILED
// transition that satisfies the emergency-stop predicate, dependents are
// force-transitioned toward SAFE_SHUTDOWN/DEGRADED rather than left HEALTHY
// beside a dead dependency, and the system-wide stop is escalated.
func (m *Manager) propagateHealthChange(ctx context.Context, name string, newState, oldState types.FeatureState) {
	f, ok := m.Feature(name)
	if !ok {
		return
	}

	dependents := m.set.Dependents(name)
	failed := newState == types.StateFailed
	recovered := oldState == types.StateFailed && newState != types.StateFailed

	for _, depName := range dependents {
		dep, ok := m.Feature(depName)
		if !ok || !dep.Enabled() {
			continue
		}
		if failed {
			dep.OnDependencyFailed(name, newState)
		} else if recovered {
			dep.OnDependencyRecovered(name)
		}
	}

	if !failed {
		return
	}

	def := f.Definition()
	if !lifecycle.EmergencyStopRequired(newState, def.Classification, len(f.FailedDependencies())) {
		return
	}

	m.logger.Error("feature failure requires emergency stop",
		"feature", name, "classification", def.Classification)

	for _, depName := range dependents {
		dep, ok := m.Feature(depName)
		if !ok || !dep.Enabled() {
			continue
		}
		target := types.StateDegraded
		if dep.Definition().Classification == types.ClassPositionCritical {
			target = types.StateSafeShutdown
		}
		if dep.State() == types.StateHealthy || target == types.StateSafeShutdown {
			dep.SetState(target, "forced safe by failed dependency "+name)
		}
	}

	if m.emergencyStop != nil {
		m.emergencyStop(fmt.Sprintf("feature %s (%s) failed", name, def.Classification))
	}
}

// ForceSafeShutdown drives every enabled POSITION_CRITICAL feature to
// SAFE_SHUTDOWN. Wired as the feature-side half of the emergency-stop
// cascade.
func (m *Manager) ForceSafeShutdown(reason string) {
	m.mu.RLock()
	names := make([]string, 0, len(m.features))
	for name := range m.features {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		f, ok := m.Feature(name)
		if !ok || !f.Enabled() {
			continue
		}
		if f.Definition().Classification != types.ClassPositionCritical {
			continue
		}
		if st := f.State(); st == types.StateSafeShutdown || st == types.StateStopped {
			continue
		}
		f.SetState(types.StateSafeShutdown, reason)
	}
}

func (m *Manager) record(entry types.AuditEntry) {
	if m.trail != nil {
		m.trail.Record(context.Background(), entry)
	}
}

func (m *Manager) auditFunc() func(types.AuditEntry) {
	if m.trail == nil {
		return nil
	}
	return m.trail.RecordFunc()
}

// lockFor returns the per-name mutex serializing toggle/recovery for one
// feature.
func (m *Manager) lockFor(name string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}
