// Package feature defines the per-unit lifecycle contract and the
// safety-gated state setter shared by all functional subsystems.
package feature

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rvguard/rvguard/internal/lifecycle"
	"github.com/rvguard/rvguard/internal/metrics"
	"github.com/rvguard/rvguard/pkg/types"
)

// Feature is the lifecycle contract implemented by every functional
// subsystem (CAN drivers, protocol decoders, slide/awning/leveling
// controllers). Base provides a complete default implementation; concrete
// features embed it and override what they need.
type Feature interface {
	Name() string
	Definition() types.FeatureDefinition

	// Startup initializes the feature. A failure is wrapped in StartupError
	// by the manager.
	Startup(ctx context.Context) error
	// Shutdown stops the feature. Idempotent.
	Shutdown(ctx context.Context) error
	// CheckHealth probes the feature and returns its observed state.
	CheckHealth(ctx context.Context) types.FeatureState

	State() types.FeatureState
	// SetState requests a transition and returns the state actually applied,
	// which may be a safe substitute rather than the requested target.
	SetState(to types.FeatureState, reason string) types.FeatureState
	Health() types.HealthStatus

	Enabled() bool
	SetEnabled(enabled bool)

	// Dependency hooks, invoked by the manager during health propagation.
	OnDependencyFailed(dep string, state types.FeatureState)
	OnDependencyRecovered(dep string)
	FailedDependencies() []string
}

// Base is the default Feature implementation. Its state setter is gated by
// the lifecycle validator: a rejected transition is never applied silently.
// The computed safe substitute is applied instead, and every attempt is
// audit-logged whether accepted or not.
type Base struct {
	def    types.FeatureDefinition
	logger *slog.Logger
	audit  func(types.AuditEntry)

	mu            sync.Mutex
	state         types.FeatureState
	enabled       bool
	failedDeps    map[string]types.FeatureState
	degradedByDep bool
}

// NewBase creates a feature in STOPPED state. The audit callback may be nil.
func NewBase(def types.FeatureDefinition, logger *slog.Logger, audit func(types.AuditEntry)) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		def:        def,
		logger:     logger.With("feature", def.Name),
		audit:      audit,
		state:      types.StateStopped,
		enabled:    def.EnabledByDefault,
		failedDeps: make(map[string]types.FeatureState),
	}
}

// Name returns the feature name.
func (b *Base) Name() string { return b.def.Name }

// Definition returns the immutable configuration.
func (b *Base) Definition() types.FeatureDefinition { return b.def }

// Startup transitions the feature to HEALTHY. Concrete features override this
// with real initialization and call SetState themselves.
func (b *Base) Startup(_ context.Context) error {
	switch b.State() {
	case types.StateHealthy:
		return nil
	case types.StateStopped, types.StateFailed, types.StateSafeShutdown, types.StateMaintenance:
		b.SetState(types.StateInitializing, "startup")
	}
	b.SetState(types.StateHealthy, "startup complete")
	return nil
}

// Shutdown transitions the feature to STOPPED. Idempotent.
func (b *Base) Shutdown(_ context.Context) error {
	if b.State() == types.StateStopped {
		return nil
	}
	b.SetState(types.StateStopped, "shutdown requested")
	return nil
}

// CheckHealth returns the current state. Concrete features override this with
// a real probe.
func (b *Base) CheckHealth(_ context.Context) types.FeatureState {
	return b.State()
}

// State returns the current lifecycle state.
func (b *Base) State() types.FeatureState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Health projects the current state onto the coarse 4-value scale.
func (b *Base) Health() types.HealthStatus {
	return b.State().Health()
}

// Enabled reports whether the feature is currently enabled.
func (b *Base) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// SetEnabled flips the enabled flag. Toggle policy is enforced by the manager.
func (b *Base) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// SetState validates the requested transition against this feature's
// classification. On rejection the safe substitute is applied, never the
// rejected target. Returns the state actually applied.
func (b *Base) SetState(to types.FeatureState, reason string) types.FeatureState {
	b.mu.Lock()
	from := b.state
	ok, why := lifecycle.ValidateTransition(from, to, b.def.Classification)
	applied := to
	if !ok {
		applied = lifecycle.SafeTransition(from, to, b.def.Classification)
	}
	b.state = applied
	b.mu.Unlock()

	if ok {
		if from != applied {
			metrics.StateTransitions.Add(1)
		}
		b.logger.Info("state transition", "from", from, "to", applied, "reason", reason)
		b.recordAudit(types.AuditEntry{
			Kind:    types.EventStateTransition,
			Feature: b.def.Name,
			Action:  string(from) + " -> " + string(applied),
			Reason:  reason,
		})
		return applied
	}

	metrics.TransitionsRejected.Add(1)
	if applied != from {
		metrics.TransitionsSubstituted.Add(1)
	}
	b.logger.Warn("state transition rejected, applying safe substitute",
		"from", from, "requested", to, "applied", applied, "why", why, "reason", reason)
	b.recordAudit(types.AuditEntry{
		Kind:    types.EventTransitionRejected,
		Feature: b.def.Name,
		Action:  string(from) + " -> " + string(to),
		Reason:  reason,
		Details: map[string]any{"applied": string(applied), "rejection": why},
	})
	return applied
}

// OnDependencyFailed records the failing dependency and degrades a HEALTHY
// feature to DEGRADED. Overridable by concrete features needing a stronger
// reaction.
func (b *Base) OnDependencyFailed(dep string, state types.FeatureState) {
	b.mu.Lock()
	b.failedDeps[dep] = state
	cur := b.state
	shouldDegrade := cur == types.StateHealthy
	if shouldDegrade {
		b.degradedByDep = true
	}
	b.mu.Unlock()

	b.recordAudit(types.AuditEntry{
		Kind:    types.EventDependencyFailed,
		Feature: b.def.Name,
		Reason:  "dependency " + dep + " is " + string(state),
	})
	if shouldDegrade {
		b.SetState(types.StateDegraded, "dependency "+dep+" failed")
	}
}

// OnDependencyRecovered clears the dependency from the failing set. A feature
// that degraded itself solely because of failed dependencies recovers to
// HEALTHY once the set empties.
func (b *Base) OnDependencyRecovered(dep string) {
	b.mu.Lock()
	delete(b.failedDeps, dep)
	shouldRecover := len(b.failedDeps) == 0 && b.degradedByDep && b.state == types.StateDegraded
	if shouldRecover {
		b.degradedByDep = false
	}
	b.mu.Unlock()

	b.recordAudit(types.AuditEntry{
		Kind:    types.EventDependencyRecovered,
		Feature: b.def.Name,
		Reason:  "dependency " + dep + " recovered",
	})
	if shouldRecover {
		b.SetState(types.StateHealthy, "all dependencies recovered")
	}
}

// FailedDependencies returns the names of currently failing dependencies.
func (b *Base) FailedDependencies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.failedDeps))
	for dep := range b.failedDeps {
		out = append(out, dep)
	}
	return out
}

// HealthCheckInterval returns the configured probe interval, or the given
// default when unset or unparsable.
func (b *Base) HealthCheckInterval(def time.Duration) time.Duration {
	if b.def.HealthCheckInterval == "" {
		return def
	}
	d, err := time.ParseDuration(b.def.HealthCheckInterval)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (b *Base) recordAudit(entry types.AuditEntry) {
	if b.audit != nil {
		b.audit(entry)
	}
}
