package feature

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvguard/rvguard/pkg/types"
)

type auditRecorder struct {
	mu      sync.Mutex
	entries []types.AuditEntry
}

func (r *auditRecorder) record(e types.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *auditRecorder) byKind(kind types.EventKind) []types.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.AuditEntry
	for _, e := range r.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestFeature(class types.SafetyClassification, rec *auditRecorder) *Base {
	def := types.FeatureDefinition{
		Name:             "test_feature",
		EnabledByDefault: true,
		Classification:   class,
		SafeStateAction:  types.ActionEmergencyStop,
	}
	var fn func(types.AuditEntry)
	if rec != nil {
		fn = rec.record
	}
	return NewBase(def, slog.Default(), fn)
}

func TestSetStateAppliesValidTransition(t *testing.T) {
	rec := &auditRecorder{}
	f := newTestFeature(types.ClassOperational, rec)

	assert.Equal(t, types.StateInitializing, f.SetState(types.StateInitializing, "starting"))
	assert.Equal(t, types.StateHealthy, f.SetState(types.StateHealthy, "up"))
	assert.Equal(t, types.StateHealthy, f.State())
	assert.Len(t, rec.byKind(types.EventStateTransition), 2)
	assert.Empty(t, rec.byKind(types.EventTransitionRejected))
}

// A rejected transition must never silently apply the target: the safe
// substitute is applied and the rejection is audit-logged.
func TestSetStateRejectionAppliesSubstitute(t *testing.T) {
	rec := &auditRecorder{}
	f := newTestFeature(types.ClassCritical, rec)
	f.SetState(types.StateInitializing, "starting")
	f.SetState(types.StateHealthy, "up")

	applied := f.SetState(types.StateFailed, "fault detected")
	assert.Equal(t, types.StateDegraded, applied)
	assert.Equal(t, types.StateDegraded, f.State())

	rejected := rec.byKind(types.EventTransitionRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, string(types.StateDegraded), rejected[0].Details["applied"])
}

func TestPositionCriticalFailureRoutesThroughSafeShutdown(t *testing.T) {
	f := newTestFeature(types.ClassPositionCritical, nil)
	f.SetState(types.StateInitializing, "starting")
	f.SetState(types.StateHealthy, "up")

	assert.Equal(t, types.StateSafeShutdown, f.SetState(types.StateFailed, "motor stall"))
}

func TestHealthProjection(t *testing.T) {
	f := newTestFeature(types.ClassOperational, nil)
	assert.Equal(t, types.HealthUnknown, f.Health()) // STOPPED
	f.SetState(types.StateInitializing, "")
	assert.Equal(t, types.HealthUnknown, f.Health())
	f.SetState(types.StateHealthy, "")
	assert.Equal(t, types.HealthHealthy, f.Health())
	f.SetState(types.StateDegraded, "")
	assert.Equal(t, types.HealthDegraded, f.Health())
	f.SetState(types.StateFailed, "")
	assert.Equal(t, types.HealthFailed, f.Health())
}

func TestDependencyHooksDegradeAndRecover(t *testing.T) {
	f := newTestFeature(types.ClassSafetyRelated, nil)
	f.SetState(types.StateInitializing, "")
	f.SetState(types.StateHealthy, "")

	f.OnDependencyFailed("can_bus", types.StateFailed)
	assert.Equal(t, types.StateDegraded, f.State())
	assert.Equal(t, []string{"can_bus"}, f.FailedDependencies())

	f.OnDependencyFailed("decoder", types.StateFailed)
	assert.Len(t, f.FailedDependencies(), 2)

	// Recovering one dependency is not enough.
	f.OnDependencyRecovered("can_bus")
	assert.Equal(t, types.StateDegraded, f.State())

	// Recovering the last one restores HEALTHY.
	f.OnDependencyRecovered("decoder")
	assert.Equal(t, types.StateHealthy, f.State())
	assert.Empty(t, f.FailedDependencies())
}

// A feature that degraded for its own reasons must not be bounced back to
// HEALTHY by a dependency recovery.
func TestDependencyRecoveryDoesNotMaskOwnDegradation(t *testing.T) {
	f := newTestFeature(types.ClassSafetyRelated, nil)
	f.SetState(types.StateInitializing, "")
	f.SetState(types.StateHealthy, "")
	f.SetState(types.StateDegraded, "sensor drift")

	f.OnDependencyFailed("can_bus", types.StateFailed)
	f.OnDependencyRecovered("can_bus")
	assert.Equal(t, types.StateDegraded, f.State())
}

func TestShutdownIdempotent(t *testing.T) {
	f := newTestFeature(types.ClassOperational, nil)
	require.NoError(t, f.Startup(context.Background()))
	require.NoError(t, f.Shutdown(context.Background()))
	assert.Equal(t, types.StateStopped, f.State())
	require.NoError(t, f.Shutdown(context.Background()))
	assert.Equal(t, types.StateStopped, f.State())
}
