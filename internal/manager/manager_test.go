package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvguard/rvguard/internal/config"
	"github.com/rvguard/rvguard/internal/testutil"
	"github.com/rvguard/rvguard/pkg/types"
)

func def(name string, class types.SafetyClassification, deps ...string) types.FeatureDefinition {
	action := types.ActionControlledShutdown
	if class == types.ClassPositionCritical {
		action = types.ActionMaintainPosition
	}
	return types.FeatureDefinition{
		Name:             name,
		EnabledByDefault: true,
		Classification:   class,
		Dependencies:     deps,
		SafeStateAction:  action,
	}
}

// canStack builds the typical dependency chain: CAN driver -> decoder ->
// controllers.
func canStack(t *testing.T) (*config.Set, map[string]types.FeatureDefinition) {
	t.Helper()
	defs := map[string]types.FeatureDefinition{
		"can_driver":  def("can_driver", types.ClassCritical),
		"rvc_decoder": def("rvc_decoder", types.ClassCritical, "can_driver"),
		"slides":      def("slides", types.ClassPositionCritical, "rvc_decoder"),
		"lighting":    def("lighting", types.ClassOperational, "rvc_decoder"),
	}
	set, err := config.NewSet(defs, nil)
	require.NoError(t, err)
	return set, defs
}

func newTestManager(t *testing.T, set *config.Set, opts ...Option) *Manager {
	t.Helper()
	return New(set, nil, nil, opts...)
}

func registerScripted(t *testing.T, m *Manager, defs map[string]types.FeatureDefinition) map[string]*testutil.ScriptedFeature {
	t.Helper()
	out := make(map[string]*testutil.ScriptedFeature, len(defs))
	for name, d := range defs {
		f := testutil.NewScriptedFeature(d, nil)
		require.NoError(t, m.Register(f))
		out[name] = f
	}
	return out
}

func TestRegisterDuplicate(t *testing.T) {
	set, defs := canStack(t)
	m := newTestManager(t, set)
	f := testutil.NewScriptedFeature(defs["lighting"], nil)
	require.NoError(t, m.Register(f))

	err := m.Register(testutil.NewScriptedFeature(defs["lighting"], nil))
	var dup *types.DuplicateFeatureError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "lighting", dup.Name)
}

func TestRegisterUnknownDefinition(t *testing.T) {
	set, _ := canStack(t)
	m := newTestManager(t, set)
	err := m.Register(testutil.NewScriptedFeature(def("ghost", types.ClassOperational), nil))
	var cfgErr *types.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestStartAllRespectsDependencyOrder(t *testing.T) {
	set, defs := canStack(t)
	m := newTestManager(t, set)
	feats := registerScripted(t, m, defs)

	require.NoError(t, m.StartAll(context.Background()))

	for name, f := range feats {
		assert.Equal(t, types.StateHealthy, f.State(), name)
	}
	order := m.StartupOrder()
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["can_driver"], pos["rvc_decoder"])
	assert.Less(t, pos["rvc_decoder"], pos["slides"])
	assert.Less(t, pos["rvc_decoder"], pos["lighting"])
}

func TestStartAllOperationalFailureIsNonFatal(t *testing.T) {
	set, defs := canStack(t)
	m := newTestManager(t, set)
	feats := registerScripted(t, m, defs)
	feats["lighting"].FailStartups(10)

	require.NoError(t, m.StartAll(context.Background()))
	assert.False(t, feats["lighting"].Enabled())
	assert.Equal(t, types.StateHealthy, feats["slides"].State())
}

func TestStartAllCriticalFailureTriggersEmergencyStop(t *testing.T) {
	set, defs := canStack(t)
	var stopReason string
	m := newTestManager(t, set, WithEmergencyStop(func(r string) { stopReason = r }))
	feats := registerScripted(t, m, defs)
	feats["can_driver"].FailStartups(10)

	err := m.StartAll(context.Background())
	var startupErr *types.StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, "can_driver", startupErr.Feature)
	assert.NotEmpty(t, stopReason)
	// Downstream features never started.
	assert.Equal(t, 0, feats["rvc_decoder"].StartupCalls())
}

func TestStopAllReverseOrder(t *testing.T) {
	set, defs := canStack(t)
	m := newTestManager(t, set)
	feats := registerScripted(t, m, defs)
	require.NoError(t, m.StartAll(context.Background()))

	m.StopAll(context.Background())
	for name, f := range feats {
		assert.Equal(t, types.StateStopped, f.State(), name)
		assert.Equal(t, 1, f.ShutdownCalls(), name)
	}
}

func TestTogglePolicy(t *testing.T) {
	authorize := func(code string) bool { return code == "letmein" }
	notDeployed := func(string) bool { return false }

	cases := []struct {
		name    string
		req     ToggleRequest
		deploy  func(string) bool
		allowed bool
	}{
		{
			name:    "critical never disabled",
			req:     ToggleRequest{Feature: "can_driver", Enable: false, Override: true, AuthCode: "letmein"},
			allowed: false,
		},
		{
			name:    "position critical without override refused",
			req:     ToggleRequest{Feature: "slides", Enable: false},
			allowed: false,
		},
		{
			name:    "position critical bad code refused",
			req:     ToggleRequest{Feature: "slides", Enable: false, Override: true, AuthCode: "wrong"},
			allowed: false,
		},
		{
			name:    "position critical deployed refused",
			req:     ToggleRequest{Feature: "slides", Enable: false, Override: true, AuthCode: "letmein"},
			deploy:  func(string) bool { return true },
			allowed: false,
		},
		{
			name:    "position critical retracted with override allowed",
			req:     ToggleRequest{Feature: "slides", Enable: false, Override: true, AuthCode: "letmein"},
			allowed: true,
		},
		{
			name:    "operational disable allowed",
			req:     ToggleRequest{Feature: "lighting", Enable: false},
			allowed: true,
		},
		{
			name:    "unknown feature refused",
			req:     ToggleRequest{Feature: "nope", Enable: false},
			allowed: false,
		},
		{
			name:    "enable always allowed for known feature",
			req:     ToggleRequest{Feature: "lighting", Enable: true},
			allowed: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set, defs := canStack(t)
			deploy := tc.deploy
			if deploy == nil {
				deploy = notDeployed
			}
			m := newTestManager(t, set,
				WithAuthorizer(authorize),
				WithDeploymentProbe(deploy))
			registerScripted(t, m, defs)
			require.NoError(t, m.StartAll(context.Background()))

			res := m.RequestToggle(context.Background(), tc.req)
			assert.Equal(t, tc.allowed, res.Allowed, res.Reason)
		})
	}
}

func TestToggleRefusedWhileSafetyDependentEnabled(t *testing.T) {
	defs := map[string]types.FeatureDefinition{
		"rvc_decoder": def("rvc_decoder", types.ClassSafetyRelated),
		"leveling":    def("leveling", types.ClassPositionCritical, "rvc_decoder"),
	}
	set, err := config.NewSet(defs, nil)
	require.NoError(t, err)
	m := newTestManager(t, set,
		WithAuthorizer(func(string) bool { return true }),
		WithDeploymentProbe(func(string) bool { return false }))
	feats := registerScripted(t, m, defs)
	require.NoError(t, m.StartAll(context.Background()))

	res := m.RequestToggle(context.Background(), ToggleRequest{
		Feature: "rvc_decoder", Override: true, AuthCode: "x",
	})
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "leveling")

	// Disable dependent first, then the dependency can go.
	feats["leveling"].SetEnabled(false)
	res = m.RequestToggle(context.Background(), ToggleRequest{
		Feature: "rvc_decoder", Override: true, AuthCode: "x",
	})
	assert.True(t, res.Allowed, res.Reason)
}

// A CAN driver failure must degrade or shut down every dependent and escalate
// to an emergency stop, never leaving dependents HEALTHY beside it.
func TestCriticalFailureCascades(t *testing.T) {
	set, defs := canStack(t)
	var mu sync.Mutex
	var stops []string
	m := newTestManager(t, set, WithEmergencyStop(func(r string) {
		mu.Lock()
		stops = append(stops, r)
		mu.Unlock()
	}))
	feats := registerScripted(t, m, defs)
	require.NoError(t, m.StartAll(context.Background()))

	m.ApplyState(context.Background(), "can_driver", types.StateFailed, "bus off")

	// CRITICAL HEALTHY -> FAILED is downgraded to DEGRADED first; a second
	// report commits the failure.
	assert.Equal(t, types.StateDegraded, feats["can_driver"].State())
	m.ApplyState(context.Background(), "can_driver", types.StateFailed, "bus off")
	assert.Equal(t, types.StateFailed, feats["can_driver"].State())

	assert.Equal(t, types.StateDegraded, feats["rvc_decoder"].State())
	mu.Lock()
	assert.NotEmpty(t, stops)
	mu.Unlock()
}

func TestDependentForcedSafeOnFailure(t *testing.T) {
	defs := map[string]types.FeatureDefinition{
		"rvc_decoder": def("rvc_decoder", types.ClassOperational),
		"slides":      def("slides", types.ClassPositionCritical, "rvc_decoder"),
	}
	set, err := config.NewSet(defs, nil)
	require.NoError(t, err)

	var stopped bool
	m := newTestManager(t, set, WithEmergencyStop(func(string) { stopped = true }))
	feats := registerScripted(t, m, defs)
	require.NoError(t, m.StartAll(context.Background()))

	// Dependency hook degrades the dependent on any dependency failure.
	m.ApplyState(context.Background(), "rvc_decoder", types.StateFailed, "decode stall")
	assert.Equal(t, types.StateFailed, feats["rvc_decoder"].State())
	assert.Equal(t, types.StateDegraded, feats["slides"].State())
	assert.False(t, stopped, "operational failure alone must not trip the stop")
}

func TestRecoveryRestoresDependents(t *testing.T) {
	set, defs := canStack(t)
	m := newTestManager(t, set, WithEmergencyStop(func(string) {}))
	feats := registerScripted(t, m, defs)
	require.NoError(t, m.StartAll(context.Background()))

	m.ApplyState(context.Background(), "rvc_decoder", types.StateFailed, "fault")
	m.ApplyState(context.Background(), "rvc_decoder", types.StateFailed, "fault")
	require.Equal(t, types.StateFailed, feats["rvc_decoder"].State())
	require.Equal(t, types.StateDegraded, feats["lighting"].State())

	res := m.AttemptRecovery(context.Background(), "rvc_decoder", 0)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, types.StateHealthy, feats["rvc_decoder"].State())
	assert.Equal(t, types.StateHealthy, feats["lighting"].State())
}

func TestRecoveryBoundedRetries(t *testing.T) {
	set, defs := canStack(t)
	m := newTestManager(t, set, WithEmergencyStop(func(string) {}))
	feats := registerScripted(t, m, defs)
	require.NoError(t, m.StartAll(context.Background()))
	m.ApplyState(context.Background(), "lighting", types.StateFailed, "fault")

	feats["lighting"].FailStartups(100)
	start := time.Now()
	res := m.AttemptRecovery(context.Background(), "lighting", 0)
	assert.False(t, res.Success)
	assert.Equal(t, recoveryMaxAttempts, res.Attempts)
	assert.NotEmpty(t, res.Reason)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRecoveryRejectedForHealthyFeature(t *testing.T) {
	set, defs := canStack(t)
	m := newTestManager(t, set)
	registerScripted(t, m, defs)
	require.NoError(t, m.StartAll(context.Background()))

	res := m.AttemptRecovery(context.Background(), "lighting", 0)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "not recoverable")
}

func TestRecoveryRecommendationsOrderAndSafety(t *testing.T) {
	set, defs := canStack(t)
	m := newTestManager(t, set, WithEmergencyStop(func(string) {}))
	feats := registerScripted(t, m, defs)
	require.NoError(t, m.StartAll(context.Background()))

	m.ApplyState(context.Background(), "lighting", types.StateFailed, "fault")
	feats["slides"].SetState(types.StateSafeShutdown, "forced")

	recs := m.RecoveryRecommendations()
	require.Len(t, recs, 2)
	assert.Equal(t, "slides", recs[0].Feature)
	assert.False(t, recs[0].AutoRecoverySafe)
	assert.Equal(t, "lighting", recs[1].Feature)
	assert.True(t, recs[1].AutoRecoverySafe)
}

func TestBulkRecoverySkipsManualOnly(t *testing.T) {
	set, defs := canStack(t)
	m := newTestManager(t, set, WithEmergencyStop(func(string) {}))
	feats := registerScripted(t, m, defs)
	require.NoError(t, m.StartAll(context.Background()))

	m.ApplyState(context.Background(), "lighting", types.StateFailed, "fault")
	feats["slides"].SetState(types.StateSafeShutdown, "forced")

	results := m.BulkRecovery(context.Background())
	byName := make(map[string]types.RecoveryResult)
	for _, r := range results {
		byName[r.Feature] = r
	}
	assert.False(t, byName["slides"].Success)
	assert.Contains(t, byName["slides"].Reason, "manual")
	assert.True(t, byName["lighting"].Success)
}

func TestSystemHealthAggregation(t *testing.T) {
	set, defs := canStack(t)
	m := newTestManager(t, set, WithEmergencyStop(func(string) {}))
	feats := registerScripted(t, m, defs)
	require.NoError(t, m.StartAll(context.Background()))

	snap := m.SystemHealth()
	assert.Equal(t, "healthy", snap.OverallStatus)
	assert.Equal(t, 4, snap.Summary.Total)
	assert.Equal(t, 4, snap.Summary.Healthy)

	m.ApplyState(context.Background(), "lighting", types.StateDegraded, "flicker")
	snap = m.SystemHealth()
	assert.Equal(t, "degraded", snap.OverallStatus)

	feats["rvc_decoder"].SetState(types.StateDegraded, "")
	feats["rvc_decoder"].SetState(types.StateFailed, "")
	snap = m.SystemHealth()
	assert.Equal(t, "critical", snap.OverallStatus)
	assert.Equal(t, 1, snap.Summary.Failed)
}

func TestHealthLoopAppliesObservedState(t *testing.T) {
	set, defs := canStack(t)
	m := newTestManager(t, set, WithEmergencyStop(func(string) {}))
	feats := registerScripted(t, m, defs)
	require.NoError(t, m.StartAll(context.Background()))

	feats["lighting"].ScriptHealth(types.StateDegraded)

	loop := NewHealthLoop(m, 20*time.Millisecond)
	loop.Start(context.Background())
	defer loop.Stop()

	testutil.WaitFor(t, 2*time.Second, func() bool {
		return feats["lighting"].State() == types.StateDegraded
	}, "health loop should commit the degraded observation")
}

// A dependent that defaults disabled but is enabled at runtime must count
// for toggle refusal and health propagation exactly like one enabled from
// the start.
func TestRuntimeEnabledDependentBlocksAndPropagates(t *testing.T) {
	dormant := def("leveling", types.ClassPositionCritical, "rvc_decoder")
	dormant.EnabledByDefault = false
	defs := map[string]types.FeatureDefinition{
		"rvc_decoder": def("rvc_decoder", types.ClassSafetyRelated),
		"leveling":    dormant,
	}
	set, err := config.NewSet(defs, nil)
	require.NoError(t, err)
	m := newTestManager(t, set,
		WithAuthorizer(func(string) bool { return true }),
		WithDeploymentProbe(func(string) bool { return false }),
		WithEmergencyStop(func(string) {}))
	feats := registerScripted(t, m, defs)
	require.NoError(t, m.StartAll(context.Background()))
	require.False(t, feats["leveling"].Enabled())
	require.Equal(t, types.StateStopped, feats["leveling"].State())

	res := m.RequestToggle(context.Background(), ToggleRequest{Feature: "leveling", Enable: true})
	require.True(t, res.Allowed, res.Reason)
	require.Equal(t, types.StateHealthy, feats["leveling"].State())

	// The now-enabled position-critical dependent blocks disabling its
	// dependency, override or not.
	res = m.RequestToggle(context.Background(), ToggleRequest{
		Feature: "rvc_decoder", Override: true, AuthCode: "x",
	})
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "leveling")

	// And a dependency failure reaches it instead of leaving it HEALTHY.
	m.ApplyState(context.Background(), "rvc_decoder", types.StateFailed, "decode stall")
	assert.Equal(t, types.StateDegraded, feats["leveling"].State())
	assert.Contains(t, feats["leveling"].FailedDependencies(), "rvc_decoder")
}

// slowProbeFeature ignores everything but its context, standing in for a
// health probe stuck on bus I/O.
type slowProbeFeature struct {
	*testutil.ScriptedFeature
}

func (f *slowProbeFeature) CheckHealth(ctx context.Context) types.FeatureState {
	<-ctx.Done()
	return types.StateFailed
}

func TestHealthProbeBoundedByTimeout(t *testing.T) {
	d := def("lighting", types.ClassOperational)
	d.HealthCheckTimeout = "30ms"
	defs := map[string]types.FeatureDefinition{"lighting": d}
	set, err := config.NewSet(defs, nil)
	require.NoError(t, err)
	m := newTestManager(t, set)
	inner := testutil.NewScriptedFeature(d, nil)
	require.NoError(t, m.Register(&slowProbeFeature{ScriptedFeature: inner}))
	require.NoError(t, m.StartAll(context.Background()))

	loop := NewHealthLoop(m, 10*time.Millisecond)
	start := time.Now()
	loop.CheckNow(context.Background())

	assert.Less(t, time.Since(start), time.Second, "probe must be cut off at its timeout")
	assert.Equal(t, types.StateFailed, inner.State())
}

func TestMaintainStateOnFailureHoldsPosition(t *testing.T) {
	d := def("awnings", types.ClassSafetyRelated)
	d.MaintainStateOnFailure = true
	defs := map[string]types.FeatureDefinition{"awnings": d}
	set, err := config.NewSet(defs, nil)
	require.NoError(t, err)
	m := newTestManager(t, set, WithEmergencyStop(func(string) {}))
	f := testutil.NewScriptedFeature(d, nil)
	require.NoError(t, m.Register(f))
	require.NoError(t, m.StartAll(context.Background()))

	f.ScriptHealth(types.StateFailed)
	loop := NewHealthLoop(m, 10*time.Millisecond)
	loop.CheckNow(context.Background())

	assert.Equal(t, types.StateSafeShutdown, f.State(),
		"a maintain-on-failure feature holds position instead of dropping to FAILED")
}
