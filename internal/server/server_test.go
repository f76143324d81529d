package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvguard/rvguard/internal/audit"
	"github.com/rvguard/rvguard/internal/config"
	"github.com/rvguard/rvguard/internal/deadline"
	"github.com/rvguard/rvguard/internal/manager"
	"github.com/rvguard/rvguard/internal/safety"
	"github.com/rvguard/rvguard/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *manager.Manager, *safety.Service) {
	t.Helper()

	defs := map[string]types.FeatureDefinition{
		"can_driver": {
			Name: "can_driver", EnabledByDefault: true,
			Classification:  types.ClassCritical,
			SafeStateAction: types.ActionControlledShutdown,
		},
		"slides": {
			Name: "slides", EnabledByDefault: true,
			Classification:  types.ClassPositionCritical,
			Dependencies:    []string{"can_driver"},
			SafeStateAction: types.ActionMaintainPosition,
		},
	}
	set, err := config.NewSet(defs, nil)
	require.NoError(t, err)

	trail, err := audit.NewTrail(nil, nil)
	require.NoError(t, err)

	mgr := manager.New(set, trail, nil)
	mgr.RegisterDefaults()
	require.NoError(t, mgr.StartAll(context.Background()))

	mon := deadline.New(deadline.DefaultConfig(), nil)
	t.Cleanup(mon.Stop)

	svc := safety.New(safety.DefaultConfig(), mon, nil,
		safety.WithAuditRecorder(trail.RecordFunc()))

	return New(":0", mgr, svc, mon, trail, nil), mgr, svc
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap types.SystemStatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "healthy", snap.OverallStatus)
	assert.Equal(t, 2, snap.Summary.Total)
	assert.Contains(t, snap.Features, "can_driver")
}

func TestSafetyEndpoint(t *testing.T) {
	s, _, svc := newTestServer(t)
	svc.EmergencyStop("test fault")

	rec := get(t, s.Handler(), "/api/safety")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap types.SafetySnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.EmergencyStopActive)
	assert.Equal(t, "test fault", snap.EmergencyStopReason)
	assert.Len(t, snap.Interlocks, 3)
}

func TestFeatureEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s.Handler(), "/api/features/slides")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Definition types.FeatureDefinition `json:"definition"`
		State      types.FeatureState      `json:"state"`
		Enabled    bool                    `json:"enabled"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, types.ClassPositionCritical, body.Definition.Classification)
	assert.Equal(t, types.StateHealthy, body.State)
	assert.True(t, body.Enabled)

	rec = get(t, s.Handler(), "/api/features/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestViolationsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/api/violations")
	require.Equal(t, http.StatusOK, rec.Code)

	var violations []types.DeadlineViolation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &violations))
	assert.Empty(t, violations)
}

func TestAuditEndpoint(t *testing.T) {
	s, _, svc := newTestServer(t)
	svc.EmergencyStop("audit me")

	rec := get(t, s.Handler(), "/api/audit?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []types.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.NotEmpty(t, entries)

	found := false
	for _, e := range entries {
		if e.Kind == types.EventEmergencyStop {
			found = true
		}
	}
	assert.True(t, found, "emergency stop should appear in the audit trail")
}

func TestExpvarMounted(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := get(t, s.Handler(), "/debug/vars")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "state_transitions")
}
