package manager

import (
	"context"
	"fmt"

	"github.com/rvguard/rvguard/internal/feature"
	"github.com/rvguard/rvguard/internal/metrics"
	"github.com/rvguard/rvguard/pkg/types"
)

// ToggleRequest asks for a runtime enable/disable of a feature. Safety-tiered
// disables require Override plus a valid AuthCode.
type ToggleRequest struct {
	Feature  string
	Enable   bool
	User     string
	Reason   string
	Override bool
	AuthCode string
}

// ToggleResult reports the outcome of a toggle request. Every decision,
// allowed or refused, is audit-logged.
type ToggleResult struct {
	Allowed bool
	Reason  string
	State   types.FeatureState
}

// RequestToggle applies the fail-closed toggle policy:
//
//   - unknown feature: refused
//   - CRITICAL: never disabled at runtime, override or not
//   - SAFETY_RELATED / POSITION_CRITICAL: disable requires override with a
//     valid authorization code
//   - POSITION_CRITICAL: additionally refused while the governed device is
//     physically deployed (unknown deployment state fails closed)
//   - any feature: refused while an enabled safety-tiered dependent relies
//     on it
//
// Enabling is always permitted for a known feature; the feature restarts
// through its normal lifecycle.
func (m *Manager) RequestToggle(ctx context.Context, req ToggleRequest) ToggleResult {
	metrics.TogglesRequested.Add(1)

	lock := m.lockFor(req.Feature)
	lock.Lock()
	defer lock.Unlock()

	f, ok := m.Feature(req.Feature)
	if !ok {
		return m.refuse(req, "unknown feature")
	}
	def := f.Definition()

	if req.Enable {
		return m.applyToggle(ctx, req, f, true, "enable requested")
	}

	switch def.Classification {
	case types.ClassCritical:
		return m.refuse(req, "CRITICAL features cannot be disabled at runtime")
	case types.ClassSafetyRelated, types.ClassPositionCritical:
		if !req.Override {
			return m.refuse(req, fmt.Sprintf("%s features require an authorized override to disable", def.Classification))
		}
		if m.authorize == nil || !m.authorize(req.AuthCode) {
			return m.refuse(req, "invalid authorization code")
		}
	}

	if def.Classification == types.ClassPositionCritical {
		if m.deployed == nil || m.deployed(req.Feature) {
			return m.refuse(req, "device is deployed or deployment state unknown")
		}
	}

	if dep := m.blockingDependent(req.Feature); dep != "" {
		return m.refuse(req, fmt.Sprintf("safety-tiered dependent %s is enabled", dep))
	}

	return m.applyToggle(ctx, req, f, false, req.Reason)
}

// blockingDependent returns the name of an enabled safety-tiered dependent
// of the feature, or "" if none.
func (m *Manager) blockingDependent(name string) string {
	for _, depName := range m.set.Dependents(name) {
		dep, ok := m.Feature(depName)
		if !ok || !dep.Enabled() {
			continue
		}
		if dep.Definition().Classification.SafetyTiered() {
			return depName
		}
	}
	return ""
}

func (m *Manager) applyToggle(ctx context.Context, req ToggleRequest, f feature.Feature, enable bool, reason string) ToggleResult {
	name := f.Name()
	if enable {
		f.SetEnabled(true)
		if err := f.Startup(ctx); err != nil {
			m.logger.Warn("enabled feature failed to start", "feature", name, "error", err)
		}
	} else {
		if err := f.Shutdown(ctx); err != nil {
			m.logger.Warn("disabled feature shutdown error", "feature", name, "error", err)
		}
		f.SetEnabled(false)
	}

	m.record(types.AuditEntry{
		Kind:       types.EventFeatureToggle,
		Feature:    name,
		User:       req.User,
		Action:     toggleAction(enable),
		Reason:     reason,
		Authorized: true,
		Details:    map[string]any{"override": req.Override},
	})
	m.logger.Info("feature toggled", "feature", name, "enabled", enable, "user", req.User)
	return ToggleResult{Allowed: true, Reason: reason, State: f.State()}
}

func (m *Manager) refuse(req ToggleRequest, why string) ToggleResult {
	metrics.TogglesRejected.Add(1)
	m.record(types.AuditEntry{
		Kind:       types.EventFeatureToggle,
		Feature:    req.Feature,
		User:       req.User,
		Action:     toggleAction(req.Enable) + "_refused",
		Reason:     why,
		Authorized: false,
	})
	m.logger.Warn("toggle refused", "feature", req.Feature, "enable", req.Enable, "reason", why)
	return ToggleResult{Allowed: false, Reason: why}
}

func toggleAction(enable bool) string {
	if enable {
		return "enable"
	}
	return "disable"
}
