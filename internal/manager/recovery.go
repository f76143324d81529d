package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/rvguard/rvguard/internal/metrics"
	"github.com/rvguard/rvguard/pkg/types"
)

// Bounded retry policy for a single recovery attempt.
const (
	recoveryMaxAttempts = 3
	recoveryBackoff     = 250 * time.Millisecond
)

// classPriority orders recovery work: lower is more urgent.
func classPriority(c types.SafetyClassification) int {
	switch c {
	case types.ClassCritical:
		return 0
	case types.ClassPositionCritical:
		return 1
	case types.ClassSafetyRelated:
		return 2
	case types.ClassOperational:
		return 3
	default:
		return 4
	}
}

// recoverable reports whether a feature in the given state is a candidate
// for restart.
func recoverable(s types.FeatureState) bool {
	switch s {
	case types.StateFailed, types.StateDegraded, types.StateSafeShutdown:
		return true
	}
	return false
}

// RecoveryRecommendations lists every enabled feature that is FAILED,
// DEGRADED or in SAFE_SHUTDOWN, ordered by safety priority. CRITICAL and
// POSITION_CRITICAL features are never flagged safe for automatic recovery:
// a CRITICAL restart needs an operator decision, and a POSITION_CRITICAL
// device's physical position is unknown after a failure until an operator
// confirms it.
func (m *Manager) RecoveryRecommendations() []types.RecoveryRecommendation {
	var recs []types.RecoveryRecommendation
	for _, name := range m.set.StartupOrder() {
		f, ok := m.Feature(name)
		if !ok || !f.Enabled() {
			continue
		}
		state := f.State()
		if !recoverable(state) {
			continue
		}
		def := f.Definition()
		rec := types.RecoveryRecommendation{
			Feature:        name,
			Classification: def.Classification,
			State:          state,
			Priority:       classPriority(def.Classification),
		}
		switch def.Classification {
		case types.ClassCritical:
			rec.SuggestedAction = "operator-initiated restart required"
		case types.ClassPositionCritical:
			rec.SuggestedAction = "verify device position, then restart manually"
		default:
			rec.AutoRecoverySafe = true
			rec.SuggestedAction = "restart"
		}
		recs = append(recs, rec)
	}
	// StartupOrder already respects dependencies; sort stably by priority.
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].Priority < recs[j-1].Priority; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
	return recs
}

// AttemptRecovery restarts a failed feature with bounded retries, at most
// maxAttempts of them (<=0 selects the default bound). Each attempt walks
// the normal lifecycle (FAILED -> INITIALIZING -> HEALTHY via Startup); a
// recovered feature's dependents are notified through the usual propagation
// path.
func (m *Manager) AttemptRecovery(ctx context.Context, name string, maxAttempts int) types.RecoveryResult {
	if maxAttempts <= 0 {
		maxAttempts = recoveryMaxAttempts
	}
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	f, ok := m.Feature(name)
	if !ok {
		return types.RecoveryResult{Feature: name, Reason: "unknown feature"}
	}
	prev := f.State()
	if !recoverable(prev) {
		return types.RecoveryResult{Feature: name, Reason: fmt.Sprintf("not recoverable from %s", prev)}
	}
	if !f.Enabled() {
		return types.RecoveryResult{Feature: name, Reason: "feature is disabled"}
	}

	result := types.RecoveryResult{Feature: name}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		metrics.RecoveryAttempts.Add(1)
		m.record(types.AuditEntry{
			Kind:    types.EventRecoveryAttempt,
			Feature: name,
			Details: map[string]any{"attempt": attempt},
		})

		err := f.Startup(ctx)
		if err == nil {
			metrics.RecoverySuccesses.Add(1)
			result.Success = true
			m.logger.Info("feature recovered", "feature", name, "attempts", attempt)
			m.propagateHealthChange(ctx, name, f.State(), prev)
			return result
		}
		result.Reason = err.Error()
		m.logger.Warn("recovery attempt failed",
			"feature", name, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			result.Reason = ctx.Err().Error()
			return result
		case <-time.After(recoveryBackoff * time.Duration(attempt)):
		}
	}
	return result
}

// BulkRecovery runs AttemptRecovery over every auto-safe recommendation in
// dependency order, so an upstream fix lands before its dependents retry.
func (m *Manager) BulkRecovery(ctx context.Context) []types.RecoveryResult {
	var results []types.RecoveryResult
	for _, rec := range m.RecoveryRecommendations() {
		if !rec.AutoRecoverySafe {
			results = append(results, types.RecoveryResult{
				Feature: rec.Feature,
				Reason:  "manual recovery required",
			})
			continue
		}
		results = append(results, m.AttemptRecovery(ctx, rec.Feature, 0))
	}
	return results
}
