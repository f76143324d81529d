// Package lifecycle implements the feature state machine and its
// classification-gated transition rules.
package lifecycle

import (
	"fmt"

	"github.com/rvguard/rvguard/pkg/types"
)

// Transition table: from -> allowed tos. Order matters: SafeTransition picks
// the first legal successor when no specific substitute applies.
var validTransitions = map[types.FeatureState][]types.FeatureState{
	types.StateStopped:      {types.StateInitializing, types.StateMaintenance},
	types.StateInitializing: {types.StateHealthy, types.StateDegraded, types.StateFailed, types.StateStopped},
	types.StateHealthy:      {types.StateDegraded, types.StateSafeShutdown, types.StateFailed, types.StateMaintenance, types.StateStopped},
	types.StateDegraded:     {types.StateHealthy, types.StateSafeShutdown, types.StateFailed, types.StateStopped},
	types.StateFailed:       {types.StateInitializing, types.StateSafeShutdown, types.StateMaintenance, types.StateStopped},
	types.StateSafeShutdown: {types.StateStopped, types.StateInitializing},
	types.StateMaintenance:  {types.StateInitializing, types.StateStopped},
}

// ValidateTransition checks whether moving a feature of the given
// classification from one state to another is legal. Identity transitions are
// always valid. CRITICAL features cannot jump HEALTHY->FAILED directly: a
// detected failure must surface as DEGRADED first, modeling failure-detection
// latency. POSITION_CRITICAL features cannot reach FAILED from HEALTHY or
// DEGRADED without passing through SAFE_SHUTDOWN: retract to a known position,
// don't just drop.
func ValidateTransition(from, to types.FeatureState, class types.SafetyClassification) (bool, string) {
	if from == to {
		return true, ""
	}

	allowed, ok := validTransitions[from]
	if !ok {
		return false, fmt.Sprintf("no transitions defined from %s", from)
	}
	found := false
	for _, s := range allowed {
		if s == to {
			found = true
			break
		}
	}
	if !found {
		return false, fmt.Sprintf("transition %s -> %s is not in the state graph", from, to)
	}

	if class == types.ClassCritical && from == types.StateHealthy && to == types.StateFailed {
		return false, "CRITICAL features must route HEALTHY -> DEGRADED -> FAILED"
	}
	if class == types.ClassPositionCritical && to == types.StateFailed &&
		(from == types.StateHealthy || from == types.StateDegraded) {
		return false, "POSITION_CRITICAL features must route through SAFE_SHUTDOWN before FAILED"
	}

	return true, ""
}

// SafeTransition returns the state to apply when the desired transition is
// requested. If the transition is legal the desired state is returned
// unchanged. On rejection it substitutes DEGRADED (the CRITICAL -> FAILED
// case), SAFE_SHUTDOWN (the POSITION_CRITICAL -> FAILED case), else the first
// legal successor, else the current state. The substitute always validates.
func SafeTransition(current, desired types.FeatureState, class types.SafetyClassification) types.FeatureState {
	if ok, _ := ValidateTransition(current, desired, class); ok {
		return desired
	}

	if class == types.ClassCritical && current == types.StateHealthy && desired == types.StateFailed {
		return types.StateDegraded
	}
	if class == types.ClassPositionCritical && desired == types.StateFailed &&
		(current == types.StateHealthy || current == types.StateDegraded) {
		return types.StateSafeShutdown
	}

	for _, s := range validTransitions[current] {
		if ok, _ := ValidateTransition(current, s, class); ok {
			return s
		}
	}
	return current
}

// EmergencyStopRequired is the sole escalation point from a local feature
// failure to a system-wide emergency stop. It holds when a CRITICAL feature
// has FAILED, when a POSITION_CRITICAL feature has at least one failed
// dependency, or when a SAFETY_RELATED feature has FAILED with two or more
// failed dependencies.
func EmergencyStopRequired(state types.FeatureState, class types.SafetyClassification, failedDeps int) bool {
	switch class {
	case types.ClassCritical:
		return state == types.StateFailed
	case types.ClassPositionCritical:
		return failedDeps >= 1
	case types.ClassSafetyRelated:
		return state == types.StateFailed && failedDeps >= 2
	}
	return false
}

// IsTerminal returns true if the state requires explicit operator action to
// leave during normal operation.
func IsTerminal(state types.FeatureState) bool {
	return state == types.StateFailed || state == types.StateSafeShutdown || state == types.StateStopped
}

// AllStates lists every lifecycle state, useful for exhaustive property checks.
func AllStates() []types.FeatureState {
	return []types.FeatureState{
		types.StateStopped, types.StateInitializing, types.StateHealthy,
		types.StateDegraded, types.StateFailed, types.StateSafeShutdown,
		types.StateMaintenance,
	}
}

// AllClassifications lists every safety tier.
func AllClassifications() []types.SafetyClassification {
	return []types.SafetyClassification{
		types.ClassCritical, types.ClassSafetyRelated, types.ClassPositionCritical,
		types.ClassOperational, types.ClassMaintenance,
	}
}
