// Package types defines the public domain types for the rvguard safety control plane.
package types

// SafetyClassification is the ISO-26262-style safety tier of a feature. The
// tier decides whether a feature may be toggled at runtime and whether its
// health must be continuously monitored.
type SafetyClassification string

// SafetyClassification values, from most to least safety-relevant.
const (
	ClassCritical         SafetyClassification = "CRITICAL"
	ClassSafetyRelated    SafetyClassification = "SAFETY_RELATED"
	ClassPositionCritical SafetyClassification = "POSITION_CRITICAL"
	ClassOperational      SafetyClassification = "OPERATIONAL"
	ClassMaintenance      SafetyClassification = "MAINTENANCE"
)

// Valid reports whether c is a member of the closed classification set.
func (c SafetyClassification) Valid() bool {
	switch c {
	case ClassCritical, ClassSafetyRelated, ClassPositionCritical, ClassOperational, ClassMaintenance:
		return true
	}
	return false
}

// SafetyTiered reports whether the classification carries safety semantics,
// i.e. disabling such a feature requires an explicit safety override.
func (c SafetyClassification) SafetyTiered() bool {
	return c == ClassCritical || c == ClassSafetyRelated || c == ClassPositionCritical
}

// SafeStateAction is the action a feature takes when forced toward its safe state.
type SafeStateAction string

// SafeStateAction values enumerate the supported safe-state behaviors.
const (
	ActionMaintainPosition   SafeStateAction = "MAINTAIN_POSITION"
	ActionContinueOperation  SafeStateAction = "CONTINUE_OPERATION"
	ActionStopOperation      SafeStateAction = "STOP_OPERATION"
	ActionControlledShutdown SafeStateAction = "CONTROLLED_SHUTDOWN"
	ActionEmergencyStop      SafeStateAction = "EMERGENCY_STOP"
)

// Valid reports whether a is a member of the closed action set.
func (a SafeStateAction) Valid() bool {
	switch a {
	case ActionMaintainPosition, ActionContinueOperation, ActionStopOperation,
		ActionControlledShutdown, ActionEmergencyStop:
		return true
	}
	return false
}

// CompatibleWith reports whether the action is permitted for the given
// classification. POSITION_CRITICAL devices (slides, jacks, awnings) must
// either hold their deployed position or hard-stop; dropping power mid-travel
// is never acceptable.
func (a SafeStateAction) CompatibleWith(c SafetyClassification) bool {
	if c == ClassPositionCritical {
		return a == ActionMaintainPosition || a == ActionEmergencyStop
	}
	return a.Valid()
}

// FeatureState is the lifecycle state of a runtime feature. Transitions are
// restricted to a static directed graph enforced by the lifecycle validator.
type FeatureState string

// FeatureState values represent the lifecycle states of a feature.
const (
	StateStopped      FeatureState = "STOPPED"
	StateInitializing FeatureState = "INITIALIZING"
	StateHealthy      FeatureState = "HEALTHY"
	StateDegraded     FeatureState = "DEGRADED"
	StateFailed       FeatureState = "FAILED"
	StateSafeShutdown FeatureState = "SAFE_SHUTDOWN"
	StateMaintenance  FeatureState = "MAINTENANCE"
)

// HealthStatus is the coarse 4-value projection of a FeatureState used in
// status snapshots.
type HealthStatus string

// HealthStatus values.
const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthFailed   HealthStatus = "failed"
	HealthUnknown  HealthStatus = "unknown"
)

// Health projects the lifecycle state onto the coarse health scale.
func (s FeatureState) Health() HealthStatus {
	switch s {
	case StateHealthy:
		return HealthHealthy
	case StateDegraded:
		return HealthDegraded
	case StateFailed, StateSafeShutdown:
		return HealthFailed
	default:
		return HealthUnknown
	}
}

// CriticalOperationKind identifies a safety-critical command/acknowledgment
// round-trip with a hard response deadline.
type CriticalOperationKind string

// CriticalOperationKind values.
const (
	OpBrakeCommand        CriticalOperationKind = "BRAKE_COMMAND"
	OpBrakeAcknowledgment CriticalOperationKind = "BRAKE_ACKNOWLEDGMENT"
	OpEmergencyStop       CriticalOperationKind = "EMERGENCY_STOP"
	OpSafetyInterlock     CriticalOperationKind = "SAFETY_INTERLOCK"
)

// OperationStatus is the per-operation deadline state machine.
type OperationStatus string

// OperationStatus values.
const (
	OpPending                 OperationStatus = "PENDING"
	OpCompletedWithinDeadline OperationStatus = "COMPLETED_WITHIN_DEADLINE"
	OpCompletedLate           OperationStatus = "COMPLETED_LATE"
	OpTimedOut                OperationStatus = "TIMED_OUT"
)

// ViolationSeverity classifies a recorded deadline violation.
type ViolationSeverity string

// ViolationSeverity values.
const (
	SeverityWarning  ViolationSeverity = "WARNING"
	SeverityCritical ViolationSeverity = "CRITICAL"
)

// EventKind classifies the type of audit event.
type EventKind string

// EventKind values enumerate the categories of recorded safety events.
const (
	EventStateTransition     EventKind = "STATE_TRANSITION"
	EventTransitionRejected  EventKind = "TRANSITION_REJECTED"
	EventFeatureToggle       EventKind = "FEATURE_TOGGLE"
	EventStartupFailure      EventKind = "STARTUP_FAILURE"
	EventDependencyFailed    EventKind = "DEPENDENCY_FAILED"
	EventDependencyRecovered EventKind = "DEPENDENCY_RECOVERED"
	EventRecoveryAttempt     EventKind = "RECOVERY_ATTEMPT"
	EventInterlockEngaged    EventKind = "INTERLOCK_ENGAGED"
	EventInterlockDisengaged EventKind = "INTERLOCK_DISENGAGED"
	EventEmergencyStop       EventKind = "EMERGENCY_STOP"
	EventEmergencyStopReset  EventKind = "EMERGENCY_STOP_RESET"
	EventSafeStateEntered    EventKind = "SAFE_STATE_ENTERED"
	EventWatchdogTimeout     EventKind = "WATCHDOG_TIMEOUT"
	EventDeadlineViolation   EventKind = "DEADLINE_VIOLATION"
	EventDependencyDropped   EventKind = "DEPENDENCY_EDGE_DROPPED"
)

// NotificationLevel replaces string-typed broadcast levels with a proper enum.
type NotificationLevel string

const (
	NotifyError   NotificationLevel = "error"
	NotifyWarning NotificationLevel = "warning"
	NotifyInfo    NotificationLevel = "info"
)

// NotifierType defines the broadcast sink type.
type NotifierType string

// NotifierType values enumerate the supported broadcast backends.
const (
	NotifierConsole NotifierType = "console"
	NotifierWebhook NotifierType = "webhook"
	NotifierFile    NotifierType = "file"
)

// AuditSinkType defines the durable audit sink backend.
type AuditSinkType string

// AuditSinkType values.
const (
	AuditSinkMemory AuditSinkType = "memory"
	AuditSinkFile   AuditSinkType = "file"
	AuditSinkRedis  AuditSinkType = "redis"
)
