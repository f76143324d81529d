package types

import "time"

// FeatureDefinition is the declarative configuration for one functional
// subsystem (CAN driver, protocol decoder, slide/awning/leveling controller).
// Parsed once at startup and immutable afterwards.
type FeatureDefinition struct {
	Name                   string               `yaml:"name" json:"name"`
	EnabledByDefault       bool                 `yaml:"enabledByDefault" json:"enabledByDefault"`
	Mandatory              bool                 `yaml:"mandatory,omitempty" json:"mandatory,omitempty"`
	Classification         SafetyClassification `yaml:"classification" json:"classification"`
	Dependencies           []string             `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	MaintainStateOnFailure bool                 `yaml:"maintainStateOnFailure,omitempty" json:"maintainStateOnFailure,omitempty"`
	SafeStateAction        SafeStateAction      `yaml:"safeStateAction" json:"safeStateAction"`
	HealthCheckInterval    string               `yaml:"healthCheckInterval,omitempty" json:"healthCheckInterval,omitempty"` // e.g. "5s"
	HealthCheckTimeout     string               `yaml:"healthCheckTimeout,omitempty" json:"healthCheckTimeout,omitempty"`   // e.g. "2s"
	Config                 map[string]any       `yaml:"config,omitempty" json:"config,omitempty"`
}

// DeadlineViolation records a safety-critical round-trip that exceeded its
// allotted response time, or was forcibly resolved as timed out. Immutable
// once created.
type DeadlineViolation struct {
	OperationID  string                `json:"operationId"`
	Kind         CriticalOperationKind `json:"kind"`
	EntityID     string                `json:"entityId"`
	CommandTime  time.Time             `json:"commandTime"`
	ResponseTime time.Time             `json:"responseTime"`
	Deadline     time.Duration         `json:"deadline"`
	Actual       time.Duration         `json:"actual"`
	Severity     ViolationSeverity     `json:"severity"`
	TimedOut     bool                  `json:"timedOut"`
}

// AuditEntry is a single record in the safety audit trail. Every interlock
// transition, toggle attempt, emergency stop, and safe-state entry appends one.
type AuditEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Kind       EventKind      `json:"kind"`
	Feature    string         `json:"feature,omitempty"`
	User       string         `json:"user,omitempty"`
	Action     string         `json:"action,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Authorized bool           `json:"authorized,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Notification is a structured broadcast event (emergency stop, safe-state
// entry, reconciliation). Transport-agnostic.
type Notification struct {
	Level     NotificationLevel `json:"level"`
	Category  string            `json:"category"`
	Feature   string            `json:"feature,omitempty"`
	Message   string            `json:"message"`
	Details   map[string]any    `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// FeatureStatus is the read-only per-feature slice of the system snapshot.
type FeatureStatus struct {
	Enabled        bool                 `json:"enabled"`
	Classification SafetyClassification `json:"classification"`
	State          FeatureState         `json:"state"`
	Health         HealthStatus         `json:"health"`
}

// StatusSummary aggregates feature counts for the system snapshot.
type StatusSummary struct {
	Total    int `json:"total"`
	Healthy  int `json:"healthy"`
	Degraded int `json:"degraded"`
	Failed   int `json:"failed"`
	Stopped  int `json:"stopped"`
}

// SystemStatusSnapshot is the read-only health view over all features.
// OverallStatus is "critical" if any safety-critical feature has failed,
// "degraded" if any feature is degraded or failed, else "healthy".
type SystemStatusSnapshot struct {
	OverallStatus string                   `json:"overallStatus"`
	Features      map[string]FeatureStatus `json:"features"`
	Summary       StatusSummary            `json:"summary"`
	CheckedAt     time.Time                `json:"checkedAt"`
}

// InterlockSnapshot is the read-only view of one safety interlock.
type InterlockSnapshot struct {
	Name      string          `json:"name"`
	Feature   string          `json:"feature"`
	Action    SafeStateAction `json:"action"`
	Engaged   bool            `json:"engaged"`
	EngagedAt *time.Time      `json:"engagedAt,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// SafetySnapshot is the read-only view of the safety service.
type SafetySnapshot struct {
	InSafeState         bool                `json:"inSafeState"`
	EmergencyStopActive bool                `json:"emergencyStopActive"`
	EmergencyStopReason string              `json:"emergencyStopReason,omitempty"`
	Interlocks          []InterlockSnapshot `json:"interlocks"`
	AuditLogEntries     int                 `json:"auditLogEntries"`
}

// VehicleState is the shared snapshot of chassis signals that safety
// interlock predicates evaluate against. A zero value reads as "not in
// PARK, no parking brake", which makes every interlock engage. The
// deployment flags in a zero value read retracted, so deployment checks
// must treat a snapshot with a zero UpdatedAt as unknown rather than safe.
type VehicleState struct {
	SpeedMPH       float64   `json:"speedMph"`
	ParkingBrake   bool      `json:"parkingBrake"`
	Gear           string    `json:"gear"` // PARK, REVERSE, NEUTRAL, DRIVE
	JacksDeployed  bool      `json:"jacksDeployed"`
	SlidesDeployed bool      `json:"slidesDeployed"`
	WindSafe       bool      `json:"windSafe"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Parked reports whether the transmission is in PARK.
func (v VehicleState) Parked() bool { return v.Gear == "PARK" }

// RecoveryRecommendation suggests an operator action for an unhealthy feature.
type RecoveryRecommendation struct {
	Feature          string               `json:"feature"`
	Classification   SafetyClassification `json:"classification"`
	State            FeatureState         `json:"state"`
	Priority         int                  `json:"priority"`
	AutoRecoverySafe bool                 `json:"autoRecoverySafe"`
	SuggestedAction  string               `json:"suggestedAction"`
}

// RecoveryResult reports the outcome of a recovery attempt for one feature.
type RecoveryResult struct {
	Feature  string `json:"feature"`
	Success  bool   `json:"success"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason,omitempty"`
}
