package types

// ServerConfig configures the read-only status HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty"`
}

// NotifierConfig configures one broadcast sink.
type NotifierConfig struct {
	Type NotifierType `yaml:"type" json:"type"`
	URL  string       `yaml:"url,omitempty" json:"url,omitempty"`
	Path string       `yaml:"path,omitempty" json:"path,omitempty"`
}

// AuditSinkConfig configures one durable audit sink.
type AuditSinkConfig struct {
	Type      AuditSinkType `yaml:"type" json:"type"`
	Path      string        `yaml:"path,omitempty" json:"path,omitempty"`
	Addr      string        `yaml:"addr,omitempty" json:"addr,omitempty"`
	Password  string        `yaml:"password,omitempty" json:"password,omitempty"`
	DB        int           `yaml:"db,omitempty" json:"db,omitempty"`
	Stream    string        `yaml:"stream,omitempty" json:"stream,omitempty"`
	MaxLength int64         `yaml:"maxLength,omitempty" json:"maxLength,omitempty"`
}

// SafetyConfig configures the safety service loops and emergency-stop reset.
type SafetyConfig struct {
	HealthCheckInterval string `yaml:"healthCheckInterval,omitempty" json:"healthCheckInterval,omitempty"` // e.g. "5s"
	WatchdogTimeout     string `yaml:"watchdogTimeout,omitempty" json:"watchdogTimeout,omitempty"`         // e.g. "15s"
	ResetAuthCode       string `yaml:"resetAuthCode,omitempty" json:"resetAuthCode,omitempty"`
	AuditLogLimit       int    `yaml:"auditLogLimit,omitempty" json:"auditLogLimit,omitempty"`
}

// DeadlineConfig fixes the per-operation deadlines in milliseconds. The
// deadlines are configured at startup only.
type DeadlineConfig struct {
	BrakeCommandMS       int     `yaml:"brakeCommandMs,omitempty" json:"brakeCommandMs,omitempty"`
	BrakeAckMS           int     `yaml:"brakeAckMs,omitempty" json:"brakeAckMs,omitempty"`
	EmergencyStopMS      int     `yaml:"emergencyStopMs,omitempty" json:"emergencyStopMs,omitempty"`
	SafetyInterlockMS    int     `yaml:"safetyInterlockMs,omitempty" json:"safetyInterlockMs,omitempty"`
	CriticalMultiplier   float64 `yaml:"criticalMultiplier,omitempty" json:"criticalMultiplier,omitempty"`
	ViolationHistorySize int     `yaml:"violationHistorySize,omitempty" json:"violationHistorySize,omitempty"`
}

// VehicleConfig configures the vehicle-state feed.
type VehicleConfig struct {
	Source       string `yaml:"source,omitempty" json:"source,omitempty"` // "http" or "static"
	URL          string `yaml:"url,omitempty" json:"url,omitempty"`
	PollInterval string `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"` // e.g. "200ms"
}

// DispatchConfig bounds concurrent CAN command dispatch.
type DispatchConfig struct {
	MaxConcurrent int64 `yaml:"maxConcurrent,omitempty" json:"maxConcurrent,omitempty"`
}

// ServiceConfig is the full rvguard.yaml configuration.
type ServiceConfig struct {
	Server     *ServerConfig                `yaml:"server,omitempty" json:"server,omitempty"`
	Safety     *SafetyConfig                `yaml:"safety,omitempty" json:"safety,omitempty"`
	Deadlines  *DeadlineConfig              `yaml:"deadlines,omitempty" json:"deadlines,omitempty"`
	Vehicle    *VehicleConfig               `yaml:"vehicle,omitempty" json:"vehicle,omitempty"`
	Dispatch   *DispatchConfig              `yaml:"dispatch,omitempty" json:"dispatch,omitempty"`
	Notifiers  []NotifierConfig             `yaml:"notifiers,omitempty" json:"notifiers,omitempty"`
	AuditSinks []AuditSinkConfig            `yaml:"auditSinks,omitempty" json:"auditSinks,omitempty"`
	Features   map[string]FeatureDefinition `yaml:"features" json:"features"`
}
