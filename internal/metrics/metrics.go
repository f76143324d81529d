// Package metrics exposes runtime counters via expvar.
package metrics

import "expvar"

var (
	StateTransitions       = expvar.NewInt("state_transitions")
	TransitionsRejected    = expvar.NewInt("transitions_rejected")
	TransitionsSubstituted = expvar.NewInt("transitions_substituted")
	TogglesRequested       = expvar.NewInt("toggles_requested")
	TogglesRejected        = expvar.NewInt("toggles_rejected")
	StartupFailures        = expvar.NewInt("startup_failures")
	RecoveryAttempts       = expvar.NewInt("recovery_attempts")
	RecoverySuccesses      = expvar.NewInt("recovery_successes")
	OperationsTracked      = expvar.NewInt("operations_tracked")
	OperationsLate         = expvar.NewInt("operations_late")
	OperationsTimedOut     = expvar.NewInt("operations_timed_out")
	DeadlineViolations     = expvar.NewInt("deadline_violations")
	InterlocksEngaged      = expvar.NewInt("interlocks_engaged")
	InterlocksDisengaged   = expvar.NewInt("interlocks_disengaged")
	EmergencyStops         = expvar.NewInt("emergency_stops")
	WatchdogTrips          = expvar.NewInt("watchdog_trips")
	NotificationsSent      = expvar.NewInt("notifications_sent")
	NotificationsFailed    = expvar.NewInt("notifications_failed")
	AuditEntriesRecorded   = expvar.NewInt("audit_entries_recorded")
	CommandsDispatched     = expvar.NewInt("commands_dispatched")
	VehiclePollErrors      = expvar.NewInt("vehicle_poll_errors")
)
