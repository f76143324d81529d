// Package safety implements the interlock engine, emergency-stop cascade,
// and the dual watchdog loops that guard them.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rvguard/rvguard/internal/deadline"
	"github.com/rvguard/rvguard/internal/metrics"
	"github.com/rvguard/rvguard/pkg/types"
)

const (
	defaultHealthCheckInterval = 5 * time.Second
	defaultWatchdogTimeout     = 15 * time.Second
	defaultAuditLimit          = 1000
)

// Config tunes the safety service.
type Config struct {
	HealthCheckInterval time.Duration
	WatchdogTimeout     time.Duration
	ResetAuthCode       string
	AuditLogLimit       int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: defaultHealthCheckInterval,
		WatchdogTimeout:     defaultWatchdogTimeout,
		AuditLogLimit:       defaultAuditLimit,
	}
}

// ConfigFromService maps the yaml safety block onto a Config, falling back
// to defaults for anything absent or invalid.
func ConfigFromService(sc *types.SafetyConfig) Config {
	cfg := DefaultConfig()
	if sc == nil {
		return cfg
	}
	if d, err := time.ParseDuration(sc.HealthCheckInterval); err == nil && d > 0 {
		cfg.HealthCheckInterval = d
	}
	if d, err := time.ParseDuration(sc.WatchdogTimeout); err == nil && d > 0 {
		cfg.WatchdogTimeout = d
	}
	cfg.ResetAuthCode = sc.ResetAuthCode
	if sc.AuditLogLimit > 0 {
		cfg.AuditLogLimit = sc.AuditLogLimit
	}
	return cfg
}

// Service evaluates interlocks against the shared vehicle-state snapshot,
// runs the emergency-stop cascade, and keeps the watchdog loops honest.
// All mutable state sits behind one mutex; callbacks run outside it.
type Service struct {
	cfg     Config
	logger  *slog.Logger
	monitor *deadline.Monitor
	nowFn   func() time.Time

	// forceSafe drives every POSITION_CRITICAL feature to SAFE_SHUTDOWN.
	// Wired to the feature manager after construction.
	forceSafe func(reason string)
	// healthCheck runs the feature health pass inside the kicked check loop.
	healthCheck func(ctx context.Context)
	// dispatchAction sends an engaged interlock's safe-state action to the
	// bus. Nil means the engagement is in-process only.
	dispatchAction func(feature string, action types.SafeStateAction, interlock string)
	// notify broadcasts a structured notification. Best effort.
	notify func(types.Notification)
	// recordExternal forwards audit entries to the durable trail.
	recordExternal func(types.AuditEntry)

	mu          sync.Mutex
	state       types.VehicleState
	interlocks  []*Interlock
	estopActive bool
	estopReason string
	inSafeState bool
	auditLog    []types.AuditEntry

	// watchdog
	lastKick time.Time
	tripped  bool

	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithInterlocks replaces the default interlock rule set.
func WithInterlocks(ils []*Interlock) Option {
	return func(s *Service) { s.interlocks = ils }
}

// WithSafeStateFunc wires the feature-side safe-state cascade.
func WithSafeStateFunc(fn func(reason string)) Option {
	return func(s *Service) { s.forceSafe = fn }
}

// WithHealthCheck wires the feature health pass into the kicked check loop.
// A hang inside a feature probe then stalls the kick and the watchdog
// catches it; a separately scheduled health loop would stall undetected.
func WithHealthCheck(fn func(ctx context.Context)) Option {
	return func(s *Service) { s.healthCheck = fn }
}

// WithActionDispatcher wires the bus-side half of an interlock engagement:
// the governed feature's safe-state action is dispatched whenever its
// interlock engages.
func WithActionDispatcher(fn func(feature string, action types.SafeStateAction, interlock string)) Option {
	return func(s *Service) { s.dispatchAction = fn }
}

// WithNotifier wires the broadcast notification hook.
func WithNotifier(fn func(types.Notification)) Option {
	return func(s *Service) { s.notify = fn }
}

// WithAuditRecorder wires the durable audit trail.
func WithAuditRecorder(fn func(types.AuditEntry)) Option {
	return func(s *Service) { s.recordExternal = fn }
}

// New creates a Service with the default interlock rules.
func New(cfg Config, monitor *deadline.Monitor, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = defaultWatchdogTimeout
	}
	if cfg.AuditLogLimit <= 0 {
		cfg.AuditLogLimit = defaultAuditLimit
	}
	s := &Service{
		cfg:        cfg,
		logger:     logger.With("component", "safety"),
		monitor:    monitor,
		nowFn:      time.Now,
		interlocks: DefaultInterlocks(),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastKick = s.nowFn()
	return s
}

// SetNow replaces the clock for tests.
func (s *Service) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = now
	s.lastKick = now()
}

// UpdateSystemState replaces the shared vehicle-state snapshot and
// re-evaluates every interlock against it.
func (s *Service) UpdateSystemState(vs types.VehicleState) {
	s.mu.Lock()
	s.state = vs
	s.mu.Unlock()
	s.CheckInterlocks()
}

// SystemState returns the current vehicle-state snapshot.
func (s *Service) SystemState() types.VehicleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CheckInterlocks evaluates every interlock against the current snapshot.
// Engage and disengage are idempotent: only actual edges are audit-logged and
// counted, and an engagement keeps its original time and reason until it
// clears. While the emergency stop is active every interlock stays engaged.
func (s *Service) CheckInterlocks() {
	type edge struct {
		entry  types.AuditEntry
		action types.SafeStateAction
		opID   string
		engage bool
	}
	var edges []edge

	s.mu.Lock()
	now := s.nowFn()
	for _, il := range s.interlocks {
		safe, failing := il.evaluate(s.state)
		if s.estopActive {
			safe = false
			failing = "emergency stop active"
		}

		switch {
		case !safe && !il.engaged:
			il.engaged = true
			il.engagedAt = now
			il.reason = failing
			opID := ""
			if s.monitor != nil {
				opID = s.monitor.Track(types.OpSafetyInterlock, il.Name)
			}
			edges = append(edges, edge{
				engage: true,
				action: il.Action,
				opID:   opID,
				entry: types.AuditEntry{
					Kind:    types.EventInterlockEngaged,
					Feature: il.Feature,
					Action:  il.Name,
					Reason:  failing,
				},
			})
		case safe && il.engaged:
			il.engaged = false
			il.reason = ""
			edges = append(edges, edge{
				entry: types.AuditEntry{
					Kind:    types.EventInterlockDisengaged,
					Feature: il.Feature,
					Action:  il.Name,
				},
			})
		}
	}
	// Safe state clears once nothing is engaged and the stop has been reset.
	if s.inSafeState && !s.estopActive && !s.anyEngagedLocked() {
		s.inSafeState = false
	}
	s.mu.Unlock()

	for _, e := range edges {
		if e.engage {
			metrics.InterlocksEngaged.Add(1)
			s.logger.Warn("interlock engaged",
				"interlock", e.entry.Action, "feature", e.entry.Feature, "reason", e.entry.Reason)
			if s.monitor != nil && e.opID != "" {
				// The engagement is applied in-process; completing here
				// measures the evaluate-to-engage latency.
				s.monitor.Complete(e.opID, nil)
			}
			if s.dispatchAction != nil {
				s.dispatchAction(e.entry.Feature, e.action, e.entry.Action)
			}
		} else {
			metrics.InterlocksDisengaged.Add(1)
			s.logger.Info("interlock disengaged",
				"interlock", e.entry.Action, "feature", e.entry.Feature)
		}
		s.record(e.entry)
	}
}

func (s *Service) anyEngagedLocked() bool {
	for _, il := range s.interlocks {
		if il.engaged {
			return true
		}
	}
	return false
}

// Permit reports whether motion commands for the feature are currently
// allowed. Unknown features are permitted; only configured interlocks block.
func (s *Service) Permit(feature string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.estopActive {
		return false, "emergency stop active"
	}
	for _, il := range s.interlocks {
		if il.Feature == feature && il.engaged {
			return false, fmt.Sprintf("interlock %s engaged: %s", il.Name, il.reason)
		}
	}
	return true, ""
}

// EmergencyStop puts the whole system into its safe state. Idempotent: a
// second call while active is a no-op. The cascade engages every interlock,
// forces POSITION_CRITICAL features to SAFE_SHUTDOWN, and broadcasts a
// critical notification. The cascade itself is tracked against the
// emergency-stop deadline.
func (s *Service) EmergencyStop(reason string) {
	s.mu.Lock()
	if s.estopActive {
		s.mu.Unlock()
		return
	}
	opID := ""
	if s.monitor != nil {
		opID = s.monitor.Track(types.OpEmergencyStop, "system")
	}
	now := s.nowFn()
	s.estopActive = true
	s.estopReason = reason
	s.inSafeState = true
	var engagedNow []*Interlock
	for _, il := range s.interlocks {
		if !il.engaged {
			il.engaged = true
			il.engagedAt = now
			il.reason = "emergency stop"
			metrics.InterlocksEngaged.Add(1)
			engagedNow = append(engagedNow, il)
		}
	}
	s.mu.Unlock()

	metrics.EmergencyStops.Add(1)
	s.logger.Error("EMERGENCY STOP", "reason", reason)
	// Each interlock transition still appends its own audit entry; the
	// cascade is not a substitute for the per-interlock record.
	for _, il := range engagedNow {
		s.record(types.AuditEntry{
			Kind:    types.EventInterlockEngaged,
			Feature: il.Feature,
			Action:  il.Name,
			Reason:  "emergency stop",
		})
		if s.dispatchAction != nil {
			s.dispatchAction(il.Feature, il.Action, il.Name)
		}
	}
	s.record(types.AuditEntry{
		Kind:   types.EventEmergencyStop,
		Reason: reason,
	})
	s.record(types.AuditEntry{
		Kind:   types.EventSafeStateEntered,
		Reason: reason,
	})

	if s.forceSafe != nil {
		s.forceSafe(reason)
	}
	if s.notify != nil {
		s.notify(types.Notification{
			Level:     types.NotifyError,
			Category:  "emergency_stop",
			Message:   "emergency stop engaged: " + reason,
			Timestamp: now,
		})
	}
	if s.monitor != nil && opID != "" {
		s.monitor.Complete(opID, map[string]any{"reason": reason})
	}
}

// ResetEmergencyStop clears the emergency-stop flag after an exact
// authorization-code match. Nothing else changes: interlocks stay engaged
// until their conditions actually hold again.
func (s *Service) ResetEmergencyStop(code string) (bool, string) {
	s.mu.Lock()
	if !s.estopActive {
		s.mu.Unlock()
		return false, "emergency stop is not active"
	}
	if code != s.cfg.ResetAuthCode || s.cfg.ResetAuthCode == "" {
		s.mu.Unlock()
		s.record(types.AuditEntry{
			Kind:   types.EventEmergencyStopReset,
			Reason: "invalid authorization code",
		})
		return false, "invalid authorization code"
	}
	s.estopActive = false
	s.estopReason = ""
	s.tripped = false
	s.mu.Unlock()

	s.logger.Info("emergency stop reset")
	s.record(types.AuditEntry{
		Kind:       types.EventEmergencyStopReset,
		Authorized: true,
	})
	// Re-evaluate so interlocks with satisfied conditions release now.
	s.CheckInterlocks()
	return true, ""
}

// EmergencyStopActive reports whether the stop flag is set.
func (s *Service) EmergencyStopActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estopActive
}

// Snapshot returns the read-only safety view.
func (s *Service) Snapshot() types.SafetySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := types.SafetySnapshot{
		InSafeState:         s.inSafeState,
		EmergencyStopActive: s.estopActive,
		EmergencyStopReason: s.estopReason,
		Interlocks:          make([]types.InterlockSnapshot, 0, len(s.interlocks)),
		AuditLogEntries:     len(s.auditLog),
	}
	for _, il := range s.interlocks {
		snap.Interlocks = append(snap.Interlocks, il.snapshot())
	}
	return snap
}

// AuditLog returns a copy of the bounded in-service audit log.
func (s *Service) AuditLog() []types.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AuditEntry, len(s.auditLog))
	copy(out, s.auditLog)
	return out
}

// record appends to the bounded local log (evict oldest) and forwards to the
// durable trail when wired.
func (s *Service) record(entry types.AuditEntry) {
	s.mu.Lock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.nowFn()
	}
	s.auditLog = append(s.auditLog, entry)
	if over := len(s.auditLog) - s.cfg.AuditLogLimit; over > 0 {
		s.auditLog = s.auditLog[over:]
	}
	fwd := s.recordExternal
	s.mu.Unlock()

	if fwd != nil {
		fwd(entry)
	}
}
