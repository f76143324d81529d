// Package deadline implements deadline-bounded tracking of safety-critical
// command/acknowledgment round-trips. Every tracked operation either completes
// (on time or late) or is forcibly resolved as timed out by a one-shot timer
// that fires at exactly the deadline.
package deadline

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rvguard/rvguard/internal/metrics"
	"github.com/rvguard/rvguard/pkg/types"
)

// Default deadlines. Configured at startup only, never at runtime.
const (
	DefaultBrakeCommandDeadline    = 50 * time.Millisecond
	DefaultBrakeAckDeadline        = 50 * time.Millisecond
	DefaultEmergencyStopDeadline   = 25 * time.Millisecond
	DefaultSafetyInterlockDeadline = 100 * time.Millisecond

	// Elapsed beyond multiplier*deadline classifies a violation CRITICAL.
	// Tunable, not a hard invariant.
	DefaultCriticalMultiplier = 2.0

	defaultHistorySize = 500

	criticalLookback = 5 * time.Minute
	warningLookback  = time.Minute
)

// Config fixes the monitor's deadlines and classification parameters.
type Config struct {
	Deadlines          map[types.CriticalOperationKind]time.Duration
	CriticalMultiplier float64
	HistorySize        int
}

// DefaultConfig returns the standard deadline table.
func DefaultConfig() Config {
	return Config{
		Deadlines: map[types.CriticalOperationKind]time.Duration{
			types.OpBrakeCommand:        DefaultBrakeCommandDeadline,
			types.OpBrakeAcknowledgment: DefaultBrakeAckDeadline,
			types.OpEmergencyStop:       DefaultEmergencyStopDeadline,
			types.OpSafetyInterlock:     DefaultSafetyInterlockDeadline,
		},
		CriticalMultiplier: DefaultCriticalMultiplier,
		HistorySize:        defaultHistorySize,
	}
}

// ConfigFromService builds a Config from the yaml deadline section, falling
// back to defaults for unset fields.
func ConfigFromService(dc *types.DeadlineConfig) Config {
	cfg := DefaultConfig()
	if dc == nil {
		return cfg
	}
	set := func(kind types.CriticalOperationKind, ms int) {
		if ms > 0 {
			cfg.Deadlines[kind] = time.Duration(ms) * time.Millisecond
		}
	}
	set(types.OpBrakeCommand, dc.BrakeCommandMS)
	set(types.OpBrakeAcknowledgment, dc.BrakeAckMS)
	set(types.OpEmergencyStop, dc.EmergencyStopMS)
	set(types.OpSafetyInterlock, dc.SafetyInterlockMS)
	if dc.CriticalMultiplier > 1 {
		cfg.CriticalMultiplier = dc.CriticalMultiplier
	}
	if dc.ViolationHistorySize > 0 {
		cfg.HistorySize = dc.ViolationHistorySize
	}
	return cfg
}

type operation struct {
	id       string
	kind     types.CriticalOperationKind
	entityID string
	start    time.Time
	deadline time.Duration
	timer    *time.Timer
}

// Monitor tracks pending safety-critical operations. The pending map is the
// sole synchronization point between completion and the deadline timer: both
// paths remove the operation under the same mutex, so a just-completed
// operation can never be double-reported as timed out.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	nowFn  func() time.Time

	mu        sync.Mutex
	pending   map[string]*operation
	history   []types.DeadlineViolation
	callbacks []func(types.DeadlineViolation)
	stopped   bool

	completedOnTime map[types.CriticalOperationKind]int64
	completedLate   map[types.CriticalOperationKind]int64
	timedOut        map[types.CriticalOperationKind]int64

	lastWarning  time.Time
	lastCritical time.Time

	entropy *ulid.MonotonicEntropy
}

// New creates a Monitor from config.
func New(cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Deadlines == nil {
		cfg = DefaultConfig()
	}
	if cfg.CriticalMultiplier <= 1 {
		cfg.CriticalMultiplier = DefaultCriticalMultiplier
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &Monitor{
		cfg:             cfg,
		logger:          logger,
		nowFn:           time.Now,
		pending:         make(map[string]*operation),
		completedOnTime: make(map[types.CriticalOperationKind]int64),
		completedLate:   make(map[types.CriticalOperationKind]int64),
		timedOut:        make(map[types.CriticalOperationKind]int64),
		entropy:         ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// SetNow injects a clock for testing elapsed-time classification. The
// deadline timer still runs on the wall clock.
func (m *Monitor) SetNow(now func() time.Time) { m.nowFn = now }

// OnViolation registers a callback invoked best-effort for every recorded
// violation. Callback panics are logged, never propagated.
func (m *Monitor) OnViolation(fn func(types.DeadlineViolation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Deadline returns the configured deadline for an operation kind.
func (m *Monitor) Deadline(kind types.CriticalOperationKind) time.Duration {
	if d, ok := m.cfg.Deadlines[kind]; ok {
		return d
	}
	return DefaultSafetyInterlockDeadline
}

// Track registers a pending operation and schedules its deadline check.
// Returns the operation ID used to complete it.
func (m *Monitor) Track(kind types.CriticalOperationKind, entityID string) string {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ""
	}
	now := m.nowFn()
	id := ulid.MustNew(ulid.Timestamp(now), m.entropy).String()
	op := &operation{
		id:       id,
		kind:     kind,
		entityID: entityID,
		start:    now,
		deadline: m.Deadline(kind),
	}
	// One-shot check firing at exactly the deadline: an unfinished operation
	// is resolved as TIMED_OUT.
	op.timer = time.AfterFunc(op.deadline, func() { m.expire(id) })
	m.pending[id] = op
	m.mu.Unlock()

	metrics.OperationsTracked.Add(1)
	return id
}

// Complete resolves a pending operation. Returns nil when the operation
// finished within its deadline (or was already resolved), else the recorded
// violation.
func (m *Monitor) Complete(id string, data map[string]any) *types.DeadlineViolation {
	m.mu.Lock()
	op, ok := m.pending[id]
	if !ok {
		// Already timed out (or unknown): the timer path owns the outcome.
		m.mu.Unlock()
		return nil
	}
	delete(m.pending, id)
	op.timer.Stop()

	now := m.nowFn()
	elapsed := now.Sub(op.start)
	if elapsed <= op.deadline {
		m.completedOnTime[op.kind]++
		m.mu.Unlock()
		return nil
	}

	m.completedLate[op.kind]++
	v := types.DeadlineViolation{
		OperationID:  op.id,
		Kind:         op.kind,
		EntityID:     op.entityID,
		CommandTime:  op.start,
		ResponseTime: now,
		Deadline:     op.deadline,
		Actual:       elapsed,
		Severity:     m.classify(elapsed, op.deadline),
	}
	m.record(v)
	m.mu.Unlock()

	metrics.OperationsLate.Add(1)
	m.dispatch(v)
	return &v
}

// expire is the deferred deadline check. Holding the same mutex as Complete
// makes removal from the pending set atomic across both paths.
func (m *Monitor) expire(id string) {
	m.mu.Lock()
	op, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return // completed first
	}
	delete(m.pending, id)
	m.timedOut[op.kind]++

	now := m.nowFn()
	v := types.DeadlineViolation{
		OperationID:  op.id,
		Kind:         op.kind,
		EntityID:     op.entityID,
		CommandTime:  op.start,
		ResponseTime: now,
		Deadline:     op.deadline,
		Actual:       now.Sub(op.start),
		// A round-trip that never completed is unbounded lateness.
		Severity: types.SeverityCritical,
		TimedOut: true,
	}
	m.record(v)
	m.mu.Unlock()

	metrics.OperationsTimedOut.Add(1)
	m.logger.Error("critical operation timed out",
		"operation", op.kind, "entity", op.entityID, "deadline", op.deadline)
	m.dispatch(v)
}

// classify returns CRITICAL iff elapsed strictly exceeds multiplier*deadline.
func (m *Monitor) classify(elapsed, deadline time.Duration) types.ViolationSeverity {
	limit := time.Duration(float64(deadline) * m.cfg.CriticalMultiplier)
	if elapsed > limit {
		return types.SeverityCritical
	}
	return types.SeverityWarning
}

// record appends to the bounded history and updates rolling markers.
// Caller holds m.mu.
func (m *Monitor) record(v types.DeadlineViolation) {
	m.history = append(m.history, v)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
	switch v.Severity {
	case types.SeverityCritical:
		if v.ResponseTime.After(m.lastCritical) {
			m.lastCritical = v.ResponseTime
		}
	case types.SeverityWarning:
		if v.ResponseTime.After(m.lastWarning) {
			m.lastWarning = v.ResponseTime
		}
	}
	metrics.DeadlineViolations.Add(1)
}

// dispatch invokes violation callbacks best-effort, outside the mutex.
func (m *Monitor) dispatch(v types.DeadlineViolation) {
	m.mu.Lock()
	callbacks := make([]func(types.DeadlineViolation), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("violation callback panicked", "panic", r)
				}
			}()
			fn(v)
		}()
	}
}

// Pending returns the number of operations awaiting completion.
func (m *Monitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Violations returns a snapshot of the violation history, oldest first.
func (m *Monitor) Violations() []types.DeadlineViolation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.DeadlineViolation, len(m.history))
	copy(out, m.history)
	return out
}

// Healthy reports whether no CRITICAL violation occurred in the last 5 minutes.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nowFn().Sub(m.lastCritical) > criticalLookback || m.lastCritical.IsZero()
}

// HealthStatus maps the monitor's recent violation profile onto the coarse
// health scale: failed on a recent CRITICAL, degraded on a WARNING in the
// last minute, unknown when stopped.
func (m *Monitor) HealthStatus() types.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	switch {
	case m.stopped:
		return types.HealthUnknown
	case !m.lastCritical.IsZero() && now.Sub(m.lastCritical) <= criticalLookback:
		return types.HealthFailed
	case !m.lastWarning.IsZero() && now.Sub(m.lastWarning) <= warningLookback:
		return types.HealthDegraded
	default:
		return types.HealthHealthy
	}
}

// Stats returns per-kind counters: completed on time, completed late, timed out.
func (m *Monitor) Stats(kind types.CriticalOperationKind) (onTime, late, timedOut int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completedOnTime[kind], m.completedLate[kind], m.timedOut[kind]
}

// Stop cancels all pending deadline timers. A cancelled check never marks an
// operation timed out.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, op := range m.pending {
		op.timer.Stop()
		delete(m.pending, id)
	}
}
