package deadline

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvguard/rvguard/internal/testutil"
	"github.com/rvguard/rvguard/pkg/types"
)

// fakeClock lets tests advance elapsed time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMonitor(t *testing.T) (*Monitor, *fakeClock) {
	t.Helper()
	m := New(DefaultConfig(), nil)
	clock := newFakeClock()
	m.SetNow(clock.Now)
	t.Cleanup(m.Stop)
	return m, clock
}

func TestCompleteWithinDeadlineReturnsNoViolation(t *testing.T) {
	m, clock := newTestMonitor(t)

	id := m.Track(types.OpBrakeCommand, "brake-axle-1")
	require.NotEmpty(t, id)
	clock.Advance(30 * time.Millisecond)

	v := m.Complete(id, nil)
	assert.Nil(t, v)
	assert.Empty(t, m.Violations())

	onTime, late, timedOut := m.Stats(types.OpBrakeCommand)
	assert.Equal(t, int64(1), onTime)
	assert.Zero(t, late)
	assert.Zero(t, timedOut)
}

// A brake command with a 50ms deadline completing at 80ms yields exactly one
// violation with severity WARNING (80 < 100).
func TestLateCompletionWarning(t *testing.T) {
	m, clock := newTestMonitor(t)

	id := m.Track(types.OpBrakeCommand, "brake-axle-1")
	clock.Advance(80 * time.Millisecond)

	v := m.Complete(id, nil)
	require.NotNil(t, v)
	assert.Equal(t, types.SeverityWarning, v.Severity)
	assert.Equal(t, 50*time.Millisecond, v.Deadline)
	assert.Equal(t, 80*time.Millisecond, v.Actual)
	assert.False(t, v.TimedOut)
	assert.Len(t, m.Violations(), 1)
}

// Severity is CRITICAL iff elapsed strictly exceeds 2x the deadline: exactly
// 100ms on a 50ms deadline is still WARNING.
func TestSeverityBoundaryAtTwiceDeadline(t *testing.T) {
	m, clock := newTestMonitor(t)

	id := m.Track(types.OpBrakeCommand, "brake-axle-1")
	clock.Advance(100 * time.Millisecond)
	v := m.Complete(id, nil)
	require.NotNil(t, v)
	assert.Equal(t, types.SeverityWarning, v.Severity)

	id = m.Track(types.OpBrakeCommand, "brake-axle-1")
	clock.Advance(101 * time.Millisecond)
	v = m.Complete(id, nil)
	require.NotNil(t, v)
	assert.Equal(t, types.SeverityCritical, v.Severity)
}

func TestMonotonicityAcrossElapsed(t *testing.T) {
	for _, tt := range []struct {
		elapsed time.Duration
		late    bool
		sev     types.ViolationSeverity
	}{
		{10 * time.Millisecond, false, ""},
		{50 * time.Millisecond, false, ""},
		{51 * time.Millisecond, true, types.SeverityWarning},
		{99 * time.Millisecond, true, types.SeverityWarning},
		{150 * time.Millisecond, true, types.SeverityCritical},
	} {
		m, clock := newTestMonitor(t)
		id := m.Track(types.OpBrakeCommand, "e")
		clock.Advance(tt.elapsed)
		v := m.Complete(id, nil)
		if !tt.late {
			assert.Nil(t, v, "elapsed %s", tt.elapsed)
			continue
		}
		require.NotNil(t, v, "elapsed %s", tt.elapsed)
		assert.Equal(t, tt.sev, v.Severity, "elapsed %s", tt.elapsed)
		m.Stop()
	}
}

// A never-completed operation is auto-resolved as TIMED_OUT by the deferred
// deadline check.
func TestTimeoutAutoResolves(t *testing.T) {
	m := New(Config{
		Deadlines: map[types.CriticalOperationKind]time.Duration{
			types.OpBrakeCommand: 20 * time.Millisecond,
		},
		CriticalMultiplier: 2,
		HistorySize:        10,
	}, nil)
	t.Cleanup(m.Stop)

	var got atomic.Pointer[types.DeadlineViolation]
	m.OnViolation(func(v types.DeadlineViolation) { got.Store(&v) })

	m.Track(types.OpBrakeCommand, "brake-axle-1")
	testutil.WaitFor(t, time.Second, func() bool { return got.Load() != nil }, "timeout violation")

	v := got.Load()
	assert.True(t, v.TimedOut)
	assert.Equal(t, types.SeverityCritical, v.Severity)
	assert.Zero(t, m.Pending())

	_, _, timedOut := m.Stats(types.OpBrakeCommand)
	assert.Equal(t, int64(1), timedOut)
}

// Completion atomically removes the operation from the pending set relative
// to the deadline timer: a completed operation is never double-reported.
func TestCompletedOperationNeverReportedTimedOut(t *testing.T) {
	m := New(Config{
		Deadlines: map[types.CriticalOperationKind]time.Duration{
			types.OpBrakeCommand: 15 * time.Millisecond,
		},
		CriticalMultiplier: 2,
		HistorySize:        10,
	}, nil)
	t.Cleanup(m.Stop)

	id := m.Track(types.OpBrakeCommand, "brake-axle-1")
	require.Nil(t, m.Complete(id, nil))

	// Give the (stopped) timer ample opportunity to misfire.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, m.Violations())
	_, _, timedOut := m.Stats(types.OpBrakeCommand)
	assert.Zero(t, timedOut)

	// Completing again is a no-op.
	assert.Nil(t, m.Complete(id, nil))
}

func TestCallbackPanicDoesNotPropagate(t *testing.T) {
	m, clock := newTestMonitor(t)
	m.OnViolation(func(types.DeadlineViolation) { panic("boom") })

	var called atomic.Bool
	m.OnViolation(func(types.DeadlineViolation) { called.Store(true) })

	id := m.Track(types.OpBrakeCommand, "e")
	clock.Advance(200 * time.Millisecond)
	require.NotNil(t, m.Complete(id, nil))
	assert.True(t, called.Load(), "later callbacks still run after a panic")
}

func TestHealthStatus(t *testing.T) {
	m, clock := newTestMonitor(t)
	assert.Equal(t, types.HealthHealthy, m.HealthStatus())
	assert.True(t, m.Healthy())

	// A WARNING degrades for 60s.
	id := m.Track(types.OpBrakeCommand, "e")
	clock.Advance(60 * time.Millisecond)
	require.NotNil(t, m.Complete(id, nil))
	assert.Equal(t, types.HealthDegraded, m.HealthStatus())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, types.HealthHealthy, m.HealthStatus())

	// A CRITICAL fails for 5 minutes.
	id = m.Track(types.OpBrakeCommand, "e")
	clock.Advance(500 * time.Millisecond)
	require.NotNil(t, m.Complete(id, nil))
	assert.Equal(t, types.HealthFailed, m.HealthStatus())
	assert.False(t, m.Healthy())

	clock.Advance(6 * time.Minute)
	assert.Equal(t, types.HealthHealthy, m.HealthStatus())
	assert.True(t, m.Healthy())
}

func TestHistoryBounded(t *testing.T) {
	m := New(Config{
		Deadlines:          DefaultConfig().Deadlines,
		CriticalMultiplier: 2,
		HistorySize:        3,
	}, nil)
	clock := newFakeClock()
	m.SetNow(clock.Now)
	t.Cleanup(m.Stop)

	for i := 0; i < 5; i++ {
		id := m.Track(types.OpBrakeCommand, "e")
		clock.Advance(200 * time.Millisecond)
		require.NotNil(t, m.Complete(id, nil))
	}
	assert.Len(t, m.Violations(), 3)
}

func TestStopCancelsPendingTimers(t *testing.T) {
	m := New(Config{
		Deadlines: map[types.CriticalOperationKind]time.Duration{
			types.OpBrakeCommand: 20 * time.Millisecond,
		},
		CriticalMultiplier: 2,
		HistorySize:        10,
	}, nil)

	m.Track(types.OpBrakeCommand, "e")
	m.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, m.Violations(), "cancelled deadline check must not fire")
	assert.Empty(t, m.Track(types.OpBrakeCommand, "e"), "stopped monitor rejects tracking")
}

func TestConfigFromService(t *testing.T) {
	cfg := ConfigFromService(&types.DeadlineConfig{
		BrakeCommandMS:     75,
		CriticalMultiplier: 3,
	})
	assert.Equal(t, 75*time.Millisecond, cfg.Deadlines[types.OpBrakeCommand])
	assert.Equal(t, DefaultEmergencyStopDeadline, cfg.Deadlines[types.OpEmergencyStop])
	assert.Equal(t, 3.0, cfg.CriticalMultiplier)
}
