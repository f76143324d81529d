package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rvguard/rvguard/pkg/types"
)

// HealthLoop polls every enabled feature's health check on its configured
// interval and feeds the results through ApplyState so that degradations and
// failures propagate exactly like any other committed change. In production
// the pass is driven by the safety service's kicked check loop via CheckNow,
// putting a wedged probe inside the watchdog's blast radius; Start runs a
// standalone ticker for deployments without a safety service.
type HealthLoop struct {
	mgr      *Manager
	interval time.Duration

	mu        sync.Mutex
	lastCheck map[string]time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewHealthLoop creates a health loop ticking at interval. Features whose
// definitions carry their own HealthCheckInterval are still polled on the
// shared tick but skipped until their own interval has elapsed.
func NewHealthLoop(mgr *Manager, interval time.Duration) *HealthLoop {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthLoop{
		mgr:       mgr,
		interval:  interval,
		lastCheck: make(map[string]time.Time),
	}
}

// Start launches the standalone background loop.
func (h *HealthLoop) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.run(ctx)
}

// Stop signals the loop and waits for it to exit.
func (h *HealthLoop) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *HealthLoop) run(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.checkAll(ctx, now)
		}
	}
}

// CheckNow runs one health pass over every enabled feature.
func (h *HealthLoop) CheckNow(ctx context.Context) {
	h.checkAll(ctx, time.Now())
}

func (h *HealthLoop) checkAll(ctx context.Context, now time.Time) {
	for _, name := range h.mgr.StartupOrder() {
		f, ok := h.mgr.Feature(name)
		if !ok || !f.Enabled() {
			continue
		}
		state := f.State()
		if state == types.StateStopped || state == types.StateMaintenance {
			continue
		}
		def := f.Definition()

		h.mu.Lock()
		last, seen := h.lastCheck[name]
		due := !seen || now.Sub(last) >= featureInterval(def, h.interval)
		if due {
			h.lastCheck[name] = now
		}
		h.mu.Unlock()
		if !due {
			continue
		}

		// Bound the probe by the configured timeout; a probe that honors
		// its context returns by the deadline, and one that does not stalls
		// the kick and trips the watchdog.
		checkCtx := ctx
		var cancel context.CancelFunc
		if d := healthTimeout(def); d > 0 {
			checkCtx, cancel = context.WithTimeout(ctx, d)
		}
		observed := f.CheckHealth(checkCtx)
		if cancel != nil {
			cancel()
		}

		target, reason := observed, "health check"
		if observed == types.StateFailed && def.MaintainStateOnFailure {
			// Hold the device where it is instead of dropping the feature.
			target, reason = types.StateSafeShutdown, "health check failed, maintaining position"
		}
		if target == state {
			continue
		}
		h.mgr.ApplyState(ctx, name, target, reason)
	}
}

func featureInterval(def types.FeatureDefinition, fallback time.Duration) time.Duration {
	if def.HealthCheckInterval == "" {
		return fallback
	}
	d, err := time.ParseDuration(def.HealthCheckInterval)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func healthTimeout(def types.FeatureDefinition) time.Duration {
	if def.HealthCheckTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(def.HealthCheckTimeout)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// SystemHealth aggregates per-feature status into the system snapshot. The
// overall status is "critical" if any enabled safety-tiered feature has
// failed, "degraded" if anything else is degraded or failed, else "healthy".
func (m *Manager) SystemHealth() types.SystemStatusSnapshot {
	m.mu.RLock()
	names := make([]string, 0, len(m.features))
	for name := range m.features {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	snap := types.SystemStatusSnapshot{
		OverallStatus: "healthy",
		Features:      make(map[string]types.FeatureStatus, len(names)),
		CheckedAt:     time.Now().UTC(),
	}

	for _, name := range names {
		f, _ := m.Feature(name)
		def := f.Definition()
		st := types.FeatureStatus{
			Enabled:        f.Enabled(),
			Classification: def.Classification,
			State:          f.State(),
			Health:         f.Health(),
		}
		snap.Features[name] = st
		snap.Summary.Total++

		switch st.State {
		case types.StateHealthy:
			snap.Summary.Healthy++
		case types.StateDegraded:
			snap.Summary.Degraded++
		case types.StateFailed:
			snap.Summary.Failed++
		case types.StateStopped, types.StateSafeShutdown:
			snap.Summary.Stopped++
		}

		if !st.Enabled {
			continue
		}
		switch st.Health {
		case types.HealthFailed:
			if def.Classification.SafetyTiered() {
				snap.OverallStatus = "critical"
			} else if snap.OverallStatus != "critical" {
				snap.OverallStatus = "degraded"
			}
		case types.HealthDegraded, types.HealthUnknown:
			if snap.OverallStatus == "healthy" {
				snap.OverallStatus = "degraded"
			}
		}
	}
	return snap
}
