package safety

import (
	"context"
	"time"

	"github.com/rvguard/rvguard/internal/metrics"
	"github.com/rvguard/rvguard/pkg/types"
)

// Start launches the two watchdog loops. Loop A runs the feature health
// pass and interlock evaluation each cycle, then kicks the shared
// timestamp; loop B watches the timestamp and forces the safe state if
// loop A ever stalls. The independence is the point: loop B must fire even
// when loop A is wedged inside a probe.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.checkLoop(ctx)
	go s.watchdogLoop(ctx)
}

// Stop cancels both loops and waits for them to exit. Safe to call once.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Kick refreshes the watchdog timestamp. Loop A calls this every cycle;
// exported so tests and external health pumps can stand in for it.
func (s *Service) Kick() {
	s.mu.Lock()
	s.lastKick = s.nowFn()
	s.mu.Unlock()
}

func (s *Service) checkLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.healthCheck != nil {
				s.healthCheck(ctx)
			}
			s.CheckInterlocks()
			s.Kick()
		}
	}
}

// watchdogLoop polls at a quarter of the timeout so a stall is detected
// within 1.25x the configured window.
func (s *Service) watchdogLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.WatchdogTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkWatchdog()
		}
	}
}

// checkWatchdog trips at most once per stall: the tripped flag holds until
// an emergency-stop reset clears it.
func (s *Service) checkWatchdog() {
	s.mu.Lock()
	stalled := s.nowFn().Sub(s.lastKick) > s.cfg.WatchdogTimeout
	fire := stalled && !s.tripped
	if fire {
		s.tripped = true
	}
	s.mu.Unlock()

	if !fire {
		return
	}

	metrics.WatchdogTrips.Add(1)
	s.logger.Error("watchdog timeout, forcing safe state",
		"timeout", s.cfg.WatchdogTimeout)
	s.record(types.AuditEntry{
		Kind:   types.EventWatchdogTimeout,
		Reason: "health check loop stalled",
	})
	s.EmergencyStop("watchdog timeout")
}
