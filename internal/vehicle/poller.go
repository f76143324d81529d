package vehicle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rvguard/rvguard/internal/metrics"
	"github.com/rvguard/rvguard/pkg/types"
)

const defaultPollInterval = 200 * time.Millisecond

// Poller pumps snapshots from a Source into the safety service. Fetch
// errors are counted and logged; the previous snapshot stays in force,
// which keeps interlocks on the conservative side since stale data only
// ever ages toward "unsafe".
type Poller struct {
	source   Source
	interval time.Duration
	update   func(types.VehicleState)
	logger   *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPoller creates a Poller delivering snapshots to update.
func NewPoller(source Source, interval time.Duration, update func(types.VehicleState), logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Poller{
		source:   source,
		interval: interval,
		update:   update,
		logger:   logger.With("component", "vehicle", "source", source.Name()),
	}
}

// PollInterval parses the configured interval, falling back to the default.
func PollInterval(vc *types.VehicleConfig) time.Duration {
	if vc == nil || vc.PollInterval == "" {
		return defaultPollInterval
	}
	d, err := time.ParseDuration(vc.PollInterval)
	if err != nil || d <= 0 {
		return defaultPollInterval
	}
	return d
}

// Start launches the poll loop. The first fetch happens immediately so the
// safety service never runs on a zero snapshot longer than one fetch.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()

	p.poll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	vs, err := p.source.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.VehiclePollErrors.Add(1)
		p.logger.Warn("vehicle state fetch failed", "error", err)
		return
	}
	p.update(vs)
}
