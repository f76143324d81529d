// Package dispatch sends CAN commands with bounded concurrency. The RV-C bus
// is a shared 250kbps medium; flooding it with a burst of commands delays the
// very acknowledgments the deadline monitor is timing.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rvguard/rvguard/internal/deadline"
	"github.com/rvguard/rvguard/internal/metrics"
	"github.com/rvguard/rvguard/pkg/types"
)

const defaultMaxConcurrent = 4

// Command is one command/acknowledgment round-trip against a bus entity.
type Command struct {
	Entity  string                      `json:"entity"`
	Feature string                      `json:"feature,omitempty"`
	Kind    types.CriticalOperationKind `json:"kind"`
	Payload map[string]any              `json:"payload,omitempty"`
}

// Sender transmits a command and blocks until the acknowledgment arrives or
// the context expires.
type Sender interface {
	Send(ctx context.Context, cmd Command) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, cmd Command) error

func (f SenderFunc) Send(ctx context.Context, cmd Command) error { return f(ctx, cmd) }

// Dispatcher bounds in-flight commands with a weighted semaphore and times
// every round-trip through the deadline monitor.
type Dispatcher struct {
	sender  Sender
	monitor *deadline.Monitor
	permit  func(feature string) (bool, string)
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// New creates a Dispatcher. permit gates each command against the safety
// interlocks; nil means no gating.
func New(sender Sender, monitor *deadline.Monitor, permit func(string) (bool, string), maxConcurrent int64, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &Dispatcher{
		sender:  sender,
		monitor: monitor,
		permit:  permit,
		sem:     semaphore.NewWeighted(maxConcurrent),
		logger:  logger.With("component", "dispatch"),
	}
}

// Dispatch sends one command. The returned violation is non-nil when the
// acknowledgment came back late; refused and failed commands return an error.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (*types.DeadlineViolation, error) {
	if d.permit != nil && cmd.Feature != "" {
		if ok, reason := d.permit(cmd.Feature); !ok {
			return nil, fmt.Errorf("command refused for %s: %s", cmd.Feature, reason)
		}
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	metrics.CommandsDispatched.Add(1)

	var opID string
	if d.monitor != nil {
		opID = d.monitor.Track(cmd.Kind, cmd.Entity)
	}
	err := d.sender.Send(ctx, cmd)
	if err != nil {
		// Leave the operation pending: the monitor times it out and
		// reports it, which is the truth of what happened on the bus.
		d.logger.Error("command send failed",
			"entity", cmd.Entity, "kind", cmd.Kind, "error", err)
		return nil, fmt.Errorf("sending %s to %s: %w", cmd.Kind, cmd.Entity, err)
	}

	var violation *types.DeadlineViolation
	if d.monitor != nil {
		violation = d.monitor.Complete(opID, cmd.Payload)
	}
	return violation, nil
}

// DispatchAll sends a batch concurrently, bounded by the semaphore, and
// returns the first error. Violations are already recorded by the monitor;
// the slice is returned for callers that want to react immediately.
func (d *Dispatcher) DispatchAll(ctx context.Context, cmds []Command) ([]*types.DeadlineViolation, error) {
	g, ctx := errgroup.WithContext(ctx)
	violations := make([]*types.DeadlineViolation, len(cmds))
	for i, cmd := range cmds {
		i, cmd := i, cmd
		g.Go(func() error {
			v, err := d.Dispatch(ctx, cmd)
			violations[i] = v
			return err
		})
	}
	err := g.Wait()

	out := violations[:0]
	for _, v := range violations {
		if v != nil {
			out = append(out, v)
		}
	}
	return out, err
}
