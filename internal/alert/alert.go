// Package alert implements notification broadcast to multiple sinks.
package alert

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/rvguard/rvguard/internal/metrics"
	"github.com/rvguard/rvguard/pkg/types"
)

// Sink is a notification destination.
type Sink interface {
	Send(n types.Notification) error
	Name() string
}

// Dispatcher routes notifications to configured sinks. Delivery is best
// effort: a failing sink never blocks the safety path that raised the
// notification.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher from notifier configs.
func NewDispatcher(configs []types.NotifierConfig, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{logger: logger.With("component", "alert")}
	for _, cfg := range configs {
		sink, err := newSink(cfg)
		if err != nil {
			return nil, fmt.Errorf("creating %s notifier: %w", cfg.Type, err)
		}
		d.sinks = append(d.sinks, sink)
	}
	return d, nil
}

// Dispatch sends a notification to all configured sinks.
func (d *Dispatcher) Dispatch(n types.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	for _, sink := range d.sinks {
		if err := sink.Send(n); err != nil {
			metrics.NotificationsFailed.Add(1)
			d.logger.Error("notification delivery failed",
				"sink", sink.Name(), "category", n.Category, "error", err)
			continue
		}
		metrics.NotificationsSent.Add(1)
	}
}

// NotifyFunc returns a function suitable for use as the safety service's
// broadcast callback.
func (d *Dispatcher) NotifyFunc() func(types.Notification) {
	return d.Dispatch
}

func newSink(cfg types.NotifierConfig) (Sink, error) {
	switch cfg.Type {
	case types.NotifierConsole:
		return NewConsoleSink(), nil
	case types.NotifierWebhook:
		if cfg.URL == "" {
			return nil, fmt.Errorf("webhook URL required")
		}
		return NewWebhookSink(cfg.URL), nil
	case types.NotifierFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file path required")
		}
		return NewFileSink(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown notifier type %q", cfg.Type)
	}
}
