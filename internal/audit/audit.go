// Package audit implements the safety audit trail: a bounded in-memory log
// fanned out to durable sinks for post-incident forensics.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rvguard/rvguard/internal/metrics"
	"github.com/rvguard/rvguard/pkg/types"
)

const defaultMemoryLimit = 1000

// Sink is a durable audit destination.
type Sink interface {
	Append(ctx context.Context, entry types.AuditEntry) error
	Flush(ctx context.Context) error
	Name() string
}

// Trail records audit entries to every configured sink best-effort; a failing
// sink is logged, never propagated, so a broken disk cannot block a safety
// decision.
type Trail struct {
	mu     sync.Mutex
	sinks  []Sink
	logger *slog.Logger
	memory *MemorySink
}

// NewTrail creates a trail from sink configs. A bounded memory sink is always
// present so recent entries can be served from status snapshots.
func NewTrail(configs []types.AuditSinkConfig, logger *slog.Logger) (*Trail, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mem := NewMemorySink(defaultMemoryLimit)
	t := &Trail{logger: logger, memory: mem, sinks: []Sink{mem}}
	for _, cfg := range configs {
		sink, err := newSink(cfg)
		if err != nil {
			return nil, fmt.Errorf("creating %s audit sink: %w", cfg.Type, err)
		}
		if sink != nil {
			t.sinks = append(t.sinks, sink)
		}
	}
	return t, nil
}

func newSink(cfg types.AuditSinkConfig) (Sink, error) {
	switch cfg.Type {
	case types.AuditSinkMemory:
		return nil, nil // always present
	case types.AuditSinkFile:
		if cfg.Path == "" {
			return nil, fmt.Errorf("file path required")
		}
		return NewFileSink(cfg.Path)
	case types.AuditSinkRedis:
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis addr required")
		}
		return NewRedisSink(cfg), nil
	default:
		return nil, fmt.Errorf("unknown audit sink type %q", cfg.Type)
	}
}

// Record appends an entry to all sinks. The timestamp is filled in when zero.
func (t *Trail) Record(ctx context.Context, entry types.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	t.mu.Lock()
	sinks := make([]Sink, len(t.sinks))
	copy(sinks, t.sinks)
	t.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Append(ctx, entry); err != nil {
			t.logger.Error("audit sink append failed", "sink", sink.Name(), "error", err)
		}
	}
	metrics.AuditEntriesRecorded.Add(1)
}

// RecordFunc adapts the trail to the plain callback shape used by features.
func (t *Trail) RecordFunc() func(types.AuditEntry) {
	return func(e types.AuditEntry) { t.Record(context.Background(), e) }
}

// Flush flushes every sink. Called on shutdown and after safety-critical
// events so the trail survives a crash.
func (t *Trail) Flush(ctx context.Context) {
	t.mu.Lock()
	sinks := make([]Sink, len(t.sinks))
	copy(sinks, t.sinks)
	t.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Flush(ctx); err != nil {
			t.logger.Error("audit sink flush failed", "sink", sink.Name(), "error", err)
		}
	}
}

// Recent returns up to n most recent entries from the memory sink.
func (t *Trail) Recent(n int) []types.AuditEntry {
	return t.memory.Recent(n)
}

// Len returns the number of entries currently held in memory.
func (t *Trail) Len() int {
	return t.memory.Len()
}
