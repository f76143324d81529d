// Package testutil provides shared helpers for package tests.
package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rvguard/rvguard/internal/feature"
	"github.com/rvguard/rvguard/pkg/types"
)

// WaitFor polls check every 10ms until it returns true or timeout is reached.
func WaitFor(t *testing.T, timeout time.Duration, check func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition: %s", msg)
}

// ScriptedFeature is a Feature whose startup outcome and health probe are
// scripted per test. It embeds the real Base so the safety-gated setter and
// dependency hooks behave exactly as in production.
type ScriptedFeature struct {
	*feature.Base

	mu            sync.Mutex
	failStartups  int // fail this many startup attempts, then succeed
	startupCalls  int
	shutdownCalls int
	healthScript  []types.FeatureState
}

// NewScriptedFeature creates a scripted feature from a definition.
func NewScriptedFeature(def types.FeatureDefinition, audit func(types.AuditEntry)) *ScriptedFeature {
	return &ScriptedFeature{Base: feature.NewBase(def, nil, audit)}
}

// FailStartups makes the next n Startup calls return an error.
func (f *ScriptedFeature) FailStartups(n int) *ScriptedFeature {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStartups = n
	return f
}

// ScriptHealth queues states returned by successive CheckHealth calls; once
// drained, CheckHealth falls back to the current state.
func (f *ScriptedFeature) ScriptHealth(states ...types.FeatureState) *ScriptedFeature {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthScript = append(f.healthScript, states...)
	return f
}

// Startup runs the scripted outcome.
func (f *ScriptedFeature) Startup(ctx context.Context) error {
	f.mu.Lock()
	f.startupCalls++
	fail := f.failStartups > 0
	if fail {
		f.failStartups--
	}
	f.mu.Unlock()

	if fail {
		return errors.New("scripted startup failure")
	}
	return f.Base.Startup(ctx)
}

// Shutdown counts calls and delegates to Base.
func (f *ScriptedFeature) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.shutdownCalls++
	f.mu.Unlock()
	return f.Base.Shutdown(ctx)
}

// CheckHealth pops the next scripted state, if any.
func (f *ScriptedFeature) CheckHealth(ctx context.Context) types.FeatureState {
	f.mu.Lock()
	if len(f.healthScript) > 0 {
		next := f.healthScript[0]
		f.healthScript = f.healthScript[1:]
		f.mu.Unlock()
		return next
	}
	f.mu.Unlock()
	return f.Base.CheckHealth(ctx)
}

// StartupCalls returns how many times Startup ran.
func (f *ScriptedFeature) StartupCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startupCalls
}

// ShutdownCalls returns how many times Shutdown ran.
func (f *ScriptedFeature) ShutdownCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdownCalls
}
