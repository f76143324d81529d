package types

import (
	"fmt"
	"strings"
)

// ConfigurationError is a fatal feature-graph validation failure. The process
// must not start when one is returned; configuration errors are never
// auto-recovered.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// CircularDependencyError reports a cycle in the feature dependency graph,
// naming at least one participant.
type CircularDependencyError struct {
	Participant string
	Cycle       []string
}

func (e *CircularDependencyError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("circular dependency involving %q: %s", e.Participant, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("circular dependency involving %q", e.Participant)
}

// DuplicateFeatureError is returned when registering a feature whose name is
// already taken.
type DuplicateFeatureError struct {
	Name string
}

func (e *DuplicateFeatureError) Error() string {
	return fmt.Sprintf("feature %q already registered", e.Name)
}

// StartupError wraps a feature initialization failure.
type StartupError struct {
	Feature string
	Err     error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("feature %q startup failed: %v", e.Feature, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
