// Package config handles loading and validation of rvguard.yaml and the
// declarative feature dependency graph.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rvguard/rvguard/pkg/types"
)

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Load reads and parses rvguard.yaml from the given directory and validates
// the feature graph eagerly. Any validation failure is fatal: the process
// must not start on a malformed, cyclic, or dangling feature graph.
func Load(dir string) (*types.ServiceConfig, *Set, error) {
	path := filepath.Join(dir, "rvguard.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg types.ServiceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := validateService(&cfg); err != nil {
		return nil, nil, err
	}

	set, err := NewSet(cfg.Features, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	return &cfg, set, nil
}

func validateService(cfg *types.ServiceConfig) error {
	if len(cfg.Features) == 0 {
		return &types.ConfigurationError{Reason: "at least one feature is required"}
	}
	if cfg.Safety != nil {
		for field, v := range map[string]string{
			"safety.healthCheckInterval": cfg.Safety.HealthCheckInterval,
			"safety.watchdogTimeout":     cfg.Safety.WatchdogTimeout,
		} {
			if v == "" {
				continue
			}
			if _, err := time.ParseDuration(v); err != nil {
				return &types.ConfigurationError{Reason: fmt.Sprintf("%s: invalid duration %q", field, v)}
			}
		}
	}
	if cfg.Vehicle != nil && cfg.Vehicle.PollInterval != "" {
		if _, err := time.ParseDuration(cfg.Vehicle.PollInterval); err != nil {
			return &types.ConfigurationError{Reason: fmt.Sprintf("vehicle.pollInterval: invalid duration %q", cfg.Vehicle.PollInterval)}
		}
	}
	return nil
}

// Set is the validated, immutable feature configuration set. Built once at
// startup; the dependency graph is checked for dangling edges and cycles
// before any feature instance is created.
type Set struct {
	defs  map[string]types.FeatureDefinition
	order []string // topological, over every declared feature
}

// NewSet validates the definitions and resolves the startup order.
func NewSet(defs map[string]types.FeatureDefinition, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Definitions keyed by map name; fill in the Name field when omitted.
	resolved := make(map[string]types.FeatureDefinition, len(defs))
	for name, def := range defs {
		if def.Name == "" {
			def.Name = name
		}
		if def.Name != name {
			return nil, &types.ConfigurationError{
				Reason: fmt.Sprintf("feature key %q does not match name %q", name, def.Name),
			}
		}
		if err := validateDefinition(def); err != nil {
			return nil, err
		}
		resolved[name] = def
	}

	// Every dependency must resolve within the set.
	for name, def := range resolved {
		for _, dep := range def.Dependencies {
			if _, ok := resolved[dep]; !ok {
				return nil, &types.ConfigurationError{
					Reason: fmt.Sprintf("feature %q depends on unknown feature %q", name, dep),
				}
			}
		}
	}

	s := &Set{defs: resolved}
	order, err := s.resolveOrder(logger)
	if err != nil {
		return nil, err
	}
	s.order = order
	return s, nil
}

func validateDefinition(def types.FeatureDefinition) error {
	if !nameRegex.MatchString(def.Name) {
		return &types.ConfigurationError{
			Reason: fmt.Sprintf("feature name %q must match [A-Za-z0-9_-]+", def.Name),
		}
	}
	if !def.Classification.Valid() {
		return &types.ConfigurationError{
			Reason: fmt.Sprintf("feature %q: unknown classification %q", def.Name, def.Classification),
		}
	}
	if !def.SafeStateAction.Valid() {
		return &types.ConfigurationError{
			Reason: fmt.Sprintf("feature %q: unknown safe state action %q", def.Name, def.SafeStateAction),
		}
	}
	if !def.SafeStateAction.CompatibleWith(def.Classification) {
		return &types.ConfigurationError{
			Reason: fmt.Sprintf("feature %q: action %s is not permitted for %s",
				def.Name, def.SafeStateAction, def.Classification),
		}
	}
	for field, v := range map[string]string{"healthCheckInterval": def.HealthCheckInterval, "healthCheckTimeout": def.HealthCheckTimeout} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return &types.ConfigurationError{
				Reason: fmt.Sprintf("feature %q: %s: invalid duration %q", def.Name, field, v),
			}
		}
	}
	return nil
}

// Definitions returns the validated definitions keyed by name.
func (s *Set) Definitions() map[string]types.FeatureDefinition {
	out := make(map[string]types.FeatureDefinition, len(s.defs))
	for k, v := range s.defs {
		out[k] = v
	}
	return out
}

// Get returns the definition for a feature name.
func (s *Set) Get(name string) (types.FeatureDefinition, bool) {
	def, ok := s.defs[name]
	return def, ok
}

// StartupOrder returns the dependency-ordered sequence over every declared
// feature; shutdown uses the same order reversed. Callers filter on the
// runtime enabled flag, so a feature that defaults disabled and is enabled
// later still holds its place in the order.
func (s *Set) StartupOrder() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Dependents returns every declared feature that directly depends on name.
// Runtime enablement is the manager's concern: a dependent that defaults
// disabled can be enabled at any time and must still be found here.
func (s *Set) Dependents(name string) []string {
	var out []string
	for _, n := range sortedNames(s.defs) {
		for _, dep := range s.defs[n].Dependencies {
			if dep == name {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// DFS colors for cycle detection.
const (
	white = iota // unvisited
	gray         // on the current DFS path
	black        // fully explored
)

// resolveOrder builds the dependency graph over every declared feature and
// returns a topological order via DFS with 3-color cycle detection. The
// order includes features that default disabled: they can be enabled at
// runtime, and startup, shutdown, and health walks filter on the runtime
// flag instead.
//
// A default-enabled safety-tiered or mandatory feature depending on a
// default-disabled one is still a configuration error (fails closed).
func (s *Set) resolveOrder(logger *slog.Logger) ([]string, error) {
	edges := make(map[string][]string)
	for _, name := range sortedNames(s.defs) {
		def := s.defs[name]
		for _, dep := range def.Dependencies {
			if def.EnabledByDefault && !s.defs[dep].EnabledByDefault {
				if def.Classification.SafetyTiered() || def.Mandatory {
					return nil, &types.ConfigurationError{
						Reason: fmt.Sprintf("feature %q (%s) depends on disabled feature %q",
							name, def.Classification, dep),
					}
				}
				logger.Warn("feature depends on a feature disabled by default",
					"feature", name, "dependency", dep)
			}
			edges[name] = append(edges[name], dep)
		}
	}

	color := make(map[string]int, len(s.defs))
	var order []string
	var path []string

	var visit func(name string) *types.CircularDependencyError
	visit = func(name string) *types.CircularDependencyError {
		color[name] = gray
		path = append(path, name)
		for _, dep := range edges[name] {
			switch color[dep] {
			case gray:
				// Cycle: slice the current path from the first occurrence of dep.
				cycle := append(cycleFrom(path, dep), dep)
				return &types.CircularDependencyError{Participant: dep, Cycle: cycle}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		order = append(order, name) // post-order: dependencies first
		return nil
	}

	for _, name := range sortedNames(s.defs) {
		if color[name] == white {
			if err := visit(name); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

func cycleFrom(path []string, start string) []string {
	for i, n := range path {
		if n == start {
			out := make([]string, len(path)-i)
			copy(out, path[i:])
			return out
		}
	}
	return nil
}

func sortedNames(defs map[string]types.FeatureDefinition) []string {
	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
