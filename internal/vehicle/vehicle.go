// Package vehicle provides the chassis-signal feed that safety interlocks
// evaluate against.
package vehicle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rvguard/rvguard/pkg/types"
)

// Source produces vehicle-state snapshots.
type Source interface {
	Fetch(ctx context.Context) (types.VehicleState, error)
	Name() string
}

// StaticSource returns a settable fixed state. Used in tests and as the
// fallback when no gateway is configured.
type StaticSource struct {
	mu    sync.Mutex
	state types.VehicleState
}

// NewStaticSource creates a StaticSource with an initial state.
func NewStaticSource(initial types.VehicleState) *StaticSource {
	return &StaticSource{state: initial}
}

// Set replaces the state returned by Fetch.
func (s *StaticSource) Set(vs types.VehicleState) {
	s.mu.Lock()
	s.state = vs
	s.mu.Unlock()
}

func (s *StaticSource) Fetch(_ context.Context) (types.VehicleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := s.state
	vs.UpdatedAt = time.Now()
	return vs, nil
}

func (s *StaticSource) Name() string { return "static" }

// HTTPSource polls a CAN gateway's JSON endpoint. A circuit breaker fails
// fast while the gateway flaps instead of stacking up timed-out requests
// against a bus that is already struggling.
type HTTPSource struct {
	client  *http.Client
	url     string
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPSource creates an HTTPSource for the given endpoint.
func NewHTTPSource(url string, logger *slog.Logger) *HTTPSource {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:    "vehicle-gateway",
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("vehicle gateway breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &HTTPSource{
		client:  &http.Client{Timeout: 2 * time.Second},
		url:     url,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (h *HTTPSource) Fetch(ctx context.Context) (types.VehicleState, error) {
	result, err := h.breaker.Execute(func() (any, error) {
		return h.fetch(ctx)
	})
	if err != nil {
		return types.VehicleState{}, err
	}
	return result.(types.VehicleState), nil
}

func (h *HTTPSource) fetch(ctx context.Context) (types.VehicleState, error) {
	var vs types.VehicleState

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return vs, fmt.Errorf("creating gateway request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return vs, fmt.Errorf("gateway request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return vs, fmt.Errorf("reading gateway response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return vs, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &vs); err != nil {
		return vs, fmt.Errorf("decoding vehicle state: %w", err)
	}
	if vs.UpdatedAt.IsZero() {
		vs.UpdatedAt = time.Now()
	}
	return vs, nil
}

func (h *HTTPSource) Name() string { return "http" }

// NewSource builds a Source from config. An unconfigured or "static" source
// starts from the zero state, which reads as unsafe until told otherwise.
func NewSource(vc *types.VehicleConfig, logger *slog.Logger) (Source, error) {
	if vc == nil || vc.Source == "" || vc.Source == "static" {
		return NewStaticSource(types.VehicleState{}), nil
	}
	if vc.Source != "http" {
		return nil, &types.ConfigurationError{
			Reason: fmt.Sprintf("unknown vehicle source %q", vc.Source),
		}
	}
	if vc.URL == "" {
		return nil, &types.ConfigurationError{Reason: "vehicle source http requires a url"}
	}
	return NewHTTPSource(vc.URL, logger), nil
}
