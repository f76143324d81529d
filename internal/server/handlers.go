package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rvguard/rvguard/pkg/types"
)

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.monitor != nil && !s.monitor.Healthy() {
		status = "degraded"
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.mgr.SystemHealth()
	out := struct {
		types.SystemStatusSnapshot
		DeadlineHealth types.HealthStatus `json:"deadlineHealth"`
	}{
		SystemStatusSnapshot: snap,
	}
	if s.monitor != nil {
		out.DeadlineHealth = s.monitor.HealthStatus()
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(s.safety.Snapshot())
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(s.mgr.SystemHealth().Features)
}

func (s *Server) handleFeature(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	f, ok := s.mgr.Feature(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown feature "+name)
		return
	}
	out := struct {
		Definition types.FeatureDefinition `json:"definition"`
		State      types.FeatureState      `json:"state"`
		Health     types.HealthStatus      `json:"health"`
		Enabled    bool                    `json:"enabled"`
		FailedDeps []string                `json:"failedDependencies,omitempty"`
	}{
		Definition: f.Definition(),
		State:      f.State(),
		Health:     f.Health(),
		Enabled:    f.Enabled(),
		FailedDeps: f.FailedDependencies(),
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	violations := []types.DeadlineViolation{}
	if s.monitor != nil {
		violations = s.monitor.Violations()
	}
	_ = json.NewEncoder(w).Encode(violations)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries := []types.AuditEntry{}
	if s.trail != nil {
		entries = s.trail.Recent(limit)
	}
	_ = json.NewEncoder(w).Encode(entries)
}
