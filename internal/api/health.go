// Copyright 2025 Ryan McCoy
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"net/http"
	"strconv"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// handleHealth reports overall service health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	if err := s.db.Ping(r.Context()); err != nil {
		status = "unhealthy"
		checks["database"] = err.Error()
	} else {
		checks["database"] = "ok"
	}

	writeData(w, r, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
		"checks":  checks,
	})
}

// handleReady returns 503 when a required dependency is down, degraded
// when only an optional one is.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeError(w, spineerrors.Wrap(spineerrors.CategoryUnavailable, err, "database not ready"))
		return
	}

	status := "ready"
	warnings := map[string]string{}
	if s.bus == nil {
		status = "degraded"
		warnings["bus"] = "event bus not configured"
	}
	writeData(w, r, http.StatusOK, map[string]any{
		"status":   status,
		"warnings": warnings,
	})
}

// handleLive is the trivial liveness probe.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]any{"status": "alive"})
}

// handleCapabilities advertises enabled features and backends.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, map[string]any{
		"tier": s.cfg.EffectiveTier(),
		"backends": map[string]string{
			"database":  s.cfg.DatabaseBackend,
			"scheduler": s.cfg.SchedulerBackend,
			"cache":     s.cfg.CacheBackend,
			"worker":    s.cfg.WorkerBackend,
			"metrics":   s.cfg.MetricsBackend,
			"tracing":   s.cfg.TracingBackend,
		},
		"features": map[string]bool{
			"workflows":  s.workflows != nil,
			"schedules":  s.schedules != nil,
			"dlq":        s.dlq != nil,
			"alerts":     s.alerts != nil,
			"sse":        s.bus != nil,
			"prometheus": s.cfg.MetricsBackend == "prometheus",
		},
		"breakers": s.disp.BreakerStates(),
	})
}

// handleDatabaseHealth reports connectivity for the database alone.
func (s *Server) handleDatabaseHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeError(w, spineerrors.Wrap(spineerrors.CategoryUnavailable, err, "database unreachable"))
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"dialect": s.db.Dialect().Name(),
	})
}

// handleDatabaseInit applies the schema.
func (s *Server) handleDatabaseInit(w http.ResponseWriter, r *http.Request) {
	if err := s.db.ApplySchema(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	tables, err := s.db.Tables(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"initialized": true, "tables": tables})
}

// handleDatabaseTables lists the core tables.
func (s *Server) handleDatabaseTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.db.Tables(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"tables": tables})
}

// handleDatabasePurge deletes audit rows older than older_than_days.
func (s *Server) handleDatabasePurge(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("older_than_days"))
	if err != nil || days <= 0 {
		writeError(w, spineerrors.Validation("older_than_days must be a positive integer"))
		return
	}
	deleted, err := s.db.Purge(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"deleted": deleted})
}
