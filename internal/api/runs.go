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

	"github.com/ryansmccoy/spine-core/internal/dispatcher"
	"github.com/ryansmccoy/spine-core/internal/executor"
	"github.com/ryansmccoy/spine-core/internal/ledger"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

type submitRequest struct {
	Kind           string         `json:"kind"`
	Name           string         `json:"name"`
	Params         map[string]any `json:"params,omitempty"`
	Lane           string         `json:"lane,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// handleRunSubmit accepts a run submission and returns 202.
func (s *Server) handleRunSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	spec := executor.WorkSpec{
		Kind:   executor.Kind(req.Kind),
		Name:   req.Name,
		Params: req.Params,
	}
	ex, err := s.disp.Submit(r.Context(), spec, dispatcher.SubmitOptions{
		IdempotencyKey: req.IdempotencyKey,
		Lane:           req.Lane,
		Trigger:        ledger.TriggerAPI,
		CorrelationID:  r.Header.Get("X-Request-ID"),
	})
	if err != nil && ex == nil {
		writeError(w, err)
		return
	}

	writeData(w, r, http.StatusAccepted, map[string]any{
		"run_id":        ex.ID,
		"would_execute": ex.Workflow,
		"status":        string(ex.Status),
	})
}

// handleRunList lists executions.
func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	f := ledger.Filter{
		Workflow: r.URL.Query().Get("workflow"),
		Status:   ledger.Status(r.URL.Query().Get("status")),
		Lane:     r.URL.Query().Get("lane"),
		Limit:    limit,
		Offset:   offset,
	}
	runs, err := s.disp.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.disp.Count(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writePaged(w, r, http.StatusOK, runs, &Page{
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(runs) < total,
	})
}

// handleRunStats reports run counts grouped by status.
func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.disp.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, stats)
}

// handleRunGet returns one execution.
func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	ex, err := s.disp.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, ex)
}

// handleRunCancel cancels a non-terminal execution.
func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = decodeBody(r, &body)
	if body.Reason == "" {
		body.Reason = "cancelled via API"
	}
	if err := s.disp.Cancel(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"cancelled": true})
}

// handleRunEvents returns an execution's event log.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, spineerrors.Validation("since must be an integer sequence number"))
			return
		}
		since = n
	}
	events, err := s.disp.Events(r.Context(), r.PathValue("id"), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, events)
}

// handleRunSteps returns the per-step rows for a workflow run.
func (s *Server) handleRunSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.steps.ListForRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, steps)
}

// handleRunLogs returns the run's event log rendered as log lines. Runs
// executed in-process have no separate log capture; the event log is the
// authoritative record.
func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	events, err := s.disp.Events(r.Context(), r.PathValue("id"), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	lines := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		lines = append(lines, map[string]any{
			"timestamp": ev.Timestamp,
			"level":     "info",
			"message":   string(ev.EventType),
			"data":      ev.Data,
		})
	}
	writeData(w, r, http.StatusOK, lines)
}
