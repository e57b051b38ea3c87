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

	"github.com/ryansmccoy/spine-core/internal/alerts"
	"github.com/ryansmccoy/spine-core/internal/quality"
)

// handleDLQList lists dead letters.
func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	entries, err := s.dlq.List(r.Context(), r.URL.Query().Get("workflow"), includeResolved, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.dlq.Count(r.Context(), r.URL.Query().Get("workflow"), includeResolved)
	if err != nil {
		writeError(w, err)
		return
	}
	writePaged(w, r, http.StatusOK, entries, &Page{
		Total: total, Limit: limit, Offset: offset,
		HasMore: offset+len(entries) < total,
	})
}

// handleDLQRetry resubmits a dead-lettered execution.
func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	ex, err := s.disp.RetryDeadLetter(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusAccepted, map[string]any{"run_id": ex.ID})
}

// handleDLQResolve marks a dead letter resolved.
func (s *Server) handleDLQResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ResolvedBy string `json:"resolved_by,omitempty"`
	}
	_ = decodeBody(r, &body)
	if body.ResolvedBy == "" {
		body.ResolvedBy = "api"
	}
	if err := s.dlq.Resolve(r.Context(), r.PathValue("id"), body.ResolvedBy); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"resolved": true})
}

// handleQualityList lists quality check results.
func (s *Server) handleQualityList(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	results, err := s.quality.List(r.Context(),
		r.URL.Query().Get("domain"),
		quality.CheckStatus(r.URL.Query().Get("status")),
		limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, results)
}

// handleAnomalyList lists detected anomalies.
func (s *Server) handleAnomalyList(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	anomalies, err := s.anomalies.List(r.Context(),
		r.URL.Query().Get("domain"), r.URL.Query().Get("metric"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, anomalies)
}

// handleRejectList lists rejected rows.
func (s *Server) handleRejectList(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	rejects, err := s.rejects.List(r.Context(), r.URL.Query().Get("domain"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, rejects)
}

// handleAlertList lists alerts.
func (s *Server) handleAlertList(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	list, err := s.alertStore.List(r.Context(),
		alerts.Severity(r.URL.Query().Get("min_severity")),
		r.URL.Query().Get("unacked") == "true",
		limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, list)
}

// handleAlertAck acknowledges an alert.
func (s *Server) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AcknowledgedBy string `json:"acknowledged_by,omitempty"`
	}
	_ = decodeBody(r, &body)
	if body.AcknowledgedBy == "" {
		body.AcknowledgedBy = "api"
	}
	if err := s.alertStore.Acknowledge(r.Context(), r.PathValue("id"), body.AcknowledgedBy); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"acknowledged": true})
}

// handleChannelList lists alert channels.
func (s *Server) handleChannelList(w http.ResponseWriter, r *http.Request) {
	channels, err := s.alerts.ListChannels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, channels)
}

// handleChannelCreate registers an alert channel.
func (s *Server) handleChannelCreate(w http.ResponseWriter, r *http.Request) {
	var ch alerts.ChannelConfig
	if err := decodeBody(r, &ch); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.alerts.CreateChannel(r.Context(), ch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusCreated, created)
}

// handleChannelUpdate updates an alert channel.
func (s *Server) handleChannelUpdate(w http.ResponseWriter, r *http.Request) {
	var ch alerts.ChannelConfig
	if err := decodeBody(r, &ch); err != nil {
		writeError(w, err)
		return
	}
	ch.ID = r.PathValue("id")
	if err := s.alerts.UpdateChannel(r.Context(), ch); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, ch)
}

// handleChannelDelete removes an alert channel.
func (s *Server) handleChannelDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.alerts.DeleteChannel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"deleted": true})
}
