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

	"github.com/ryansmccoy/spine-core/internal/scheduler"
)

// handleWorkflowList lists registered workflow definitions.
func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	type summary struct {
		Name        string   `json:"name"`
		Domain      string   `json:"domain,omitempty"`
		Description string   `json:"description,omitempty"`
		Version     int      `json:"version"`
		Tags        []string `json:"tags,omitempty"`
		StepCount   int      `json:"step_count"`
	}
	defs := s.workflows.List()
	out := make([]summary, 0, len(defs))
	for _, wf := range defs {
		out = append(out, summary{
			Name:        wf.Name,
			Domain:      wf.Domain,
			Description: wf.Description,
			Version:     wf.Version,
			Tags:        wf.Tags,
			StepCount:   len(wf.Steps),
		})
	}
	writeData(w, r, http.StatusOK, out)
}

// handleWorkflowGet returns one definition in full.
func (s *Server) handleWorkflowGet(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, wf)
}

// handleScheduleList lists schedules.
func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	schedules, err := s.schedules.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, schedules)
}

// handleScheduleCreate creates a schedule.
func (s *Server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var sched scheduler.Schedule
	if err := decodeBody(r, &sched); err != nil {
		writeError(w, err)
		return
	}
	if err := s.schedules.Create(r.Context(), &sched); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusCreated, sched)
}

// handleScheduleGet returns one schedule.
func (s *Server) handleScheduleGet(w http.ResponseWriter, r *http.Request) {
	sched, err := s.schedules.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, sched)
}

// handleScheduleUpdate replaces a schedule's settings.
func (s *Server) handleScheduleUpdate(w http.ResponseWriter, r *http.Request) {
	var sched scheduler.Schedule
	if err := decodeBody(r, &sched); err != nil {
		writeError(w, err)
		return
	}
	sched.ID = r.PathValue("id")
	if err := s.schedules.Update(r.Context(), &sched); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, sched)
}

// handleScheduleDelete removes a schedule.
func (s *Server) handleScheduleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"deleted": true})
}

// handleSchedulePause disables a schedule.
func (s *Server) handleSchedulePause(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.SetEnabled(r.Context(), r.PathValue("id"), false); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"enabled": false})
}

// handleScheduleResume re-enables a schedule.
func (s *Server) handleScheduleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.SetEnabled(r.Context(), r.PathValue("id"), true); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"enabled": true})
}
