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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ryansmccoy/spine-core/internal/bus"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// heartbeatInterval keeps idle SSE connections alive.
const heartbeatInterval = 30 * time.Second

// handleEventStream serves Server-Sent Events. Optional filters: run_id
// and types (comma-separated glob patterns on the '.' boundary).
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, spineerrors.New(spineerrors.CategoryUnavailable, "streaming not supported"))
		return
	}

	runID := r.URL.Query().Get("run_id")
	var patterns []string
	if types := r.URL.Query().Get("types"); types != "" {
		for _, p := range strings.Split(types, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				patterns = append(patterns, trimmed)
			}
		}
	}

	matches := func(ev bus.Event) bool {
		if runID != "" {
			evRunID, _ := ev.Payload["run_id"].(string)
			if evRunID != runID {
				return false
			}
		}
		if len(patterns) == 0 {
			return true
		}
		for _, p := range patterns {
			if bus.Match(ev.EventType, p) {
				return true
			}
		}
		return false
	}

	// Buffered so a stalled client drops events instead of blocking the
	// bus drain goroutine.
	queue := make(chan bus.Event, 100)
	subID := s.bus.Subscribe("*", func(_ context.Context, ev bus.Event) {
		if matches(ev) {
			select {
			case queue <- ev:
			default:
			}
		}
	})
	defer s.bus.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "data: %s\n\n", `{"event_type":"connected"}`)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev := <-queue:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleEventStatus reports bus backend and subscription count.
func (s *Server) handleEventStatus(w http.ResponseWriter, r *http.Request) {
	backend := "memory"
	if _, ok := s.bus.(*bus.RedisBus); ok {
		backend = "redis"
	}
	writeData(w, r, http.StatusOK, map[string]any{
		"backend":            backend,
		"subscription_count": s.bus.SubscriptionCount(),
	})
}

// handleEventRecent returns the most recent events from the in-memory
// buffer.
func (s *Server) handleEventRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeData(w, r, http.StatusOK, s.bus.Recent(limit))
}

// handleEventPublish publishes a test event (debug aid).
func (s *Server) handleEventPublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventType     string         `json:"event_type"`
		Source        string         `json:"source,omitempty"`
		Payload       map[string]any `json:"payload,omitempty"`
		CorrelationID string         `json:"correlation_id,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.EventType == "" {
		writeError(w, spineerrors.Validation("event_type is required"))
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	ev := bus.NewEvent(req.EventType, req.Source, req.Payload)
	ev.CorrelationID = req.CorrelationID
	if err := s.bus.Publish(r.Context(), ev); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{
		"event_id":   ev.EventID,
		"event_type": ev.EventType,
	})
}
