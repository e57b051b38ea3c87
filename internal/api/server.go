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

// Package api serves the spine-core HTTP API under /api/v1.
package api

import (
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine-core/internal/alerts"
	"github.com/ryansmccoy/spine-core/internal/bus"
	"github.com/ryansmccoy/spine-core/internal/config"
	"github.com/ryansmccoy/spine-core/internal/dispatcher"
	"github.com/ryansmccoy/spine-core/internal/dlq"
	"github.com/ryansmccoy/spine-core/internal/log"
	"github.com/ryansmccoy/spine-core/internal/metrics"
	"github.com/ryansmccoy/spine-core/internal/quality"
	"github.com/ryansmccoy/spine-core/internal/scheduler"
	"github.com/ryansmccoy/spine-core/internal/store"
	"github.com/ryansmccoy/spine-core/internal/tracing"
	"github.com/ryansmccoy/spine-core/internal/workflow"
)

// Server hosts the HTTP API.
type Server struct {
	cfg       *config.Config
	db        *store.DB
	disp      *dispatcher.Dispatcher
	workflows *workflow.Registry
	steps     *workflow.StepStore
	schedules *scheduler.Store
	dlq       *dlq.Store
	alerts    *alerts.Service
	alertStore *alerts.Store
	quality   *quality.Store
	rejects   *quality.RejectStore
	anomalies *quality.AnomalyStore
	bus       bus.Bus
	logger    *slog.Logger
	version   string
}

// Deps bundles the server's collaborators.
type Deps struct {
	Config     *config.Config
	DB         *store.DB
	Dispatcher *dispatcher.Dispatcher
	Workflows  *workflow.Registry
	Steps      *workflow.StepStore
	Schedules  *scheduler.Store
	DLQ        *dlq.Store
	Alerts     *alerts.Service
	AlertStore *alerts.Store
	Quality    *quality.Store
	Rejects    *quality.RejectStore
	Anomalies  *quality.AnomalyStore
	Bus        bus.Bus
	Logger     *slog.Logger
	Version    string
}

// NewServer creates the API server.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        d.Config,
		db:         d.DB,
		disp:       d.Dispatcher,
		workflows:  d.Workflows,
		steps:      d.Steps,
		schedules:  d.Schedules,
		dlq:        d.DLQ,
		alerts:     d.Alerts,
		alertStore: d.AlertStore,
		quality:    d.Quality,
		rejects:    d.Rejects,
		anomalies:  d.Anomalies,
		bus:        d.Bus,
		logger:     log.WithComponent(logger, "api"),
		version:    d.Version,
	}
}

// Handler builds the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/health/ready", s.handleReady)
	mux.HandleFunc("GET /api/v1/health/live", s.handleLive)
	mux.HandleFunc("GET /api/v1/capabilities", s.handleCapabilities)

	mux.HandleFunc("GET /api/v1/database/health", s.handleDatabaseHealth)
	mux.HandleFunc("POST /api/v1/database/init", s.handleDatabaseInit)
	mux.HandleFunc("GET /api/v1/database/tables", s.handleDatabaseTables)
	mux.HandleFunc("POST /api/v1/database/purge", s.handleDatabasePurge)

	mux.HandleFunc("GET /api/v1/workflows", s.handleWorkflowList)
	mux.HandleFunc("GET /api/v1/workflows/{name}", s.handleWorkflowGet)

	mux.HandleFunc("POST /api/v1/runs", s.handleRunSubmit)
	mux.HandleFunc("GET /api/v1/runs", s.handleRunList)
	mux.HandleFunc("GET /api/v1/runs/stats", s.handleRunStats)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleRunGet)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.handleRunCancel)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/v1/runs/{id}/steps", s.handleRunSteps)
	mux.HandleFunc("GET /api/v1/runs/{id}/logs", s.handleRunLogs)

	mux.HandleFunc("GET /api/v1/schedules", s.handleScheduleList)
	mux.HandleFunc("POST /api/v1/schedules", s.handleScheduleCreate)
	mux.HandleFunc("GET /api/v1/schedules/{id}", s.handleScheduleGet)
	mux.HandleFunc("PUT /api/v1/schedules/{id}", s.handleScheduleUpdate)
	mux.HandleFunc("DELETE /api/v1/schedules/{id}", s.handleScheduleDelete)
	mux.HandleFunc("POST /api/v1/schedules/{id}/pause", s.handleSchedulePause)
	mux.HandleFunc("POST /api/v1/schedules/{id}/resume", s.handleScheduleResume)

	mux.HandleFunc("GET /api/v1/dlq", s.handleDLQList)
	mux.HandleFunc("POST /api/v1/dlq/{id}/retry", s.handleDLQRetry)
	mux.HandleFunc("POST /api/v1/dlq/{id}/resolve", s.handleDLQResolve)

	mux.HandleFunc("GET /api/v1/quality", s.handleQualityList)
	mux.HandleFunc("GET /api/v1/anomalies", s.handleAnomalyList)
	mux.HandleFunc("GET /api/v1/rejects", s.handleRejectList)

	mux.HandleFunc("GET /api/v1/alerts", s.handleAlertList)
	mux.HandleFunc("POST /api/v1/alerts/{id}/ack", s.handleAlertAck)
	mux.HandleFunc("GET /api/v1/alerts/channels", s.handleChannelList)
	mux.HandleFunc("POST /api/v1/alerts/channels", s.handleChannelCreate)
	mux.HandleFunc("PUT /api/v1/alerts/channels/{id}", s.handleChannelUpdate)
	mux.HandleFunc("DELETE /api/v1/alerts/channels/{id}", s.handleChannelDelete)

	mux.HandleFunc("GET /api/v1/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /api/v1/events/status", s.handleEventStatus)
	mux.HandleFunc("GET /api/v1/events/recent", s.handleEventRecent)
	mux.HandleFunc("POST /api/v1/events/publish", s.handleEventPublish)

	mux.Handle("GET /metrics", metrics.Handler())

	return s.middleware(mux)
}

// middleware applies, outermost first: tracing, elapsed stamping, request
// id, CORS (answering preflights), then process time, metrics, and request
// logging around the routed handler.
func (s *Server) middleware(next http.Handler) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = withStart(r)

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		if s.applyCORS(w, r) {
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK, started: start}
		defer func() {
			duration := time.Since(start)
			metrics.HTTPRequests.WithLabelValues(
				r.Method, r.URL.Path, strconv.Itoa(rec.status)).Observe(duration.Seconds())
			s.logger.Info("request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.String("request_id", requestID),
				slog.Int64(log.DurationKey, duration.Milliseconds()))
		}()

		next.ServeHTTP(rec, r)
	})
	return tracing.Middleware(handler)
}

// applyCORS writes CORS headers and answers preflights. Returns true
// when the request is fully handled.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.CORSOrigins) == 0 {
		return false
	}
	allowed := slices.Contains(s.cfg.CORSOrigins, "*") || slices.Contains(s.cfg.CORSOrigins, origin)
	if !allowed {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// statusRecorder captures the response status and stamps the processing
// time header at first write.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	started time.Time
	wrote   bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.wrote {
		return
	}
	r.wrote = true
	r.status = status
	if !r.started.IsZero() {
		r.Header().Set("X-Process-Time-Ms",
			strconv.FormatInt(time.Since(r.started).Milliseconds(), 10))
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// Flush lets SSE streams pass through.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
