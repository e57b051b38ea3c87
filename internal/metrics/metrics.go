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

// Package metrics exposes the Prometheus collectors for spine-core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsSubmitted counts submitted executions by workflow and trigger.
	RunsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spine",
		Name:      "runs_submitted_total",
		Help:      "Executions submitted, by workflow and trigger source.",
	}, []string{"workflow", "trigger"})

	// RunsCompleted counts finished executions by workflow and status.
	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spine",
		Name:      "runs_completed_total",
		Help:      "Executions reaching a terminal status, by workflow and status.",
	}, []string{"workflow", "status"})

	// RunDuration observes end-to-end run durations.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spine",
		Name:      "run_duration_seconds",
		Help:      "End-to-end execution duration.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"workflow"})

	// StepsCompleted counts finished workflow steps by status. The step_type
	// label carries the engine event name (step.completed, step.failed,
	// step.skipped), not the step's type.
	StepsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spine",
		Name:      "workflow_steps_total",
		Help:      "Workflow steps finished, by engine event and status.",
	}, []string{"step_type", "status"})

	// DeadLetters counts DLQ additions by workflow.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spine",
		Name:      "dead_letters_total",
		Help:      "Executions dead-lettered, by workflow.",
	}, []string{"workflow"})

	// SchedulerTicks counts scheduler tick loop iterations.
	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spine",
		Name:      "scheduler_ticks_total",
		Help:      "Scheduler tick loop iterations on the leader.",
	})

	// SchedulesFired counts schedule dispatches.
	SchedulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spine",
		Name:      "schedules_fired_total",
		Help:      "Schedule dispatches, by schedule name.",
	}, []string{"schedule"})

	// AlertDeliveries counts alert channel deliveries by status.
	AlertDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spine",
		Name:      "alert_deliveries_total",
		Help:      "Alert delivery attempts, by channel type and status.",
	}, []string{"channel_type", "status"})

	// HTTPRequests observes API request durations by route and code.
	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spine",
		Name:      "http_request_duration_seconds",
		Help:      "API request duration, by method, route, and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "code"})
)

// ObserveRun records a terminal run with its duration.
func ObserveRun(workflow, status string, duration time.Duration) {
	RunsCompleted.WithLabelValues(workflow, status).Inc()
	RunDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
