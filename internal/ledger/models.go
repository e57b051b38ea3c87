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

// Package ledger persists executions and their append-only event log.
// Every status transition writes exactly one event, in the same transaction
// as the row update.
package ledger

import (
	"time"
)

// Status is the execution lifecycle status.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRetried   Status = "RETRIED"
	StatusDLQ       Status = "DLQ"
)

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDLQ:
		return true
	}
	return false
}

// allowedTransitions is the status DAG. FAILED admits the retry path
// (RETRIED marks the superseded attempt, RUNNING restarts in place).
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:  {StatusRetried, StatusRunning, StatusDLQ},
	StatusRetried: {StatusRunning, StatusQueued},
}

// CanTransition reports whether from→to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TriggerSource identifies what submitted an execution.
type TriggerSource string

const (
	TriggerCLI       TriggerSource = "CLI"
	TriggerAPI       TriggerSource = "API"
	TriggerScheduler TriggerSource = "SCHEDULER"
	TriggerRetry     TriggerSource = "RETRY"
	TriggerManual    TriggerSource = "MANUAL"
)

// EventType classifies execution events.
type EventType string

const (
	EventCreated   EventType = "CREATED"
	EventStarted   EventType = "STARTED"
	EventProgress  EventType = "PROGRESS"
	EventCompleted EventType = "COMPLETED"
	EventFailed    EventType = "FAILED"
	EventCancelled EventType = "CANCELLED"
	EventRetried   EventType = "RETRIED"
)

// Execution is the root run record.
type Execution struct {
	ID                string         `json:"id"`
	Workflow          string         `json:"workflow"`
	Params            map[string]any `json:"params,omitempty"`
	Status            Status         `json:"status"`
	Lane              string         `json:"lane"`
	TriggerSource     TriggerSource  `json:"trigger_source"`
	ParentExecutionID string         `json:"parent_execution_id,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
	ExecutorRef       string         `json:"executor_ref,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Result            map[string]any `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	RetryCount        int            `json:"retry_count"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
}

// Event is one append-only execution event. Events for a run form a total
// order by (timestamp, seq) and are never deleted or mutated.
type Event struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	EventType   EventType      `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	Seq         int64          `json:"seq"`
	Data        map[string]any `json:"data,omitempty"`
}

// Filter narrows List queries.
type Filter struct {
	Workflow string
	Status   Status
	Lane     string
	Limit    int
	Offset   int
}
