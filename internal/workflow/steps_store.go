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

package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine-core/internal/store"
)

// StepStatus is a per-run step execution status.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
	StepStatusCancelled StepStatus = "CANCELLED"
)

// StepRecord is one persisted per-run step execution.
type StepRecord struct {
	StepID      string         `json:"step_id"`
	RunID       string         `json:"run_id"`
	StepName    string         `json:"step_name"`
	StepType    StepType       `json:"step_type"`
	StepOrder   int            `json:"step_order"`
	Status      StepStatus     `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metrics     map[string]any `json:"metrics,omitempty"`
}

// StepStore persists WorkflowStep rows. The engine writes a RUNNING row
// before each step starts and finalizes it on completion; COMPLETED rows
// enable idempotent resume.
type StepStore struct {
	db *store.DB
}

// NewStepStore creates a step store.
func NewStepStore(db *store.DB) *StepStore {
	return &StepStore{db: db}
}

// Start inserts the RUNNING row for a step about to execute and returns
// the step id.
func (s *StepStore) Start(ctx context.Context, runID, stepName string, stepType StepType, order int) (string, error) {
	stepID := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO core_workflow_steps (
			step_id, run_id, step_name, step_type, step_order, status, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		stepID, runID, stepName, string(stepType), order,
		string(StepStatusRunning), store.FormatTime(now))
	return stepID, err
}

// Finish finalizes a step row with its terminal status, timing, result,
// and metrics.
func (s *StepStore) Finish(ctx context.Context, stepID string, status StepStatus, started time.Time, result StepResult) error {
	now := time.Now().UTC()

	var resultJSON, metricsJSON sql.NullString
	if result.Output != nil || result.ContextUpdates != nil {
		b, err := json.Marshal(result.ToMap())
		if err != nil {
			return err
		}
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}
	if result.Quality != nil {
		b, err := json.Marshal(result.Quality)
		if err != nil {
			return err
		}
		metricsJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.Exec(ctx, `
		UPDATE core_workflow_steps
		SET status = ?, completed_at = ?, duration_ms = ?, result = ?, error = ?, metrics = ?
		WHERE step_id = ?`,
		string(status), store.FormatTime(now), now.Sub(started).Milliseconds(),
		resultJSON, nullable(result.Error), metricsJSON, stepID)
	return err
}

// RecordSkipped inserts a terminal SKIPPED or CANCELLED row for a step
// that never ran.
func (s *StepStore) RecordSkipped(ctx context.Context, runID, stepName string, stepType StepType, order int, status StepStatus, reason string) error {
	now := store.FormatTime(time.Now())
	_, err := s.db.Exec(ctx, `
		INSERT INTO core_workflow_steps (
			step_id, run_id, step_name, step_type, step_order, status,
			started_at, completed_at, duration_ms, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		uuid.NewString(), runID, stepName, string(stepType), order,
		string(status), now, now, nullable(reason))
	return err
}

// ListForRun returns the step rows for a run in step order.
func (s *StepStore) ListForRun(ctx context.Context, runID string) ([]*StepRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT step_id, run_id, step_name, step_type, step_order, status,
		       started_at, completed_at, duration_ms, result, error, metrics
		FROM core_workflow_steps
		WHERE run_id = ?
		ORDER BY step_order`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StepRecord
	for rows.Next() {
		var rec StepRecord
		var stepType, status string
		var started, completed, result, errMsg, metrics sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&rec.StepID, &rec.RunID, &rec.StepName, &stepType,
			&rec.StepOrder, &status, &started, &completed, &duration,
			&result, &errMsg, &metrics); err != nil {
			return nil, err
		}
		rec.StepType = StepType(stepType)
		rec.Status = StepStatus(status)
		rec.DurationMs = duration.Int64
		rec.Error = errMsg.String
		if started.Valid {
			if t, err := store.ParseTime(started.String); err == nil {
				rec.StartedAt = &t
			}
		}
		if completed.Valid {
			if t, err := store.ParseTime(completed.String); err == nil {
				rec.CompletedAt = &t
			}
		}
		if result.Valid && result.String != "" {
			if err := json.Unmarshal([]byte(result.String), &rec.Result); err != nil {
				return nil, err
			}
		}
		if metrics.Valid && metrics.String != "" {
			if err := json.Unmarshal([]byte(metrics.String), &rec.Metrics); err != nil {
				return nil, err
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// CompletedResults returns the recorded results of COMPLETED steps for a
// run, keyed by step name. Resume reloads these instead of re-executing.
func (s *StepStore) CompletedResults(ctx context.Context, runID string) (map[string]StepResult, error) {
	records, err := s.ListForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]StepResult)
	for _, rec := range records {
		if rec.Status == StepStatusCompleted && rec.Result != nil {
			out[rec.StepName] = ResultFromMap(rec.Result)
		}
	}
	return out, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
