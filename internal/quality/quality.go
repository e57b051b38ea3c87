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

// Package quality records data-quality checks, rejected rows, and
// detected anomalies. All three tables are append-only audit logs.
package quality

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine-core/internal/store"
)

// CheckStatus is the outcome of one quality check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// Result is one recorded quality check outcome.
type Result struct {
	ID           string      `json:"id"`
	Domain       string      `json:"domain,omitempty"`
	PartitionKey string      `json:"partition_key,omitempty"`
	CheckName    string      `json:"check_name"`
	Status       CheckStatus `json:"status"`
	Message      string      `json:"message,omitempty"`
	Actual       string      `json:"actual,omitempty"`
	Expected     string      `json:"expected,omitempty"`
	ExecutionID  string      `json:"execution_id,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Pass creates a passing result.
func Pass(checkName, message string) Result {
	return Result{CheckName: checkName, Status: StatusPass, Message: message}
}

// Warn creates a warning result.
func Warn(checkName, message string) Result {
	return Result{CheckName: checkName, Status: StatusWarn, Message: message}
}

// Failf creates a failing result with actual/expected detail.
func Failf(checkName, actual, expected, format string, args ...any) Result {
	return Result{
		CheckName: checkName,
		Status:    StatusFail,
		Message:   fmt.Sprintf(format, args...),
		Actual:    actual,
		Expected:  expected,
	}
}

// Store persists quality results.
type Store struct {
	db *store.DB
}

// NewStore creates a quality store.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Record inserts one result. Rows are never mutated afterwards.
func (s *Store) Record(ctx context.Context, r Result) (Result, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO core_quality_results (
			id, domain, partition_key, check_name, status, message,
			actual, expected, execution_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Domain, r.PartitionKey, r.CheckName, string(r.Status),
		r.Message, r.Actual, r.Expected, r.ExecutionID,
		store.FormatTime(r.CreatedAt))
	return r, err
}

// List returns results, newest first, optionally filtered by domain and
// status.
func (s *Store) List(ctx context.Context, domain string, status CheckStatus, limit, offset int) ([]map[string]any, error) {
	query := `SELECT * FROM core_quality_results`
	var conds []string
	var args []any
	if domain != "" {
		conds = append(conds, "domain = ?")
		args = append(args, domain)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(status))
	}
	query += whereClause(conds)
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, offset)
	return s.db.QueryMaps(ctx, query, args...)
}

// Runner chains quality checks against one (domain, partition) pair,
// recording every result and remembering failures for the gating
// decision.
type Runner struct {
	store        *Store
	domain       string
	partitionKey string
	executionID  string
	results      []Result
}

// NewRunner creates a check runner scoped to a domain partition.
func (s *Store) NewRunner(domain, partitionKey, executionID string) *Runner {
	return &Runner{store: s, domain: domain, partitionKey: partitionKey, executionID: executionID}
}

// Run records one check result under the runner's scope.
func (r *Runner) Run(ctx context.Context, result Result) error {
	result.Domain = r.domain
	result.PartitionKey = r.partitionKey
	result.ExecutionID = r.executionID
	recorded, err := r.store.Record(ctx, result)
	if err != nil {
		return err
	}
	r.results = append(r.results, recorded)
	return nil
}

// Results returns every recorded result in run order.
func (r *Runner) Results() []Result {
	return r.results
}

// HasFailures reports whether any check failed.
func (r *Runner) HasFailures() bool {
	for _, res := range r.results {
		if res.Status == StatusFail {
			return true
		}
	}
	return false
}

// Failures returns the failing results.
func (r *Runner) Failures() []Result {
	var out []Result
	for _, res := range r.results {
		if res.Status == StatusFail {
			out = append(out, res)
		}
	}
	return out
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	out := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		out += " AND " + c
	}
	return out
}
