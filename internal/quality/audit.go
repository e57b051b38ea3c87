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

package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine-core/internal/store"
)

// Reject is one bad row captured during processing.
type Reject struct {
	ID          string         `json:"id"`
	Domain      string         `json:"domain,omitempty"`
	Source      string         `json:"source,omitempty"`
	Reason      string         `json:"reason"`
	RowData     map[string]any `json:"row_data,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// RejectStore records rejected rows.
type RejectStore struct {
	db *store.DB
}

// NewRejectStore creates a reject store.
func NewRejectStore(db *store.DB) *RejectStore {
	return &RejectStore{db: db}
}

// Record inserts one reject.
func (s *RejectStore) Record(ctx context.Context, r Reject) (Reject, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var rowJSON string
	if r.RowData != nil {
		b, err := json.Marshal(r.RowData)
		if err != nil {
			return r, err
		}
		rowJSON = string(b)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO core_rejects (id, domain, source, reason, row_data, execution_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Domain, r.Source, r.Reason, rowJSON, r.ExecutionID,
		store.FormatTime(r.CreatedAt))
	return r, err
}

// List returns rejects, newest first.
func (s *RejectStore) List(ctx context.Context, domain string, limit, offset int) ([]map[string]any, error) {
	query := `SELECT * FROM core_rejects`
	var args []any
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)
	return s.db.QueryMaps(ctx, query, args...)
}

// Count returns the reject count for a domain ("" for all).
func (s *RejectStore) Count(ctx context.Context, domain string) (int, error) {
	query := `SELECT COUNT(*) FROM core_rejects`
	var args []any
	if domain != "" {
		query += ` WHERE domain = ?`
		args = append(args, domain)
	}
	var n int
	err := s.db.QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}

// Anomaly is one detected outlier measurement.
type Anomaly struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain,omitempty"`
	Metric      string    `json:"metric"`
	Observed    float64   `json:"observed"`
	Expected    float64   `json:"expected"`
	Deviation   float64   `json:"deviation"`
	Severity    string    `json:"severity,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AnomalyStore records anomalies.
type AnomalyStore struct {
	db *store.DB
}

// NewAnomalyStore creates an anomaly store.
func NewAnomalyStore(db *store.DB) *AnomalyStore {
	return &AnomalyStore{db: db}
}

// Record inserts one anomaly.
func (s *AnomalyStore) Record(ctx context.Context, a Anomaly) (Anomaly, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO core_anomalies (
			id, domain, metric, observed, expected, deviation, severity,
			detail, execution_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Domain, a.Metric, a.Observed, a.Expected, a.Deviation,
		a.Severity, a.Detail, a.ExecutionID, store.FormatTime(a.CreatedAt))
	return a, err
}

// List returns anomalies, newest first.
func (s *AnomalyStore) List(ctx context.Context, domain, metric string, limit, offset int) ([]map[string]any, error) {
	query := `SELECT * FROM core_anomalies`
	var conds []string
	var args []any
	if domain != "" {
		conds = append(conds, "domain = ?")
		args = append(args, domain)
	}
	if metric != "" {
		conds = append(conds, "metric = ?")
		args = append(args, metric)
	}
	query += whereClause(conds)
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, limit, offset)
	return s.db.QueryMaps(ctx, query, args...)
}
