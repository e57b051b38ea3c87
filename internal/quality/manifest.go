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
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ryansmccoy/spine-core/internal/store"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// StageSet declares the ordered processing stages for a domain. Stage
// rank is declaration position.
type StageSet struct {
	Domain string
	stages []string
	ranks  map[string]int
}

// NewStageSet declares the stages for a domain.
func NewStageSet(domain string, stages ...string) *StageSet {
	ranks := make(map[string]int, len(stages))
	for i, s := range stages {
		ranks[s] = i
	}
	return &StageSet{Domain: domain, stages: stages, ranks: ranks}
}

// Rank returns a stage's rank.
func (ss *StageSet) Rank(stage string) (int, bool) {
	r, ok := ss.ranks[stage]
	return r, ok
}

// Manifest is the persisted progression record for one (domain,
// partition, stage) triple.
type Manifest struct {
	Domain       string         `json:"domain"`
	PartitionKey string         `json:"partition_key"`
	Stage        string         `json:"stage"`
	StageRank    int            `json:"stage_rank"`
	RowCount     int            `json:"row_count"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	BatchID      string         `json:"batch_id,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ManifestStore tracks multi-stage processing progress per partition.
type ManifestStore struct {
	db     *store.DB
	stages *StageSet
}

// NewManifestStore creates a manifest store over a declared stage set.
func NewManifestStore(db *store.DB, stages *StageSet) *ManifestStore {
	return &ManifestStore{db: db, stages: stages}
}

// Record upserts the manifest row for (partition, stage).
func (s *ManifestStore) Record(ctx context.Context, m Manifest) error {
	if m.Domain == "" {
		m.Domain = s.stages.Domain
	}
	rank, ok := s.stages.Rank(m.Stage)
	if !ok {
		return spineerrors.Validation("unknown stage %q for domain %s", m.Stage, m.Domain)
	}
	m.StageRank = rank
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}

	var metricsJSON string
	if m.Metrics != nil {
		b, err := json.Marshal(m.Metrics)
		if err != nil {
			return err
		}
		metricsJSON = string(b)
	}

	// Update-then-insert keeps the UNIQUE(domain, partition, stage)
	// invariant without dialect-specific upsert syntax.
	res, err := s.db.Exec(ctx, `
		UPDATE core_manifests
		SET stage_rank = ?, row_count = ?, metrics_json = ?, execution_id = ?,
		    batch_id = ?, updated_at = ?
		WHERE domain = ? AND partition_key = ? AND stage = ?`,
		m.StageRank, m.RowCount, metricsJSON, m.ExecutionID, m.BatchID,
		store.FormatTime(m.UpdatedAt), m.Domain, m.PartitionKey, m.Stage)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO core_manifests (
			domain, partition_key, stage, stage_rank, row_count,
			metrics_json, execution_id, batch_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Domain, m.PartitionKey, m.Stage, m.StageRank, m.RowCount,
		metricsJSON, m.ExecutionID, m.BatchID, store.FormatTime(m.UpdatedAt))
	return err
}

// Get returns the manifest for (partition, stage), or nil.
func (s *ManifestStore) Get(ctx context.Context, partitionKey, stage string) (*Manifest, error) {
	row := s.db.QueryRow(ctx, `
		SELECT domain, partition_key, stage, stage_rank, row_count,
		       metrics_json, execution_id, batch_id, updated_at
		FROM core_manifests
		WHERE domain = ? AND partition_key = ? AND stage = ?`,
		s.stages.Domain, partitionKey, stage)

	var m Manifest
	var metricsJSON, executionID, batchID sql.NullString
	var updated string
	err := row.Scan(&m.Domain, &m.PartitionKey, &m.Stage, &m.StageRank,
		&m.RowCount, &metricsJSON, &executionID, &batchID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.ExecutionID = executionID.String
	m.BatchID = batchID.String
	if m.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return nil, err
	}
	if metricsJSON.Valid && metricsJSON.String != "" {
		if err := json.Unmarshal([]byte(metricsJSON.String), &m.Metrics); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// IsAtLeast reports whether the partition has reached the given stage:
// some recorded stage rank >= rank(stage).
func (s *ManifestStore) IsAtLeast(ctx context.Context, partitionKey, stage string) (bool, error) {
	rank, ok := s.stages.Rank(stage)
	if !ok {
		return false, spineerrors.Validation("unknown stage %q for domain %s", stage, s.stages.Domain)
	}
	var max sql.NullInt64
	err := s.db.QueryRow(ctx, `
		SELECT MAX(stage_rank) FROM core_manifests
		WHERE domain = ? AND partition_key = ?`,
		s.stages.Domain, partitionKey).Scan(&max)
	if err != nil {
		return false, err
	}
	return max.Valid && int(max.Int64) >= rank, nil
}

// Partitions lists the partition keys recorded for the domain.
func (s *ManifestStore) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT partition_key FROM core_manifests
		WHERE domain = ? ORDER BY partition_key`, s.stages.Domain)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}
