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

// Package dlq manages the dead letter queue for permanently failed
// executions. Rows are never physically deleted; resolution only stamps
// resolved_at.
package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine-core/internal/store"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// DeadLetter is one permanently failed execution awaiting manual
// resolution or retry.
type DeadLetter struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Workflow    string         `json:"workflow"`
	Params      map[string]any `json:"params,omitempty"`
	Error       string         `json:"error"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	CreatedAt   time.Time      `json:"created_at"`
	LastRetryAt *time.Time     `json:"last_retry_at,omitempty"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
}

// CanRetry reports whether the entry is unresolved with retry budget left.
func (d *DeadLetter) CanRetry() bool {
	return d.ResolvedAt == nil && d.RetryCount < d.MaxRetries
}

// Store persists dead letters.
type Store struct {
	db         *store.DB
	maxRetries int
}

// New creates a DLQ store. maxRetries seeds new entries' retry budget.
func New(db *store.DB, maxRetries int) *Store {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Store{db: db, maxRetries: maxRetries}
}

// Add inserts a dead letter for a failed execution.
func (s *Store) Add(ctx context.Context, executionID, workflow string, params map[string]any, errMsg string, retryCount int) (*DeadLetter, error) {
	entry := &DeadLetter{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Workflow:    workflow,
		Params:      params,
		Error:       errMsg,
		RetryCount:  retryCount,
		MaxRetries:  s.maxRetries,
		CreatedAt:   time.Now().UTC(),
	}

	var paramsJSON sql.NullString
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO core_dead_letters (
			id, execution_id, workflow, params, error,
			retry_count, max_retries, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ExecutionID, entry.Workflow, paramsJSON, entry.Error,
		entry.RetryCount, entry.MaxRetries, store.FormatTime(entry.CreatedAt))
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns a dead letter by id.
func (s *Store) Get(ctx context.Context, id string) (*DeadLetter, error) {
	row := s.db.QueryRow(ctx, selectDeadLetter+" WHERE id = ?", id)
	d, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, spineerrors.NotFound("dead letter", id)
	}
	return d, err
}

// List returns dead letters, newest first. Unresolved only unless
// includeResolved is set; workflow filters when non-empty.
func (s *Store) List(ctx context.Context, workflow string, includeResolved bool, limit, offset int) ([]*DeadLetter, error) {
	query := selectDeadLetter
	var conds []string
	var args []any
	if !includeResolved {
		conds = append(conds, "resolved_at IS NULL")
	}
	if workflow != "" {
		conds = append(conds, "workflow = ?")
		args = append(args, workflow)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Count returns dead-letter counts, optionally filtered.
func (s *Store) Count(ctx context.Context, workflow string, includeResolved bool) (int, error) {
	query := "SELECT COUNT(*) FROM core_dead_letters"
	var conds []string
	var args []any
	if !includeResolved {
		conds = append(conds, "resolved_at IS NULL")
	}
	if workflow != "" {
		conds = append(conds, "workflow = ?")
		args = append(args, workflow)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	var n int
	err := s.db.QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}

// CanRetry reports whether the entry exists, is unresolved, and has retry
// budget left.
func (s *Store) CanRetry(ctx context.Context, id string) (bool, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		if spineerrors.IsCategory(err, spineerrors.CategoryNotFound) {
			return false, nil
		}
		return false, err
	}
	return d.CanRetry(), nil
}

// MarkRetryAttempted bumps the retry counter and stamps last_retry_at.
func (s *Store) MarkRetryAttempted(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE core_dead_letters
		SET retry_count = retry_count + 1, last_retry_at = ?
		WHERE id = ?`,
		store.FormatTime(time.Now()), id)
	return err
}

// Resolve stamps the entry resolved. The row stays forever.
func (s *Store) Resolve(ctx context.Context, id, resolvedBy string) error {
	res, err := s.db.Exec(ctx, `
		UPDATE core_dead_letters SET resolved_at = ?, resolved_by = ?
		WHERE id = ?`,
		store.FormatTime(time.Now()), resolvedBy, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return spineerrors.NotFound("dead letter", id)
	}
	return nil
}

// PrepareRetry returns the information needed to resubmit a dead-lettered
// execution and records the attempt. Returns nil when the entry cannot be
// retried.
func (s *Store) PrepareRetry(ctx context.Context, id string) (*DeadLetter, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.CanRetry() {
		return nil, nil
	}
	if err := s.MarkRetryAttempted(ctx, id); err != nil {
		return nil, err
	}
	d.RetryCount++
	return d, nil
}

const selectDeadLetter = `
	SELECT id, execution_id, workflow, params, error,
	       retry_count, max_retries, created_at,
	       last_retry_at, resolved_at, resolved_by
	FROM core_dead_letters`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row rowScanner) (*DeadLetter, error) {
	var d DeadLetter
	var params, lastRetry, resolvedAt, resolvedBy sql.NullString
	var created string

	err := row.Scan(&d.ID, &d.ExecutionID, &d.Workflow, &params, &d.Error,
		&d.RetryCount, &d.MaxRetries, &created, &lastRetry, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}

	if d.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if lastRetry.Valid {
		t, err := store.ParseTime(lastRetry.String)
		if err != nil {
			return nil, err
		}
		d.LastRetryAt = &t
	}
	if resolvedAt.Valid {
		t, err := store.ParseTime(resolvedAt.String)
		if err != nil {
			return nil, err
		}
		d.ResolvedAt = &t
	}
	d.ResolvedBy = resolvedBy.String
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &d.Params); err != nil {
			return nil, err
		}
	}
	return &d, nil
}
