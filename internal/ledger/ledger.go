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

package ledger

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/ryansmccoy/spine-core/internal/store"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// NewID mints a ULID execution identity.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Store persists executions and events.
type Store struct {
	db *store.DB
}

// New creates a ledger store.
func New(db *store.DB) *Store {
	return &Store{db: db}
}

// Create inserts the execution row and its CREATED event atomically. The
// execution gets a ULID identity if it has none.
func (s *Store) Create(ctx context.Context, ex *Execution) error {
	if ex.ID == "" {
		ex.ID = NewID()
	}
	if ex.Status == "" {
		ex.Status = StatusPending
	}
	if ex.Lane == "" {
		ex.Lane = "default"
	}
	if ex.TriggerSource == "" {
		ex.TriggerSource = TriggerManual
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}

	params, err := marshalJSON(ex.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	return s.db.WithTx(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO core_executions (
				id, workflow, params, status, lane, trigger_source,
				parent_execution_id, correlation_id, created_at,
				retry_count, idempotency_key
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ex.ID, ex.Workflow, params, string(ex.Status), ex.Lane,
			string(ex.TriggerSource), nullable(ex.ParentExecutionID),
			nullable(ex.CorrelationID), store.FormatTime(ex.CreatedAt),
			ex.RetryCount, nullable(ex.IdempotencyKey),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return spineerrors.Conflict("idempotency key already in use: %s", ex.IdempotencyKey)
			}
			return err
		}
		return s.insertEvent(ctx, tx, ex.ID, EventCreated, map[string]any{
			"workflow": ex.Workflow,
			"lane":     ex.Lane,
			"trigger":  string(ex.TriggerSource),
		})
	})
}

// Get returns an execution by id.
func (s *Store) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRow(ctx, selectExecution+" WHERE id = ?", id)
	ex, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, spineerrors.NotFound("execution", id)
	}
	return ex, err
}

// GetByIdempotencyKey returns the execution holding the key, or nil.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*Execution, error) {
	row := s.db.QueryRow(ctx, selectExecution+" WHERE idempotency_key = ?", key)
	ex, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ex, err
}

// UpdateStatus applies a status transition, stamping started_at on the
// first entry into RUNNING and completed_at on FAILED and terminal statuses, and
// emits the matching event in the same transaction. Transitions outside
// the DAG are rejected with CONFLICT.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, result map[string]any, errMsg string) error {
	resultJSON, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	return s.db.WithTx(ctx, func(tx *store.Tx) error {
		var current string
		var startedAt sql.NullString
		row := tx.QueryRow(ctx, `SELECT status, started_at FROM core_executions WHERE id = ?`, id)
		if err := row.Scan(&current, &startedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return spineerrors.NotFound("execution", id)
			}
			return err
		}

		from := Status(current)
		if from == status {
			// Idempotent no-op; no event is emitted for a non-transition.
			return nil
		}
		if !CanTransition(from, status) {
			return spineerrors.Conflict("illegal status transition %s -> %s for execution %s", from, status, id)
		}

		now := store.FormatTime(time.Now())
		sets := []string{"status = ?"}
		args := []any{string(status)}

		if status == StatusRunning {
			if !startedAt.Valid {
				sets = append(sets, "started_at = ?")
				args = append(args, now)
			}
			// Re-entry via the retry path clears the prior attempt's
			// completion stamp.
			sets = append(sets, "completed_at = NULL")
		}
		if status.Terminal() || status == StatusFailed {
			sets = append(sets, "completed_at = ?")
			args = append(args, now)
		}
		if result != nil {
			sets = append(sets, "result = ?")
			args = append(args, resultJSON)
		}
		if errMsg != "" {
			sets = append(sets, "error = ?")
			args = append(args, errMsg)
		}
		args = append(args, id)

		if _, err := tx.Exec(ctx,
			"UPDATE core_executions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
			return err
		}

		data := map[string]any{"status": string(status)}
		if errMsg != "" {
			data["error"] = errMsg
		}
		return s.insertEvent(ctx, tx, id, eventFor(status), data)
	})
}

// ReleaseIdempotencyKey clears the key on a failed execution so a
// resubmission can claim it.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `UPDATE core_executions SET idempotency_key = NULL WHERE id = ?`, id)
	return err
}

// SetExecutorRef records the executor's reference for the execution.
func (s *Store) SetExecutorRef(ctx context.Context, id, ref string) error {
	_, err := s.db.Exec(ctx, `UPDATE core_executions SET executor_ref = ? WHERE id = ?`, ref, id)
	return err
}

// IncrementRetry bumps the retry counter and returns the new value.
func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	if _, err := s.db.Exec(ctx,
		`UPDATE core_executions SET retry_count = retry_count + 1 WHERE id = ?`, id); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRow(ctx, `SELECT retry_count FROM core_executions WHERE id = ?`, id).Scan(&count)
	return count, err
}

// RecordEvent appends an arbitrary event (PROGRESS etc.) for an execution.
func (s *Store) RecordEvent(ctx context.Context, id string, eventType EventType, data map[string]any) error {
	return s.db.WithTx(ctx, func(tx *store.Tx) error {
		return s.insertEvent(ctx, tx, id, eventType, data)
	})
}

// List returns executions matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Execution, error) {
	query := selectExecution
	var conds []string
	var args []any
	if f.Workflow != "" {
		conds = append(conds, "workflow = ?")
		args = append(args, f.Workflow)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Lane != "" {
		conds = append(conds, "lane = ?")
		args = append(args, f.Lane)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, f.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Count returns the number of executions matching the filter.
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	query := "SELECT COUNT(*) FROM core_executions"
	var conds []string
	var args []any
	if f.Workflow != "" {
		conds = append(conds, "workflow = ?")
		args = append(args, f.Workflow)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Lane != "" {
		conds = append(conds, "lane = ?")
		args = append(args, f.Lane)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	var n int
	err := s.db.QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}

// Stats returns run counts grouped by status.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM core_executions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// ListEvents returns the full event log for an execution in emission order.
func (s *Store) ListEvents(ctx context.Context, id string) ([]*Event, error) {
	return s.listEvents(ctx, id, 0)
}

// ListEventsSince returns events with seq greater than since.
func (s *Store) ListEventsSince(ctx context.Context, id string, since int64) ([]*Event, error) {
	return s.listEvents(ctx, id, since)
}

func (s *Store) listEvents(ctx context.Context, id string, since int64) ([]*Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, execution_id, event_type, timestamp, seq, data
		FROM core_execution_events
		WHERE execution_id = ? AND seq > ?
		ORDER BY seq`, id, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var ts string
		var data sql.NullString
		var etype string
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &etype, &ts, &ev.Seq, &data); err != nil {
			return nil, err
		}
		ev.EventType = EventType(etype)
		if ev.Timestamp, err = store.ParseTime(ts); err != nil {
			return nil, err
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, err
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// insertEvent appends one event inside the caller's transaction. The
// per-execution seq enforces total order under the single-writer
// discipline.
func (s *Store) insertEvent(ctx context.Context, tx *store.Tx, execID string, eventType EventType, data map[string]any) error {
	dataJSON, err := marshalJSON(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	var seq int64
	row := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM core_execution_events WHERE execution_id = ?`, execID)
	if err := row.Scan(&seq); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO core_execution_events (id, execution_id, event_type, timestamp, seq, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), execID, string(eventType),
		store.FormatTime(time.Now()), seq, dataJSON)
	return err
}

func eventFor(status Status) EventType {
	switch status {
	case StatusRunning:
		return EventStarted
	case StatusCompleted:
		return EventCompleted
	case StatusFailed, StatusDLQ:
		return EventFailed
	case StatusCancelled:
		return EventCancelled
	case StatusRetried:
		return EventRetried
	default:
		return EventProgress
	}
}

const selectExecution = `
	SELECT id, workflow, params, status, lane, trigger_source,
	       parent_execution_id, correlation_id, executor_ref,
	       created_at, started_at, completed_at, result, error,
	       retry_count, idempotency_key
	FROM core_executions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var ex Execution
	var params, parent, corr, ref, started, completed, result, errMsg, key sql.NullString
	var status, trigger, created string

	err := row.Scan(&ex.ID, &ex.Workflow, &params, &status, &ex.Lane, &trigger,
		&parent, &corr, &ref, &created, &started, &completed, &result, &errMsg,
		&ex.RetryCount, &key)
	if err != nil {
		return nil, err
	}

	ex.Status = Status(status)
	ex.TriggerSource = TriggerSource(trigger)
	ex.ParentExecutionID = parent.String
	ex.CorrelationID = corr.String
	ex.ExecutorRef = ref.String
	ex.Error = errMsg.String
	ex.IdempotencyKey = key.String

	if ex.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if started.Valid {
		t, err := store.ParseTime(started.String)
		if err != nil {
			return nil, err
		}
		ex.StartedAt = &t
	}
	if completed.Valid {
		t, err := store.ParseTime(completed.String)
		if err != nil {
			return nil, err
		}
		ex.CompletedAt = &t
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &ex.Params); err != nil {
			return nil, err
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &ex.Result); err != nil {
			return nil, err
		}
	}
	return &ex, nil
}

func marshalJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueViolation detects a unique-index conflict across both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || // sqlite
		strings.Contains(msg, "duplicate key") // postgres
}
