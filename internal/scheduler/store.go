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

package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine-core/internal/store"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// TargetType identifies what a schedule dispatches.
type TargetType string

const (
	TargetTask      TargetType = "TASK"
	TargetOperation TargetType = "OPERATION"
	TargetWorkflow  TargetType = "WORKFLOW"
)

// ScheduleType selects cron or fixed-interval cadence.
type ScheduleType string

const (
	TypeCron     ScheduleType = "CRON"
	TypeInterval ScheduleType = "INTERVAL"
)

// Schedule is one row of recurring work.
type Schedule struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	TargetType          TargetType     `json:"target_type"`
	TargetName          string         `json:"target_name"`
	ScheduleType        ScheduleType   `json:"schedule_type"`
	CronExpression      string         `json:"cron_expression,omitempty"`
	IntervalSeconds     int            `json:"interval_seconds,omitempty"`
	Timezone            string         `json:"timezone"`
	Enabled             bool           `json:"enabled"`
	MisfireGraceSeconds int            `json:"misfire_grace_seconds"`
	NextRunAt           *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt           *time.Time     `json:"last_run_at,omitempty"`
	LastRunStatus       string         `json:"last_run_status,omitempty"`
	LastRunExecutionID  string         `json:"last_run_execution_id,omitempty"`
	Params              map[string]any `json:"params,omitempty"`
	Version             int            `json:"version"`
	CreatedBy           string         `json:"created_by,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Validate enforces the cadence invariant: exactly one of cron expression
// and interval is set, matching the schedule type.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return spineerrors.Validation("schedule requires a name")
	}
	if s.TargetName == "" {
		return spineerrors.Validation("schedule requires a target name")
	}
	switch s.TargetType {
	case TargetTask, TargetOperation, TargetWorkflow:
	default:
		return spineerrors.Validation("unknown target type: %q", s.TargetType)
	}
	switch s.ScheduleType {
	case TypeCron:
		if s.CronExpression == "" || s.IntervalSeconds != 0 {
			return spineerrors.Validation("cron schedules set cron_expression and no interval")
		}
		if _, err := ParseCron(s.CronExpression); err != nil {
			return spineerrors.Wrap(spineerrors.CategoryValidation, err, "invalid cron expression")
		}
	case TypeInterval:
		if s.IntervalSeconds <= 0 || s.CronExpression != "" {
			return spineerrors.Validation("interval schedules set a positive interval_seconds and no cron expression")
		}
	default:
		return spineerrors.Validation("unknown schedule type: %q", s.ScheduleType)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return spineerrors.Validation("invalid timezone: %s", s.Timezone)
		}
	}
	return nil
}

// ComputeNextRun returns the next fire time after now: the cron
// expression evaluated in the schedule's timezone, or now + interval.
func ComputeNextRun(s *Schedule, now time.Time) (time.Time, error) {
	switch s.ScheduleType {
	case TypeCron:
		loc := time.UTC
		if s.Timezone != "" {
			l, err := time.LoadLocation(s.Timezone)
			if err != nil {
				return time.Time{}, err
			}
			loc = l
		}
		expr, err := ParseCron(s.CronExpression)
		if err != nil {
			return time.Time{}, err
		}
		next := expr.Next(now.In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron expression %q never fires", s.CronExpression)
		}
		return next.UTC(), nil
	case TypeInterval:
		return now.UTC().Add(time.Duration(s.IntervalSeconds) * time.Second), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule type: %s", s.ScheduleType)
	}
}

// Store persists schedules.
type Store struct {
	db *store.DB
}

// NewStore creates a schedule store.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Create validates and inserts a schedule, computing its first fire time.
func (s *Store) Create(ctx context.Context, sched *Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if sched.MisfireGraceSeconds == 0 {
		sched.MisfireGraceSeconds = 300
	}
	if sched.Version == 0 {
		sched.Version = 1
	}
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	next, err := ComputeNextRun(sched, now)
	if err != nil {
		return err
	}
	sched.NextRunAt = &next

	paramsJSON, err := marshalParams(sched.Params)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO core_schedules (
			id, name, target_type, target_name, schedule_type,
			cron_expression, interval_seconds, timezone, enabled,
			misfire_grace_seconds, next_run_at, params, version,
			created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, string(sched.TargetType), sched.TargetName,
		string(sched.ScheduleType), nullString(sched.CronExpression),
		nullInt(sched.IntervalSeconds), sched.Timezone, boolInt(sched.Enabled),
		sched.MisfireGraceSeconds, store.FormatTime(next), paramsJSON,
		sched.Version, nullString(sched.CreatedBy),
		store.FormatTime(now), store.FormatTime(now))
	return err
}

// Update replaces a schedule's mutable fields, bumps its version, and
// recomputes next_run_at from now.
func (s *Store) Update(ctx context.Context, sched *Schedule) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	next, err := ComputeNextRun(sched, now)
	if err != nil {
		return err
	}
	sched.NextRunAt = &next
	sched.UpdatedAt = now

	paramsJSON, err := marshalParams(sched.Params)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(ctx, `
		UPDATE core_schedules SET
			name = ?, target_type = ?, target_name = ?, schedule_type = ?,
			cron_expression = ?, interval_seconds = ?, timezone = ?,
			enabled = ?, misfire_grace_seconds = ?, next_run_at = ?,
			params = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		sched.Name, string(sched.TargetType), sched.TargetName,
		string(sched.ScheduleType), nullString(sched.CronExpression),
		nullInt(sched.IntervalSeconds), sched.Timezone, boolInt(sched.Enabled),
		sched.MisfireGraceSeconds, store.FormatTime(next), paramsJSON,
		store.FormatTime(now), sched.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return spineerrors.NotFound("schedule", sched.ID)
	}
	sched.Version++
	return nil
}

// SetEnabled toggles a schedule, recomputing next_run_at when enabling.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	sched, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	args := []any{boolInt(enabled), store.FormatTime(now)}
	query := `UPDATE core_schedules SET enabled = ?, updated_at = ?`
	if enabled {
		next, err := ComputeNextRun(sched, now)
		if err != nil {
			return err
		}
		query += `, next_run_at = ?`
		args = append(args, store.FormatTime(next))
	}
	query += ` WHERE id = ?`
	args = append(args, id)
	_, err = s.db.Exec(ctx, query, args...)
	return err
}

// Delete removes a schedule.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.Exec(ctx, `DELETE FROM core_schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return spineerrors.NotFound("schedule", id)
	}
	return nil
}

// Get returns a schedule by id.
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRow(ctx, selectSchedule+` WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, spineerrors.NotFound("schedule", id)
	}
	return sched, err
}

// GetByName returns a schedule by its unique name.
func (s *Store) GetByName(ctx context.Context, name string) (*Schedule, error) {
	row := s.db.QueryRow(ctx, selectSchedule+` WHERE name = ?`, name)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, spineerrors.NotFound("schedule", name)
	}
	return sched, err
}

// List returns schedules ordered by name.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		selectSchedule+fmt.Sprintf(` ORDER BY name LIMIT %d OFFSET %d`, limit, offset))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// Due returns up to limit enabled schedules whose next_run_at has passed,
// soonest first.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	rows, err := s.db.Query(ctx,
		selectSchedule+fmt.Sprintf(
			` WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ? ORDER BY next_run_at LIMIT %d`,
			limit),
		store.FormatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// MarkFired stamps a dispatch: last_run_*, the child execution, and the
// recomputed next_run_at.
func (s *Store) MarkFired(ctx context.Context, id string, firedAt time.Time, executionID, status string, nextRun time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE core_schedules
		SET last_run_at = ?, last_run_status = ?, last_run_execution_id = ?,
		    next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		store.FormatTime(firedAt), status, nullString(executionID),
		store.FormatTime(nextRun), store.FormatTime(time.Now()), id)
	return err
}

// AdvanceNextRun moves a misfired schedule past the missed slot without
// dispatching.
func (s *Store) AdvanceNextRun(ctx context.Context, id string, nextRun time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE core_schedules SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		store.FormatTime(nextRun), store.FormatTime(time.Now()), id)
	return err
}

const selectSchedule = `
	SELECT id, name, target_type, target_name, schedule_type,
	       cron_expression, interval_seconds, timezone, enabled,
	       misfire_grace_seconds, next_run_at, last_run_at,
	       last_run_status, last_run_execution_id, params, version,
	       created_by, created_at, updated_at
	FROM core_schedules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sched Schedule
	var targetType, schedType, created, updated string
	var cron, nextRun, lastRun, lastStatus, lastExec, params, createdBy sql.NullString
	var interval sql.NullInt64
	var enabled int

	err := row.Scan(&sched.ID, &sched.Name, &targetType, &sched.TargetName,
		&schedType, &cron, &interval, &sched.Timezone, &enabled,
		&sched.MisfireGraceSeconds, &nextRun, &lastRun, &lastStatus,
		&lastExec, &params, &sched.Version, &createdBy, &created, &updated)
	if err != nil {
		return nil, err
	}

	sched.TargetType = TargetType(targetType)
	sched.ScheduleType = ScheduleType(schedType)
	sched.CronExpression = cron.String
	sched.IntervalSeconds = int(interval.Int64)
	sched.Enabled = enabled != 0
	sched.LastRunStatus = lastStatus.String
	sched.LastRunExecutionID = lastExec.String
	sched.CreatedBy = createdBy.String

	if sched.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if sched.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return nil, err
	}
	if nextRun.Valid {
		if t, err := store.ParseTime(nextRun.String); err == nil {
			sched.NextRunAt = &t
		}
	}
	if lastRun.Valid {
		if t, err := store.ParseTime(lastRun.String); err == nil {
			sched.LastRunAt = &t
		}
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &sched.Params); err != nil {
			return nil, err
		}
	}
	return &sched, nil
}

func marshalParams(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
