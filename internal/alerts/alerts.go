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

// Package alerts persists alerts, routes them through registered
// channels with severity filtering and per-fingerprint throttling, and
// audits every delivery attempt.
package alerts

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine-core/internal/store"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Severity orders alert importance.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank orders severities for min-severity comparisons.
var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at least min severe.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Alert is one raised alert. Repeats group by fingerprint.
type Alert struct {
	ID             string         `json:"id"`
	Severity       Severity       `json:"severity"`
	Title          string         `json:"title"`
	Message        string         `json:"message,omitempty"`
	Source         string         `json:"source,omitempty"`
	Domain         string         `json:"domain,omitempty"`
	ExecutionID    string         `json:"execution_id,omitempty"`
	Fingerprint    string         `json:"fingerprint"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// Fingerprint deterministically hashes the grouping identity of an
// alert.
func Fingerprint(severity Severity, source, title, domain string) string {
	h := sha256.Sum256([]byte(strings.Join([]string{string(severity), source, title, domain}, "|")))
	return hex.EncodeToString(h[:16])
}

// ChannelConfig is one persisted delivery channel.
type ChannelConfig struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	ChannelType         string         `json:"channel_type"`
	Config              map[string]any `json:"config,omitempty"`
	MinSeverity         Severity       `json:"min_severity"`
	ThrottleMinutes     int            `json:"throttle_minutes"`
	Enabled             bool           `json:"enabled"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Store persists alerts, channels, and deliveries.
type Store struct {
	db *store.DB
}

// NewStore creates an alert store.
func NewStore(db *store.DB) *Store {
	return &Store{db: db}
}

// Create inserts an alert, computing its fingerprint.
func (s *Store) Create(ctx context.Context, a Alert) (Alert, error) {
	if !a.Severity.Valid() {
		return a, spineerrors.Validation("unknown severity: %q", a.Severity)
	}
	if a.Title == "" {
		return a, spineerrors.Validation("alert requires a title")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Fingerprint == "" {
		a.Fingerprint = Fingerprint(a.Severity, a.Source, a.Title, a.Domain)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	var metaJSON sql.NullString
	if a.Metadata != nil {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return a, err
		}
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO core_alerts (
			id, severity, title, message, source, domain, execution_id,
			fingerprint, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Severity), a.Title, a.Message, a.Source, a.Domain,
		a.ExecutionID, a.Fingerprint, metaJSON, store.FormatTime(a.CreatedAt))
	return a, err
}

// Get returns an alert by id.
func (s *Store) Get(ctx context.Context, id string) (*Alert, error) {
	row := s.db.QueryRow(ctx, selectAlert+` WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, spineerrors.NotFound("alert", id)
	}
	return a, err
}

// List returns alerts, newest first, filtered by severity floor and
// acknowledged state.
func (s *Store) List(ctx context.Context, minSeverity Severity, unackedOnly bool, limit, offset int) ([]*Alert, error) {
	query := selectAlert
	var conds []string
	if unackedOnly {
		conds = append(conds, "acknowledged_at IS NULL")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit*4, offset)

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		if minSeverity != "" && !a.Severity.AtLeast(minSeverity) {
			continue
		}
		out = append(out, a)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// Acknowledge stamps an alert acknowledged. Alerts are never deleted.
func (s *Store) Acknowledge(ctx context.Context, id, by string) error {
	res, err := s.db.Exec(ctx, `
		UPDATE core_alerts SET acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND acknowledged_at IS NULL`,
		store.FormatTime(time.Now()), by, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Resolve stamps an alert resolved.
func (s *Store) Resolve(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE core_alerts SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		store.FormatTime(time.Now()), id)
	return err
}

const selectAlert = `
	SELECT id, severity, title, message, source, domain, execution_id,
	       fingerprint, metadata, created_at, acknowledged_at,
	       acknowledged_by, resolved_at
	FROM core_alerts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*Alert, error) {
	var a Alert
	var severity, created string
	var message, source, domain, execID, meta, ackedAt, ackedBy, resolvedAt sql.NullString

	err := row.Scan(&a.ID, &severity, &a.Title, &message, &source, &domain,
		&execID, &a.Fingerprint, &meta, &created, &ackedAt, &ackedBy, &resolvedAt)
	if err != nil {
		return nil, err
	}

	a.Severity = Severity(severity)
	a.Message = message.String
	a.Source = source.String
	a.Domain = domain.String
	a.ExecutionID = execID.String
	a.AcknowledgedBy = ackedBy.String
	if a.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if ackedAt.Valid {
		if t, err := store.ParseTime(ackedAt.String); err == nil {
			a.AcknowledgedAt = &t
		}
	}
	if resolvedAt.Valid {
		if t, err := store.ParseTime(resolvedAt.String); err == nil {
			a.ResolvedAt = &t
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
			return nil, err
		}
	}
	return &a, nil
}
