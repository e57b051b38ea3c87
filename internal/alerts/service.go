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

package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine-core/internal/log"
	"github.com/ryansmccoy/spine-core/internal/metrics"
	"github.com/ryansmccoy/spine-core/internal/store"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// disableThreshold auto-disables a channel after this many consecutive
// delivery failures.
const disableThreshold = 5

// Service raises alerts and fans them out to accepting channels.
type Service struct {
	store     *Store
	logger    *slog.Logger
	newSender func(ChannelConfig) (Sender, error)
}

// NewService creates an alert service.
func NewService(st *Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		logger:    log.WithComponent(logger, "alerts"),
		newSender: NewSender,
	}
}

// Raise persists the alert and attempts delivery to every enabled
// channel that accepts it.
func (s *Service) Raise(ctx context.Context, a Alert) (Alert, error) {
	created, err := s.store.Create(ctx, a)
	if err != nil {
		return created, err
	}

	channels, err := s.ListChannels(ctx)
	if err != nil {
		return created, err
	}
	for _, ch := range channels {
		ok, err := s.ShouldSend(ctx, ch, created)
		if err != nil {
			s.logger.Warn("throttle check failed", log.Error(err))
			continue
		}
		if !ok {
			continue
		}
		s.deliver(ctx, ch, created)
	}
	return created, nil
}

// ShouldSend applies the channel acceptance rule: enabled, severity at
// or above the channel floor, and no delivery for this fingerprint
// within the throttle window.
func (s *Service) ShouldSend(ctx context.Context, ch *ChannelConfig, a Alert) (bool, error) {
	if !ch.Enabled {
		return false, nil
	}
	if !a.Severity.AtLeast(ch.MinSeverity) {
		return false, nil
	}
	if ch.ThrottleMinutes <= 0 {
		return true, nil
	}

	var last sql.NullString
	err := s.store.db.QueryRow(ctx, `
		SELECT MAX(attempted_at) FROM core_alert_deliveries
		WHERE channel_id = ? AND fingerprint = ? AND status = 'sent'`,
		ch.ID, a.Fingerprint).Scan(&last)
	if err != nil {
		return false, err
	}
	if !last.Valid || last.String == "" {
		return true, nil
	}
	lastAt, err := store.ParseTime(last.String)
	if err != nil {
		return false, err
	}
	return time.Since(lastAt) >= time.Duration(ch.ThrottleMinutes)*time.Minute, nil
}

// deliver sends through one channel, auditing the attempt and tracking
// consecutive failures.
func (s *Service) deliver(ctx context.Context, ch *ChannelConfig, a Alert) {
	sender, err := s.newSender(*ch)
	status := "sent"
	errMsg := ""
	if err == nil {
		err = sender.Send(ctx, a)
	}
	if err != nil {
		status = "failed"
		errMsg = err.Error()
	}

	if _, aerr := s.store.db.Exec(ctx, `
		INSERT INTO core_alert_deliveries (id, alert_id, channel_id, fingerprint, status, error, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), a.ID, ch.ID, a.Fingerprint, status,
		errMsg, store.FormatTime(time.Now())); aerr != nil {
		s.logger.Error("failed to audit delivery", log.Error(aerr))
	}
	metrics.AlertDeliveries.WithLabelValues(ch.ChannelType, status).Inc()

	if err != nil {
		s.logger.Warn("alert delivery failed",
			slog.String("channel", ch.Name), log.Error(err))
		failures := ch.ConsecutiveFailures + 1
		enabled := failures < disableThreshold
		if !enabled {
			s.logger.Error("disabling alert channel after repeated failures",
				slog.String("channel", ch.Name), slog.Int("failures", failures))
		}
		if _, uerr := s.store.db.Exec(ctx, `
			UPDATE core_alert_channels SET consecutive_failures = ?, enabled = ?, updated_at = ?
			WHERE id = ?`,
			failures, boolInt(enabled), store.FormatTime(time.Now()), ch.ID); uerr != nil {
			s.logger.Error("failed to update channel failure count", log.Error(uerr))
		}
		return
	}

	if ch.ConsecutiveFailures != 0 {
		if _, uerr := s.store.db.Exec(ctx, `
			UPDATE core_alert_channels SET consecutive_failures = 0, updated_at = ?
			WHERE id = ?`, store.FormatTime(time.Now()), ch.ID); uerr != nil {
			s.logger.Error("failed to reset channel failure count", log.Error(uerr))
		}
	}
}

// CreateChannel registers a delivery channel.
func (s *Service) CreateChannel(ctx context.Context, ch ChannelConfig) (ChannelConfig, error) {
	if ch.Name == "" {
		return ch, spineerrors.Validation("channel requires a name")
	}
	if ch.MinSeverity == "" {
		ch.MinSeverity = SeverityWarning
	}
	if !ch.MinSeverity.Valid() {
		return ch, spineerrors.Validation("unknown severity: %q", ch.MinSeverity)
	}
	if _, err := s.newSender(ch); err != nil {
		return ch, err
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now
	ch.Enabled = true

	cfgJSON, err := marshalConfig(ch.Config)
	if err != nil {
		return ch, err
	}
	_, err = s.store.db.Exec(ctx, `
		INSERT INTO core_alert_channels (
			id, name, channel_type, config, min_severity, throttle_minutes,
			enabled, consecutive_failures, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 1, 0, ?, ?)`,
		ch.ID, ch.Name, ch.ChannelType, cfgJSON, string(ch.MinSeverity),
		ch.ThrottleMinutes, store.FormatTime(now), store.FormatTime(now))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ch, spineerrors.Conflict("channel name already exists: %s", ch.Name)
	}
	return ch, err
}

// UpdateChannel replaces a channel's mutable settings.
func (s *Service) UpdateChannel(ctx context.Context, ch ChannelConfig) error {
	if !ch.MinSeverity.Valid() {
		return spineerrors.Validation("unknown severity: %q", ch.MinSeverity)
	}
	cfgJSON, err := marshalConfig(ch.Config)
	if err != nil {
		return err
	}
	res, err := s.store.db.Exec(ctx, `
		UPDATE core_alert_channels SET
			name = ?, channel_type = ?, config = ?, min_severity = ?,
			throttle_minutes = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		ch.Name, ch.ChannelType, cfgJSON, string(ch.MinSeverity),
		ch.ThrottleMinutes, boolInt(ch.Enabled),
		store.FormatTime(time.Now()), ch.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return spineerrors.NotFound("alert channel", ch.ID)
	}
	return nil
}

// DeleteChannel removes a channel. Delivery history stays.
func (s *Service) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.store.db.Exec(ctx, `DELETE FROM core_alert_channels WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return spineerrors.NotFound("alert channel", id)
	}
	return nil
}

// GetChannel returns a channel by id.
func (s *Service) GetChannel(ctx context.Context, id string) (*ChannelConfig, error) {
	chans, err := s.listChannels(ctx, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(chans) == 0 {
		return nil, spineerrors.NotFound("alert channel", id)
	}
	return chans[0], nil
}

// ListChannels returns every channel.
func (s *Service) ListChannels(ctx context.Context) ([]*ChannelConfig, error) {
	return s.listChannels(ctx, "", nil)
}

func (s *Service) listChannels(ctx context.Context, cond string, arg any) ([]*ChannelConfig, error) {
	query := `
		SELECT id, name, channel_type, config, min_severity,
		       throttle_minutes, enabled, consecutive_failures,
		       created_at, updated_at
		FROM core_alert_channels`
	var args []any
	if cond != "" {
		query += " WHERE " + cond
		args = append(args, arg)
	}
	query += " ORDER BY name"

	rows, err := s.store.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ChannelConfig
	for rows.Next() {
		var ch ChannelConfig
		var cfg sql.NullString
		var minSev, created, updated string
		var enabled int
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.ChannelType, &cfg, &minSev,
			&ch.ThrottleMinutes, &enabled, &ch.ConsecutiveFailures,
			&created, &updated); err != nil {
			return nil, err
		}
		ch.MinSeverity = Severity(minSev)
		ch.Enabled = enabled != 0
		if ch.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		if ch.UpdatedAt, err = store.ParseTime(updated); err != nil {
			return nil, err
		}
		if cfg.Valid && cfg.String != "" {
			if err := json.Unmarshal([]byte(cfg.String), &ch.Config); err != nil {
				return nil, err
			}
		}
		out = append(out, &ch)
	}
	return out, rows.Err()
}

func marshalConfig(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
