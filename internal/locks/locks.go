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

// Package locks implements DB-backed advisory locks. A lock is one row
// keyed by a logical resource name with an owner and a TTL; expiry stands
// in for crash recovery.
package locks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ryansmccoy/spine-core/internal/store"
)

// Manager acquires and releases advisory locks.
type Manager struct {
	db *store.DB
}

// New creates a lock manager.
func New(db *store.DB) *Manager {
	return &Manager{db: db}
}

// Acquire attempts to take the lock for ownerID with the given TTL.
// On conflict with an expired holder the stale row is deleted and the
// insert retried once. Returns true iff the caller now owns the key.
func (m *Manager) Acquire(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	for attempt := 0; attempt < 2; attempt++ {
		_, err := m.db.Exec(ctx, `
			INSERT INTO core_locks (lock_key, execution_id, acquired_at, expires_at)
			VALUES (?, ?, ?, ?)`,
			key, ownerID, store.FormatTime(now), store.FormatTime(now.Add(ttl)))
		if err == nil {
			return true, nil
		}

		// Key exists; steal it only if the holder's TTL has lapsed.
		var expires string
		row := m.db.QueryRow(ctx, `SELECT expires_at FROM core_locks WHERE lock_key = ?`, key)
		if scanErr := row.Scan(&expires); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				continue // released between insert and read; retry
			}
			return false, scanErr
		}
		expiresAt, parseErr := store.ParseTime(expires)
		if parseErr != nil {
			return false, parseErr
		}
		if expiresAt.After(now) {
			return false, nil
		}
		// Delete guarded by expires_at so a concurrent renewal is not
		// clobbered.
		if _, delErr := m.db.Exec(ctx,
			`DELETE FROM core_locks WHERE lock_key = ? AND expires_at = ?`, key, expires); delErr != nil {
			return false, delErr
		}
	}
	return false, nil
}

// Release deletes the lock unconditionally.
func (m *Manager) Release(ctx context.Context, key string) error {
	_, err := m.db.Exec(ctx, `DELETE FROM core_locks WHERE lock_key = ?`, key)
	return err
}

// IsLocked reports whether the key is held and unexpired.
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	var expires string
	row := m.db.QueryRow(ctx, `SELECT expires_at FROM core_locks WHERE lock_key = ?`, key)
	if err := row.Scan(&expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	expiresAt, err := store.ParseTime(expires)
	if err != nil {
		return false, err
	}
	return expiresAt.After(time.Now().UTC()), nil
}

// Renew extends a held lock's TTL. Returns false when the owner no longer
// holds the key.
func (m *Manager) Renew(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	res, err := m.db.Exec(ctx, `
		UPDATE core_locks SET expires_at = ?
		WHERE lock_key = ? AND execution_id = ?`,
		store.FormatTime(time.Now().UTC().Add(ttl)), key, ownerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
