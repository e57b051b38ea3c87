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

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Backend: BackendSQLite, URL: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.ApplySchema(context.Background()))
	return db
}

func TestApplySchemaIdempotent(t *testing.T) {
	db := openTestDB(t)
	// Re-applying must be safe.
	require.NoError(t, db.ApplySchema(context.Background()))

	tables, err := db.Tables(context.Background())
	require.NoError(t, err)
	assert.Contains(t, tables, "core_executions")
	assert.Contains(t, tables, "core_execution_events")
	assert.Contains(t, tables, "core_dead_letters")
	assert.Contains(t, tables, "core_locks")
	assert.Contains(t, tables, "core_schedules")
	assert.Contains(t, tables, "core_workflow_steps")
	assert.Contains(t, tables, "core_quality_results")
	assert.Contains(t, tables, "core_alerts")
	assert.Contains(t, tables, "core_manifests")
}

func TestRebind(t *testing.T) {
	pg := postgresDialect{}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2",
		pg.Rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT '?' , $1", pg.Rebind("SELECT '?' , ?"))

	lite := sqliteDialect{}
	assert.Equal(t, "SELECT ?", lite.Rebind("SELECT ?"))
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	parsed, err := ParseTime(FormatTime(now))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))

	zero, err := ParseTime("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
}

func TestQueryMaps(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Exec(ctx, `
		INSERT INTO core_rejects (id, domain, reason, created_at)
		VALUES (?, ?, ?, ?)`, "r1", "otc", "bad row", FormatTime(time.Now()))
	require.NoError(t, err)

	rows, err := db.QueryMaps(ctx, `SELECT id, domain, reason FROM core_rejects WHERE domain = ?`, "otc")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r1", rows[0]["id"])
	assert.Equal(t, "bad row", rows[0]["reason"])

	none, err := db.QueryOneMap(ctx, `SELECT id FROM core_rejects WHERE domain = ?`, "missing")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestPurgeValidation(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Purge(context.Background(), 0)
	assert.Error(t, err)
}

func TestPurgeDeletesOldAuditRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	old := FormatTime(time.Now().AddDate(0, 0, -40))
	fresh := FormatTime(time.Now())
	for i, created := range []string{old, fresh} {
		_, err := db.Exec(ctx, `
			INSERT INTO core_rejects (id, domain, reason, created_at)
			VALUES (?, 'd', 'r', ?)`, string(rune('a'+i)), created)
		require.NoError(t, err)
	}

	deleted, err := db.Purge(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted["core_rejects"])

	var remaining int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM core_rejects`).Scan(&remaining))
	assert.Equal(t, 1, remaining)
}

func TestWithTxRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO core_rejects (id, domain, reason, created_at)
			VALUES ('x', 'd', 'r', ?)`, FormatTime(time.Now())); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM core_rejects`).Scan(&count))
	assert.Zero(t, count)
}
