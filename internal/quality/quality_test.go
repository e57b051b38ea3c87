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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core/internal/store"
)

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(store.Config{Backend: store.BackendSQLite, URL: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.ApplySchema(context.Background()))
	return db
}

func TestQualityRunner(t *testing.T) {
	db := openDB(t)
	s := NewStore(db)
	ctx := context.Background()

	runner := s.NewRunner("otc", "2024-W03", "run-1")
	require.NoError(t, runner.Run(ctx, Pass("row_count", "1200 rows")))
	require.NoError(t, runner.Run(ctx, Warn("null_rate", "2% nulls")))
	require.NoError(t, runner.Run(ctx, Failf("history", "4", "6", "only 4 of 6 weeks present")))

	assert.True(t, runner.HasFailures())
	failures := runner.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "history", failures[0].CheckName)
	assert.Len(t, runner.Results(), 3)

	// Everything was recorded, scoped to the runner's partition.
	rows, err := s.List(ctx, "otc", "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	failed, err := s.List(ctx, "otc", StatusFail, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "history", failed[0]["check_name"])
}

func TestRunnerWithoutFailures(t *testing.T) {
	db := openDB(t)
	runner := NewStore(db).NewRunner("d", "p", "")
	require.NoError(t, runner.Run(context.Background(), Pass("ok", "fine")))
	assert.False(t, runner.HasFailures())
	assert.Empty(t, runner.Failures())
}

func TestRejectsAndAnomalies(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	rejects := NewRejectStore(db)
	_, err := rejects.Record(ctx, Reject{
		Domain: "otc", Source: "feed-a", Reason: "negative volume",
		RowData: map[string]any{"volume": float64(-5)},
	})
	require.NoError(t, err)

	n, err := rejects.Count(ctx, "otc")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := rejects.List(ctx, "otc", 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "negative volume", rows[0]["reason"])

	anomalies := NewAnomalyStore(db)
	_, err = anomalies.Record(ctx, Anomaly{
		Domain: "otc", Metric: "weekly_volume",
		Observed: 10, Expected: 100, Deviation: -0.9, Severity: "high",
	})
	require.NoError(t, err)

	found, err := anomalies.List(ctx, "otc", "weekly_volume", 10, 0)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestManifestStageProgression(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	stages := NewStageSet("otc", "ingested", "normalized", "aggregated")
	m := NewManifestStore(db, stages)

	require.NoError(t, m.Record(ctx, Manifest{
		PartitionKey: "2024-W03", Stage: "ingested", RowCount: 1000,
	}))

	ok, err := m.IsAtLeast(ctx, "2024-W03", "ingested")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.IsAtLeast(ctx, "2024-W03", "normalized")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Record(ctx, Manifest{
		PartitionKey: "2024-W03", Stage: "aggregated", RowCount: 50,
		Metrics: map[string]any{"groups": float64(5)},
	}))
	ok, err = m.IsAtLeast(ctx, "2024-W03", "normalized")
	require.NoError(t, err)
	assert.True(t, ok, "a later stage satisfies earlier ranks")

	got, err := m.Get(ctx, "2024-W03", "aggregated")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 50, got.RowCount)
	assert.Equal(t, float64(5), got.Metrics["groups"])

	// Upsert: re-recording the same stage replaces, not duplicates.
	require.NoError(t, m.Record(ctx, Manifest{
		PartitionKey: "2024-W03", Stage: "ingested", RowCount: 1100,
	}))
	got, err = m.Get(ctx, "2024-W03", "ingested")
	require.NoError(t, err)
	assert.Equal(t, 1100, got.RowCount)

	parts, err := m.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-W03"}, parts)

	// Unknown stages are rejected.
	require.Error(t, m.Record(ctx, Manifest{PartitionKey: "p", Stage: "bogus"}))
	_, err = m.IsAtLeast(ctx, "p", "bogus")
	require.Error(t, err)
}

func TestRequireHistoryWindow(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	// The gate queries an arbitrary weekly table; reuse the quality table
	// shape via a scratch table.
	_, err := db.Exec(ctx, `CREATE TABLE weekly_volume (
		week_ending TEXT NOT NULL, tier TEXT NOT NULL, total REAL
	)`)
	require.NoError(t, err)

	weekEnding := time.Date(2024, 1, 19, 0, 0, 0, 0, time.UTC)
	for _, week := range []string{"2024-01-19", "2024-01-12", "2023-12-29"} {
		_, err := db.Exec(ctx,
			`INSERT INTO weekly_volume (week_ending, tier, total) VALUES (?, 'T1', 10)`, week)
		require.NoError(t, err)
	}

	ok, missing, err := RequireHistoryWindow(ctx, db, HistoryWindow{
		Table: "weekly_volume", WeekColumn: "week_ending",
		WeekEnding: weekEnding, WindowWeeks: 4,
		Filters: map[string]any{"tier": "T1"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
	// Expected: 2023-12-29, 2024-01-05, 2024-01-12, 2024-01-19; only
	// 2024-01-05 is absent.
	assert.Equal(t, []string{"2024-01-05"}, missing)

	_, err = db.Exec(ctx,
		`INSERT INTO weekly_volume (week_ending, tier, total) VALUES ('2024-01-05', 'T1', 10)`)
	require.NoError(t, err)

	ok, missing, err = RequireHistoryWindow(ctx, db, HistoryWindow{
		Table: "weekly_volume", WeekColumn: "week_ending",
		WeekEnding: weekEnding, WindowWeeks: 4,
		Filters: map[string]any{"tier": "T1"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, missing)

	// The filter scopes the search: a different tier has no history.
	ok, missing, err = RequireHistoryWindow(ctx, db, HistoryWindow{
		Table: "weekly_volume", WeekColumn: "week_ending",
		WeekEnding: weekEnding, WindowWeeks: 2,
		Filters: map[string]any{"tier": "T2"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, missing, 2)
}

func TestRequireHistoryWindowValidation(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	_, _, err := RequireHistoryWindow(ctx, db, HistoryWindow{
		Table: "t", WeekColumn: "w", WindowWeeks: 0,
	})
	require.Error(t, err)

	_, _, err = RequireHistoryWindow(ctx, db, HistoryWindow{
		Table: "weekly; DROP TABLE x", WeekColumn: "w",
		WeekEnding: time.Now(), WindowWeeks: 1,
	})
	require.Error(t, err)
}
