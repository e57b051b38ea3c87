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

package dlq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(store.Config{Backend: store.BackendSQLite, URL: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.ApplySchema(context.Background()))
	return New(db, 3)
}

func TestAddAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Add(ctx, "run-1", "etl", map[string]any{"week": "2024-W03"}, "source timeout", 2)
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)

	got, err := s.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ExecutionID)
	assert.Equal(t, "etl", got.Workflow)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, "2024-W03", got.Params["week"])
	assert.True(t, got.CanRetry())
}

func TestCanRetryBoundaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exhausted, err := s.Add(ctx, "run-2", "etl", nil, "boom", 3)
	require.NoError(t, err)
	ok, err := s.CanRetry(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.False(t, ok, "retry budget exhausted")

	resolved, err := s.Add(ctx, "run-3", "etl", nil, "boom", 0)
	require.NoError(t, err)
	require.NoError(t, s.Resolve(ctx, resolved.ID, "oncall"))
	ok, err = s.CanRetry(ctx, resolved.ID)
	require.NoError(t, err)
	assert.False(t, ok, "resolved entries never retry")

	ok, err = s.CanRetry(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkRetryAttempted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Add(ctx, "run-4", "etl", nil, "boom", 0)
	require.NoError(t, err)
	require.NoError(t, s.MarkRetryAttempted(ctx, entry.ID))

	got, err := s.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotNil(t, got.LastRetryAt)
}

func TestResolveNeverDeletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Add(ctx, "run-5", "etl", nil, "boom", 0)
	require.NoError(t, err)

	before, err := s.Count(ctx, "", true)
	require.NoError(t, err)

	require.NoError(t, s.Resolve(ctx, entry.ID, "oncall"))

	after, err := s.Count(ctx, "", true)
	require.NoError(t, err)
	assert.Equal(t, before, after, "resolve must not remove rows")

	got, err := s.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ResolvedAt)
	assert.Equal(t, "oncall", got.ResolvedBy)

	// Unresolved listing hides it; full listing keeps it.
	unresolved, err := s.List(ctx, "", false, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
	all, err := s.List(ctx, "", true, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPrepareRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Add(ctx, "run-6", "etl", map[string]any{"x": float64(1)}, "boom", 0)
	require.NoError(t, err)

	prepared, err := s.PrepareRetry(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, prepared)
	assert.Equal(t, "etl", prepared.Workflow)
	assert.Equal(t, 1, prepared.RetryCount)

	// Exhaust the budget; PrepareRetry then declines.
	require.NoError(t, s.MarkRetryAttempted(ctx, entry.ID))
	require.NoError(t, s.MarkRetryAttempted(ctx, entry.ID))
	prepared, err = s.PrepareRetry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Nil(t, prepared)
}

func TestListFilterByWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "r1", "etl", nil, "e", 0)
	require.NoError(t, err)
	_, err = s.Add(ctx, "r2", "report", nil, "e", 0)
	require.NoError(t, err)

	etl, err := s.List(ctx, "etl", false, 10, 0)
	require.NoError(t, err)
	require.Len(t, etl, 1)
	assert.Equal(t, "etl", etl[0].Workflow)

	n, err := s.Count(ctx, "report", false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
