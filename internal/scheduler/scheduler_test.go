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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core/internal/dispatcher"
	"github.com/ryansmccoy/spine-core/internal/dlq"
	"github.com/ryansmccoy/spine-core/internal/executor"
	"github.com/ryansmccoy/spine-core/internal/ledger"
	"github.com/ryansmccoy/spine-core/internal/locks"
	"github.com/ryansmccoy/spine-core/internal/store"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

type fixture struct {
	db    *store.DB
	store *Store
	led   *ledger.Store
	disp  *dispatcher.Dispatcher
	locks *locks.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(store.Config{Backend: store.BackendSQLite, URL: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.ApplySchema(context.Background()))

	handlers := executor.NewRegistry()
	handlers.RegisterSync(executor.KindTask, "echo", func(ctx context.Context, params map[string]any) (any, error) {
		return map[string]any{"echo": params}, nil
	})
	led := ledger.New(db)
	disp := dispatcher.New(dispatcher.Config{}, led, nil,
		executor.NewMemory(handlers, 64), dlq.New(db, 3), nil, nil)

	return &fixture{
		db:    db,
		store: NewStore(db),
		led:   led,
		disp:  disp,
		locks: locks.New(db),
	}
}

func TestScheduleValidation(t *testing.T) {
	valid := &Schedule{
		Name: "daily", TargetType: TargetTask, TargetName: "echo",
		ScheduleType: TypeCron, CronExpression: "0 9 * * *",
	}
	assert.NoError(t, valid.Validate())

	cases := []*Schedule{
		{TargetType: TargetTask, TargetName: "t", ScheduleType: TypeCron, CronExpression: "0 9 * * *"},
		{Name: "n", TargetType: "JOB", TargetName: "t", ScheduleType: TypeCron, CronExpression: "0 9 * * *"},
		{Name: "n", TargetType: TargetTask, TargetName: "t", ScheduleType: TypeCron},
		{Name: "n", TargetType: TargetTask, TargetName: "t", ScheduleType: TypeCron, CronExpression: "0 9 * * *", IntervalSeconds: 60},
		{Name: "n", TargetType: TargetTask, TargetName: "t", ScheduleType: TypeInterval},
		{Name: "n", TargetType: TargetTask, TargetName: "t", ScheduleType: TypeInterval, IntervalSeconds: 60, CronExpression: "0 9 * * *"},
		{Name: "n", TargetType: TargetTask, TargetName: "t", ScheduleType: TypeCron, CronExpression: "bad"},
		{Name: "n", TargetType: TargetTask, TargetName: "t", ScheduleType: TypeCron, CronExpression: "0 9 * * *", Timezone: "Mars/Olympus"},
	}
	for i, s := range cases {
		assert.True(t, spineerrors.IsCategory(s.Validate(), spineerrors.CategoryValidation), "case %d", i)
	}
}

func TestStoreCRUD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sched := &Schedule{
		Name: "every-minute", TargetType: TargetTask, TargetName: "echo",
		ScheduleType: TypeInterval, IntervalSeconds: 60,
		Params: map[string]any{"x": float64(1)},
	}
	require.NoError(t, f.store.Create(ctx, sched))
	require.NotEmpty(t, sched.ID)
	require.NotNil(t, sched.NextRunAt)

	got, err := f.store.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "every-minute", got.Name)
	assert.Equal(t, 60, got.IntervalSeconds)
	assert.Equal(t, float64(1), got.Params["x"])
	assert.Equal(t, 1, got.Version)

	byName, err := f.store.GetByName(ctx, "every-minute")
	require.NoError(t, err)
	assert.Equal(t, sched.ID, byName.ID)

	got.IntervalSeconds = 120
	require.NoError(t, f.store.Update(ctx, got))
	updated, err := f.store.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 120, updated.IntervalSeconds)
	assert.Equal(t, 2, updated.Version)

	list, err := f.store.List(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, f.store.Delete(ctx, sched.ID))
	_, err = f.store.Get(ctx, sched.ID)
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryNotFound))
}

func TestDueQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := &Schedule{
		Name: "past", TargetType: TargetTask, TargetName: "echo",
		ScheduleType: TypeInterval, IntervalSeconds: 1, Enabled: true,
	}
	require.NoError(t, f.store.Create(ctx, past))
	future := &Schedule{
		Name: "future", TargetType: TargetTask, TargetName: "echo",
		ScheduleType: TypeInterval, IntervalSeconds: 3600, Enabled: true,
	}
	require.NoError(t, f.store.Create(ctx, future))
	disabled := &Schedule{
		Name: "disabled", TargetType: TargetTask, TargetName: "echo",
		ScheduleType: TypeInterval, IntervalSeconds: 1, Enabled: false,
	}
	require.NoError(t, f.store.Create(ctx, disabled))

	due, err := f.store.Due(ctx, time.Now().UTC().Add(2*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "past", due[0].Name)
}

func TestTickFiresDueSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sched := &Schedule{
		Name: "fast", TargetType: TargetTask, TargetName: "echo",
		ScheduleType: TypeInterval, IntervalSeconds: 3600, Enabled: true,
		Params:              map[string]any{"n": float64(7)},
		MisfireGraceSeconds: 7200,
	}
	require.NoError(t, f.store.Create(ctx, sched))

	s := New(Config{}, f.store, f.disp, f.locks, nil)
	fireAt := time.Now().UTC().Add(2 * time.Hour)
	s.Tick(ctx, fireAt)

	// Exactly one execution with trigger SCHEDULER was created.
	runs, err := f.led.List(ctx, ledger.Filter{Workflow: "echo"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.TriggerScheduler, runs[0].TriggerSource)
	assert.Equal(t, ledger.StatusCompleted, runs[0].Status)
	assert.Equal(t, float64(7), runs[0].Params["n"])

	// The schedule was stamped and advanced.
	after, err := f.store.Get(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastRunAt)
	assert.Equal(t, runs[0].ID, after.LastRunExecutionID)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.After(fireAt))

	// A second tick at the same instant does not double-fire.
	s.Tick(ctx, fireAt)
	runs, err = f.led.List(ctx, ledger.Filter{Workflow: "echo"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestMisfireSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sched := &Schedule{
		Name: "stale", TargetType: TargetTask, TargetName: "echo",
		ScheduleType: TypeInterval, IntervalSeconds: 60, Enabled: true,
		MisfireGraceSeconds: 30,
	}
	require.NoError(t, f.store.Create(ctx, sched))

	// Way past the grace window: the slot is skipped, not dispatched.
	s := New(Config{}, f.store, f.disp, f.locks, nil)
	s.Tick(ctx, time.Now().UTC().Add(time.Hour))

	runs, err := f.led.List(ctx, ledger.Filter{Workflow: "echo"})
	require.NoError(t, err)
	assert.Empty(t, runs)

	after, err := f.store.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Nil(t, after.LastRunAt)
	require.NotNil(t, after.NextRunAt)
}

func TestFollowerDoesNotFire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sched := &Schedule{
		Name: "s", TargetType: TargetTask, TargetName: "echo",
		ScheduleType: TypeInterval, IntervalSeconds: 1, Enabled: true,
		MisfireGraceSeconds: 86400,
	}
	require.NoError(t, f.store.Create(ctx, sched))

	// Another node holds the leader lock.
	ok, err := f.locks.Acquire(ctx, "scheduler:leader", "other-node", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	s := New(Config{}, f.store, f.disp, f.locks, nil)
	s.Tick(ctx, time.Now().UTC().Add(2*time.Second))

	runs, err := f.led.List(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs, "follower must not dispatch")
}
