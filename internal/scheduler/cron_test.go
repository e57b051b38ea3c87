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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCronRejectsBadExpressions(t *testing.T) {
	bad := []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"5-1 * * * *",
		"x * * * *",
	}
	for _, expr := range bad {
		_, err := ParseCron(expr)
		assert.Error(t, err, "expression %q must be rejected", expr)
	}
}

func TestCronAliases(t *testing.T) {
	daily, err := ParseCron("@daily")
	require.NoError(t, err)
	from := time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), daily.Next(from))

	hourly, err := ParseCron("@hourly")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 10, 16, 0, 0, 0, time.UTC), hourly.Next(from))
}

func TestCronNextDailyAtNine(t *testing.T) {
	expr, err := ParseCron("0 9 * * *")
	require.NoError(t, err)

	// 08:59:59 fires at 09:00 today.
	before := time.Date(2024, 3, 10, 8, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC), expr.Next(before))

	// 09:00:01 rolls over to tomorrow.
	after := time.Date(2024, 3, 10, 9, 0, 1, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC), expr.Next(after))
}

func TestCronSteps(t *testing.T) {
	expr, err := ParseCron("*/15 * * * *")
	require.NoError(t, err)
	from := time.Date(2024, 3, 10, 10, 7, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 10, 10, 15, 0, 0, time.UTC), expr.Next(from))
}

func TestCronWeekdays(t *testing.T) {
	expr, err := ParseCron("0 9 * * 1-5")
	require.NoError(t, err)
	// Saturday rolls to Monday.
	saturday := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	next := expr.Next(saturday)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 9, next.Hour())
}

func TestCronDayFieldsEitherMatch(t *testing.T) {
	// Standard cron rule: restricted day-of-month OR day-of-week.
	expr, err := ParseCron("0 0 1 * 1")
	require.NoError(t, err)
	// From Jan 2 2024 (Tuesday): next match is Monday Jan 8, before Feb 1.
	from := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), expr.Next(from))
}

func TestCronNextStrictlyIncreases(t *testing.T) {
	expr, err := ParseCron("0 9 * * *")
	require.NoError(t, err)

	t1 := expr.Next(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	t2 := expr.Next(t1)
	assert.True(t, t2.After(t1), "compute_next_run is strictly monotone")
}

func TestComputeNextRunInterval(t *testing.T) {
	s := &Schedule{ScheduleType: TypeInterval, IntervalSeconds: 300}
	now := time.Now().UTC()
	next, err := ComputeNextRun(s, now)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(5*time.Minute), next, time.Second)
}

func TestComputeNextRunCronTimezone(t *testing.T) {
	s := &Schedule{
		ScheduleType:   TypeCron,
		CronExpression: "0 9 * * *",
		Timezone:       "America/New_York",
	}
	// 09:00 New York is 13:00 UTC during daylight saving.
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	next, err := ComputeNextRun(s, now)
	require.NoError(t, err)
	loc, _ := time.LoadLocation("America/New_York")
	assert.Equal(t, 9, next.In(loc).Hour())
	assert.True(t, next.After(now))
}
