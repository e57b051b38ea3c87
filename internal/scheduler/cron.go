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

// Package scheduler computes due schedules and dispatches them through
// the dispatcher under a leader lock.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed 5-field cron expression.
// Format: minute hour day-of-month month day-of-week.
type CronExpr struct {
	minutes    map[int]bool // 0-59
	hours      map[int]bool // 0-23
	days       map[int]bool // 1-31
	months     map[int]bool // 1-12
	weekdays   map[int]bool // 0-6, 0 = Sunday
	dayAny     bool         // day-of-month field was "*"
	weekdayAny bool         // day-of-week field was "*"
}

// ParseCron parses a cron expression, accepting the common @-aliases.
func ParseCron(expr string) (*CronExpr, error) {
	switch strings.ToLower(strings.TrimSpace(expr)) {
	case "@hourly":
		expr = "0 * * * *"
	case "@daily", "@midnight":
		expr = "0 0 * * *"
	case "@weekly":
		expr = "0 0 * * 0"
	case "@monthly":
		expr = "0 0 1 * *"
	case "@yearly", "@annually":
		expr = "0 0 1 1 *"
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 cron fields, got %d", len(fields))
	}

	c := &CronExpr{
		dayAny:     fields[2] == "*",
		weekdayAny: fields[4] == "*",
	}

	specs := []struct {
		field    string
		min, max int
		dst      *map[int]bool
		name     string
	}{
		{fields[0], 0, 59, &c.minutes, "minute"},
		{fields[1], 0, 23, &c.hours, "hour"},
		{fields[2], 1, 31, &c.days, "day-of-month"},
		{fields[3], 1, 12, &c.months, "month"},
		{fields[4], 0, 6, &c.weekdays, "day-of-week"},
	}
	for _, s := range specs {
		set, err := parseField(s.field, s.min, s.max)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", s.name, err)
		}
		*s.dst = set
	}
	return c, nil
}

// parseField parses one cron field into its value set, handling
// wildcards, lists, ranges, and steps.
func parseField(field string, min, max int) (map[int]bool, error) {
	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		step := 1
		if idx := strings.Index(part, "/"); idx != -1 {
			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s <= 0 {
				return nil, fmt.Errorf("invalid step: %s", part[idx+1:])
			}
			step = s
			part = part[:idx]
		}

		start, end := min, max
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			var err error
			if start, err = strconv.Atoi(bounds[0]); err != nil {
				return nil, fmt.Errorf("invalid range start: %s", bounds[0])
			}
			if end, err = strconv.Atoi(bounds[1]); err != nil {
				return nil, fmt.Errorf("invalid range end: %s", bounds[1])
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid value: %s", part)
			}
			start, end = v, v
		}

		if start < min || end > max || start > end {
			return nil, fmt.Errorf("range %d-%d out of bounds [%d-%d]", start, end, min, max)
		}
		for v := start; v <= end; v += step {
			set[v] = true
		}
	}
	return set, nil
}

// Next returns the first time strictly after from that matches the
// expression, in from's location. The search is bounded at four years;
// beyond that the zero time is returned.
func (c *CronExpr) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !c.months[int(t.Month())] {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !c.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !c.hours[t.Hour()] {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !c.minutes[t.Minute()] {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// dayMatches applies the standard cron day rule: when both day fields are
// restricted, either may match; otherwise the restricted one governs.
func (c *CronExpr) dayMatches(t time.Time) bool {
	dom := c.days[t.Day()]
	dow := c.weekdays[int(t.Weekday())]
	switch {
	case c.dayAny && c.weekdayAny:
		return true
	case c.dayAny:
		return dow
	case c.weekdayAny:
		return dom
	default:
		return dom || dow
	}
}
