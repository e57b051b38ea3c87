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
	"fmt"
	"strings"
	"time"
)

// Dialect abstracts the SQL differences between supported backends:
// placeholder syntax, time expressions, and interval arithmetic.
type Dialect interface {
	// Name identifies the dialect ("sqlite" or "postgres").
	Name() string

	// Rebind rewrites '?' placeholders into the dialect's native form.
	Rebind(query string) string

	// NowExpr returns a SQL expression for the current UTC time as an
	// ISO-8601 string.
	NowExpr() string

	// IntervalExpr returns a SQL expression for now + n units, as an
	// ISO-8601 string. Unit is one of "seconds", "minutes", "hours", "days".
	IntervalExpr(n int, unit string) string
}

// FormatTime renders a time as the ISO-8601 UTC string stored in every
// timestamp column.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a stored ISO-8601 timestamp. Returns the zero time for
// empty input.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Fall back to second precision for rows written by other tools.
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) NowExpr() string {
	return "strftime('%Y-%m-%dT%H:%M:%fZ','now')"
}

func (sqliteDialect) IntervalExpr(n int, unit string) string {
	return fmt.Sprintf("strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now','%+d %s')", n, unit)
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

// Rebind rewrites '?' placeholders into $1, $2, ... skipping quoted
// literals.
func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			fmt.Fprintf(&b, "$%d", n)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func (postgresDialect) NowExpr() string {
	return "to_char(now() at time zone 'utc','YYYY-MM-DD\"T\"HH24:MI:SS.US\"Z\"')"
}

func (postgresDialect) IntervalExpr(n int, unit string) string {
	return fmt.Sprintf(
		"to_char((now() at time zone 'utc') + interval '%d %s','YYYY-MM-DD\"T\"HH24:MI:SS.US\"Z\"')",
		n, unit,
	)
}
