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
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// purgeTables lists the append-only audit tables eligible for time-windowed
// archival. Live state tables (executions, schedules, locks) are never
// purged.
var purgeTables = []string{
	"core_execution_events",
	"core_quality_results",
	"core_rejects",
	"core_anomalies",
	"core_alert_deliveries",
}

// ApplySchema applies the embedded, numbered DDL files in lexical order.
// Every statement is idempotent (CREATE IF NOT EXISTS), so re-applying is
// safe.
func (db *DB) ApplySchema(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		ddl, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		for _, stmt := range splitStatements(string(ddl)) {
			if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s failed: %w", name, err)
			}
		}
	}
	return nil
}

// splitStatements breaks a DDL file into individual statements on ';'
// boundaries, dropping comments and blanks. The migration files contain no
// embedded semicolons in literals.
func splitStatements(ddl string) []string {
	var out []string
	for _, raw := range strings.Split(ddl, ";") {
		var lines []string
		for _, line := range strings.Split(raw, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		stmt := strings.TrimSpace(strings.Join(lines, "\n"))
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// Tables returns the names of all core_ tables present in the database.
func (db *DB) Tables(ctx context.Context) ([]string, error) {
	var query string
	switch db.dialect.Name() {
	case "postgres":
		query = `SELECT tablename FROM pg_tables WHERE tablename LIKE 'core_%' ORDER BY tablename`
	default:
		query = `SELECT name FROM sqlite_master WHERE type='table' AND name LIKE 'core_%' ORDER BY name`
	}

	rows, err := db.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Purge deletes audit rows older than the given number of days. Returns
// rows deleted per table. Live state tables are untouched; this is the only
// sanctioned removal path for append-only data.
func (db *DB) Purge(ctx context.Context, olderThanDays int) (map[string]int64, error) {
	if olderThanDays <= 0 {
		return nil, fmt.Errorf("older_than_days must be positive")
	}

	cutoff := db.dialect.IntervalExpr(-olderThanDays, "days")
	deleted := make(map[string]int64, len(purgeTables))

	for _, table := range purgeTables {
		col := "created_at"
		if table == "core_execution_events" {
			col = "timestamp"
		} else if table == "core_alert_deliveries" {
			col = "attempted_at"
		}
		res, err := db.sql.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s < %s", table, col, cutoff))
		if err != nil {
			return deleted, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		deleted[table] = n
	}
	return deleted, nil
}
