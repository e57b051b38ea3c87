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

// Package store provides portable relational access for spine-core: a thin
// DB wrapper with dialect-aware placeholder rewriting, the schema loader,
// and generic row helpers. Callers inject the *DB; there is no hidden pool
// beyond database/sql's own.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Backend identifies a supported database backend.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Config contains database connection configuration.
type Config struct {
	// Backend selects the driver. Defaults to sqlite.
	Backend Backend

	// URL is the connection string: a file path (or ":memory:") for
	// sqlite, a DSN for postgres.
	URL string
}

// DB wraps *sql.DB with the active dialect. All spine-core queries are
// written with '?' placeholders and rebound per dialect.
type DB struct {
	sql     *sql.DB
	dialect Dialect
}

// Open opens a database connection, configures it, and verifies
// connectivity. It does not apply the schema; see ApplySchema.
func Open(cfg Config) (*DB, error) {
	if cfg.Backend == "" {
		cfg.Backend = BackendSQLite
	}

	var (
		driver  string
		dialect Dialect
	)
	switch cfg.Backend {
	case BackendSQLite:
		driver, dialect = "sqlite", sqliteDialect{}
	case BackendPostgres:
		driver, dialect = "pgx", postgresDialect{}
	default:
		return nil, spineerrors.Validation("unsupported database backend: %s", cfg.Backend)
	}

	url := cfg.URL
	if cfg.Backend == BackendSQLite {
		url = strings.TrimPrefix(url, "sqlite://")
		if url == "" {
			url = ":memory:"
		}
	}

	sqlDB, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Backend == BackendSQLite {
		// SQLite serializes writes; a single connection avoids lock
		// contention and keeps :memory: databases coherent.
		sqlDB.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{sql: sqlDB, dialect: dialect}

	if cfg.Backend == BackendSQLite {
		if err := db.configurePragmas(ctx); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to configure pragmas: %w", err)
		}
	}

	return db, nil
}

// configurePragmas sets SQLite configuration options.
func (db *DB) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.sql.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Dialect returns the active dialect.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Exec runs a statement after rebinding placeholders.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.sql.ExecContext(ctx, db.dialect.Rebind(query), args...)
}

// Query runs a query after rebinding placeholders.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.sql.QueryContext(ctx, db.dialect.Rebind(query), args...)
}

// QueryRow runs a single-row query after rebinding placeholders.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.sql.QueryRowContext(ctx, db.dialect.Rebind(query), args...)
}

// Tx is a transaction bound to the DB's dialect.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// Begin starts a transaction.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, dialect: db.dialect}, nil
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

// QueryRow runs a single-row query inside the transaction.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction. Safe to defer after Commit.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error.
func (db *DB) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (db *DB) Close() error {
	return db.sql.Close()
}

// Ping verifies connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}
