// Package sqlitekv implements kv.Store on SQLite.
//
// All kv tables share one kv_entries relation keyed by (tbl, key).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// SQLite has a single writer. The pool is limited to one connection, so
// transactions are serialized: a goroutine holding an open transaction must
// not wait on another goroutine that needs a transaction of its own.
package sqlitekv

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/rxlog/internal/kv"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Empty database
// 1 - kv_entries table
const currentSchemaVersion = 1

// Store is a kv.Store backed by a SQLite database file.
type Store struct {
	db *sql.DB
}

var _ kv.Store = (*Store)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY errors
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB. Intended for diagnostics and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateTransaction begins a SQL transaction.
func (s *Store) CreateTransaction(ctx context.Context) (kv.Transaction, error) {
	if s.db == nil {
		return nil, kv.ErrStoreClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if errors.Is(err, sql.ErrConnDone) {
		return nil, kv.ErrStoreClosed
	}
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &transaction{tx: tx}, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if version < 1 {
		if _, err := db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// transaction wraps a sql.Tx.
type transaction struct {
	tx   *sql.Tx
	done bool
}

func (t *transaction) Table(name string) kv.Table {
	return &table{t: t, name: name}
}

func (t *transaction) Commit(ctx context.Context) error {
	if t.done {
		return kv.ErrTransactionDone
	}
	t.done = true
	if err := ctx.Err(); err != nil {
		_ = t.tx.Rollback()
		return fmt.Errorf("commit: %w", err)
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *transaction) Discard() {
	if t.done {
		return
	}
	t.done = true
	_ = t.tx.Rollback() // No-op if committed
}

type table struct {
	t    *transaction
	name string
}

func (tb *table) check(ctx context.Context) error {
	if tb.t.done {
		return kv.ErrTransactionDone
	}
	return ctx.Err()
}

func (tb *table) Get(ctx context.Context, key string) ([]byte, error) {
	if err := tb.check(ctx); err != nil {
		return nil, err
	}
	var value []byte
	err := tb.t.tx.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE tbl = ? AND key = ?`,
		tb.name, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

func (tb *table) Set(ctx context.Context, key string, value []byte) error {
	if err := tb.check(ctx); err != nil {
		return err
	}
	_, err := tb.t.tx.ExecContext(ctx, `
		INSERT INTO kv_entries (tbl, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(tbl, key) DO UPDATE SET value = excluded.value
	`, tb.name, key, nonNil(value))
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (tb *table) Add(ctx context.Context, key string, value []byte) error {
	if err := tb.check(ctx); err != nil {
		return err
	}
	result, err := tb.t.tx.ExecContext(ctx, `
		INSERT INTO kv_entries (tbl, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(tbl, key) DO NOTHING
	`, tb.name, key, nonNil(value))
	if err != nil {
		return fmt.Errorf("add %q: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("add %q: rows affected: %w", key, err)
	}
	if n == 0 {
		return kv.ErrKeyExists
	}
	return nil
}

func (tb *table) Update(ctx context.Context, key string, value []byte) error {
	if err := tb.check(ctx); err != nil {
		return err
	}
	result, err := tb.t.tx.ExecContext(ctx,
		`UPDATE kv_entries SET value = ? WHERE tbl = ? AND key = ?`,
		nonNil(value), tb.name, key,
	)
	if err != nil {
		return fmt.Errorf("update %q: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %q: rows affected: %w", key, err)
	}
	if n == 0 {
		return kv.ErrKeyNotFound
	}
	return nil
}

func (tb *table) Contains(ctx context.Context, key string) (bool, error) {
	if err := tb.check(ctx); err != nil {
		return false, err
	}
	var count int
	err := tb.t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_entries WHERE tbl = ? AND key = ?`,
		tb.name, key,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("contains %q: %w", key, err)
	}
	return count > 0, nil
}

func (tb *table) Remove(ctx context.Context, key string) error {
	if err := tb.check(ctx); err != nil {
		return err
	}
	_, err := tb.t.tx.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE tbl = ? AND key = ?`,
		tb.name, key,
	)
	if err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

func (tb *table) Clear(ctx context.Context) error {
	if err := tb.check(ctx); err != nil {
		return err
	}
	if _, err := tb.t.tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE tbl = ?`, tb.name); err != nil {
		return fmt.Errorf("clear %q: %w", tb.name, err)
	}
	return nil
}

func (tb *table) Range(ctx context.Context, fn func(key string, value []byte) error) error {
	if err := tb.check(ctx); err != nil {
		return err
	}

	rows, err := tb.t.tx.QueryContext(ctx,
		`SELECT key, value FROM kv_entries WHERE tbl = ? ORDER BY key ASC`,
		tb.name,
	)
	if err != nil {
		return fmt.Errorf("range %q: %w", tb.name, err)
	}

	type entry struct {
		key   string
		value []byte
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.key, &e.value); err != nil {
			rows.Close()
			return fmt.Errorf("range %q: scan: %w", tb.name, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("range %q: iterate: %w", tb.name, err)
	}
	rows.Close()

	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

// nonNil maps a nil slice to an empty one so the NOT NULL column accepts it.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
