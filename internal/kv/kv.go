// Package kv defines the transactional key/value store boundary the
// transaction log is built on.
//
// A Store hands out Transactions. Every read and write goes through a
// Table obtained from a Transaction, and nothing is visible to other
// transactions until Commit succeeds. Commit is all-or-nothing.
//
// Backends live in subpackages:
//   - badgerkv: BadgerDB (default, supports in-memory mode)
//   - sqlitekv: SQLite in WAL mode
//
// kvtest holds the conformance suite every backend must pass.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned by Get and Update when the key is absent.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists is returned by Add when the key is already present.
	ErrKeyExists = errors.New("key already exists")

	// ErrTransactionDone is returned when a transaction is used after
	// Commit or Discard.
	ErrTransactionDone = errors.New("transaction already committed or discarded")

	// ErrStoreClosed is returned when a transaction is requested from a
	// closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrTransactionTooLarge is returned by a write that would push the
	// transaction past the backend's size limit. The transaction must be
	// discarded.
	ErrTransactionTooLarge = errors.New("transaction exceeds store size limit")
)

// Store creates transactions over a set of named tables.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateTransaction starts a read-write transaction.
	CreateTransaction(ctx context.Context) (Transaction, error)

	// Close releases the store. Pending transactions must be finished first.
	Close() error
}

// Transaction groups table reads and writes that commit atomically.
//
// A Transaction is not safe for concurrent use.
type Transaction interface {
	// Table returns the named table as seen by this transaction.
	// Tables are created implicitly on first write.
	Table(name string) Table

	// Commit makes all writes of this transaction durable and visible.
	// On error nothing is applied.
	Commit(ctx context.Context) error

	// Discard abandons the transaction. Safe to call after Commit and
	// more than once.
	Discard()
}

// Table is a string-keyed table of byte values inside one transaction.
type Table interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Add stores value under key, or returns ErrKeyExists.
	Add(ctx context.Context, key string, value []byte) error

	// Update replaces the value under key, or returns ErrKeyNotFound.
	Update(ctx context.Context, key string, value []byte) error

	// Contains reports whether key is present.
	Contains(ctx context.Context, key string) (bool, error)

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Clear removes every key of the table.
	Clear(ctx context.Context) error

	// Range calls fn for every entry in ascending key order.
	// Iteration stops at the first error fn returns, and Range returns it.
	// fn may write to the table; writes are not observed by the ongoing Range.
	Range(ctx context.Context, fn func(key string, value []byte) error) error
}
