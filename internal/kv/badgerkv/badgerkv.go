// Package badgerkv implements kv.Store on BadgerDB.
//
// Every kv table is a key prefix inside one Badger keyspace:
//
//	<table name> 0x00 <key>
//
// The 0x00 separator keeps "1TxSubjects" and "12TxSubjects" disjoint.
// Badger read-write transactions allow a single open iterator, so Clear and
// Range collect matching keys first and act after the iterator is closed.
//
// Badger's value log is garbage collected by a GCRunner owned by the Store
// (persistent mode only).
package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/rxlog/internal/kv"
)

// Config holds configuration for a Badger-backed store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites makes every commit fsync before returning.
	// Required for crash consistency of the transaction log.
	SyncWrites bool

	// Logger receives Badger's internal log lines.
	// If nil, Badger's internal logging is disabled.
	Logger *slog.Logger

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int

	// GCInterval is how often to run value log garbage collection.
	// Zero disables the runner.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64

	// MemTableSize bounds a single transaction: Badger rejects writes past
	// roughly 15% of it (in bytes, or the matching entry count) with
	// kv.ErrTransactionTooLarge. A log reclaim deletes every reclaimable
	// version in one transaction, so those versions must fit.
	// Zero keeps Badger's default of 64 MiB.
	MemTableSize int64
}

// DefaultConfig returns production defaults: synchronous writes, a single
// retained version and value log GC every five minutes.
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		NumVersionsToKeep: 1,
	}
}

// txnError maps Badger's transaction size error onto kv.ErrTransactionTooLarge.
func txnError(err error) error {
	if errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("%w: %w", kv.ErrTransactionTooLarge, err)
	}
	return err
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a kv.Store backed by one Badger database.
// Safe for concurrent use.
type Store struct {
	db       *badger.DB
	gcRunner *GCRunner
	closed   atomic.Bool
	path     string
	inMemory bool
}

var _ kv.Store = (*Store)(nil)

// Open creates or opens a Badger-backed store.
// Creates the directory if it doesn't exist and starts the GC runner when
// GCInterval is set and the store is persistent.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("open badger store: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("open badger store: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	versions := cfg.NumVersionsToKeep
	if versions <= 0 {
		versions = 1
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(versions)
	if cfg.MemTableSize > 0 {
		// Values above the threshold must still fit one batch.
		opts = opts.WithMemTableSize(cfg.MemTableSize).
			WithValueThreshold(min(opts.ValueThreshold, cfg.MemTableSize/10))
	}

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	s := &Store{db: db, path: cfg.Path, inMemory: cfg.InMemory}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		s.gcRunner = runner
		runner.Start()
	}

	return s, nil
}

// OpenInMemory opens an in-memory store. Data is lost on Close.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops the GC runner and closes the database.
// Safe to call more than once.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.gcRunner != nil {
		s.gcRunner.Stop()
	}
	return s.db.Close()
}

// Path returns the database directory, or "" for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// InMemory reports whether the store keeps data only in memory.
func (s *Store) InMemory() bool {
	return s.inMemory
}

// CreateTransaction starts a read-write Badger transaction.
func (s *Store) CreateTransaction(ctx context.Context) (kv.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	if s.closed.Load() {
		return nil, kv.ErrStoreClosed
	}
	return &transaction{txn: s.db.NewTransaction(true)}, nil
}

// transaction wraps a read-write badger.Txn.
type transaction struct {
	txn  *badger.Txn
	done bool
}

func (t *transaction) Table(name string) kv.Table {
	return &table{tx: t, prefix: append([]byte(name), 0x00)}
}

func (t *transaction) Commit(ctx context.Context) error {
	if t.done {
		return kv.ErrTransactionDone
	}
	if err := ctx.Err(); err != nil {
		t.Discard()
		return fmt.Errorf("commit: %w", txnError(err))
	}
	t.done = true
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *transaction) Discard() {
	t.done = true
	t.txn.Discard()
}

// table is a prefix view over a transaction.
type table struct {
	tx     *transaction
	prefix []byte
}

func (tb *table) key(k string) []byte {
	out := make([]byte, 0, len(tb.prefix)+len(k))
	out = append(out, tb.prefix...)
	return append(out, k...)
}

func (tb *table) check(ctx context.Context) error {
	if tb.tx.done {
		return kv.ErrTransactionDone
	}
	return ctx.Err()
}

func (tb *table) Get(ctx context.Context, key string) ([]byte, error) {
	if err := tb.check(ctx); err != nil {
		return nil, err
	}
	item, err := tb.tx.txn.Get(tb.key(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, kv.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("get %q: read value: %w", key, err)
	}
	return val, nil
}

func (tb *table) Set(ctx context.Context, key string, value []byte) error {
	if err := tb.check(ctx); err != nil {
		return err
	}
	if err := tb.tx.txn.Set(tb.key(key), value); err != nil {
		return fmt.Errorf("set %q: %w", key, txnError(err))
	}
	return nil
}

func (tb *table) Add(ctx context.Context, key string, value []byte) error {
	found, err := tb.Contains(ctx, key)
	if err != nil {
		return err
	}
	if found {
		return kv.ErrKeyExists
	}
	return tb.Set(ctx, key, value)
}

func (tb *table) Update(ctx context.Context, key string, value []byte) error {
	found, err := tb.Contains(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return kv.ErrKeyNotFound
	}
	return tb.Set(ctx, key, value)
}

func (tb *table) Contains(ctx context.Context, key string) (bool, error) {
	if err := tb.check(ctx); err != nil {
		return false, err
	}
	_, err := tb.tx.txn.Get(tb.key(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("contains %q: %w", key, err)
	}
	return true, nil
}

func (tb *table) Remove(ctx context.Context, key string) error {
	if err := tb.check(ctx); err != nil {
		return err
	}
	if err := tb.tx.txn.Delete(tb.key(key)); err != nil {
		return fmt.Errorf("remove %q: %w", key, txnError(err))
	}
	return nil
}

func (tb *table) Clear(ctx context.Context) error {
	if err := tb.check(ctx); err != nil {
		return err
	}

	var keys [][]byte
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = tb.prefix
	it := tb.tx.txn.NewIterator(opts)
	for it.Seek(tb.prefix); it.ValidForPrefix(tb.prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := tb.tx.txn.Delete(k); err != nil {
			return fmt.Errorf("clear %d keys: delete %q: %w", len(keys), k[len(tb.prefix):], txnError(err))
		}
	}
	return nil
}

func (tb *table) Range(ctx context.Context, fn func(key string, value []byte) error) error {
	if err := tb.check(ctx); err != nil {
		return err
	}

	type entry struct {
		key   string
		value []byte
	}
	var entries []entry

	opts := badger.DefaultIteratorOptions
	opts.Prefix = tb.prefix
	it := tb.tx.txn.NewIterator(opts)
	for it.Seek(tb.prefix); it.ValidForPrefix(tb.prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			it.Close()
			return fmt.Errorf("range: read value: %w", err)
		}
		entries = append(entries, entry{key: string(item.Key()[len(tb.prefix):]), value: val})
	}
	it.Close()

	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}
