package txlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/rxlog/internal/kv"
)

// VersionedLog binds one version number to the six category tables.
// It holds no open resources; all access goes through a caller's
// transaction.
type VersionedLog struct {
	version int64
	codec   *Codec
}

// NewVersionedLog returns the log handle for version. A nil codec uses
// DefaultCodec.
func NewVersionedLog(version int64, codec *Codec) *VersionedLog {
	if codec == nil {
		codec = DefaultCodec
	}
	return &VersionedLog{version: version, codec: codec}
}

// Version returns the version number.
func (l *VersionedLog) Version() int64 {
	return l.version
}

// TableName returns the store table holding cat at this version,
// e.g. "3TxSubjects".
func (l *VersionedLog) TableName(cat Category) string {
	return strconv.FormatInt(l.version, 10) + cat.Key()
}

// Table returns the typed view of cat inside tx.
func (l *VersionedLog) Table(tx kv.Transaction, cat Category) *OperationTable {
	name := l.TableName(cat)
	return &OperationTable{
		raw:      tx.Table(name),
		codec:    l.codec,
		name:     name,
		category: cat,
	}
}

// Append records op for name in this version. An entry the version already
// holds for name is coalesced with op; a pair that cannot be coalesced
// returns an *InvalidTransitionError and leaves the table unchanged.
func (l *VersionedLog) Append(ctx context.Context, tx kv.Transaction, cat Category, name string, op Operation) error {
	tbl := l.Table(tx, cat)

	prev, err := tbl.Get(ctx, name)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return tbl.Set(ctx, name, op)
	}
	if err != nil {
		return err
	}

	outcome, merged := Transition(prev, op)
	switch outcome {
	case OutcomeReplace:
		return tbl.Set(ctx, name, merged)
	case OutcomeRemove:
		return tbl.Remove(ctx, name)
	default:
		return &InvalidTransitionError{Category: cat, Name: name, Prev: prev, Next: op}
	}
}

// EnterScope returns a handle over all six tables of this version in tx.
func (l *VersionedLog) EnterScope(tx kv.Transaction) *Scope {
	return &Scope{log: l, tx: tx}
}

// Scope is a VersionedLog bound to one transaction.
type Scope struct {
	log *VersionedLog
	tx  kv.Transaction
}

// Clear empties all six tables. Takes effect when the transaction commits.
func (s *Scope) Clear(ctx context.Context) error {
	for _, cat := range allCategories {
		if err := s.log.Table(s.tx, cat).Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Load reads all six tables.
func (s *Scope) Load(ctx context.Context) (map[Category]map[string]Operation, error) {
	out := make(map[Category]map[string]Operation, len(allCategories))
	for _, cat := range allCategories {
		ops, err := s.log.Table(s.tx, cat).Load(ctx)
		if err != nil {
			return nil, err
		}
		out[cat] = ops
	}
	return out, nil
}

// OperationTable is one category table of one version, inside one
// transaction, mapping artifact names to Operations.
type OperationTable struct {
	raw      kv.Table
	codec    *Codec
	name     string
	category Category
}

// Name returns the underlying store table name.
func (t *OperationTable) Name() string {
	return t.name
}

// Category returns the table's category.
func (t *OperationTable) Category() Category {
	return t.category
}

// Get returns the operation recorded for name, or kv.ErrKeyNotFound.
func (t *OperationTable) Get(ctx context.Context, name string) (Operation, error) {
	data, err := t.raw.Get(ctx, name)
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("read %s[%q]: %w", t.name, name, err)
	}
	op, err := t.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s[%q]: %w", t.name, name, err)
	}
	return op, nil
}

// Set records op for name, replacing any entry.
func (t *OperationTable) Set(ctx context.Context, name string, op Operation) error {
	data, err := t.codec.Encode(op)
	if err != nil {
		return err
	}
	if err := t.raw.Set(ctx, name, data); err != nil {
		return fmt.Errorf("write %s[%q]: %w", t.name, name, err)
	}
	return nil
}

// Add records op for name, or returns kv.ErrKeyExists.
func (t *OperationTable) Add(ctx context.Context, name string, op Operation) error {
	data, err := t.codec.Encode(op)
	if err != nil {
		return err
	}
	if err := t.raw.Add(ctx, name, data); err != nil {
		if errors.Is(err, kv.ErrKeyExists) {
			return err
		}
		return fmt.Errorf("add %s[%q]: %w", t.name, name, err)
	}
	return nil
}

// Update replaces the entry for name, or returns kv.ErrKeyNotFound.
func (t *OperationTable) Update(ctx context.Context, name string, op Operation) error {
	data, err := t.codec.Encode(op)
	if err != nil {
		return err
	}
	if err := t.raw.Update(ctx, name, data); err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return err
		}
		return fmt.Errorf("update %s[%q]: %w", t.name, name, err)
	}
	return nil
}

// Contains reports whether name has an entry.
func (t *OperationTable) Contains(ctx context.Context, name string) (bool, error) {
	ok, err := t.raw.Contains(ctx, name)
	if err != nil {
		return false, fmt.Errorf("contains %s[%q]: %w", t.name, name, err)
	}
	return ok, nil
}

// Remove drops the entry for name.
func (t *OperationTable) Remove(ctx context.Context, name string) error {
	if err := t.raw.Remove(ctx, name); err != nil {
		return fmt.Errorf("remove %s[%q]: %w", t.name, name, err)
	}
	return nil
}

// Clear drops every entry.
func (t *OperationTable) Clear(ctx context.Context) error {
	if err := t.raw.Clear(ctx); err != nil {
		return fmt.Errorf("clear %s: %w", t.name, err)
	}
	return nil
}

// Range calls fn for every entry in name order.
func (t *OperationTable) Range(ctx context.Context, fn func(name string, op Operation) error) error {
	return t.raw.Range(ctx, func(key string, value []byte) error {
		op, err := t.codec.Decode(value)
		if err != nil {
			return fmt.Errorf("decode %s[%q]: %w", t.name, key, err)
		}
		return fn(key, op)
	})
}

// Load returns all entries.
func (t *OperationTable) Load(ctx context.Context) (map[string]Operation, error) {
	out := make(map[string]Operation)
	err := t.Range(ctx, func(name string, op Operation) error {
		out[name] = op
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
