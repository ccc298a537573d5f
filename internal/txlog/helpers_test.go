package txlog

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rxlog/internal/kv"
	"github.com/roach88/rxlog/internal/kv/badgerkv"
	"github.com/roach88/rxlog/internal/kv/kvtest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupStore returns an in-memory store wrapped for fault injection.
func setupStore(t *testing.T) *kvtest.FaultStore {
	t.Helper()
	s, err := badgerkv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return kvtest.NewFaultStore(s)
}

func setupManager(t *testing.T, store kv.Store) *Manager {
	t.Helper()
	m := NewManager(store, WithLogger(quietLogger()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// withTx runs fn in a committed transaction.
func withTx(t *testing.T, store kv.Store, fn func(tx kv.Transaction)) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.CreateTransaction(ctx)
	require.NoError(t, err)
	defer tx.Discard()
	fn(tx)
	require.NoError(t, tx.Commit(ctx))
}

// storedMetadata reads TxMetadata directly from the store.
func storedMetadata(t *testing.T, store kv.Store) (Metadata, bool) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.CreateTransaction(ctx)
	require.NoError(t, err)
	defer tx.Discard()
	m, found, err := LoadMetadata(ctx, tx)
	require.NoError(t, err)
	return m, found
}

// tableSize counts the entries stored for cat at version.
func tableSize(t *testing.T, store kv.Store, version int64, cat Category) int {
	t.Helper()
	ctx := context.Background()
	tx, err := store.CreateTransaction(ctx)
	require.NoError(t, err)
	defer tx.Discard()
	ops, err := NewVersionedLog(version, nil).Table(tx, cat).Load(ctx)
	require.NoError(t, err)
	return len(ops)
}
