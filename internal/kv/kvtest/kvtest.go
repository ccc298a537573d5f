// Package kvtest provides a conformance suite for kv.Store backends and a
// fault-injecting store wrapper.
package kvtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rxlog/internal/kv"
)

// Factory opens a fresh, empty store for one subtest.
// The suite closes the store when the subtest ends.
type Factory func(t *testing.T) kv.Store

// RunConformance runs the backend conformance suite against stores created
// by newStore.
func RunConformance(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s kv.Store)
	}{
		{"GetMissing", testGetMissing},
		{"SetGetCommit", testSetGetCommit},
		{"AddExisting", testAddExisting},
		{"UpdateMissing", testUpdateMissing},
		{"ContainsAndRemove", testContainsAndRemove},
		{"ClearOnlyTouchesTable", testClearOnlyTouchesTable},
		{"RangeOrdered", testRangeOrdered},
		{"RangeStopsOnError", testRangeStopsOnError},
		{"RangeSeesPendingWrites", testRangeSeesPendingWrites},
		{"DiscardDropsWrites", testDiscardDropsWrites},
		{"UseAfterCommit", testUseAfterCommit},
		{"TablePrefixesDisjoint", testTablePrefixesDisjoint},
		{"CancelledContext", testCancelledContext},
		{"EmptyValue", testEmptyValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func begin(t *testing.T, s kv.Store) kv.Transaction {
	t.Helper()
	tx, err := s.CreateTransaction(context.Background())
	require.NoError(t, err)
	t.Cleanup(tx.Discard)
	return tx
}

func commit(t *testing.T, tx kv.Transaction) {
	t.Helper()
	require.NoError(t, tx.Commit(context.Background()))
}

func testGetMissing(t *testing.T, s kv.Store) {
	ctx := context.Background()
	tx := begin(t, s)

	_, err := tx.Table("t").Get(ctx, "missing")
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func testSetGetCommit(t *testing.T, s kv.Store) {
	ctx := context.Background()

	tx := begin(t, s)
	require.NoError(t, tx.Table("t").Set(ctx, "a", []byte("one")))
	require.NoError(t, tx.Table("t").Set(ctx, "a", []byte("two")))
	commit(t, tx)

	tx = begin(t, s)
	got, err := tx.Table("t").Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func testAddExisting(t *testing.T, s kv.Store) {
	ctx := context.Background()
	tx := begin(t, s)
	tbl := tx.Table("t")

	require.NoError(t, tbl.Add(ctx, "a", []byte("1")))
	assert.ErrorIs(t, tbl.Add(ctx, "a", []byte("2")), kv.ErrKeyExists)

	got, err := tbl.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)
}

func testUpdateMissing(t *testing.T, s kv.Store) {
	ctx := context.Background()
	tx := begin(t, s)
	tbl := tx.Table("t")

	assert.ErrorIs(t, tbl.Update(ctx, "a", []byte("1")), kv.ErrKeyNotFound)

	require.NoError(t, tbl.Set(ctx, "a", []byte("1")))
	require.NoError(t, tbl.Update(ctx, "a", []byte("2")))
	got, err := tbl.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
}

func testContainsAndRemove(t *testing.T, s kv.Store) {
	ctx := context.Background()
	tx := begin(t, s)
	tbl := tx.Table("t")

	ok, err := tbl.Contains(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tbl.Set(ctx, "a", []byte("1")))
	ok, err = tbl.Contains(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tbl.Remove(ctx, "a"))
	require.NoError(t, tbl.Remove(ctx, "a"), "remove is idempotent")
	ok, err = tbl.Contains(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testClearOnlyTouchesTable(t *testing.T, s kv.Store) {
	ctx := context.Background()

	tx := begin(t, s)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, tx.Table("left").Set(ctx, k, []byte(k)))
		require.NoError(t, tx.Table("right").Set(ctx, k, []byte(k)))
	}
	commit(t, tx)

	tx = begin(t, s)
	require.NoError(t, tx.Table("left").Clear(ctx))
	commit(t, tx)

	tx = begin(t, s)
	assert.Empty(t, collect(t, tx.Table("left")))
	assert.Len(t, collect(t, tx.Table("right")), 3)
}

func testRangeOrdered(t *testing.T, s kv.Store) {
	ctx := context.Background()
	tx := begin(t, s)
	tbl := tx.Table("t")

	for _, k := range []string{"delta", "alpha", "charlie", "bravo"} {
		require.NoError(t, tbl.Set(ctx, k, []byte("v-"+k)))
	}
	commit(t, tx)

	tx = begin(t, s)
	var keys []string
	err := tx.Table("t").Range(ctx, func(key string, value []byte) error {
		keys = append(keys, key)
		assert.Equal(t, "v-"+key, string(value))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, keys)
}

func testRangeStopsOnError(t *testing.T, s kv.Store) {
	ctx := context.Background()
	tx := begin(t, s)
	tbl := tx.Table("t")
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, tbl.Set(ctx, k, []byte(k)))
	}

	stop := errors.New("stop")
	calls := 0
	err := tbl.Range(ctx, func(key string, value []byte) error {
		calls++
		if key == "b" {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}

func testRangeSeesPendingWrites(t *testing.T, s kv.Store) {
	ctx := context.Background()
	tx := begin(t, s)
	tbl := tx.Table("t")
	require.NoError(t, tbl.Set(ctx, "a", []byte("1")))
	require.NoError(t, tbl.Set(ctx, "b", []byte("2")))
	require.NoError(t, tbl.Remove(ctx, "a"))

	// Writes from inside the callback must not break the iteration.
	err := tbl.Range(ctx, func(key string, value []byte) error {
		return tbl.Set(ctx, key+"-copy", value)
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"b": "2", "b-copy": "2"}, collect(t, tbl))
}

func testDiscardDropsWrites(t *testing.T, s kv.Store) {
	ctx := context.Background()

	tx := begin(t, s)
	require.NoError(t, tx.Table("t").Set(ctx, "a", []byte("1")))
	tx.Discard()
	tx.Discard()

	tx = begin(t, s)
	_, err := tx.Table("t").Get(ctx, "a")
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func testUseAfterCommit(t *testing.T, s kv.Store) {
	ctx := context.Background()
	tx := begin(t, s)
	tbl := tx.Table("t")
	require.NoError(t, tbl.Set(ctx, "a", []byte("1")))
	commit(t, tx)

	assert.ErrorIs(t, tbl.Set(ctx, "b", []byte("2")), kv.ErrTransactionDone)
	_, err := tbl.Get(ctx, "a")
	assert.ErrorIs(t, err, kv.ErrTransactionDone)
	assert.ErrorIs(t, tx.Commit(ctx), kv.ErrTransactionDone)
	tx.Discard()
}

func testTablePrefixesDisjoint(t *testing.T, s kv.Store) {
	ctx := context.Background()
	tx := begin(t, s)
	require.NoError(t, tx.Table("1TxSubjects").Set(ctx, "x", []byte("v1")))
	require.NoError(t, tx.Table("12TxSubjects").Set(ctx, "x", []byte("v12")))
	require.NoError(t, tx.Table("1TxSubjects").Clear(ctx))
	commit(t, tx)

	tx = begin(t, s)
	assert.Empty(t, collect(t, tx.Table("1TxSubjects")))
	assert.Equal(t, map[string]string{"x": "v12"}, collect(t, tx.Table("12TxSubjects")))
}

func testCancelledContext(t *testing.T, s kv.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	tx := begin(t, s)
	require.NoError(t, tx.Table("t").Set(ctx, "a", []byte("1")))
	cancel()

	err := tx.Commit(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	tx = begin(t, s)
	_, err = tx.Table("t").Get(context.Background(), "a")
	assert.ErrorIs(t, err, kv.ErrKeyNotFound)
}

func testEmptyValue(t *testing.T, s kv.Store) {
	ctx := context.Background()
	tx := begin(t, s)
	require.NoError(t, tx.Table("t").Set(ctx, "a", nil))
	commit(t, tx)

	tx = begin(t, s)
	got, err := tx.Table("t").Get(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func collect(t *testing.T, tbl kv.Table) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := tbl.Range(context.Background(), func(key string, value []byte) error {
		out[key] = string(value)
		return nil
	})
	require.NoError(t, err)
	return out
}

// ErrInjected is returned by FaultStore commits that were made to fail.
var ErrInjected = errors.New("kvtest: injected commit failure")

// FaultStore wraps a kv.Store and fails selected commits. A failed commit
// discards the underlying transaction, so nothing of it is applied.
type FaultStore struct {
	kv.Store

	mu       sync.Mutex
	commits  int
	failAt   int
	failAll  bool
	failures int
}

// NewFaultStore wraps s.
func NewFaultStore(s kv.Store) *FaultStore {
	return &FaultStore{Store: s}
}

// FailNextCommit makes the next commit fail.
func (f *FaultStore) FailNextCommit() {
	f.FailCommitAfter(0)
}

// FailCommitAfter lets n commits succeed and fails the one after.
func (f *FaultStore) FailCommitAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAt = f.commits + n + 1
}

// Arm makes every commit fail until Disarm.
func (f *FaultStore) Arm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = true
}

// Disarm clears all pending faults.
func (f *FaultStore) Disarm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = false
	f.failAt = 0
}

// Commits returns the number of commits attempted through the wrapper.
func (f *FaultStore) Commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

// Failures returns the number of injected failures.
func (f *FaultStore) Failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

// CreateTransaction implements kv.Store.
func (f *FaultStore) CreateTransaction(ctx context.Context) (kv.Transaction, error) {
	tx, err := f.Store.CreateTransaction(ctx)
	if err != nil {
		return nil, err
	}
	return &faultTx{Transaction: tx, store: f}, nil
}

func (f *FaultStore) shouldFail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	fail := f.failAll || f.commits == f.failAt
	if f.commits == f.failAt {
		f.failAt = 0
	}
	if fail {
		f.failures++
	}
	return fail
}

type faultTx struct {
	kv.Transaction
	store *FaultStore
}

func (t *faultTx) Commit(ctx context.Context) error {
	if t.store.shouldFail() {
		t.Transaction.Discard()
		return fmt.Errorf("commit: %w", ErrInjected)
	}
	return t.Transaction.Commit(ctx)
}
