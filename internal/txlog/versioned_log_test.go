package txlog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rxlog/internal/ir"
	"github.com/roach88/rxlog/internal/kv"
)

func TestVersionedLog_TableName(t *testing.T) {
	log := NewVersionedLog(3, nil)
	assert.Equal(t, int64(3), log.Version())
	assert.Equal(t, "3TxSubjects", log.TableName(Subjects))
	assert.Equal(t, "3TxSubscriptionFactories", log.TableName(SubscriptionFactories))
}

func TestOperationTable_CRUD(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	log := NewVersionedLog(1, nil)

	withTx(t, store, func(tx kv.Transaction) {
		tbl := log.Table(tx, Observables)
		assert.Equal(t, "1TxObservables", tbl.Name())
		assert.Equal(t, Observables, tbl.Category())

		_, err := tbl.Get(ctx, "o")
		assert.ErrorIs(t, err, kv.ErrKeyNotFound)

		require.NoError(t, tbl.Add(ctx, "o", Create(ir.String("range"), nil)))
		assert.ErrorIs(t, tbl.Add(ctx, "o", Delete()), kv.ErrKeyExists)
		assert.ErrorIs(t, tbl.Update(ctx, "missing", Delete()), kv.ErrKeyNotFound)
		require.NoError(t, tbl.Update(ctx, "o", DeleteCreate(ir.String("range"), ir.Int(5))))
		require.NoError(t, tbl.Set(ctx, "p", Delete()))

		ok, err := tbl.Contains(ctx, "p")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	tx, err := store.CreateTransaction(ctx)
	require.NoError(t, err)
	defer tx.Discard()

	ops, err := log.Table(tx, Observables).Load(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.True(t, Equal(DeleteCreate(ir.String("range"), ir.Int(5)), ops["o"]))
	assert.Same(t, Delete(), ops["p"])

	var names []string
	err = log.Table(tx, Observables).Range(ctx, func(name string, op Operation) error {
		names = append(names, name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"o", "p"}, names)

	require.NoError(t, log.Table(tx, Observables).Remove(ctx, "p"))
	ok, err := log.Table(tx, Observables).Contains(ctx, "p")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVersionedLog_VersionsIsolated(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	withTx(t, store, func(tx kv.Transaction) {
		require.NoError(t, NewVersionedLog(1, nil).Table(tx, Subjects).Set(ctx, "a", Delete()))
		require.NoError(t, NewVersionedLog(11, nil).Table(tx, Subjects).Set(ctx, "b", Delete()))
	})
	withTx(t, store, func(tx kv.Transaction) {
		require.NoError(t, NewVersionedLog(1, nil).EnterScope(tx).Clear(ctx))
	})

	assert.Equal(t, 0, tableSize(t, store, 1, Subjects))
	assert.Equal(t, 1, tableSize(t, store, 11, Subjects))
}

func TestScope_ClearAllCategories(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	log := NewVersionedLog(2, nil)

	withTx(t, store, func(tx kv.Transaction) {
		for _, cat := range Categories() {
			require.NoError(t, log.Table(tx, cat).Set(ctx, "x", Create(nil, nil)))
		}
	})

	withTx(t, store, func(tx kv.Transaction) {
		loaded, err := log.EnterScope(tx).Load(ctx)
		require.NoError(t, err)
		assert.Len(t, loaded, 6)
		require.NoError(t, log.EnterScope(tx).Clear(ctx))
	})

	for _, cat := range Categories() {
		assert.Equal(t, 0, tableSize(t, store, 2, cat), cat.String())
	}
}

func TestScope_ClearUncommittedIsAbandoned(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	log := NewVersionedLog(1, nil)

	withTx(t, store, func(tx kv.Transaction) {
		require.NoError(t, log.Table(tx, Subjects).Set(ctx, "x", Create(nil, nil)))
	})

	tx, err := store.CreateTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, log.EnterScope(tx).Clear(ctx))
	tx.Discard()

	assert.Equal(t, 1, tableSize(t, store, 1, Subjects))
}

func TestVersionedLog_AppendCoalesces(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	log := NewVersionedLog(1, nil)

	tests := []struct {
		name string
		ops  []Operation
		want Operation // nil means absent
	}{
		{"single create", []Operation{Create(ir.Int(1), nil)}, Create(ir.Int(1), nil)},
		{"create then delete", []Operation{Create(ir.Int(1), nil), Delete()}, nil},
		{"delete then create", []Operation{Delete(), Create(ir.Int(2), nil)}, DeleteCreate(ir.Int(2), nil)},
		{"delete-create then delete", []Operation{DeleteCreate(ir.Int(1), nil), Delete()}, Delete()},
		{"create then delete-create", []Operation{Create(ir.Int(1), nil), DeleteCreate(ir.Int(3), nil)}, Create(ir.Int(3), nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withTx(t, store, func(tx kv.Transaction) {
				for _, op := range tt.ops {
					require.NoError(t, log.Append(ctx, tx, Subjects, tt.name, op))
				}
			})

			tx, err := store.CreateTransaction(ctx)
			require.NoError(t, err)
			defer tx.Discard()
			got, err := log.Table(tx, Subjects).Get(ctx, tt.name)
			if tt.want == nil {
				assert.ErrorIs(t, err, kv.ErrKeyNotFound)
				return
			}
			require.NoError(t, err)
			assert.True(t, Equal(tt.want, got), "got %v", got)
		})
	}
}

func TestVersionedLog_AppendInvalid(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	log := NewVersionedLog(1, nil)

	withTx(t, store, func(tx kv.Transaction) {
		first := Create(ir.Int(1), nil)
		require.NoError(t, log.Append(ctx, tx, Subjects, "A", first))

		err := log.Append(ctx, tx, Subjects, "A", Create(ir.Int(2), nil))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		var terr *InvalidTransitionError
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, Subjects, terr.Category)
		assert.Equal(t, "A", terr.Name)
		assert.Equal(t, KindCreate, terr.Prev.Kind())
		assert.Contains(t, err.Error(), "Create then Create")

		got, err := log.Table(tx, Subjects).Get(ctx, "A")
		require.NoError(t, err)
		assert.True(t, Equal(first, got), "table unchanged")
	})
}

func TestOperationTable_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	log := NewVersionedLog(1, nil)

	withTx(t, store, func(tx kv.Transaction) {
		require.NoError(t, tx.Table(log.TableName(Subjects)).Set(ctx, "bad", []byte{0, 0, 0}))
	})

	tx, err := store.CreateTransaction(ctx)
	require.NoError(t, err)
	defer tx.Discard()

	_, err = log.Table(tx, Subjects).Get(ctx, "bad")
	assert.ErrorIs(t, err, ErrUnsupportedRecord)
	assert.Contains(t, err.Error(), `1TxSubjects["bad"]`)

	_, err = log.Table(tx, Subjects).Load(ctx)
	assert.ErrorIs(t, err, ErrUnsupportedRecord)
}
