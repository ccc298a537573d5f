package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rxlog/internal/ir"
	"github.com/roach88/rxlog/internal/kv"
	"github.com/roach88/rxlog/internal/kv/badgerkv"
	"github.com/roach88/rxlog/internal/kv/kvtest"
	"github.com/roach88/rxlog/internal/txlog"
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

// startEngine builds a manager and engine over store, as a process start
// would, and recovers it.
func startEngine(t *testing.T, store kv.Store, opts ...Option) (*Engine, *RecoveryReport) {
	t.Helper()
	e := newEngine(t, store, opts...)
	report, err := e.Recover(context.Background())
	require.NoError(t, err)
	return e, report
}

func newEngine(t *testing.T, store kv.Store, opts ...Option) *Engine {
	t.Helper()
	m := txlog.NewManager(store, txlog.WithLogger(quietLogger()))
	opts = append([]Option{WithLogger(quietLogger()), WithReclaimMode(ReclaimSync)}, opts...)
	e := New(store, m, opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func expr(s string) ir.Value {
	return ir.NewObject(ir.O("uri", ir.String(s)))
}

func createAll(t *testing.T, e *Engine, cat txlog.Category, names ...string) {
	t.Helper()
	for _, name := range names {
		_, err := e.Create(context.Background(), cat, name, expr("rx://"+name), nil)
		require.NoError(t, err)
	}
}

func names(arts []Artifact) []string {
	out := make([]string, 0, len(arts))
	for _, a := range arts {
		out = append(out, a.Name)
	}
	return out
}

func TestEngine_MutationsRequireRecover(t *testing.T) {
	store := setupStore(t)
	e := newEngine(t, store)
	ctx := context.Background()

	_, err := e.Create(ctx, txlog.Subjects, "a", expr("a"), nil)
	assert.ErrorIs(t, err, ErrNotRecovered)
	assert.ErrorIs(t, e.Delete(ctx, txlog.Subjects, "a"), ErrNotRecovered)
	_, err = e.Checkpoint(ctx)
	assert.ErrorIs(t, err, ErrNotRecovered)
	assert.False(t, e.Recovered())
}

func TestEngine_RecoverEmptyStore(t *testing.T) {
	store := setupStore(t)
	e, report := startEngine(t, store)

	assert.True(t, e.Recovered())
	assert.Empty(t, report.CheckpointID)
	assert.Empty(t, report.ReplayedVersions, "fresh version holds nothing to replay")
	assert.Zero(t, report.Artifacts)
	assert.Equal(t, txlog.Metadata{Latest: 1, ActiveCount: 1, HeldCount: 1}, e.Log().Metadata())
}

func TestEngine_CreateDeleteReplace(t *testing.T) {
	store := setupStore(t)
	e, _ := startEngine(t, store)
	ctx := context.Background()

	a, err := e.Create(ctx, txlog.Observables, "ticks", expr("rx://ticks"), ir.Int(3))
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Seq)
	assert.True(t, ir.Equal(ir.Int(3), a.Definition.State))

	_, err = e.Create(ctx, txlog.Observables, "ticks", expr("rx://other"), nil)
	assert.ErrorIs(t, err, ErrArtifactExists)

	_, err = e.Replace(ctx, txlog.Observables, "missing", expr("x"), nil)
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	assert.ErrorIs(t, e.Delete(ctx, txlog.Observables, "missing"), ErrArtifactNotFound)

	b, err := e.Replace(ctx, txlog.Observables, "ticks", expr("rx://ticks/v2"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Seq)

	got, ok := e.Get(txlog.Observables, "ticks")
	require.True(t, ok)
	assert.True(t, ir.Equal(expr("rx://ticks/v2"), got.Definition.Expression))
	assert.True(t, ir.Equal(ir.Null{}, got.Definition.State))

	require.NoError(t, e.Delete(ctx, txlog.Observables, "ticks"))
	_, ok = e.Get(txlog.Observables, "ticks")
	assert.False(t, ok)
	assert.Zero(t, e.Count())
}

func TestEngine_RejectsBadInput(t *testing.T) {
	store := setupStore(t)
	e, _ := startEngine(t, store)
	ctx := context.Background()

	_, err := e.Create(ctx, txlog.Category(42), "a", expr("a"), nil)
	assert.ErrorIs(t, err, txlog.ErrUnknownCategory)

	_, err = e.Create(ctx, txlog.Subjects, "", expr("a"), nil)
	assert.Error(t, err)
}

func TestEngine_FailedRecordLeavesRegistry(t *testing.T) {
	store := setupStore(t)
	e, _ := startEngine(t, store)
	ctx := context.Background()
	createAll(t, e, txlog.Subjects, "a")

	store.FailNextCommit()
	_, err := e.Create(ctx, txlog.Subjects, "b", expr("b"), nil)
	require.ErrorIs(t, err, kvtest.ErrInjected)
	_, ok := e.Get(txlog.Subjects, "b")
	assert.False(t, ok)

	store.FailNextCommit()
	require.ErrorIs(t, e.Delete(ctx, txlog.Subjects, "a"), kvtest.ErrInjected)
	_, ok = e.Get(txlog.Subjects, "a")
	assert.True(t, ok)
}

func TestEngine_ListSorted(t *testing.T) {
	store := setupStore(t)
	e, _ := startEngine(t, store)
	createAll(t, e, txlog.Observers, "c", "a", "b")
	createAll(t, e, txlog.Subjects, "z")

	assert.Equal(t, []string{"a", "b", "c"}, names(e.List(txlog.Observers)))
	assert.Equal(t, 4, e.Count())
}

func TestEngine_RestartWithoutCheckpoint(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	e, _ := startEngine(t, store)
	createAll(t, e, txlog.Subjects, "a", "b")
	require.NoError(t, e.Delete(ctx, txlog.Subjects, "a"))
	require.NoError(t, e.Close())

	restarted, report := startEngine(t, store)
	assert.Equal(t, []int64{1}, report.ReplayedVersions)
	assert.Equal(t, 1, report.Created)
	assert.Zero(t, report.Deleted, "Create then Delete coalesces away")
	assert.Equal(t, []string{"b"}, names(restarted.List(txlog.Subjects)))
	assert.Equal(t, int64(1), restarted.Clock().Current())
}

func TestEngine_CheckpointAndRestart(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	e, _ := startEngine(t, store, WithIDGenerator(NewFixedGenerator("ckpt-1")))
	createAll(t, e, txlog.Subjects, "a", "b")
	createAll(t, e, txlog.Subscriptions, "s")

	result, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ckpt-1", result.ID)
	assert.Equal(t, int64(2), result.Version)
	assert.Equal(t, int64(3), result.Seq)
	assert.Equal(t, 3, result.Artifacts)
	assert.Len(t, result.Fingerprint, 64)
	require.NotNil(t, result.Reclaim)
	assert.Equal(t, []int64{1}, result.Reclaim.Cleared)
	assert.Same(t, result, e.LastCheckpoint())
	assert.Equal(t, txlog.Metadata{Latest: 2, ActiveCount: 1, HeldCount: 1}, e.Log().Metadata())

	// Changes after the checkpoint live only in version 2.
	require.NoError(t, e.Delete(ctx, txlog.Subjects, "a"))
	createAll(t, e, txlog.Subjects, "c")
	require.NoError(t, e.Close())

	restarted, report := startEngine(t, store)
	assert.Equal(t, "ckpt-1", report.CheckpointID)
	assert.Equal(t, int64(2), report.CheckpointVersion)
	assert.Equal(t, []int64{2}, report.ReplayedVersions)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 3, report.Artifacts)
	assert.Equal(t, []string{"b", "c"}, names(restarted.List(txlog.Subjects)))
	assert.Equal(t, []string{"s"}, names(restarted.List(txlog.Subscriptions)))
	assert.Equal(t, int64(5), restarted.Clock().Current())
}

func TestEngine_CrashBeforeLoseReference(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	e, _ := startEngine(t, store)
	createAll(t, e, txlog.Subjects, "a", "b")

	// Snapshot and checkpoint write commit; LoseReference does not.
	store.FailCommitAfter(2)
	_, err := e.Checkpoint(ctx)
	require.ErrorIs(t, err, kvtest.ErrInjected)
	assert.Nil(t, e.LastCheckpoint())
	assert.Equal(t, txlog.Metadata{Latest: 2, ActiveCount: 2, HeldCount: 2}, e.Log().Metadata())

	// Version 1 is still active; deleting a in version 2 must survive a
	// restart even though version 1 coalesces Create(a) with it.
	require.NoError(t, e.Delete(ctx, txlog.Subjects, "a"))
	require.NoError(t, e.Close())

	restarted, report := startEngine(t, store)
	assert.NotEmpty(t, report.CheckpointID)
	assert.Equal(t, []int64{2}, report.ReplayedVersions)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, []string{"b"}, names(restarted.List(txlog.Subjects)))

	// The full active window still reaches back to version 1.
	assert.Equal(t, []int64{1, 2}, restarted.Log().Versions())
}

func TestEngine_ReplayedCreateOverwrites(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	e, _ := startEngine(t, store)
	createAll(t, e, txlog.Observables, "o")
	_, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	_, err = e.Replace(ctx, txlog.Observables, "o", expr("rx://o/v2"), ir.String("warm"))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	restarted, report := startEngine(t, store)
	assert.Equal(t, 1, report.Overwritten)
	assert.Zero(t, report.Created)

	got, ok := restarted.Get(txlog.Observables, "o")
	require.True(t, ok)
	assert.True(t, ir.Equal(expr("rx://o/v2"), got.Definition.Expression))
	assert.True(t, ir.Equal(ir.String("warm"), got.Definition.State))
}

func TestEngine_IgnoredDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	// A Delete in the log for a name the empty checkpoint lacks.
	m := txlog.NewManager(store, txlog.WithLogger(quietLogger()))
	_, err := m.Record(ctx, txlog.Subjects, "ghost", txlog.Delete())
	require.NoError(t, err)
	require.NoError(t, m.Close())

	e, report := startEngine(t, store)
	assert.Equal(t, 1, report.IgnoredDeletes)
	assert.Zero(t, e.Count())
}

// seedInvalid writes Create(a) in version 1 and Create(a) in version 2.
func seedInvalid(t *testing.T, store kv.Store) {
	t.Helper()
	ctx := context.Background()
	m := txlog.NewManager(store, txlog.WithLogger(quietLogger()))
	_, err := m.Record(ctx, txlog.Subjects, "a", txlog.Create(expr("a1"), nil))
	require.NoError(t, err)
	_, err = m.Record(ctx, txlog.Subjects, "keep", txlog.Create(expr("keep"), nil))
	require.NoError(t, err)
	_, err = m.Snapshot(ctx)
	require.NoError(t, err)
	_, err = m.Record(ctx, txlog.Subjects, "a", txlog.Create(expr("a2"), nil))
	require.NoError(t, err)
	require.NoError(t, m.Close())
}

func TestEngine_InvalidReplayFails(t *testing.T) {
	store := setupStore(t)
	seedInvalid(t, store)

	e := newEngine(t, store)
	_, err := e.Recover(context.Background())
	require.Error(t, err)
	assert.True(t, IsInvalidReplay(err))

	var re *RuntimeError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, ErrCodeInvalidReplay, re.Code)
	assert.Equal(t, map[string]string{"subjects": "a"}, re.Details)
	assert.False(t, e.Recovered())
}

func TestEngine_InvalidReplaySkipped(t *testing.T) {
	store := setupStore(t)
	seedInvalid(t, store)

	e, report := startEngine(t, store, WithRecoveryPolicy(RecoverySkip))
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, InvalidSequence{
		Category: txlog.Subjects,
		Name:     "a",
		Kinds:    []string{"Create", "Create"},
	}, report.Skipped[0])
	assert.Equal(t, []string{"keep"}, names(e.List(txlog.Subjects)))

	// The engine is usable; a checkpoint makes the invalid history reclaimable.
	_, err := e.Checkpoint(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, report = startEngine(t, store)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, 1, report.Artifacts)
}

func TestEngine_ReclaimModes(t *testing.T) {
	for _, tc := range []struct {
		mode ReclaimMode
		held int64
	}{
		{ReclaimSync, 1},
		{ReclaimAsync, 1},
		{ReclaimSkip, 2},
	} {
		t.Run(string(tc.mode), func(t *testing.T) {
			store := setupStore(t)
			e, _ := startEngine(t, store, WithReclaimMode(tc.mode))
			createAll(t, e, txlog.Subjects, "a")

			result, err := e.Checkpoint(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.mode, result.ReclaimMode)
			assert.Equal(t, tc.mode == ReclaimSync, result.Reclaim != nil)

			e.Wait()
			meta := e.Log().Metadata()
			assert.Equal(t, int64(1), meta.ActiveCount)
			assert.Equal(t, tc.held, meta.HeldCount)
		})
	}
}

func TestEngine_SyncReclaimFailureKeepsCheckpoint(t *testing.T) {
	store := setupStore(t)
	e, _ := startEngine(t, store)
	createAll(t, e, txlog.Subjects, "a")

	// Snapshot, checkpoint write and LoseReference commit; Reclaim does not.
	store.FailCommitAfter(3)
	result, err := e.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result.Reclaim)
	assert.Equal(t, int64(1), e.Log().Metadata().Reclaimable())

	stats, err := e.Log().Reclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, stats.Cleared)
}

func TestEngine_CheckpointSnapshotFailure(t *testing.T) {
	store := setupStore(t)
	e, _ := startEngine(t, store)
	createAll(t, e, txlog.Subjects, "a")

	store.FailNextCommit()
	_, err := e.Checkpoint(context.Background())
	require.ErrorIs(t, err, kvtest.ErrInjected)
	assert.Equal(t, txlog.Metadata{Latest: 1, ActiveCount: 1, HeldCount: 1}, e.Log().Metadata())

	ckpt, err := LoadCheckpoint(context.Background(), store)
	require.NoError(t, err)
	assert.Nil(t, ckpt)

	createAll(t, e, txlog.Subjects, "b")
	assert.Equal(t, 2, e.Count())
}

func TestEngine_CheckpointWriteFailure(t *testing.T) {
	store := setupStore(t)
	e, _ := startEngine(t, store)
	createAll(t, e, txlog.Subjects, "a")

	store.FailCommitAfter(1)
	_, err := e.Checkpoint(context.Background())
	require.ErrorIs(t, err, kvtest.ErrInjected)
	assert.Equal(t, int64(2), e.Log().Metadata().ActiveCount, "nothing may become reclaimable")
	require.NoError(t, e.Close())

	restarted, report := startEngine(t, store)
	assert.Empty(t, report.CheckpointID)
	assert.Equal(t, []int64{1, 2}, report.ReplayedVersions)
	assert.Equal(t, []string{"a"}, names(restarted.List(txlog.Subjects)))
}

func TestEngine_CorruptCheckpoint(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	tx, err := store.CreateTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Table(CheckpointTable).Set(ctx, CheckpointKey, []byte(`{"id":1}`)))
	require.NoError(t, tx.Commit(ctx))

	e := newEngine(t, store)
	_, err = e.Recover(ctx)
	var re *RuntimeError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, ErrCodeCorruptCheckpoint, re.Code)
	assert.NotNil(t, re.Unwrap())
}

func TestEngine_Closed(t *testing.T) {
	store := setupStore(t)
	e, _ := startEngine(t, store)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Create(context.Background(), txlog.Subjects, "a", expr("a"), nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Recover(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_ConcurrentCreatesAndCheckpoints(t *testing.T) {
	store := setupStore(t)
	e, _ := startEngine(t, store, WithReclaimMode(ReclaimAsync))
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter+10)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				name := fmt.Sprintf("w%d-%d", w, i)
				if _, err := e.Create(ctx, txlog.Subscriptions, name, expr(name), nil); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			if _, err := e.Checkpoint(ctx); err != nil {
				errs <- err
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())

	restarted, _ := startEngine(t, store)
	assert.Equal(t, writers*perWriter, restarted.Count())
	require.NoError(t, restarted.Log().Metadata().Check())
}

func TestEngine_CloseDuringCheckpoints(t *testing.T) {
	store := setupStore(t)
	e, _ := startEngine(t, store, WithReclaimMode(ReclaimAsync))
	ctx := context.Background()
	createAll(t, e, txlog.Subjects, "a", "b")

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := e.Checkpoint(ctx); err != nil {
					errs <- err
				}
			}
		}()
	}
	require.NoError(t, e.Close())
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}

	_, err := e.Checkpoint(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	restarted, _ := startEngine(t, store)
	assert.Equal(t, 2, restarted.Count())
	require.NoError(t, restarted.Log().Metadata().Check())
}

func TestParseModes(t *testing.T) {
	mode, err := ParseReclaimMode("skip")
	require.NoError(t, err)
	assert.Equal(t, ReclaimSkip, mode)
	_, err = ParseReclaimMode("later")
	assert.Error(t, err)

	policy, err := ParseRecoveryPolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, RecoverySkip, policy)
	_, err = ParseRecoveryPolicy("retry")
	assert.Error(t, err)
}
