package badgerkv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rxlog/internal/kv"
	"github.com/roach88/rxlog/internal/kv/kvtest"
)

func TestConformance_InMemory(t *testing.T) {
	kvtest.RunConformance(t, func(t *testing.T) kv.Store {
		s, err := OpenInMemory()
		require.NoError(t, err)
		return s
	})
}

func TestConformance_Persistent(t *testing.T) {
	kvtest.RunConformance(t, func(t *testing.T) kv.Store {
		cfg := DefaultConfig()
		cfg.Path = t.TempDir()
		cfg.GCInterval = 0
		s, err := Open(cfg)
		require.NoError(t, err)
		return s
	})
}

// TestOpen_PathRequired verifies persistent mode rejects an empty path.
func TestOpen_PathRequired(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

// TestOpen_Persists verifies committed data survives a reopen.
func TestOpen_Persists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = time.Hour

	s, err := Open(cfg)
	require.NoError(t, err)
	assert.Equal(t, dir, s.Path())
	assert.False(t, s.InMemory())

	tx, err := s.CreateTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Table("TxMetadata").Set(ctx, "Latest", []byte("7")))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()

	tx, err = s2.CreateTransaction(ctx)
	require.NoError(t, err)
	defer tx.Discard()
	got, err := tx.Table("TxMetadata").Get(ctx, "Latest")
	require.NoError(t, err)
	assert.Equal(t, []byte("7"), got)
}

// TestClose_Idempotent verifies Close can be called twice and blocks new
// transactions.
func TestClose_Idempotent(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.CreateTransaction(context.Background())
	assert.ErrorIs(t, err, kv.ErrStoreClosed)
}

func TestCreateTransaction_CancelledContext(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.CreateTransaction(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewGCRunner_Validation(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	tests := []struct {
		name     string
		interval time.Duration
		ratio    float64
		wantErr  string
	}{
		{"zero interval", 0, 0.5, "interval must be positive"},
		{"negative ratio", time.Second, -0.1, "ratio must be between 0 and 1"},
		{"ratio above one", time.Second, 1.5, "ratio must be between 0 and 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGCRunner(s.db, tt.interval, tt.ratio, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err = NewGCRunner(nil, time.Second, 0.5, nil)
	assert.Error(t, err)
}

// TestGCRunner_StartStop verifies the runner exits and Stop is repeatable.
func TestGCRunner_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = 0

	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	runner, err := NewGCRunner(s.db, 10*time.Millisecond, 0.5, nil)
	require.NoError(t, err)
	runner.Start()
	time.Sleep(30 * time.Millisecond)
	runner.Stop()
	runner.Stop()
}

func TestTable_ClearTooLarge(t *testing.T) {
	ctx := context.Background()
	cfg := InMemoryConfig()
	cfg.MemTableSize = 1 << 20
	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()

	const batches, perBatch = 6, 500
	for b := 0; b < batches; b++ {
		tx, err := s.CreateTransaction(ctx)
		require.NoError(t, err)
		for i := 0; i < perBatch; i++ {
			require.NoError(t, tx.Table("1Subjects").Set(ctx, fmt.Sprintf("k%d-%d", b, i), []byte("v")))
		}
		require.NoError(t, tx.Commit(ctx))
	}

	tx, err := s.CreateTransaction(ctx)
	require.NoError(t, err)
	err = tx.Table("1Subjects").Clear(ctx)
	require.ErrorIs(t, err, kv.ErrTransactionTooLarge)
	tx.Discard()

	tx, err = s.CreateTransaction(ctx)
	require.NoError(t, err)
	defer tx.Discard()
	ok, err := tx.Table("1Subjects").Contains(ctx, "k0-0")
	require.NoError(t, err)
	assert.True(t, ok, "failed clear deletes nothing")
}
