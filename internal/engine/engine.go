package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/roach88/rxlog/internal/ir"
	"github.com/roach88/rxlog/internal/kv"
	"github.com/roach88/rxlog/internal/txlog"
)

// ReclaimMode selects what Checkpoint does after LoseReference.
type ReclaimMode string

const (
	// ReclaimAsync reclaims in a background goroutine that logs failures.
	ReclaimAsync ReclaimMode = "async"
	// ReclaimSync reclaims before Checkpoint returns.
	ReclaimSync ReclaimMode = "sync"
	// ReclaimSkip leaves reclaimable versions for a later Reclaim.
	ReclaimSkip ReclaimMode = "skip"
)

// ParseReclaimMode parses "async", "sync" or "skip".
func ParseReclaimMode(s string) (ReclaimMode, error) {
	switch m := ReclaimMode(s); m {
	case ReclaimAsync, ReclaimSync, ReclaimSkip:
		return m, nil
	}
	return "", fmt.Errorf("unknown reclaim mode %q", s)
}

// RecoveryPolicy selects how Recover treats invalid replay sequences.
type RecoveryPolicy string

const (
	// RecoveryFail refuses to recover.
	RecoveryFail RecoveryPolicy = "fail"
	// RecoverySkip logs the names and keeps their checkpointed state.
	RecoverySkip RecoveryPolicy = "skip"
)

// ParseRecoveryPolicy parses "fail" or "skip".
func ParseRecoveryPolicy(s string) (RecoveryPolicy, error) {
	switch p := RecoveryPolicy(s); p {
	case RecoveryFail, RecoverySkip:
		return p, nil
	}
	return "", fmt.Errorf("unknown recovery policy %q", s)
}

// Engine hosts the artifact registry.
//
// Thread-safety model:
//   - Create, Delete, Replace: serialized by one writer lock
//   - Checkpoint: one at a time; mutations pause only while the snapshot
//     is taken and the registry copied
//   - Get, List, Count: safe from any goroutine
//
// INVARIANTS:
//   - an operation is committed to the log before the registry changes
//   - the registry equals the last checkpoint plus the replayed log
type Engine struct {
	store   kv.Store
	manager *txlog.Manager
	clock   *Clock
	ids     IDGenerator
	logger  *slog.Logger

	reclaimMode ReclaimMode
	policy      RecoveryPolicy

	writeMu  sync.RWMutex // guards registry
	registry registry
	ckptMu   sync.Mutex
	last     atomic.Pointer[CheckpointResult]

	recovered atomic.Bool
	closed    atomic.Bool
	reclaims  sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithIDGenerator sets the checkpoint id generator.
//
// Default: UUIDv7Generator
// Use NewFixedGenerator in tests for stable checkpoint documents.
func WithIDGenerator(gen IDGenerator) Option {
	return func(e *Engine) {
		if gen != nil {
			e.ids = gen
		}
	}
}

// WithReclaimMode sets the post-checkpoint reclaim mode. Default: ReclaimAsync.
func WithReclaimMode(mode ReclaimMode) Option {
	return func(e *Engine) {
		e.reclaimMode = mode
	}
}

// WithRecoveryPolicy sets the invalid replay policy. Default: RecoveryFail.
func WithRecoveryPolicy(policy RecoveryPolicy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// New creates an Engine over store. The manager must be over the same store.
// Call Recover before any mutation.
func New(store kv.Store, manager *txlog.Manager, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		manager:     manager,
		clock:       NewClock(),
		ids:         UUIDv7Generator{},
		logger:      slog.Default(),
		reclaimMode: ReclaimAsync,
		policy:      RecoveryFail,
		registry:    newRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "engine"))
	return e
}

// Create adds a live artifact. Returns ErrArtifactExists if name is live.
func (e *Engine) Create(ctx context.Context, cat txlog.Category, name string, expr, state ir.Value) (Artifact, error) {
	return e.mutate(ctx, cat, name, txlog.Create(expr, state), func(live bool) error {
		if live {
			return fmt.Errorf("create %s %q: %w", cat, name, ErrArtifactExists)
		}
		return nil
	})
}

// Replace redefines a live artifact with a single DeleteCreate record.
// Returns ErrArtifactNotFound if name is not live.
func (e *Engine) Replace(ctx context.Context, cat txlog.Category, name string, expr, state ir.Value) (Artifact, error) {
	return e.mutate(ctx, cat, name, txlog.DeleteCreate(expr, state), func(live bool) error {
		if !live {
			return fmt.Errorf("replace %s %q: %w", cat, name, ErrArtifactNotFound)
		}
		return nil
	})
}

// Delete removes a live artifact. Returns ErrArtifactNotFound if name is not live.
func (e *Engine) Delete(ctx context.Context, cat txlog.Category, name string) error {
	_, err := e.mutate(ctx, cat, name, txlog.Delete(), func(live bool) error {
		if !live {
			return fmt.Errorf("delete %s %q: %w", cat, name, ErrArtifactNotFound)
		}
		return nil
	})
	return err
}

func (e *Engine) mutate(ctx context.Context, cat txlog.Category, name string, op txlog.Operation, check func(live bool) error) (Artifact, error) {
	if err := e.ready(); err != nil {
		return Artifact{}, err
	}
	if !cat.Valid() {
		return Artifact{}, fmt.Errorf("%w: %d", txlog.ErrUnknownCategory, int(cat))
	}
	if name == "" {
		return Artifact{}, errors.New("artifact name must not be empty")
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	_, live := e.registry[cat][name]
	if err := check(live); err != nil {
		return Artifact{}, err
	}

	version, err := e.manager.Record(ctx, cat, name, op)
	if err != nil {
		return Artifact{}, fmt.Errorf("record %s %s %q: %w", op.Kind(), cat, name, err)
	}

	seq := e.clock.Next()
	def, ok := txlog.DefinitionOf(op)
	if !ok {
		delete(e.registry[cat], name)
		e.logger.Debug("artifact deleted",
			slog.String("category", cat.Slug()),
			slog.String("name", name),
			slog.Int64("version", version),
			slog.Int64("seq", seq),
		)
		return Artifact{Category: cat, Name: name, Seq: seq}, nil
	}

	a := Artifact{Category: cat, Name: name, Definition: def, Seq: seq}
	e.registry[cat][name] = a
	e.logger.Debug("artifact applied",
		slog.String("category", cat.Slug()),
		slog.String("name", name),
		slog.String("kind", op.Kind().String()),
		slog.Int64("version", version),
		slog.Int64("seq", seq),
	)
	return a, nil
}

// Get returns the live artifact cat/name.
func (e *Engine) Get(cat txlog.Category, name string) (Artifact, bool) {
	e.writeMu.RLock()
	defer e.writeMu.RUnlock()
	a, ok := e.registry[cat][name]
	return a, ok
}

// List returns the live artifacts of cat sorted by name.
func (e *Engine) List(cat txlog.Category) []Artifact {
	e.writeMu.RLock()
	defer e.writeMu.RUnlock()

	out := make([]Artifact, 0, len(e.registry[cat]))
	for _, a := range e.registry[cat] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of live artifacts across all categories.
func (e *Engine) Count() int {
	e.writeMu.RLock()
	defer e.writeMu.RUnlock()
	return e.registry.count()
}

// Clock returns the engine's logical clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// Log returns the transaction log manager.
func (e *Engine) Log() *txlog.Manager {
	return e.manager
}

// LastCheckpoint returns the result of the last successful Checkpoint, or
// nil if none was taken by this engine.
func (e *Engine) LastCheckpoint() *CheckpointResult {
	return e.last.Load()
}

// Recovered reports whether Recover has succeeded.
func (e *Engine) Recovered() bool {
	return e.recovered.Load()
}

// Wait blocks until a running checkpoint and all background reclaims have
// finished.
func (e *Engine) Wait() {
	// Checkpoint adds to reclaims only while holding ckptMu.
	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()
	e.reclaims.Wait()
}

// Close waits for a running checkpoint and background reclaims, then closes
// the manager. Checkpoints started afterwards fail with ErrClosed. The store
// is left open.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.Wait()
	return e.manager.Close()
}

func (e *Engine) ready() error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.recovered.Load() {
		return ErrNotRecovered
	}
	return nil
}
