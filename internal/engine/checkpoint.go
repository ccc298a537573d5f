package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/rxlog/internal/ir"
	"github.com/roach88/rxlog/internal/kv"
	"github.com/roach88/rxlog/internal/txlog"
)

// Checkpoint storage location.
const (
	CheckpointTable = "Checkpoint"
	CheckpointKey   = "State"
)

// Artifact is one live registry entry.
type Artifact struct {
	Category   txlog.Category
	Name       string
	Definition txlog.Definition
	// Seq is the logical clock value of the change that produced the entry.
	Seq int64
}

// Fingerprint identifies the artifact's expression.
func (a Artifact) Fingerprint() string {
	return ir.MustFingerprint(ir.DomainExpression, a.Definition.Expression)
}

func (a Artifact) value() ir.Value {
	return ir.NewObject(
		ir.O("expression", ir.OrNull(a.Definition.Expression)),
		ir.O("state", ir.OrNull(a.Definition.State)),
		ir.O("seq", ir.Int(a.Seq)),
	)
}

// registry maps category to name to artifact.
type registry map[txlog.Category]map[string]Artifact

func newRegistry() registry {
	r := make(registry)
	for _, cat := range txlog.Categories() {
		r[cat] = make(map[string]Artifact)
	}
	return r
}

func (r registry) clone() registry {
	out := newRegistry()
	for cat, entries := range r {
		for name, a := range entries {
			out[cat][name] = a
		}
	}
	return out
}

func (r registry) count() int {
	n := 0
	for _, entries := range r {
		n += len(entries)
	}
	return n
}

// Checkpoint is the full registry state written at a checkpoint.
type Checkpoint struct {
	// ID is a UUIDv7 unless a custom IDGenerator is configured.
	ID string
	// Version is the log version made current by the snapshot. Operations
	// in older versions are contained in the checkpoint.
	Version int64
	// Seq is the engine clock position.
	Seq       int64
	artifacts registry
}

// Artifacts returns the checkpointed artifacts of cat.
func (c *Checkpoint) Artifacts(cat txlog.Category) map[string]Artifact {
	return c.artifacts[cat]
}

// Count returns the number of checkpointed artifacts.
func (c *Checkpoint) Count() int {
	return c.artifacts.count()
}

// Value renders the checkpoint as an ir.Value:
//
//	{"artifacts": {"<category slug>": {"<name>": {"expression", "seq", "state"}}},
//	 "id": ..., "seq": ..., "version": ...}
func (c *Checkpoint) Value() ir.Value {
	arts := ir.Object{}
	for _, cat := range txlog.Categories() {
		entries := ir.Object{}
		for name, a := range c.artifacts[cat] {
			entries[name] = a.value()
		}
		arts[cat.Slug()] = entries
	}
	return ir.NewObject(
		ir.O("artifacts", arts),
		ir.O("id", ir.String(c.ID)),
		ir.O("seq", ir.Int(c.Seq)),
		ir.O("version", ir.Int(c.Version)),
	)
}

// Marshal returns the canonical JSON encoding.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return ir.MarshalCanonical(c.Value())
}

// Fingerprint returns the content hash of the checkpoint.
func (c *Checkpoint) Fingerprint() (string, error) {
	return ir.Fingerprint(ir.DomainCheckpoint, c.Value())
}

// ParseCheckpoint decodes a checkpoint written by Marshal.
func ParseCheckpoint(data []byte) (*Checkpoint, error) {
	v, err := ir.ParseValue(data)
	if err != nil {
		return nil, err
	}
	root, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("checkpoint: expected object, got %T", v)
	}

	c := &Checkpoint{artifacts: newRegistry()}
	if c.ID, err = stringField(root, "id"); err != nil {
		return nil, err
	}
	if c.Version, err = intField(root, "version"); err != nil {
		return nil, err
	}
	if c.Seq, err = intField(root, "seq"); err != nil {
		return nil, err
	}

	arts, ok := root["artifacts"].(ir.Object)
	if !ok {
		return nil, errors.New("checkpoint: missing artifacts")
	}
	for slug, raw := range arts {
		cat, err := txlog.ParseCategory(slug)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %w", err)
		}
		entries, ok := raw.(ir.Object)
		if !ok {
			return nil, fmt.Errorf("checkpoint: artifacts.%s: expected object", slug)
		}
		for name, rawEntry := range entries {
			entry, ok := rawEntry.(ir.Object)
			if !ok {
				return nil, fmt.Errorf("checkpoint: artifacts.%s.%s: expected object", slug, name)
			}
			seq, err := intField(entry, "seq")
			if err != nil {
				return nil, fmt.Errorf("checkpoint: artifacts.%s.%s: %w", slug, name, err)
			}
			c.artifacts[cat][name] = Artifact{
				Category: cat,
				Name:     name,
				Definition: txlog.Definition{
					Expression: ir.OrNull(entry["expression"]),
					State:      ir.OrNull(entry["state"]),
				},
				Seq: seq,
			}
		}
	}
	return c, nil
}

func stringField(obj ir.Object, key string) (string, error) {
	s, ok := obj[key].(ir.String)
	if !ok {
		return "", fmt.Errorf("checkpoint: field %q: expected string", key)
	}
	return string(s), nil
}

func intField(obj ir.Object, key string) (int64, error) {
	n, ok := obj[key].(ir.Int)
	if !ok {
		return 0, fmt.Errorf("checkpoint: field %q: expected integer", key)
	}
	return int64(n), nil
}

// LoadCheckpoint reads the stored checkpoint. It returns nil, nil when
// no checkpoint has been written.
func LoadCheckpoint(ctx context.Context, store kv.Store) (*Checkpoint, error) {
	tx, err := store.CreateTransaction(ctx)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	defer tx.Discard()

	data, err := tx.Table(CheckpointTable).Get(ctx, CheckpointKey)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	c, err := ParseCheckpoint(data)
	if err != nil {
		return nil, NewCorruptCheckpointError(err)
	}
	return c, nil
}

func writeCheckpoint(ctx context.Context, store kv.Store, c *Checkpoint) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	tx, err := store.CreateTransaction(ctx)
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	defer tx.Discard()

	if err := tx.Table(CheckpointTable).Set(ctx, CheckpointKey, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// CheckpointResult reports a completed Checkpoint.
type CheckpointResult struct {
	ID          string              `json:"id"`
	Version     int64               `json:"version"`
	Seq         int64               `json:"seq"`
	Artifacts   int                 `json:"artifacts"`
	Fingerprint string              `json:"fingerprint"`
	ReclaimMode ReclaimMode         `json:"reclaim_mode"`
	Reclaim     *txlog.ReclaimStats `json:"reclaim,omitempty"` // set for ReclaimSync
}

// Checkpoint persists the registry and releases the log versions it covers.
//
// A failed snapshot or checkpoint write aborts with the error and keeps every
// version needed for recovery. A failed reclaim is logged only: it frees
// storage and never affects recovery.
func (e *Engine) Checkpoint(ctx context.Context) (*CheckpointResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}

	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()
	if e.closed.Load() {
		return nil, ErrClosed
	}

	ckpt, cleanup, err := e.freeze(ctx)
	if err != nil {
		return nil, err
	}

	fp, err := ckpt.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	if err := writeCheckpoint(ctx, e.store, ckpt); err != nil {
		return nil, err
	}

	// From here the checkpoint is durable. A crash before LoseReference
	// commits only means older versions are replayed again.
	resource, err := cleanup.LoseReference(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", ckpt.ID, err)
	}

	result := &CheckpointResult{
		ID:          ckpt.ID,
		Version:     ckpt.Version,
		Seq:         ckpt.Seq,
		Artifacts:   ckpt.Count(),
		Fingerprint: fp,
		ReclaimMode: e.reclaimMode,
	}

	switch e.reclaimMode {
	case ReclaimSync:
		stats, err := resource.Reclaim(ctx)
		if err != nil {
			e.logger.Warn("reclaim after checkpoint failed",
				slog.String("checkpoint", ckpt.ID),
				slog.String("error", err.Error()),
			)
		} else {
			result.Reclaim = &stats
		}
	case ReclaimSkip:
	default:
		e.reclaims.Add(1)
		go func(ctx context.Context) {
			defer e.reclaims.Done()
			if _, err := resource.Reclaim(ctx); err != nil {
				e.logger.Warn("background reclaim failed",
					slog.String("checkpoint", ckpt.ID),
					slog.String("error", err.Error()),
				)
			}
		}(context.WithoutCancel(ctx))
	}

	e.last.Store(result)
	e.logger.Info("checkpoint taken",
		slog.String("checkpoint", ckpt.ID),
		slog.Int64("version", ckpt.Version),
		slog.Int("artifacts", result.Artifacts),
		slog.String("fingerprint", ir.ShortFingerprint(fp)),
	)
	return result, nil
}

// freeze takes the snapshot and copies the registry with mutations paused,
// so the copy holds exactly the operations of the versions before the
// snapshot.
func (e *Engine) freeze(ctx context.Context) (*Checkpoint, *txlog.SnapshotCleanup, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cleanup, err := e.manager.Snapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: %w", err)
	}
	return &Checkpoint{
		ID:        e.ids.Generate(),
		Version:   cleanup.Version(),
		Seq:       e.clock.Current(),
		artifacts: e.registry.clone(),
	}, cleanup, nil
}
