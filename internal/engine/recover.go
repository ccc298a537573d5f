package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/rxlog/internal/txlog"
)

// RecoveryReport describes what Recover rebuilt.
type RecoveryReport struct {
	CheckpointID      string            `json:"checkpoint_id,omitempty"`
	CheckpointVersion int64             `json:"checkpoint_version"`
	ReplayedVersions  []int64           `json:"replayed_versions"`
	Created           int               `json:"created"`
	Overwritten       int               `json:"overwritten"`
	Deleted           int               `json:"deleted"`
	IgnoredDeletes    int               `json:"ignored_deletes"`
	Skipped           []InvalidSequence `json:"skipped,omitempty"`
	Artifacts         int               `json:"artifacts"`
}

// InvalidSequence is a name whose logged operations could not be coalesced.
type InvalidSequence struct {
	Category txlog.Category `json:"category"`
	Name     string         `json:"name"`
	Kinds    []string       `json:"kinds"`
}

// Recover rebuilds the registry from the stored checkpoint and the log.
//
// Only versions at or after the checkpoint's snapshot version are replayed.
// Create and DeleteCreate are applied as upserts; a Delete of a missing
// artifact is counted and ignored. Calling Recover again rebuilds the
// registry from scratch.
func (e *Engine) Recover(ctx context.Context) (*RecoveryReport, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	ckpt, err := LoadCheckpoint(ctx, e.store)
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{}
	reg := newRegistry()
	var from, seq int64
	if ckpt != nil {
		report.CheckpointID = ckpt.ID
		report.CheckpointVersion = ckpt.Version
		reg = ckpt.artifacts.clone()
		from, seq = ckpt.Version, ckpt.Seq
	}

	rs, err := e.manager.ReplayLogFrom(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}
	report.ReplayedVersions = rs.Versions()

	if rs.HasInvalid() {
		if e.policy != RecoverySkip {
			re := NewInvalidReplayError(rs)
			re.CheckpointID = report.CheckpointID
			return nil, re
		}
		report.Skipped = invalidSequences(rs)
		for _, s := range report.Skipped {
			e.logger.Warn("skipping invalid replay sequence",
				slog.String("category", s.Category.Slug()),
				slog.String("name", s.Name),
				slog.Any("kinds", s.Kinds),
			)
		}
	}

	clock := NewClockAt(seq)
	for _, cat := range txlog.Categories() {
		ops := rs.Operations(cat)
		for _, name := range rs.Names(cat) {
			op := ops[name]
			def, ok := txlog.DefinitionOf(op)
			if !ok {
				if _, live := reg[cat][name]; !live {
					report.IgnoredDeletes++
					continue
				}
				delete(reg[cat], name)
				clock.Next()
				report.Deleted++
				continue
			}
			if _, live := reg[cat][name]; live {
				report.Overwritten++
			} else {
				report.Created++
			}
			reg[cat][name] = Artifact{Category: cat, Name: name, Definition: def, Seq: clock.Next()}
		}
	}

	e.registry = reg
	e.clock.Reset(clock.Current())
	e.recovered.Store(true)
	report.Artifacts = reg.count()

	e.logger.Info("engine recovered",
		slog.String("checkpoint", report.CheckpointID),
		slog.Any("versions", report.ReplayedVersions),
		slog.Int("created", report.Created),
		slog.Int("overwritten", report.Overwritten),
		slog.Int("deleted", report.Deleted),
		slog.Int("skipped", len(report.Skipped)),
		slog.Int("artifacts", report.Artifacts),
	)
	return report, nil
}

func invalidSequences(rs *txlog.ReplaySet) []InvalidSequence {
	var out []InvalidSequence
	for _, cat := range txlog.Categories() {
		invalid := rs.Invalid(cat)
		for _, name := range sortedNames(invalid) {
			kinds := make([]string, 0, len(invalid[name]))
			for _, op := range invalid[name] {
				kinds = append(kinds, op.Kind().String())
			}
			out = append(out, InvalidSequence{Category: cat, Name: name, Kinds: kinds})
		}
	}
	return out
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
