package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/rxlog/internal/kv"
	"github.com/roach88/rxlog/internal/kv/badgerkv"
	"github.com/roach88/rxlog/internal/kv/kvtest"
	"github.com/roach88/rxlog/internal/txlog"
)

// Harness runs scenario steps against one store.
type Harness struct {
	store   *kvtest.FaultStore
	manager *txlog.Manager
	logger  *slog.Logger
}

// Option configures Run.
type Option func(*Harness)

// WithLogger sets the logger passed to every manager. Logs are discarded
// by default.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory Badger store for isolation.
//
// Execution flow:
//  1. Run the steps, checking the stored counters after each
//  2. Clear pending faults and restart the manager
//  3. Replay the log and record counters, held versions and the report
//  4. Evaluate expectations
//
// The returned error is for harness failures; scenario failures are
// reported in Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	inner, err := badgerkv.OpenInMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer inner.Close()

	h := &Harness{
		store:  kvtest.NewFaultStore(inner),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.restart()
	defer func() { _ = h.manager.Close() }()

	result := NewResult()
	for i, step := range scenario.Steps {
		err := h.execute(ctx, step)

		sr := StepResult{Action: step.Action}
		if err != nil {
			sr.Error = err.Error()
		}
		result.Steps = append(result.Steps, sr)

		switch {
		case err != nil && !step.ExpectError:
			result.AddError(fmt.Sprintf("steps[%d] %s: unexpected error: %v", i, step.Action, err))
		case err == nil && step.ExpectError:
			result.AddError(fmt.Sprintf("steps[%d] %s: expected an error", i, step.Action))
		}

		if msg := h.checkInvariants(ctx); msg != "" {
			result.AddError(fmt.Sprintf("steps[%d] %s: %s", i, step.Action, msg))
		}
	}

	h.store.Disarm()
	h.restart()
	rs, err := h.manager.ReplayLog(ctx)
	if err != nil {
		return nil, fmt.Errorf("final replay: %w", err)
	}
	result.Metadata = h.manager.Metadata()
	result.Held = h.manager.Versions()
	result.Replay = NewReplayReport(rs)

	for _, msg := range CheckExpectations(result, scenario.Expect) {
		result.AddError(msg)
	}

	h.logger.Debug("scenario completed",
		"scenario", scenario.Name,
		"steps", len(scenario.Steps),
		"pass", result.Pass,
	)
	return result, nil
}

func (h *Harness) restart() {
	if h.manager != nil {
		_ = h.manager.Close()
	}
	h.manager = txlog.NewManager(h.store, txlog.WithLogger(h.logger))
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch step.Action {
	case ActionAppend:
		cat, err := txlog.ParseCategory(step.Category)
		if err != nil {
			return err
		}
		op, err := step.operation()
		if err != nil {
			return err
		}
		_, err = h.manager.Record(ctx, cat, step.Name, op)
		return err
	case ActionSnapshot:
		_, err := h.manager.Snapshot(ctx)
		return err
	case ActionLoseReference:
		_, err := h.manager.LoseReference(ctx, nil)
		return err
	case ActionReclaim:
		_, err := h.manager.Reclaim(ctx)
		return err
	case ActionRestart:
		h.restart()
		return nil
	case ActionFailNextCommit:
		h.store.FailNextCommit()
		return nil
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

// checkInvariants verifies the stored counters. It returns "" when they
// hold and agree with the manager.
func (h *Harness) checkInvariants(ctx context.Context) string {
	stored, found, err := readMetadata(ctx, h.store)
	if err != nil {
		return fmt.Sprintf("read metadata: %v", err)
	}
	if !found {
		return ""
	}
	if err := stored.Check(); err != nil {
		return err.Error()
	}
	if live := h.manager.Metadata(); live.Initialized() && live != stored {
		return fmt.Sprintf("stored metadata %+v differs from manager %+v", stored, live)
	}
	return ""
}

func readMetadata(ctx context.Context, store kv.Store) (txlog.Metadata, bool, error) {
	tx, err := store.CreateTransaction(ctx)
	if err != nil {
		return txlog.Metadata{}, false, err
	}
	defer tx.Discard()
	return txlog.LoadMetadata(ctx, tx)
}
