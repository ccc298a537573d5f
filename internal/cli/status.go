package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rxlog/internal/engine"
	"github.com/roach88/rxlog/internal/ir"
	"github.com/roach88/rxlog/internal/kv"
	"github.com/roach88/rxlog/internal/txlog"
)

// LogStatus describes the stored log counters and the held versions.
type LogStatus struct {
	Initialized bool              `json:"initialized"`
	Metadata    txlog.Metadata    `json:"metadata"`
	Reclaimable int64             `json:"reclaimable"`
	Versions    []VersionStatus   `json:"versions"`
	Checkpoint  *CheckpointStatus `json:"checkpoint,omitempty"`
}

// VersionStatus is one held version.
type VersionStatus struct {
	Version    int64          `json:"version"`
	Active     bool           `json:"active"`
	Current    bool           `json:"current"`
	Operations map[string]int `json:"operations"` // category slug -> record count
}

// CheckpointStatus summarizes the stored checkpoint.
type CheckpointStatus struct {
	ID          string `json:"id"`
	Version     int64  `json:"version"`
	Seq         int64  `json:"seq"`
	Artifacts   int    `json:"artifacts"`
	Fingerprint string `json:"fingerprint"`
}

func (s LogStatus) String() string {
	if !s.Initialized {
		return "Log not initialized."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Latest: %d  Active: %d  Held: %d  Reclaimable: %d\n",
		s.Metadata.Latest, s.Metadata.ActiveCount, s.Metadata.HeldCount, s.Reclaimable)
	for _, v := range s.Versions {
		marker := "held"
		switch {
		case v.Current:
			marker = "current"
		case v.Active:
			marker = "active"
		}
		total := 0
		for _, n := range v.Operations {
			total += n
		}
		fmt.Fprintf(&b, "  version %d (%s): %d records\n", v.Version, marker, total)
	}
	if s.Checkpoint != nil {
		fmt.Fprintf(&b, "Checkpoint %s at version %d: %d artifacts, %s",
			s.Checkpoint.ID, s.Checkpoint.Version, s.Checkpoint.Artifacts, ir.ShortFingerprint(s.Checkpoint.Fingerprint))
	} else {
		b.WriteString("No checkpoint.")
	}
	return b.String()
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the transaction log",
		Long: `Create the log counters in an empty store, making version 1 current.
On an initialized store this only reports the current status.

Examples:
  rxlog init --db ./rxlog.db
  rxlog init --config rxlog.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.Context(), rootOpts, cmd)
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show log counters, held versions and the checkpoint",
		Long: `Read the stored log state without modifying it.

Examples:
  rxlog status --db ./rxlog.db
  rxlog status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), rootOpts, cmd)
		},
	}
}

func runInit(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	rt, err := openRuntime(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	if err := rt.manager.EnsureInitialized(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize log", err).withKind(CodeStore)
	}
	status, err := readStatus(ctx, rt.store)
	if err != nil {
		return err
	}
	return rt.out.Success(status)
}

func runStatus(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	rt, err := openRuntime(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	status, err := readStatus(ctx, rt.store)
	if err != nil {
		return err
	}
	return rt.out.Success(status)
}

// readStatus loads the counters, per-version record counts and the
// checkpoint summary. It never initializes the log.
func readStatus(ctx context.Context, store kv.Store) (LogStatus, error) {
	status := LogStatus{Versions: []VersionStatus{}}

	tx, err := store.CreateTransaction(ctx)
	if err != nil {
		return status, WrapExitError(ExitCommandError, "failed to read status", err).withKind(CodeStore)
	}
	defer tx.Discard()

	meta, found, err := txlog.LoadMetadata(ctx, tx)
	if err != nil {
		return status, WrapExitError(ExitCommandError, "failed to read log metadata", err).withKind(CodeStore)
	}
	if !found {
		return status, nil
	}
	status.Initialized = true
	status.Metadata = meta
	status.Reclaimable = meta.Reclaimable()

	firstActive := meta.Latest - meta.ActiveCount + 1
	for v := meta.Oldest(); v <= meta.Latest; v++ {
		tables, err := txlog.NewVersionedLog(v, txlog.DefaultCodec).EnterScope(tx).Load(ctx)
		if err != nil {
			return status, WrapExitError(ExitCommandError, fmt.Sprintf("failed to read version %d", v), err).withKind(CodeStore)
		}
		counts := map[string]int{}
		for cat, ops := range tables {
			if len(ops) > 0 {
				counts[cat.Slug()] = len(ops)
			}
		}
		status.Versions = append(status.Versions, VersionStatus{
			Version:    v,
			Active:     v >= firstActive,
			Current:    v == meta.Latest,
			Operations: counts,
		})
	}
	tx.Discard()

	ckpt, err := engine.LoadCheckpoint(ctx, store)
	if err != nil {
		return status, WrapExitError(ExitCommandError, "failed to read checkpoint", err).withKind(CodeStore)
	}
	if ckpt != nil {
		fp, err := ckpt.Fingerprint()
		if err != nil {
			return status, WrapExitError(ExitCommandError, "failed to fingerprint checkpoint", err)
		}
		status.Checkpoint = &CheckpointStatus{
			ID:          ckpt.ID,
			Version:     ckpt.Version,
			Seq:         ckpt.Seq,
			Artifacts:   ckpt.Count(),
			Fingerprint: fp,
		}
	}
	return status, nil
}
